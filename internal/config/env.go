package config

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// LoadEnv loads a .env file into the process environment without overriding
// variables that are already set. Missing files are ignored to keep startup
// flexible.
func LoadEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return godotenv.Load(path)
}

// Env returns the trimmed value of an environment variable.
func Env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}
