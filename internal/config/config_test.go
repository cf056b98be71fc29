package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validSymbol() SymbolConfig {
	return SymbolConfig{
		Symbol:      "BTC",
		NotionalUSD: 50000,
		Legs: []LegConfig{
			{Venue: "hyperliquid", Instrument: "perpetual", Market: "BTC", Side: "short", TakerFeeBps: 5, SlippageBps: 5},
			{Venue: "binance", Instrument: "perpetual", Market: "BTCUSDT", Side: "long", TakerFeeBps: 5, SlippageBps: 5},
		},
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	raw := `
symbols:
  - symbol: BTC
    notional_usd: 50000
    legs:
      - venue: hyperliquid
        instrument: perpetual
        market: BTC
        side: short
      - venue: binance
        instrument: perpetual
        market: BTCUSDT
        side: long
`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Mode != ModeObserver {
		t.Fatalf("expected observer default mode, got %q", cfg.Mode)
	}
	if cfg.Monitor.Interval != 60*time.Second {
		t.Fatalf("expected monitor interval default, got %v", cfg.Monitor.Interval)
	}
	if cfg.Monitor.OpenTimeout != 10*time.Second {
		t.Fatalf("expected open timeout default, got %v", cfg.Monitor.OpenTimeout)
	}
	if cfg.Monitor.CloseTimeout != cfg.Monitor.OpenTimeout {
		t.Fatalf("expected close timeout to follow open timeout, got %v", cfg.Monitor.CloseTimeout)
	}
	if cfg.Signal.OpenConfirmations != 3 {
		t.Fatalf("expected 3 open confirmations default, got %d", cfg.Signal.OpenConfirmations)
	}
	if cfg.Signal.FlipTolerance != 2*time.Hour {
		t.Fatalf("expected flip tolerance default, got %v", cfg.Signal.FlipTolerance)
	}
	if cfg.Venues.Hyperliquid.BaseURL == "" || cfg.Venues.Binance.BaseURL == "" {
		t.Fatalf("expected venue base url defaults")
	}
}

func TestRebalanceLegDefaultsToPerp(t *testing.T) {
	sym := SymbolConfig{
		Symbol:      "ETH",
		NotionalUSD: 1,
		Legs: []LegConfig{
			{Venue: "hyperliquid", Instrument: "spot", Market: "ETH/USDC", Side: "long"},
			{Venue: "hyperliquid", Instrument: "perpetual", Market: "ETH", Side: "short"},
		},
	}
	applySymbolDefaults(&sym)
	if sym.Legs[0].Rebalance {
		t.Fatalf("expected spot leg to stay non-rebalance")
	}
	if !sym.Legs[1].Rebalance {
		t.Fatalf("expected perpetual leg to carry rebalance default")
	}
}

func TestValidateRequiresSymbols(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for missing symbols")
	}
}

func TestValidateRequiresTwoLegs(t *testing.T) {
	sym := validSymbol()
	sym.Legs = sym.Legs[:1]
	cfg := &Config{Symbols: []SymbolConfig{sym}}
	applyDefaults(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for single-leg symbol")
	}
}

func TestValidateRejectsSameSideLegs(t *testing.T) {
	sym := validSymbol()
	sym.Legs[1].Side = "short"
	cfg := &Config{Symbols: []SymbolConfig{sym}}
	applyDefaults(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for same-side legs")
	}
}

func TestValidateAllowsUnsetSides(t *testing.T) {
	sym := validSymbol()
	sym.Legs[0].Side = ""
	sym.Legs[1].Side = ""
	cfg := &Config{Symbols: []SymbolConfig{sym}}
	applyDefaults(cfg)
	if err := validate(cfg); err != nil {
		t.Fatalf("expected unset sides to validate, got %v", err)
	}
}

func TestValidateRejectsHalfSetSides(t *testing.T) {
	sym := validSymbol()
	sym.Legs[0].Side = ""
	cfg := &Config{Symbols: []SymbolConfig{sym}}
	applyDefaults(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error when only one leg side is set")
	}
}

func TestValidateRejectsBinanceSpotLeg(t *testing.T) {
	sym := validSymbol()
	sym.Legs[1].Instrument = "spot"
	cfg := &Config{Symbols: []SymbolConfig{sym}}
	applyDefaults(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for binance spot leg")
	}
}

func TestValidateRejectsUnknownVenue(t *testing.T) {
	sym := validSymbol()
	sym.Legs[0].Venue = "okx"
	cfg := &Config{Symbols: []SymbolConfig{sym}}
	applyDefaults(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for unknown venue")
	}
}

func TestValidateRejectsNotionalAboveRiskCap(t *testing.T) {
	sym := validSymbol()
	cfg := &Config{
		Symbols: []SymbolConfig{sym},
		Risk:    RiskConfig{MaxNotionalUSD: 100},
	}
	applyDefaults(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for notional above risk cap")
	}
}

func TestValidateRejectsMarginFloorAboveLeverageRoom(t *testing.T) {
	sym := validSymbol()
	sym.Leverage = 20
	cfg := &Config{
		Symbols: []SymbolConfig{sym},
		Risk:    RiskConfig{MinMarginRatio: 0.05},
	}
	applyDefaults(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for margin floor at 20x initial margin")
	}
}

func TestValidateRejectsFractionalLeverage(t *testing.T) {
	sym := validSymbol()
	sym.Leverage = 0.5
	cfg := &Config{Symbols: []SymbolConfig{sym}}
	applyDefaults(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for leverage below 1")
	}
}

func TestValidateRejectsPollLongerThanTimeout(t *testing.T) {
	cfg := &Config{
		Symbols: []SymbolConfig{validSymbol()},
		Monitor: MonitorConfig{PollInterval: 20 * time.Second, OpenTimeout: 10 * time.Second},
	}
	applyDefaults(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for poll interval >= open timeout")
	}
}

func TestValidateRejectsDuplicateSymbols(t *testing.T) {
	cfg := &Config{Symbols: []SymbolConfig{validSymbol(), validSymbol()}}
	applyDefaults(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for duplicate symbol")
	}
}

func TestTelegramEnvOverrides(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "env-token")
	t.Setenv("TELEGRAM_CHAT_ID", "123")
	cfg := &Config{
		Symbols:  []SymbolConfig{validSymbol()},
		Telegram: TelegramConfig{Enabled: true, ChatID: "999"},
	}
	applyDefaults(cfg)
	applyEnvOverrides(cfg)
	if cfg.Telegram.Token != "env-token" {
		t.Fatalf("expected env token, got %q", cfg.Telegram.Token)
	}
	if cfg.Telegram.ChatID != "123" {
		t.Fatalf("expected env chat id override, got %q", cfg.Telegram.ChatID)
	}
	if err := validate(cfg); err != nil {
		t.Fatalf("expected valid config with env overrides, got %v", err)
	}
}

func TestValidateRejectsTelegramWithoutToken(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "")
	t.Setenv("TELEGRAM_CHAT_ID", "")
	cfg := &Config{
		Symbols:  []SymbolConfig{validSymbol()},
		Telegram: TelegramConfig{Enabled: true},
	}
	applyDefaults(cfg)
	applyEnvOverrides(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for telegram without token")
	}
}

func TestVenueNames(t *testing.T) {
	cfg := &Config{Symbols: []SymbolConfig{validSymbol()}}
	names := cfg.VenueNames()
	if len(names) != 2 {
		t.Fatalf("expected 2 venues, got %v", names)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}
