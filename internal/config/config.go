package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	ModeLive     = "live"
	ModeObserver = "observer"
)

type Config struct {
	Mode      string          `yaml:"mode"`
	Log       LoggingConfig   `yaml:"log"`
	State     StateConfig     `yaml:"state"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Signal    SignalConfig    `yaml:"signal"`
	Risk      RiskConfig      `yaml:"risk"`
	Costs     CostConfig      `yaml:"costs"`
	Symbols   []SymbolConfig  `yaml:"symbols"`
	Venues    VenuesConfig    `yaml:"venues"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Ops       OpsConfig       `yaml:"ops"`
	Recorder  RecorderConfig  `yaml:"recorder"`
	Timescale TimescaleConfig `yaml:"timescale"`
	Archive   ArchiveConfig   `yaml:"archive"`
}

type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type MonitorConfig struct {
	Interval     time.Duration `yaml:"interval"`
	PollInterval time.Duration `yaml:"poll_interval"`
	OpenTimeout  time.Duration `yaml:"open_timeout"`
	CloseTimeout time.Duration `yaml:"close_timeout"`
}

type SignalConfig struct {
	DailyFundingMinUSD  float64       `yaml:"daily_funding_min_usd"`
	OpenConfirmations   int           `yaml:"open_confirmations"`
	DeclineFraction     float64       `yaml:"decline_fraction"`
	FlipTolerance       time.Duration `yaml:"flip_tolerance"`
	ExpectedHoldingDays float64       `yaml:"expected_holding_days"`
	Direction           string        `yaml:"direction"`
}

type RiskConfig struct {
	MinMarginRatio   float64 `yaml:"min_margin_ratio"`
	MaxPriceJump     float64 `yaml:"max_price_jump"` // fraction of price per tick, 0.05 = 5%
	MaxFailureStreak int     `yaml:"max_failure_streak"`
	MaxCloseRetries  int     `yaml:"max_close_retries"`
	MaxNotionalUSD   float64 `yaml:"max_notional_usd"`
}

type CostConfig struct {
	TransferCostUSD float64 `yaml:"transfer_cost_usd"`
}

type SymbolConfig struct {
	Symbol             string      `yaml:"symbol"`
	NotionalUSD        float64     `yaml:"notional_usd"`
	Leverage           float64     `yaml:"leverage"`
	DeltaTargetUSD     float64     `yaml:"delta_target_usd"`
	RebalanceThreshold float64     `yaml:"rebalance_threshold"`
	Legs               []LegConfig `yaml:"legs"`
}

type LegConfig struct {
	Venue           string  `yaml:"venue"`
	Instrument      string  `yaml:"instrument"`
	Market          string  `yaml:"market"`
	Side            string  `yaml:"side"`
	MakerFeeBps     float64 `yaml:"maker_fee_bps"`
	TakerFeeBps     float64 `yaml:"taker_fee_bps"`
	SlippageBps     float64 `yaml:"slippage_bps"`
	BorrowRateDaily float64 `yaml:"borrow_rate_daily"`
	Maker           bool    `yaml:"maker"`
	Rebalance       bool    `yaml:"rebalance"`
}

type VenuesConfig struct {
	Hyperliquid HyperliquidConfig `yaml:"hyperliquid"`
	Binance     BinanceConfig     `yaml:"binance"`
}

type HyperliquidConfig struct {
	BaseURL        string        `yaml:"base_url"`
	WSURL          string        `yaml:"ws_url"`
	Timeout        time.Duration `yaml:"timeout"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	VaultAddress   string        `yaml:"vault_address"`
}

type BinanceConfig struct {
	BaseURL    string        `yaml:"base_url"`
	Timeout    time.Duration `yaml:"timeout"`
	RecvWindow time.Duration `yaml:"recv_window"`
}

type RateLimitConfig struct {
	Enabled       bool          `yaml:"enabled"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"-"`
	RedisDB       int           `yaml:"redis_db"`
	Requests      int           `yaml:"requests"`
	Window        time.Duration `yaml:"window"`
}

type TelegramConfig struct {
	Enabled                bool          `yaml:"enabled"`
	Token                  string        `yaml:"-"`
	ChatID                 string        `yaml:"chat_id"`
	OperatorEnabled        bool          `yaml:"operator_enabled"`
	OperatorPollInterval   time.Duration `yaml:"operator_poll_interval"`
	OperatorAllowedUserIDs []int64       `yaml:"operator_allowed_user_ids"`
}

type OpsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
	Metrics    bool   `yaml:"metrics"`
}

type RecorderConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

type TimescaleConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type ArchiveConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Endpoint       string `yaml:"endpoint"`
	Region         string `yaml:"region"`
	Bucket         string `yaml:"bucket"`
	Prefix         string `yaml:"prefix"`
	ForcePathStyle bool   `yaml:"force_path_style"`
	UseSSL         bool   `yaml:"use_ssl"`
	AccessKey      string `yaml:"-"`
	SecretKey      string `yaml:"-"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	return &cfg, validate(&cfg)
}

// applyEnvOverrides layers secrets and deploy-specific endpoints from the
// environment over the file values.
func applyEnvOverrides(cfg *Config) {
	if v := Env("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := Env("TELEGRAM_CHAT_ID"); v != "" {
		cfg.Telegram.ChatID = v
	}
	if v := Env("TIMESCALE_DSN"); v != "" {
		cfg.Timescale.DSN = v
	}
	if v := Env("REDIS_ADDR"); v != "" {
		cfg.RateLimit.RedisAddr = v
	}
	if v := Env("REDIS_PASSWORD"); v != "" {
		cfg.RateLimit.RedisPassword = v
	}
	if v := Env("ARCHIVE_ENDPOINT"); v != "" {
		cfg.Archive.Endpoint = v
	}
	if v := Env("ARCHIVE_ACCESS_KEY"); v != "" {
		cfg.Archive.AccessKey = v
	}
	if v := Env("ARCHIVE_SECRET_KEY"); v != "" {
		cfg.Archive.SecretKey = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Mode == "" {
		cfg.Mode = ModeObserver
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/funding-arb-bot.db"
	}
	if cfg.Monitor.Interval == 0 {
		cfg.Monitor.Interval = 60 * time.Second
	}
	if cfg.Monitor.PollInterval == 0 {
		cfg.Monitor.PollInterval = 2 * time.Second
	}
	if cfg.Monitor.OpenTimeout == 0 {
		cfg.Monitor.OpenTimeout = 10 * time.Second
	}
	if cfg.Monitor.CloseTimeout == 0 {
		cfg.Monitor.CloseTimeout = cfg.Monitor.OpenTimeout
	}
	if cfg.Signal.OpenConfirmations == 0 {
		cfg.Signal.OpenConfirmations = 3
	}
	if cfg.Signal.DeclineFraction == 0 {
		cfg.Signal.DeclineFraction = 0.5
	}
	if cfg.Signal.FlipTolerance == 0 {
		cfg.Signal.FlipTolerance = 2 * time.Hour
	}
	if cfg.Signal.ExpectedHoldingDays == 0 {
		cfg.Signal.ExpectedHoldingDays = 7
	}
	if cfg.Signal.Direction == "" {
		cfg.Signal.Direction = "hour-parity"
	}
	if cfg.Risk.MaxFailureStreak == 0 {
		cfg.Risk.MaxFailureStreak = 5
	}
	if cfg.Risk.MaxCloseRetries == 0 {
		cfg.Risk.MaxCloseRetries = 3
	}
	if cfg.Venues.Hyperliquid.BaseURL == "" {
		cfg.Venues.Hyperliquid.BaseURL = "https://api.hyperliquid.xyz"
	}
	if cfg.Venues.Hyperliquid.WSURL == "" {
		cfg.Venues.Hyperliquid.WSURL = "wss://api.hyperliquid.xyz/ws"
	}
	if cfg.Venues.Hyperliquid.Timeout == 0 {
		cfg.Venues.Hyperliquid.Timeout = 10 * time.Second
	}
	if cfg.Venues.Hyperliquid.ReconnectDelay == 0 {
		cfg.Venues.Hyperliquid.ReconnectDelay = 3 * time.Second
	}
	if cfg.Venues.Hyperliquid.PingInterval == 0 {
		cfg.Venues.Hyperliquid.PingInterval = 15 * time.Second
	}
	if cfg.Venues.Binance.BaseURL == "" {
		cfg.Venues.Binance.BaseURL = "https://fapi.binance.com"
	}
	if cfg.Venues.Binance.Timeout == 0 {
		cfg.Venues.Binance.Timeout = 10 * time.Second
	}
	if cfg.Venues.Binance.RecvWindow == 0 {
		cfg.Venues.Binance.RecvWindow = 5 * time.Second
	}
	if cfg.RateLimit.Requests == 0 {
		cfg.RateLimit.Requests = 10
	}
	if cfg.RateLimit.Window == 0 {
		cfg.RateLimit.Window = time.Second
	}
	if cfg.Telegram.OperatorPollInterval == 0 {
		cfg.Telegram.OperatorPollInterval = 3 * time.Second
	}
	if cfg.Ops.ListenAddr == "" {
		cfg.Ops.ListenAddr = ":9723"
	}
	if cfg.Recorder.Dir == "" {
		cfg.Recorder.Dir = "data/records"
	}
	for i := range cfg.Symbols {
		applySymbolDefaults(&cfg.Symbols[i])
	}
}

func applySymbolDefaults(sym *SymbolConfig) {
	if sym.Leverage == 0 {
		sym.Leverage = 1
	}
	if sym.RebalanceThreshold == 0 {
		sym.RebalanceThreshold = 0.002
	}
	if len(sym.Legs) != 2 {
		return
	}
	// Default the rebalance leg to the perpetual one when unset.
	if !sym.Legs[0].Rebalance && !sym.Legs[1].Rebalance {
		for i := range sym.Legs {
			if sym.Legs[i].Instrument == "perpetual" {
				sym.Legs[i].Rebalance = true
				break
			}
		}
		if !sym.Legs[0].Rebalance && !sym.Legs[1].Rebalance {
			sym.Legs[0].Rebalance = true
		}
	}
}

func validate(cfg *Config) error {
	if cfg.Mode != ModeLive && cfg.Mode != ModeObserver {
		return fmt.Errorf("mode must be %q or %q", ModeLive, ModeObserver)
	}
	if len(cfg.Symbols) == 0 {
		return errors.New("at least one symbol is required")
	}
	if cfg.Monitor.PollInterval >= cfg.Monitor.OpenTimeout {
		return errors.New("monitor.poll_interval must be shorter than monitor.open_timeout")
	}
	if cfg.Signal.FlipTolerance <= 0 {
		return errors.New("signal.flip_tolerance must be > 0")
	}
	if cfg.Signal.OpenConfirmations < 1 {
		return errors.New("signal.open_confirmations must be >= 1")
	}
	if cfg.Signal.DeclineFraction < 0 || cfg.Signal.DeclineFraction >= 1 {
		return errors.New("signal.decline_fraction must be in [0, 1)")
	}
	if cfg.Signal.Direction != "hour-parity" && cfg.Signal.Direction != "funding-sign" {
		return fmt.Errorf("signal.direction %q is not supported", cfg.Signal.Direction)
	}
	if cfg.Risk.MinMarginRatio < 0 {
		return errors.New("risk.min_margin_ratio must be >= 0")
	}
	if cfg.Risk.MaxPriceJump < 0 {
		return errors.New("risk.max_price_jump must be >= 0")
	}
	seen := make(map[string]struct{}, len(cfg.Symbols))
	for i := range cfg.Symbols {
		if err := validateSymbol(cfg, &cfg.Symbols[i]); err != nil {
			return err
		}
		if _, dup := seen[cfg.Symbols[i].Symbol]; dup {
			return fmt.Errorf("symbol %s configured twice", cfg.Symbols[i].Symbol)
		}
		seen[cfg.Symbols[i].Symbol] = struct{}{}
	}
	if cfg.RateLimit.Enabled && cfg.RateLimit.RedisAddr == "" {
		return errors.New("rate_limit.redis_addr is required when rate_limit.enabled")
	}
	if cfg.Telegram.Enabled && (cfg.Telegram.Token == "" || cfg.Telegram.ChatID == "") {
		return errors.New("telegram requires TELEGRAM_BOT_TOKEN and a chat id")
	}
	if cfg.Timescale.Enabled && cfg.Timescale.DSN == "" {
		return errors.New("timescale.dsn (or TIMESCALE_DSN) is required when timescale.enabled")
	}
	if cfg.Archive.Enabled {
		if cfg.Archive.Bucket == "" {
			return errors.New("archive.bucket is required when archive.enabled")
		}
		if cfg.Archive.Region == "" {
			return errors.New("archive.region is required when archive.enabled")
		}
	}
	return nil
}

func validateSymbol(cfg *Config, sym *SymbolConfig) error {
	if sym.Symbol == "" {
		return errors.New("symbols[].symbol is required")
	}
	if sym.NotionalUSD <= 0 {
		return fmt.Errorf("symbol %s: notional_usd must be > 0", sym.Symbol)
	}
	if cfg.Risk.MaxNotionalUSD > 0 && sym.NotionalUSD > cfg.Risk.MaxNotionalUSD {
		return fmt.Errorf("symbol %s: notional_usd exceeds risk.max_notional_usd", sym.Symbol)
	}
	if sym.RebalanceThreshold < 0 {
		return fmt.Errorf("symbol %s: rebalance_threshold must be >= 0", sym.Symbol)
	}
	if sym.Leverage < 1 {
		return fmt.Errorf("symbol %s: leverage must be >= 1", sym.Symbol)
	}
	// At Nx leverage the initial margin ratio is about 1/N; a floor at or
	// above that would force-exit every position on its first tick.
	if cfg.Risk.MinMarginRatio > 0 && cfg.Risk.MinMarginRatio >= 1/sym.Leverage {
		return fmt.Errorf("symbol %s: risk.min_margin_ratio %.4f leaves no room at %gx leverage",
			sym.Symbol, cfg.Risk.MinMarginRatio, sym.Leverage)
	}
	if len(sym.Legs) != 2 {
		return fmt.Errorf("symbol %s: exactly two legs are required", sym.Symbol)
	}
	for i := range sym.Legs {
		if err := validateLeg(sym.Symbol, &sym.Legs[i]); err != nil {
			return err
		}
	}
	a, b := sym.Legs[0].Side, sym.Legs[1].Side
	switch {
	case a == "" && b == "":
		// Direction function decides both at open time.
	case a == "" || b == "":
		return fmt.Errorf("symbol %s: leg sides must both be set or both be empty", sym.Symbol)
	case a == b:
		return fmt.Errorf("symbol %s: legs must take opposite sides", sym.Symbol)
	}
	if sym.Legs[0].Rebalance == sym.Legs[1].Rebalance {
		return fmt.Errorf("symbol %s: exactly one leg must carry rebalance", sym.Symbol)
	}
	return nil
}

func validateLeg(symbol string, leg *LegConfig) error {
	switch leg.Venue {
	case "hyperliquid", "binance":
	case "":
		return fmt.Errorf("symbol %s: leg venue is required", symbol)
	default:
		return fmt.Errorf("symbol %s: unknown venue %q", symbol, leg.Venue)
	}
	switch leg.Instrument {
	case "spot", "perpetual", "dated-future":
	case "":
		return fmt.Errorf("symbol %s: leg instrument is required", symbol)
	default:
		return fmt.Errorf("symbol %s: unknown instrument %q", symbol, leg.Instrument)
	}
	if leg.Venue == "binance" && leg.Instrument == "spot" {
		return fmt.Errorf("symbol %s: binance legs must be perpetual or dated-future", symbol)
	}
	if leg.Market == "" {
		return fmt.Errorf("symbol %s: leg market is required", symbol)
	}
	if leg.Side != "" && leg.Side != "long" && leg.Side != "short" {
		return fmt.Errorf("symbol %s: leg side %q is invalid", symbol, leg.Side)
	}
	if leg.MakerFeeBps < 0 || leg.TakerFeeBps < 0 || leg.SlippageBps < 0 {
		return fmt.Errorf("symbol %s: leg fee/slippage bps must be >= 0", symbol)
	}
	if leg.BorrowRateDaily < 0 {
		return fmt.Errorf("symbol %s: leg borrow_rate_daily must be >= 0", symbol)
	}
	return nil
}

// VenueNames returns the distinct venues referenced by the configured legs.
func (c *Config) VenueNames() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, sym := range c.Symbols {
		for _, leg := range sym.Legs {
			name := strings.TrimSpace(leg.Venue)
			if name == "" {
				continue
			}
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			out = append(out, name)
		}
	}
	return out
}
