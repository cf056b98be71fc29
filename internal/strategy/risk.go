package strategy

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"funding-arb-bot/internal/config"
)

var (
	ErrMarginRatio   = errors.New("margin ratio below floor")
	ErrPriceJump     = errors.New("price jump above threshold")
	ErrFailureStreak = errors.New("venue failure streak above threshold")
)

// Observation is the per-tick health sample the gate judges: margin comes
// from the venue position query, price from the funding leg, the failure
// streak from the executor.
type Observation struct {
	MarginRatio    float64
	HasMarginRatio bool
	Price          float64
	FailureStreak  int
}

// Gate forces exits independent of the yield signal. Each check stands on
// its own; the first breach wins. Operator overrides adjust the thresholds
// at runtime without touching the configured baseline.
type Gate struct {
	mu        sync.Mutex
	base      config.RiskConfig
	active    config.RiskConfig
	lastPrice map[string]float64
}

func NewGate(cfg config.RiskConfig) *Gate {
	return &Gate{
		base:      cfg,
		active:    cfg,
		lastPrice: make(map[string]float64),
	}
}

// Assess returns nil when the position may keep running, or a wrapped
// sentinel naming the breached check. It also advances the per-symbol
// last-price sample used by the jump check.
func (g *Gate) Assess(symbol string, obs Observation) error {
	g.mu.Lock()
	cfg := g.active
	last := g.lastPrice[symbol]
	if obs.Price > 0 {
		g.lastPrice[symbol] = obs.Price
	}
	g.mu.Unlock()

	if cfg.MinMarginRatio > 0 && obs.HasMarginRatio && obs.MarginRatio < cfg.MinMarginRatio {
		return fmt.Errorf("margin ratio %.4f below %.4f: %w", obs.MarginRatio, cfg.MinMarginRatio, ErrMarginRatio)
	}
	if cfg.MaxPriceJump > 0 && last > 0 && obs.Price > 0 {
		jump := math.Abs(obs.Price-last) / last
		if jump > cfg.MaxPriceJump {
			return fmt.Errorf("price moved %.4f against limit %.4f: %w", jump, cfg.MaxPriceJump, ErrPriceJump)
		}
	}
	if cfg.MaxFailureStreak > 0 && obs.FailureStreak >= cfg.MaxFailureStreak {
		return fmt.Errorf("failure streak %d reached %d: %w", obs.FailureStreak, cfg.MaxFailureStreak, ErrFailureStreak)
	}
	return nil
}

// ForgetPrice drops the jump baseline, used when a symbol's position is
// archived so a stale sample cannot trip the next entry.
func (g *Gate) ForgetPrice(symbol string) {
	g.mu.Lock()
	delete(g.lastPrice, symbol)
	g.mu.Unlock()
}

// Overrides are the operator-adjustable subset of the risk thresholds.
type Overrides struct {
	MinMarginRatio   *float64
	MaxPriceJump     *float64
	MaxFailureStreak *int
}

func (g *Gate) ApplyOverrides(o Overrides) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if o.MinMarginRatio != nil {
		g.active.MinMarginRatio = *o.MinMarginRatio
	}
	if o.MaxPriceJump != nil {
		g.active.MaxPriceJump = *o.MaxPriceJump
	}
	if o.MaxFailureStreak != nil {
		g.active.MaxFailureStreak = *o.MaxFailureStreak
	}
}

func (g *Gate) ResetOverrides() {
	g.mu.Lock()
	g.active = g.base
	g.mu.Unlock()
}

// Config returns the thresholds currently in force.
func (g *Gate) Config() config.RiskConfig {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}
