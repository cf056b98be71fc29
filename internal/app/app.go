// Package app wires the configuration into a running bot: state store,
// venue adapters, executors, per-symbol hedge controllers, the event
// fan-out and the operator surfaces. Run owns the monitor loop.
package app

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"funding-arb-bot/internal/alerts"
	"funding-arb-bot/internal/archive"
	"funding-arb-bot/internal/config"
	"funding-arb-bot/internal/events"
	"funding-arb-bot/internal/exec"
	"funding-arb-bot/internal/hedge"
	"funding-arb-bot/internal/ledger"
	"funding-arb-bot/internal/metrics"
	"funding-arb-bot/internal/ops"
	"funding-arb-bot/internal/ratelimit"
	"funding-arb-bot/internal/recorder"
	"funding-arb-bot/internal/state"
	"funding-arb-bot/internal/state/sqlite"
	"funding-arb-bot/internal/strategy"
	"funding-arb-bot/internal/timescale"
	"funding-arb-bot/internal/venue"
	"funding-arb-bot/internal/venue/binance"
	"funding-arb-bot/internal/venue/hyperliquid"
)

type App struct {
	cfg   *config.Config
	log   *zap.Logger
	store state.Store

	ledger    *ledger.Ledger
	bus       *events.Bus
	recorder  *recorder.Recorder
	timescale *timescale.Writer
	archive   *archive.Writer
	alerts    *alerts.Telegram
	notifier  *alerts.Notifier
	ops       *ops.Server
	prom      *metrics.Prometheus
	limiter   *ratelimit.Limiter

	hl  *hyperliquid.Adapter
	bnc *binance.Adapter

	executors   map[string]*exec.Executor
	evaluators  map[string]*strategy.Evaluator
	gate        *strategy.Gate
	controllers []*hedge.Controller

	opsMu     sync.RWMutex
	paused    bool
	startedAt time.Time

	// Touched only by the operator goroutine.
	operatorWarned bool
}

// New builds the full dependency graph and restores persisted positions, so
// the controllers seed their state machines from what survived the restart.
// Network traffic beyond Redis/Timescale health checks waits until Run.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}
	a := &App{
		cfg:    cfg,
		log:    log,
		store:  store,
		ledger: ledger.New(store),
	}

	restored, err := a.ledger.Restore(ctx)
	if err != nil {
		return nil, fmt.Errorf("restore positions: %w", err)
	}
	if restored > 0 {
		log.Info("positions restored", zap.Int("count", restored))
	}

	m := metrics.NewNoop()
	if cfg.Ops.Enabled && cfg.Ops.Metrics {
		a.prom = metrics.NewPrometheus()
		m = a.prom.Metrics
	}

	if a.recorder, err = recorder.New(cfg.Recorder, log); err != nil {
		return nil, err
	}
	if a.timescale, err = timescale.New(cfg.Timescale, log); err != nil {
		return nil, err
	}
	if a.archive, err = archive.New(ctx, cfg.Archive, log); err != nil {
		return nil, err
	}
	a.alerts = alerts.NewTelegram(cfg.Telegram, log)
	a.notifier = alerts.NewNotifier(a.alerts, log)

	sinks := []events.Sink{events.LogSink(log)}
	if a.recorder != nil {
		sinks = append(sinks, a.recorder)
	}
	if a.timescale != nil {
		sinks = append(sinks, a.timescale)
	}
	if a.notifier != nil {
		sinks = append(sinks, a.notifier)
	}
	a.bus = events.NewBus(log, 0, sinks...)

	var limiter exec.Limiter
	if cfg.RateLimit.Enabled {
		rl, err := ratelimit.New(ctx, cfg.RateLimit)
		if err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
		a.limiter = rl
		limiter = rl
	}

	if err := a.buildVenues(cfg, m, limiter); err != nil {
		return nil, err
	}
	if err := a.buildControllers(cfg, m); err != nil {
		return nil, err
	}

	a.ops = ops.New(cfg.Ops, ops.Options{
		Log:     log,
		Ledger:  a.ledger,
		Metrics: a.promHandler(),
		Info:    a.opsInfo,
	})
	return a, nil
}

// buildVenues constructs one adapter per venue the legs reference and fronts
// each with an executor. Observer mode wraps the adapter in the paper shim:
// reads pass through, orders fill instantly against live quotes.
func (a *App) buildVenues(cfg *config.Config, m *metrics.Metrics, limiter exec.Limiter) error {
	a.executors = make(map[string]*exec.Executor)
	observer := cfg.Mode == config.ModeObserver
	for _, name := range cfg.VenueNames() {
		var adapter venue.Adapter
		switch name {
		case "hyperliquid":
			hl, err := a.buildHyperliquid(cfg, observer)
			if err != nil {
				return err
			}
			a.hl = hl
			adapter = hl
		case "binance":
			bnc, err := a.buildBinance(cfg, observer)
			if err != nil {
				return err
			}
			a.bnc = bnc
			adapter = bnc
		default:
			return fmt.Errorf("no adapter for venue %q", name)
		}
		if observer {
			adapter = venue.NewPaper(adapter, a.log)
		}
		a.executors[name] = exec.New(adapter, a.store, limiter, m, a.log)
	}
	return nil
}

func (a *App) buildHyperliquid(cfg *config.Config, observer bool) (*hyperliquid.Adapter, error) {
	wallet := strings.TrimSpace(os.Getenv("HL_WALLET_ADDRESS"))
	key := strings.TrimSpace(os.Getenv("HL_PRIVATE_KEY"))
	if !observer {
		if wallet == "" {
			return nil, errors.New("HL_WALLET_ADDRESS is required in live mode")
		}
		if key == "" {
			return nil, errors.New("HL_PRIVATE_KEY is required in live mode")
		}
	}
	return hyperliquid.New(hyperliquid.Options{
		BaseURL:        cfg.Venues.Hyperliquid.BaseURL,
		WSURL:          cfg.Venues.Hyperliquid.WSURL,
		Timeout:        cfg.Venues.Hyperliquid.Timeout,
		ReconnectDelay: cfg.Venues.Hyperliquid.ReconnectDelay,
		PingInterval:   cfg.Venues.Hyperliquid.PingInterval,
		WalletAddress:  wallet,
		PrivateKey:     key,
		VaultAddress:   cfg.Venues.Hyperliquid.VaultAddress,
		NonceStore:     a.store,
		Log:            a.log,
	})
}

func (a *App) buildBinance(cfg *config.Config, observer bool) (*binance.Adapter, error) {
	apiKey := strings.TrimSpace(os.Getenv("BINANCE_API_KEY"))
	apiSecret := strings.TrimSpace(os.Getenv("BINANCE_API_SECRET"))
	if !observer && (apiKey == "" || apiSecret == "") {
		return nil, errors.New("BINANCE_API_KEY and BINANCE_API_SECRET are required in live mode")
	}
	return binance.New(binance.Options{
		BaseURL:    cfg.Venues.Binance.BaseURL,
		Timeout:    cfg.Venues.Binance.Timeout,
		RecvWindow: cfg.Venues.Binance.RecvWindow,
		APIKey:     apiKey,
		APISecret:  apiSecret,
		Log:        a.log,
	}), nil
}

func (a *App) buildControllers(cfg *config.Config, m *metrics.Metrics) error {
	a.evaluators = make(map[string]*strategy.Evaluator, len(cfg.Symbols))
	a.gate = strategy.NewGate(cfg.Risk)

	var estimates hedge.EstimateSink
	fan := estimateFanout{}
	if a.recorder != nil {
		fan = append(fan, a.recorder)
	}
	if a.timescale != nil {
		fan = append(fan, a.timescale)
	}
	if len(fan) > 0 {
		estimates = fan
	}
	var archiver hedge.Archiver
	if a.archive != nil {
		archiver = a.archive
	}

	for _, sym := range cfg.Symbols {
		eval := strategy.NewEvaluator(cfg.Signal)
		a.evaluators[sym.Symbol] = eval
		venues := make(map[string]hedge.Venue, len(sym.Legs))
		for _, leg := range sym.Legs {
			ex, ok := a.executors[leg.Venue]
			if !ok {
				return fmt.Errorf("symbol %s: venue %q has no executor", sym.Symbol, leg.Venue)
			}
			venues[leg.Venue] = ex
		}
		ctrl, err := hedge.New(hedge.Options{
			Symbol:    sym,
			Monitor:   cfg.Monitor,
			Signal:    cfg.Signal,
			Risk:      cfg.Risk,
			Costs:     cfg.Costs,
			Venues:    venues,
			Ledger:    a.ledger,
			Evaluator: eval,
			Gate:      a.gate,
			Direction: strategy.DirectionFor(cfg.Signal.Direction),
			Bus:       a.bus,
			Estimates: estimates,
			Archiver:  archiver,
			Metrics:   m,
			Log:       a.log,
		})
		if err != nil {
			return err
		}
		a.controllers = append(a.controllers, ctrl)
	}
	return nil
}

// Run starts the venue streams and background sinks, then drives every
// controller on the monitor interval until ctx ends.
func (a *App) Run(ctx context.Context) error {
	defer a.shutdown()

	if a.hl != nil {
		if err := a.hl.Start(ctx); err != nil {
			a.log.Warn("hyperliquid stream start failed, prices fall back to REST", zap.Error(err))
		}
		if ns, ok := a.hl.NonceState(); ok {
			a.log.Info("hyperliquid nonce floor restored",
				zap.Uint64("nonce", ns.Last),
				zap.Uint64("persisted", ns.Persisted))
		}
	}
	if a.bnc != nil {
		if err := a.bnc.Start(ctx); err != nil {
			a.log.Warn("binance filter prime failed", zap.Error(err))
		}
	}
	if a.archive != nil {
		if err := a.archive.Health(ctx); err != nil {
			a.log.Warn("archive bucket unreachable", zap.Error(err))
		}
	}

	a.reconcile(ctx)
	a.restoreBaselines(ctx)

	a.bus.Start(ctx)
	if a.timescale != nil {
		a.timescale.Start(ctx)
	}
	if a.notifier != nil {
		a.notifier.Start(ctx)
	}
	a.ops.Start(ctx)
	a.startOperator(ctx)

	a.opsMu.Lock()
	a.startedAt = time.Now().UTC()
	a.opsMu.Unlock()
	a.log.Info("bot running",
		zap.String("mode", a.cfg.Mode),
		zap.Int("symbols", len(a.controllers)),
		zap.Duration("interval", a.cfg.Monitor.Interval))

	ticker := time.NewTicker(a.cfg.Monitor.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.tick(ctx)
		}
	}
}

// tick runs every controller once, sequentially. While paused only symbols
// with a live lifecycle keep ticking, so open positions stay managed but
// nothing new opens.
func (a *App) tick(ctx context.Context) {
	paused := a.isPaused()
	for _, ctrl := range a.controllers {
		if ctx.Err() != nil {
			return
		}
		if paused && !a.lifecycleBusy(ctrl.Symbol()) {
			continue
		}
		ctrl.Tick(ctx)
	}
}

// lifecycleBusy reports whether the symbol has a position mid-lifecycle. A
// missing or IDLE record means the next tick would only evaluate an entry,
// which pause suspends. CLOSED still counts as busy so finalization runs.
func (a *App) lifecycleBusy(symbol string) bool {
	pos, ok := a.ledger.Get(symbol)
	if !ok {
		return false
	}
	return pos.State != ledger.StateIdle
}

// reconcileTolerance is the divergence fraction between the recorded leg
// quantity and the venue book that triggers a startup warning. Rounding to
// the venue's size step keeps small legitimate differences below it.
const reconcileTolerance = 0.01

// reconcile checks every restored leg against the venue's live book and logs
// divergence. Correction stays with the operator: an automatic fix at startup
// could double down on a fill the record never saw. Observer records are
// synthetic, so only live mode is compared.
func (a *App) reconcile(ctx context.Context) {
	if a.cfg.Mode != config.ModeLive {
		return
	}
	for _, ctrl := range a.controllers {
		symbol := ctrl.Symbol()
		pos, ok := a.ledger.Get(symbol)
		if !ok {
			continue
		}
		switch pos.State {
		case ledger.StateIdle, ledger.StateClosed:
			continue
		}
		for _, leg := range pos.Legs {
			if leg.Instrument == ledger.InstrumentSpot {
				// Spot balances mix in holdings the bot never traded.
				continue
			}
			ex, ok := a.executors[leg.Venue]
			if !ok {
				continue
			}
			info, err := ex.Position(ctx, leg.Market)
			if err != nil {
				a.log.Warn("reconcile position read failed",
					zap.String("symbol", symbol),
					zap.String("venue", leg.Venue),
					zap.Error(err))
				continue
			}
			book := leg.Side.Sign() * (leg.FilledQty - leg.ExitQty)
			limit := math.Abs(book) * reconcileTolerance
			if limit < 1e-9 {
				limit = 1e-9
			}
			if math.Abs(info.Qty-book) > limit {
				a.log.Warn("venue position diverges from record",
					zap.String("symbol", symbol),
					zap.String("venue", leg.Venue),
					zap.String("market", leg.Market),
					zap.Float64("recorded_qty", book),
					zap.Float64("venue_qty", info.Qty))
			}
		}
	}
}

// restoreBaselines re-arms the yield evaluators for positions that survived
// the restart. The entry yield is persisted with the position; the funding
// sign is not, so it is re-read from the funding leg. If the probe fails the
// flip rule stays disarmed until funding data returns.
func (a *App) restoreBaselines(ctx context.Context) {
	for _, ctrl := range a.controllers {
		symbol := ctrl.Symbol()
		pos, ok := a.ledger.Get(symbol)
		if !ok {
			continue
		}
		switch pos.State {
		case ledger.StateIdle, ledger.StateClosed:
			continue
		}
		eval, ok := a.evaluators[symbol]
		if !ok {
			continue
		}
		eval.Restore(pos.EntryNetDailyUSD, a.fundingSign(ctx, pos))
		a.log.Info("entry baseline restored",
			zap.String("symbol", symbol),
			zap.String("state", string(pos.State)),
			zap.Float64("entry_net_daily_usd", pos.EntryNetDailyUSD))
	}
}

// fundingSign reports the sign the funding leg currently contributes to the
// daily yield: shorts collect positive funding, longs pay it.
func (a *App) fundingSign(ctx context.Context, pos ledger.Position) int {
	sym, ok := a.symbolConfig(pos.Symbol)
	if !ok {
		return 0
	}
	for i, leg := range sym.Legs {
		if !leg.Rebalance {
			continue
		}
		ex, ok := a.executors[leg.Venue]
		if !ok {
			return 0
		}
		fr, err := ex.FundingRate(ctx, leg.Market)
		if err != nil {
			a.log.Warn("funding sign probe failed",
				zap.String("symbol", pos.Symbol), zap.Error(err))
			return 0
		}
		contribution := -pos.Legs[i].Side.Sign() * fr.Rate
		switch {
		case contribution > 0:
			return 1
		case contribution < 0:
			return -1
		}
	}
	return 0
}

func (a *App) symbolConfig(symbol string) (config.SymbolConfig, bool) {
	for _, sym := range a.cfg.Symbols {
		if sym.Symbol == symbol {
			return sym, true
		}
	}
	return config.SymbolConfig{}, false
}

func (a *App) opsInfo() ops.Info {
	a.opsMu.RLock()
	paused := a.paused
	startedAt := a.startedAt
	a.opsMu.RUnlock()
	symbols := make([]string, 0, len(a.controllers))
	for _, ctrl := range a.controllers {
		symbols = append(symbols, ctrl.Symbol())
	}
	return ops.Info{
		Mode:          a.cfg.Mode,
		Paused:        paused,
		StartedAt:     startedAt,
		Symbols:       symbols,
		EventsDropped: a.bus.Dropped(),
	}
}

func (a *App) promHandler() http.Handler {
	if a.prom == nil {
		return nil
	}
	return a.prom.Handler()
}

func (a *App) shutdown() {
	if a.recorder != nil {
		if err := a.recorder.Close(); err != nil {
			a.log.Warn("recorder close failed", zap.Error(err))
		}
	}
	if a.timescale != nil {
		if err := a.timescale.Close(); err != nil {
			a.log.Warn("timescale close failed", zap.Error(err))
		}
	}
	if a.limiter != nil {
		if err := a.limiter.Close(); err != nil {
			a.log.Warn("rate limiter close failed", zap.Error(err))
		}
	}
	if a.hl != nil {
		_ = a.hl.Close()
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("state store close failed", zap.Error(err))
	}
}

// estimateFanout forwards each tick's yield estimate to every configured
// recorder. Fan-out is synchronous; the sinks queue internally.
type estimateFanout []hedge.EstimateSink

func (f estimateFanout) RecordEstimate(now time.Time, symbol string, est strategy.NetYieldEstimate) {
	for _, sink := range f {
		sink.RecordEstimate(now, symbol, est)
	}
}
