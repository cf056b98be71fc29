// Package hedge drives two-leg funding positions through their lifecycle:
// entry dispatch, fill polling, delta maintenance, exit and recovery. One
// Controller owns one symbol. Venue access goes through the executor layer,
// so retry, rate limiting and idempotency live below this package.
package hedge

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"funding-arb-bot/internal/config"
	"funding-arb-bot/internal/events"
	"funding-arb-bot/internal/ledger"
	"funding-arb-bot/internal/metrics"
	"funding-arb-bot/internal/strategy"
	"funding-arb-bot/internal/venue"
)

const fillEpsilon = 1e-9

// Venue is the per-exchange surface one leg trades through. *exec.Executor
// satisfies it.
type Venue interface {
	Name() string
	Price(ctx context.Context, market string) (float64, error)
	FundingRate(ctx context.Context, market string) (venue.FundingRate, error)
	PlaceOrder(ctx context.Context, req venue.OrderRequest) (string, error)
	OrderStatus(ctx context.Context, market, orderRef string) (venue.OrderState, error)
	CancelOrder(ctx context.Context, market, orderRef string) error
	Position(ctx context.Context, market string) (venue.PositionInfo, error)
	FailureStreak() int
}

// Publisher receives lifecycle events. *events.Bus satisfies it.
type Publisher interface {
	Publish(events.Event)
}

// EstimateSink receives the per-tick yield estimate, whether or not it leads
// to a trade.
type EstimateSink interface {
	RecordEstimate(now time.Time, symbol string, est strategy.NetYieldEstimate)
}

// Archiver receives terminal position records for long-term storage.
type Archiver interface {
	Archive(ctx context.Context, pos ledger.Position) error
}

type Options struct {
	Symbol    config.SymbolConfig
	Monitor   config.MonitorConfig
	Signal    config.SignalConfig
	Risk      config.RiskConfig
	Costs     config.CostConfig
	Venues    map[string]Venue
	Ledger    *ledger.Ledger
	Evaluator *strategy.Evaluator
	Gate      *strategy.Gate
	Direction strategy.DirectionFunc
	Bus       Publisher
	Estimates EstimateSink
	Archiver  Archiver
	Metrics   *metrics.Metrics
	Log       *zap.Logger
}

// Controller runs the hedge lifecycle for a single symbol. Tick is the only
// entry point the monitor loop needs; operator commands go through Resume
// and ForceClose.
type Controller struct {
	symbol  config.SymbolConfig
	monitor config.MonitorConfig
	risk    config.RiskConfig
	costs   config.CostConfig
	holding float64

	venues    map[string]Venue
	ledger    *ledger.Ledger
	eval      *strategy.Evaluator
	gate      *strategy.Gate
	direction strategy.DirectionFunc
	machine   *Machine
	bus       Publisher
	estimates EstimateSink
	archiver  Archiver
	metrics   *metrics.Metrics
	log       *zap.Logger

	// Index into Symbol.Legs of the leg corrective orders trade on. The
	// same leg carries the margin the risk gate watches.
	rebalLeg int

	tickMu sync.Mutex
}

func New(opts Options) (*Controller, error) {
	if opts.Symbol.Symbol == "" {
		return nil, errors.New("symbol is required")
	}
	if len(opts.Symbol.Legs) != 2 {
		return nil, fmt.Errorf("symbol %s needs exactly two legs", opts.Symbol.Symbol)
	}
	if opts.Ledger == nil {
		return nil, errors.New("ledger is required")
	}
	if opts.Evaluator == nil {
		return nil, errors.New("evaluator is required")
	}
	if opts.Gate == nil {
		return nil, errors.New("risk gate is required")
	}
	for _, leg := range opts.Symbol.Legs {
		if _, ok := opts.Venues[leg.Venue]; !ok {
			return nil, fmt.Errorf("symbol %s: no venue wired for %q", opts.Symbol.Symbol, leg.Venue)
		}
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNoop()
	}
	if opts.Bus == nil {
		opts.Bus = noopPublisher{}
	}
	if opts.Direction == nil {
		opts.Direction = strategy.HourParityDirection
	}
	if opts.Monitor.PollInterval <= 0 {
		opts.Monitor.PollInterval = 2 * time.Second
	}
	if opts.Monitor.OpenTimeout <= 0 {
		opts.Monitor.OpenTimeout = 10 * time.Second
	}
	if opts.Monitor.CloseTimeout <= 0 {
		opts.Monitor.CloseTimeout = opts.Monitor.OpenTimeout
	}

	c := &Controller{
		symbol:    opts.Symbol,
		monitor:   opts.Monitor,
		risk:      opts.Risk,
		costs:     opts.Costs,
		holding:   opts.Signal.ExpectedHoldingDays,
		venues:    opts.Venues,
		ledger:    opts.Ledger,
		eval:      opts.Evaluator,
		gate:      opts.Gate,
		direction: opts.Direction,
		bus:       opts.Bus,
		estimates: opts.Estimates,
		archiver:  opts.Archiver,
		metrics:   opts.Metrics,
		log:       opts.Log.With(zap.String("symbol", opts.Symbol.Symbol)),
	}
	for i, leg := range opts.Symbol.Legs {
		if leg.Rebalance {
			c.rebalLeg = i
		}
	}

	initial := ledger.StateIdle
	if pos, ok := opts.Ledger.Get(opts.Symbol.Symbol); ok {
		initial = pos.State
	}
	c.machine = NewMachine(initial, time.Now().UTC())
	return c, nil
}

func (c *Controller) Symbol() string { return c.symbol.Symbol }

// Tick runs one monitor cycle. A tick that is still working when the next
// one fires is left alone; the late cycle is dropped, not queued.
func (c *Controller) Tick(ctx context.Context) {
	if !c.tickMu.TryLock() {
		c.metrics.TicksSkipped.Inc()
		c.log.Warn("previous tick still running, skipping")
		return
	}
	defer c.tickMu.Unlock()

	now := time.Now().UTC()
	pos, live := c.ledger.Get(c.symbol.Symbol)
	if !live {
		c.tickIdle(ctx, now)
		return
	}
	switch pos.State {
	case ledger.StateActive:
		c.tickActive(ctx, now, &pos)
	case ledger.StateOpening, ledger.StateRollingBack:
		// A restart landed mid-open. The entry estimate is stale, so the
		// only safe move is to unwind whatever made it onto the books.
		c.log.Warn("resuming interrupted open", zap.String("state", string(pos.State)))
		c.unwindOpen(ctx, &pos)
	case ledger.StateClosing, ledger.StateRecovering:
		c.resumeClose(ctx, now, &pos)
	case ledger.StateClosed:
		c.finalize(ctx, now, &pos)
	}
}

func (c *Controller) tickIdle(ctx context.Context, now time.Time) {
	q, err := c.quotes(ctx)
	if err != nil {
		c.log.Warn("quote fetch failed", zap.Error(err))
		return
	}
	sides := c.legSides(now, q)
	est := c.estimate(q, sides)
	c.record(now, est)

	if err := c.gate.Assess(c.symbol.Symbol, c.observe(ctx, q, false)); err != nil {
		c.log.Warn("entry blocked by risk gate", zap.Error(err))
		return
	}
	if !c.eval.ShouldOpen(est) {
		return
	}
	c.bus.Publish(events.SignalDetected(now, c.symbol.Symbol, est.NetDailyUSD))
	c.log.Info("entry signal confirmed",
		zap.Float64("net_daily_usd", est.NetDailyUSD),
		zap.Float64("breakeven_days", est.BreakevenDays))
	c.open(ctx, now, q, sides, est)
}

func (c *Controller) tickActive(ctx context.Context, now time.Time, pos *ledger.Position) {
	q, err := c.quotes(ctx)
	if err != nil {
		c.log.Warn("quote fetch failed", zap.Error(err))
		return
	}
	var sides [2]ledger.Side
	for i := range pos.Legs {
		sides[i] = pos.Legs[i].Side
	}
	est := c.estimate(q, sides)
	c.record(now, est)

	// The risk gate rules first. A breach forces the exit and the yield
	// evaluator never sees the tick.
	if err := c.gate.Assess(c.symbol.Symbol, c.observe(ctx, q, true)); err != nil {
		c.metrics.RiskExits.Inc()
		c.bus.Publish(events.RiskExitForced(now, c.symbol.Symbol, err.Error()))
		c.log.Warn("risk gate forced exit", zap.Error(err))
		c.close(ctx, now, pos, riskTrigger(err))
		return
	}

	prices := [2]float64{q[0].price, q[1].price}
	if dev := pos.DeltaDeviation(prices); dev > pos.RebalanceThreshold {
		c.rebalance(ctx, now, pos, q, dev)
	}

	if pos.Held {
		// An escalated close handed this position to the operator; yield
		// exits stay off until Resume.
		return
	}
	if exit, reason := c.eval.ShouldExit(est, now); exit {
		c.log.Info("exit signal", zap.String("reason", reason), zap.Float64("net_daily_usd", est.NetDailyUSD))
		c.close(ctx, now, pos, reason)
	}
}

// rebalance trades the designated leg back toward the delta target and
// debits the estimated cost of doing so. The position stays ACTIVE.
func (c *Controller) rebalance(ctx context.Context, now time.Time, pos *ledger.Position, q [2]legQuote, dev float64) {
	i := c.rebalLeg
	leg := &pos.Legs[i]
	prices := [2]float64{q[0].price, q[1].price}
	excess := pos.ExposureUSD(prices) - pos.DeltaTargetUSD
	qty := math.Abs(excess) / q[i].price
	if qty <= fillEpsilon {
		return
	}
	side := ledger.SideShort // a long-heavy book sells on the corrective leg
	if excess < 0 {
		side = ledger.SideLong
	}
	req := venue.OrderRequest{
		Market:        leg.Market,
		Instrument:    leg.Instrument,
		Side:          side,
		Qty:           qty,
		Type:          venue.OrderTypeMarket,
		ReduceOnly:    side == leg.Side.Opposite(),
		ClientOrderID: fmt.Sprintf("%s-rebal-%d", pos.ID, now.UnixMilli()),
	}
	ref, err := c.venues[leg.Venue].PlaceOrder(ctx, req)
	if err != nil {
		c.log.Error("rebalance order", zap.String("venue", leg.Venue), zap.Error(err))
		return
	}
	st, err := c.awaitFill(ctx, leg.Venue, leg.Market, ref)
	if err != nil {
		c.log.Warn("rebalance fill incomplete", zap.String("order_ref", ref), zap.Error(err))
	}
	if st.FilledQty <= fillEpsilon {
		return
	}
	px := st.AvgPrice
	if px <= 0 {
		px = q[i].price
	}
	if side == leg.Side {
		total := leg.FilledQty + st.FilledQty
		leg.AvgFillPrice = (leg.AvgFillPrice*leg.FilledQty + px*st.FilledQty) / total
		leg.FilledQty = total
	} else {
		leg.FilledQty = math.Max(0, leg.FilledQty-st.FilledQty)
	}
	cost := st.FilledQty * px * (c.symbol.Legs[i].TakerFeeBps + c.symbol.Legs[i].SlippageBps) / 10000
	pos.CorrectiveCostUSD += cost
	if err := c.ledger.Put(ctx, *pos); err != nil {
		c.log.Error("persist rebalanced position", zap.Error(err))
	}
	c.metrics.Rebalances.Inc()
	c.bus.Publish(events.RebalanceExecuted(now, pos.Symbol, cost))
	c.log.Info("rebalanced",
		zap.Float64("deviation", dev),
		zap.String("side", string(side)),
		zap.Float64("qty", st.FilledQty),
		zap.Float64("cost_usd", cost))
}

// Resume clears a manual hold so automated exits run again. The retry
// budget resets with it.
func (c *Controller) Resume(ctx context.Context) error {
	pos, ok := c.ledger.Get(c.symbol.Symbol)
	if !ok {
		return fmt.Errorf("no tracked position for %s", c.symbol.Symbol)
	}
	if !pos.Held {
		return nil
	}
	pos.Held = false
	pos.CloseRetries = 0
	return c.ledger.Put(ctx, pos)
}

// ForceClose flattens the live position now, regardless of yield.
func (c *Controller) ForceClose(ctx context.Context) error {
	if !c.tickMu.TryLock() {
		return errors.New("tick in progress, retry shortly")
	}
	defer c.tickMu.Unlock()

	pos, ok := c.ledger.Get(c.symbol.Symbol)
	if !ok {
		return fmt.Errorf("no tracked position for %s", c.symbol.Symbol)
	}
	pos.Held = false
	pos.CloseRetries = 0
	switch pos.State {
	case ledger.StateActive:
		c.close(ctx, time.Now().UTC(), &pos, "operator_close")
		return nil
	case ledger.StateClosing, ledger.StateRecovering:
		if err := c.ledger.Put(ctx, pos); err != nil {
			return err
		}
		c.recoverLegs(ctx, &pos)
		return nil
	}
	return fmt.Errorf("position for %s is %s, nothing to close", c.symbol.Symbol, pos.State)
}

type legQuote struct {
	price   float64
	funding venue.FundingRate
}

func (c *Controller) quotes(ctx context.Context) ([2]legQuote, error) {
	var out [2]legQuote
	for i, leg := range c.symbol.Legs {
		v := c.venues[leg.Venue]
		px, err := v.Price(ctx, leg.Market)
		if err != nil {
			return out, fmt.Errorf("price %s %s: %w", leg.Venue, leg.Market, err)
		}
		out[i].price = px
		if ledger.InstrumentKind(leg.Instrument) == ledger.InstrumentSpot {
			continue
		}
		fr, err := v.FundingRate(ctx, leg.Market)
		if err != nil {
			return out, fmt.Errorf("funding %s %s: %w", leg.Venue, leg.Market, err)
		}
		out[i].funding = fr
	}
	return out, nil
}

// legSides resolves per-leg direction. Configured sides win; otherwise the
// direction rule picks the funding leg's side and the other leg opposes it.
func (c *Controller) legSides(now time.Time, q [2]legQuote) [2]ledger.Side {
	var out [2]ledger.Side
	if c.symbol.Legs[0].Side != "" && c.symbol.Legs[1].Side != "" {
		for i := range c.symbol.Legs {
			out[i] = ledger.Side(c.symbol.Legs[i].Side)
		}
		return out
	}
	lead := c.direction(now, q[c.rebalLeg].funding.Rate)
	out[c.rebalLeg] = lead
	out[1-c.rebalLeg] = lead.Opposite()
	return out
}

func (c *Controller) estimate(q [2]legQuote, sides [2]ledger.Side) strategy.NetYieldEstimate {
	in := strategy.CostInputs{
		TransferCostUSD:     c.costs.TransferCostUSD,
		ExpectedHoldingDays: c.holding,
	}
	for i, leg := range c.symbol.Legs {
		in.Legs[i] = strategy.LegCostInputs{
			NotionalUSD:          c.symbol.NotionalUSD,
			Side:                 sides[i],
			Maker:                leg.Maker,
			MakerFeeBps:          leg.MakerFeeBps,
			TakerFeeBps:          leg.TakerFeeBps,
			SlippageBps:          leg.SlippageBps,
			BorrowRateDaily:      leg.BorrowRateDaily,
			FundingRate:          q[i].funding.Rate,
			FundingIntervalHours: q[i].funding.IntervalHours,
		}
	}
	return strategy.Evaluate(in)
}

func (c *Controller) record(now time.Time, est strategy.NetYieldEstimate) {
	c.metrics.NetDailyUSD.Set(c.symbol.Symbol, est.NetDailyUSD)
	if c.estimates != nil {
		c.estimates.RecordEstimate(now, c.symbol.Symbol, est)
	}
}

// observe assembles the risk gate's view of this tick. Margin is read from
// the corrective leg's venue and only when a position is live; a failed
// margin read downgrades to a price-and-streak check rather than blocking
// the tick.
func (c *Controller) observe(ctx context.Context, q [2]legQuote, live bool) strategy.Observation {
	obs := strategy.Observation{
		Price:         q[c.rebalLeg].price,
		FailureStreak: c.failureStreak(),
	}
	if !live {
		return obs
	}
	leg := c.symbol.Legs[c.rebalLeg]
	info, err := c.venues[leg.Venue].Position(ctx, leg.Market)
	if err != nil {
		c.log.Debug("margin read failed", zap.String("venue", leg.Venue), zap.Error(err))
		return obs
	}
	obs.MarginRatio = info.MarginRatio
	obs.HasMarginRatio = info.HasMarginRatio
	return obs
}

func (c *Controller) failureStreak() int {
	streak := 0
	for _, leg := range c.symbol.Legs {
		if s := c.venues[leg.Venue].FailureStreak(); s > streak {
			streak = s
		}
	}
	return streak
}

// shift applies one lifecycle transition, mirrors it onto the position and
// publishes the audit event. Rejected transitions are logged and change
// nothing.
func (c *Controller) shift(now time.Time, pos *ledger.Position, to ledger.State, trigger string) bool {
	tr, ok := c.machine.Apply(now, to, trigger)
	if !ok {
		c.log.Error("rejected state transition",
			zap.String("from", string(c.machine.State())),
			zap.String("to", string(to)),
			zap.String("trigger", trigger))
		return false
	}
	pos.State = to
	c.bus.Publish(events.StateTransition(now, pos.Symbol, tr.From, tr.To, tr.Trigger, tr.Duration))
	return true
}

func (c *Controller) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func riskTrigger(err error) string {
	switch {
	case errors.Is(err, strategy.ErrMarginRatio):
		return "risk_margin_floor"
	case errors.Is(err, strategy.ErrPriceJump):
		return "risk_price_jump"
	case errors.Is(err, strategy.ErrFailureStreak):
		return "risk_failure_streak"
	}
	return "risk_forced"
}

func remainingQty(leg *ledger.Leg) float64 {
	return leg.FilledQty - leg.ExitQty
}

// legsFlat reports whether every filled quantity has been exited.
func legsFlat(pos *ledger.Position) bool {
	for i := range pos.Legs {
		if remainingQty(&pos.Legs[i]) > fillEpsilon {
			return false
		}
	}
	return true
}

type noopPublisher struct{}

func (noopPublisher) Publish(events.Event) {}
