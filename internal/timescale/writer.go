// Package timescale streams yield estimates and lifecycle events into
// TimescaleDB hypertables for dashboards and long-range analysis. Inserts are
// queued and written off the tick path; a full queue drops rows rather than
// stall the trading loop.
package timescale

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"funding-arb-bot/internal/config"
	"funding-arb-bot/internal/events"
	"funding-arb-bot/internal/strategy"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

type estimateRow struct {
	Time   time.Time
	Symbol string
	Est    strategy.NetYieldEstimate
}

type Writer struct {
	db        *sql.DB
	log       *zap.Logger
	schema    string
	estimates chan estimateRow
	events    chan events.Event
	started   atomic.Bool
	dropEst   atomic.Uint64
	dropEvent atomic.Uint64
}

// New connects and prepares the schema. Returns nil when disabled; the nil
// receiver is safe to use everywhere a sink is expected.
func New(cfg config.TimescaleConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("timescale dsn is required")
	}
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	writer := &Writer{
		db:        db,
		log:       log,
		schema:    schema,
		estimates: make(chan estimateRow, queueSize),
		events:    make(chan events.Event, queueSize),
	}
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

// RecordEstimate queues the tick's yield estimate for insertion.
func (w *Writer) RecordEstimate(now time.Time, symbol string, est strategy.NetYieldEstimate) {
	if w == nil {
		return
	}
	select {
	case w.estimates <- estimateRow{Time: now, Symbol: symbol, Est: est}:
		return
	default:
		if w.dropEst.Add(1) == 1 && w.log != nil {
			w.log.Warn("timescale estimate queue full")
		}
	}
}

// Consume queues one lifecycle event. Registered as a bus sink.
func (w *Writer) Consume(ev events.Event) {
	if w == nil {
		return
	}
	select {
	case w.events <- ev:
		return
	default:
		if w.dropEvent.Add(1) == 1 && w.log != nil {
			w.log.Warn("timescale event queue full")
		}
	}
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case row := <-w.estimates:
			w.writeEstimate(ctx, row)
		case ev := <-w.events:
			w.writeEvent(ctx, ev)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("timescale db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		symbol TEXT NOT NULL,
		daily_funding_usd DOUBLE PRECISION NOT NULL,
		fee_cost_usd DOUBLE PRECISION NOT NULL,
		borrow_cost_usd DOUBLE PRECISION NOT NULL,
		slippage_cost_usd DOUBLE PRECISION NOT NULL,
		transfer_cost_usd DOUBLE PRECISION NOT NULL,
		net_daily_usd DOUBLE PRECISION NOT NULL,
		round_trip_cost_usd DOUBLE PRECISION NOT NULL,
		breakeven_days DOUBLE PRECISION NOT NULL
	)`, w.table("yield_estimates"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		type TEXT NOT NULL,
		symbol TEXT NOT NULL,
		from_state TEXT NOT NULL DEFAULT '',
		to_state TEXT NOT NULL DEFAULT '',
		trigger TEXT NOT NULL DEFAULT '',
		duration_ms BIGINT NOT NULL DEFAULT 0,
		orphan_leg TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
		realized_pnl_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
		net_daily_usd DOUBLE PRECISION NOT NULL DEFAULT 0
	)`, w.table("hedge_events"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		if w.log != nil {
			w.log.Warn("timescale extension ensure failed", zap.Error(err))
		}
		return nil
	}
	if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table("yield_estimates"))); err != nil && w.log != nil {
		w.log.Warn("timescale yield_estimates hypertable create failed", zap.Error(err))
	}
	if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table("hedge_events"))); err != nil && w.log != nil {
		w.log.Warn("timescale hedge_events hypertable create failed", zap.Error(err))
	}
	return nil
}

func (w *Writer) writeEstimate(ctx context.Context, row estimateRow) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, symbol, daily_funding_usd, fee_cost_usd, borrow_cost_usd, slippage_cost_usd,
		transfer_cost_usd, net_daily_usd, round_trip_cost_usd, breakeven_days
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10
	)`, w.table("yield_estimates"))
	if _, err := w.db.ExecContext(ctx, query,
		row.Time,
		row.Symbol,
		row.Est.DailyFundingUSD,
		row.Est.FeeCostUSD,
		row.Est.BorrowCostUSD,
		row.Est.SlippageCostUSD,
		row.Est.TransferCostUSD,
		row.Est.NetDailyUSD,
		row.Est.RoundTripCostUSD,
		row.Est.BreakevenDays,
	); err != nil && w.log != nil {
		w.log.Warn("timescale estimate insert failed", zap.Error(err))
	}
}

func (w *Writer) writeEvent(ctx context.Context, ev events.Event) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, type, symbol, from_state, to_state, trigger, duration_ms,
		orphan_leg, reason, cost_usd, realized_pnl_usd, net_daily_usd
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
	)`, w.table("hedge_events"))
	if _, err := w.db.ExecContext(ctx, query,
		ev.Time,
		string(ev.Type),
		ev.Symbol,
		ev.From,
		ev.To,
		ev.Trigger,
		ev.DurationMS,
		ev.OrphanLeg,
		ev.Reason,
		ev.CostUSD,
		ev.RealizedPnlUSD,
		ev.NetDailyUSD,
	); err != nil && w.log != nil {
		w.log.Warn("timescale event insert failed", zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
