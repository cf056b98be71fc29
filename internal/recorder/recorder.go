// Package recorder mirrors the decision stream to disk: one CSV row per
// evaluated yield estimate and one per lifecycle event, rotated into daily
// files so observer runs can be replayed and audited offline.
package recorder

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"funding-arb-bot/internal/config"
	"funding-arb-bot/internal/events"
	"funding-arb-bot/internal/strategy"

	"go.uber.org/zap"
)

var estimateHeader = []string{
	"timestamp",
	"symbol",
	"daily_funding_usd",
	"fee_cost_usd",
	"borrow_cost_usd",
	"slippage_cost_usd",
	"transfer_cost_usd",
	"net_daily_usd",
	"round_trip_cost_usd",
	"breakeven_days",
}

var eventHeader = []string{
	"timestamp",
	"type",
	"symbol",
	"from",
	"to",
	"trigger",
	"duration_ms",
	"orphan_leg",
	"reason",
	"cost_usd",
	"realized_pnl_usd",
	"net_daily_usd",
}

// Recorder appends estimate and event rows to per-day CSV files. Methods are
// safe to call from the tick loop and the event bus concurrently, and safe on
// a nil receiver so a disabled recorder can be wired without guards.
type Recorder struct {
	log *zap.Logger

	mu        sync.Mutex
	estimates *dailyFile
	events    *dailyFile
}

// New returns nil when recording is disabled.
func New(cfg config.RecorderConfig, log *zap.Logger) (*Recorder, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create recorder dir: %w", err)
	}
	return &Recorder{
		log:       log,
		estimates: &dailyFile{dir: cfg.Dir, prefix: "estimates", header: estimateHeader},
		events:    &dailyFile{dir: cfg.Dir, prefix: "events", header: eventHeader},
	}, nil
}

// RecordEstimate appends the tick's yield estimate for symbol.
func (r *Recorder) RecordEstimate(now time.Time, symbol string, est strategy.NetYieldEstimate) {
	if r == nil {
		return
	}
	row := []string{
		now.UTC().Format(time.RFC3339),
		symbol,
		f64(est.DailyFundingUSD),
		f64(est.FeeCostUSD),
		f64(est.BorrowCostUSD),
		f64(est.SlippageCostUSD),
		f64(est.TransferCostUSD),
		f64(est.NetDailyUSD),
		f64(est.RoundTripCostUSD),
		f64(est.BreakevenDays),
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.estimates.append(now, row); err != nil {
		r.log.Warn("estimate row write failed", zap.Error(err))
	}
}

// Consume writes one event row. The recorder registers as a bus sink, so this
// runs on the dispatch goroutine.
func (r *Recorder) Consume(ev events.Event) {
	if r == nil {
		return
	}
	row := []string{
		ev.Time.UTC().Format(time.RFC3339),
		string(ev.Type),
		ev.Symbol,
		ev.From,
		ev.To,
		ev.Trigger,
		strconv.FormatInt(ev.DurationMS, 10),
		ev.OrphanLeg,
		ev.Reason,
		f64(ev.CostUSD),
		f64(ev.RealizedPnlUSD),
		f64(ev.NetDailyUSD),
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.events.append(ev.Time, row); err != nil {
		r.log.Warn("event row write failed", zap.Error(err))
	}
}

func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	estErr := r.estimates.close()
	if evErr := r.events.close(); evErr != nil {
		return evErr
	}
	return estErr
}

func f64(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// dailyFile lazily opens one CSV file per UTC day, writing the header only
// when the file starts empty so restarts keep appending to the same day.
type dailyFile struct {
	dir    string
	prefix string
	header []string

	file *os.File
	w    *csv.Writer
	date string
}

// append writes and syncs one row. Rows are rare (one per tick per symbol)
// and they are the audit trail, so durability wins over write batching.
func (d *dailyFile) append(now time.Time, row []string) error {
	if err := d.rotate(now); err != nil {
		return err
	}
	if err := d.w.Write(row); err != nil {
		return err
	}
	d.w.Flush()
	if err := d.w.Error(); err != nil {
		return err
	}
	return d.file.Sync()
}

func (d *dailyFile) rotate(now time.Time) error {
	day := now.UTC().Format("2006-01-02")
	if d.file != nil && d.date == day {
		return nil
	}
	if d.file != nil {
		d.w.Flush()
		_ = d.file.Close()
		d.file = nil
	}
	path := filepath.Join(d.dir, fmt.Sprintf("%s-%s.csv", d.prefix, day))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}
	d.file = f
	d.w = csv.NewWriter(f)
	d.date = day
	if info.Size() == 0 {
		if err := d.w.Write(d.header); err != nil {
			return err
		}
		d.w.Flush()
		return d.w.Error()
	}
	return nil
}

func (d *dailyFile) close() error {
	if d.file == nil {
		return nil
	}
	d.w.Flush()
	err := d.file.Close()
	d.file = nil
	return err
}
