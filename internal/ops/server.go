// Package ops serves the operational HTTP surface: liveness, a status
// snapshot, current positions, and optionally the Prometheus registry.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"funding-arb-bot/internal/config"
	"funding-arb-bot/internal/ledger"
)

const shutdownGrace = 5 * time.Second

// Info is the point-in-time snapshot the app supplies for /status. The
// handler derives uptime and position counts itself.
type Info struct {
	Mode          string    `json:"mode"`
	Paused        bool      `json:"paused"`
	StartedAt     time.Time `json:"started_at"`
	Symbols       []string  `json:"symbols"`
	EventsDropped uint64    `json:"events_dropped"`
}

type statusResponse struct {
	Info
	UptimeSeconds float64 `json:"uptime_seconds"`
	OpenPositions int     `json:"open_positions"`
}

// positionView is the wire shape of one hedge. State is the external
// state, so a rollback reads as OPENING and a recovery as ACTIVE.
type positionView struct {
	ID               string       `json:"id"`
	Symbol           string       `json:"symbol"`
	State            ledger.State `json:"state"`
	NotionalUSD      float64      `json:"notional_usd"`
	EntryNetDailyUSD float64      `json:"entry_net_daily_usd"`
	HoldHours        float64      `json:"hold_hours"`
	Held             bool         `json:"held,omitempty"`
	Legs             []legView    `json:"legs"`
}

type legView struct {
	Venue        string  `json:"venue"`
	Market       string  `json:"market"`
	Instrument   string  `json:"instrument"`
	Side         string  `json:"side"`
	FilledQty    float64 `json:"filled_qty"`
	AvgFillPrice float64 `json:"avg_fill_price"`
}

type Options struct {
	Log     *zap.Logger
	Ledger  *ledger.Ledger
	Metrics http.Handler // nil hides /metrics
	Info    func() Info
}

// Server owns the listener. A nil *Server is valid and does nothing, so
// the app can wire it unconditionally.
type Server struct {
	log     *zap.Logger
	srv     *http.Server
	ledger  *ledger.Ledger
	info    func() Info
	started atomic.Bool
}

func New(cfg config.OpsConfig, opts Options) *Server {
	if !cfg.Enabled {
		return nil
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		log:    log,
		ledger: opts.Ledger,
		info:   opts.Info,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))
	r.Get("/healthz", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Get("/positions", s.handlePositions)
	if cfg.Metrics && opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics)
	}

	s.srv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	if s == nil {
		return nil
	}
	return s.srv.Handler
}

// Start binds the listener and shuts it down when ctx is cancelled.
func (s *Server) Start(ctx context.Context) {
	if s == nil || !s.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		s.log.Info("ops server listening", zap.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("ops server failed", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("ops server shutdown", zap.Error(err))
		}
	}()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{}
	if s.info != nil {
		resp.Info = s.info()
	}
	if !resp.StartedAt.IsZero() {
		resp.UptimeSeconds = time.Since(resp.StartedAt).Seconds()
	}
	if s.ledger != nil {
		resp.OpenPositions = s.ledger.Len()
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	views := []positionView{}
	if s.ledger != nil {
		for _, pos := range s.ledger.All() {
			views = append(views, newPositionView(pos, now))
		}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(views)
}

func newPositionView(pos ledger.Position, now time.Time) positionView {
	v := positionView{
		ID:               pos.ID,
		Symbol:           pos.Symbol,
		State:            pos.State.External(),
		NotionalUSD:      pos.NotionalUSD,
		EntryNetDailyUSD: pos.EntryNetDailyUSD,
		HoldHours:        pos.HoldDuration(now).Hours(),
		Held:             pos.Held,
		Legs:             make([]legView, 0, len(pos.Legs)),
	}
	for _, leg := range pos.Legs {
		v.Legs = append(v.Legs, legView{
			Venue:        leg.Venue,
			Market:       leg.Market,
			Instrument:   string(leg.Instrument),
			Side:         string(leg.Side),
			FilledQty:    leg.FilledQty,
			AvgFillPrice: leg.AvgFillPrice,
		})
	}
	return v
}
