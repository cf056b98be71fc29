package exec

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"funding-arb-bot/internal/metrics"
	"funding-arb-bot/internal/state"
	"funding-arb-bot/internal/venue"
)

const (
	retryAttempts = 5
	retryBackoff  = 200 * time.Millisecond
)

// Limiter arbitrates the shared per-venue request budget. Acquire blocks
// until a slot is available or the context ends.
type Limiter interface {
	Acquire(ctx context.Context, key string) error
}

type nopLimiter struct{}

func (nopLimiter) Acquire(ctx context.Context, key string) error { return nil }

// Executor fronts one venue adapter with idempotent placement, bounded
// retry and the consecutive-failure count the risk gate watches. Placement
// and cancellation retry transient errors; reads are single-shot because
// their callers already poll.
type Executor struct {
	adapter venue.Adapter
	store   state.Store
	limiter Limiter
	metrics *metrics.Metrics
	log     *zap.Logger

	mu     sync.Mutex
	cache  map[string]string
	streak atomic.Int64
}

func New(adapter venue.Adapter, store state.Store, limiter Limiter, m *metrics.Metrics, log *zap.Logger) *Executor {
	if limiter == nil {
		limiter = nopLimiter{}
	}
	if m == nil {
		m = metrics.NewNoop()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{
		adapter: adapter,
		store:   store,
		limiter: limiter,
		metrics: m,
		log:     log,
		cache:   make(map[string]string),
	}
}

func (e *Executor) Name() string {
	return e.adapter.Name()
}

// PlaceOrder is idempotent on ClientOrderID: a request replayed after a
// crash or retry returns the already-known order ref instead of placing a
// duplicate.
func (e *Executor) PlaceOrder(ctx context.Context, req venue.OrderRequest) (string, error) {
	if req.ClientOrderID == "" {
		return e.placeWithRetry(ctx, req)
	}
	cacheKey := "cloid:" + req.ClientOrderID
	e.mu.Lock()
	if ref, ok := e.cache[cacheKey]; ok {
		e.mu.Unlock()
		return ref, nil
	}
	e.mu.Unlock()
	if e.store != nil {
		if ref, ok, err := e.store.Get(ctx, cacheKey); err != nil {
			return "", err
		} else if ok {
			e.mu.Lock()
			e.cache[cacheKey] = ref
			e.mu.Unlock()
			return ref, nil
		}
	}
	ref, err := e.placeWithRetry(ctx, req)
	if err != nil {
		return "", err
	}
	if e.store != nil {
		if err := e.store.Set(ctx, cacheKey, ref); err != nil {
			e.log.Warn("failed to persist order ref", zap.Error(err))
		}
	}
	e.mu.Lock()
	e.cache[cacheKey] = ref
	e.mu.Unlock()
	return ref, nil
}

func (e *Executor) CancelOrder(ctx context.Context, market, orderRef string) error {
	err := e.retry(ctx, func() error {
		if err := e.limiter.Acquire(ctx, e.adapter.Name()); err != nil {
			return err
		}
		return e.adapter.CancelOrder(ctx, market, orderRef)
	})
	e.observe(err)
	return err
}

func (e *Executor) OrderStatus(ctx context.Context, market, orderRef string) (venue.OrderState, error) {
	if err := e.limiter.Acquire(ctx, e.adapter.Name()); err != nil {
		return venue.OrderState{}, err
	}
	st, err := e.adapter.OrderStatus(ctx, market, orderRef)
	e.observe(err)
	return st, err
}

func (e *Executor) Price(ctx context.Context, market string) (float64, error) {
	if err := e.limiter.Acquire(ctx, e.adapter.Name()); err != nil {
		return 0, err
	}
	price, err := e.adapter.Price(ctx, market)
	e.observe(err)
	return price, err
}

// FundingRate resolves the funding rate, using the history-derivation
// fallback for venues without a direct endpoint.
func (e *Executor) FundingRate(ctx context.Context, market string) (venue.FundingRate, error) {
	if err := e.limiter.Acquire(ctx, e.adapter.Name()); err != nil {
		return venue.FundingRate{}, err
	}
	rate, err := venue.FetchFundingRate(ctx, e.adapter, market)
	e.observe(err)
	return rate, err
}

func (e *Executor) Position(ctx context.Context, market string) (venue.PositionInfo, error) {
	if err := e.limiter.Acquire(ctx, e.adapter.Name()); err != nil {
		return venue.PositionInfo{}, err
	}
	pos, err := e.adapter.Position(ctx, market)
	e.observe(err)
	return pos, err
}

// FailureStreak is the current run of consecutive failed venue calls. Any
// success resets it.
func (e *Executor) FailureStreak() int {
	return int(e.streak.Load())
}

func (e *Executor) placeWithRetry(ctx context.Context, req venue.OrderRequest) (string, error) {
	var ref string
	err := e.retry(ctx, func() error {
		if err := e.limiter.Acquire(ctx, e.adapter.Name()); err != nil {
			return err
		}
		var err error
		ref, err = e.adapter.PlaceOrder(ctx, req)
		return err
	})
	e.observe(err)
	if err != nil {
		e.metrics.OrdersFailed.Inc()
		return "", err
	}
	if ref == "" {
		e.metrics.OrdersFailed.Inc()
		return "", errors.New("empty order ref")
	}
	e.metrics.OrdersPlaced.Inc()
	return ref, nil
}

func (e *Executor) retry(ctx context.Context, fn func() error) error {
	backoff := retryBackoff
	for attempt := 0; attempt < retryAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !transient(err) || attempt == retryAttempts-1 {
			return fmt.Errorf("retry failed: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return nil
}

// observe feeds the failure streak. Definitive venue answers and local
// cancellation are not adapter failures.
func (e *Executor) observe(err error) {
	if err == nil {
		e.streak.Store(0)
		return
	}
	if !transient(err) {
		return
	}
	e.streak.Add(1)
}

func transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, venue.ErrOrderNotFound) || errors.Is(err, venue.ErrUnsupportedInstrument) || errors.Is(err, venue.ErrUnsupportedFundingQuery) {
		return false
	}
	return true
}
