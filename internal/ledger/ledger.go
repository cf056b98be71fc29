package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"funding-arb-bot/internal/state"
)

const positionKeyPrefix = "position:"

// ErrUnhedgedActive rejects persisting an ACTIVE position that does not have
// both legs filled. The hedge machine is the only writer, so hitting this is
// a programming error, not an operational one.
var ErrUnhedgedActive = errors.New("active position without both legs filled")

// Ledger holds the live positions keyed by symbol. The hedge machine is the
// sole mutator; everything else reads value copies.
type Ledger struct {
	mu        sync.RWMutex
	store     state.Store
	positions map[string]Position
}

func New(store state.Store) *Ledger {
	return &Ledger{
		store:     store,
		positions: make(map[string]Position),
	}
}

// Restore loads every persisted position back into the live set. Called once
// at startup before the control loop runs.
func (l *Ledger) Restore(ctx context.Context) (int, error) {
	if l.store == nil {
		return 0, nil
	}
	raw, err := l.store.List(ctx, positionKeyPrefix)
	if err != nil {
		return 0, fmt.Errorf("list positions: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, value := range raw {
		var pos Position
		if err := json.Unmarshal([]byte(value), &pos); err != nil {
			return 0, fmt.Errorf("decode %s: %w", key, err)
		}
		l.positions[pos.Symbol] = pos
	}
	return len(l.positions), nil
}

// Put stores the position in memory and persists it. ACTIVE with fewer than
// two filled legs is refused.
func (l *Ledger) Put(ctx context.Context, pos Position) error {
	if pos.State == StateActive && !pos.BothLegsFilled() {
		return ErrUnhedgedActive
	}
	l.mu.Lock()
	l.positions[pos.Symbol] = pos
	l.mu.Unlock()
	return state.SaveJSON(ctx, l.store, positionKeyPrefix+pos.Symbol, pos)
}

// Get returns a value copy, safe for read-only consumers.
func (l *Ledger) Get(symbol string) (Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	pos, ok := l.positions[symbol]
	return pos, ok
}

// Archive removes the position from the live set and from the store,
// returning the final record for recording/archival.
func (l *Ledger) Archive(ctx context.Context, symbol string) (Position, bool, error) {
	l.mu.Lock()
	pos, ok := l.positions[symbol]
	if ok {
		delete(l.positions, symbol)
	}
	l.mu.Unlock()
	if !ok {
		return Position{}, false, nil
	}
	if l.store != nil {
		if err := l.store.Delete(ctx, positionKeyPrefix+symbol); err != nil {
			return pos, true, fmt.Errorf("delete position %s: %w", symbol, err)
		}
	}
	return pos, true, nil
}

// All returns value copies of every live position, sorted by symbol.
func (l *Ledger) All() []Position {
	l.mu.RLock()
	out := make([]Position, 0, len(l.positions))
	for _, pos := range l.positions {
		out = append(out, pos)
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.positions)
}
