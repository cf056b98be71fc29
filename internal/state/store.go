package state

import "context"

// Store is a durable key/value namespace shared by the ledger, the
// executor's idempotency cache, venue nonce counters and operator state.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	// List returns every key/value pair whose key starts with prefix.
	List(ctx context.Context, prefix string) (map[string]string, error)
	Close() error
}
