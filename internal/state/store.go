// Package state is the bot's durable memory between restarts. Two kinds of
// records live behind the Store interface: the trade lifecycle snapshot
// written after every transition, and the client-order-id records the
// executor uses to keep placements idempotent.
package state

import "context"

type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Close() error
}
