// Package store abstracts the shared key-value stores the sync engine
// persists into: a durable store, an optional session-scoped store, and the
// change-notification feed every instance subscribes to. Backends are
// selected by DSN (memory://, file://, postgres://, sqlite://).
package store

import (
	"context"
	"errors"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrClosed         = errors.New("store closed")
	ErrNotImplemented = errors.New("not implemented")
)

// Event is one change notification: the store delivers (key, old, new) to
// every subscriber, including the instance that performed the write, with
// no ordering guarantee.
type Event struct {
	Key      string
	OldValue []byte
	NewValue []byte
}

// Store is the durable key-value contract. Get returns ErrNotFound for a
// missing key. Watch returns a feed that stays open until ctx is cancelled
// or the store closes.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
	Watch(ctx context.Context) (<-chan Event, error)
	Close() error
}

// QuotaEstimator reports approximate storage headroom. It is a preflight
// signal only, never authoritative.
type QuotaEstimator interface {
	Estimate() (usedBytes, totalBytes uint64, err error)
}
