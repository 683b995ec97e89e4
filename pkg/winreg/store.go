package winreg

import (
	"context"
	"errors"
)

// ErrClosed is returned by stores after Close.
var ErrClosed = errors.New("winreg: store closed")

// Store is the shared key-value substrate windows coordinate through. Each
// Store value is one participant: Subscribe callbacks fire for writes made
// through other participants only, never for the subscriber's own writes.
type Store interface {
	// Load returns the value of key, or nil and no error when it is absent.
	Load(ctx context.Context, key string) ([]byte, error)
	// Publish replaces the value of key and notifies other participants.
	Publish(ctx context.Context, key string, value []byte) error
	// Delete removes key and notifies other participants with a nil value.
	Delete(ctx context.Context, key string) error
	// Incr atomically increments the counter stored at key and returns the
	// new value. A missing counter starts at zero.
	Incr(ctx context.Context, key string) (int64, error)
	// Subscribe calls fn with the new value each time another participant
	// writes key. Callbacks may run on any goroutine.
	Subscribe(key string, fn func(value []byte)) (cancel func(), err error)
	Close() error
}
