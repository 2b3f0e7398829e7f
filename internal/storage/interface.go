package storage

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound is returned when a requested key does not exist.
var ErrNotFound = errors.New("not found")

// Logical keys of the shared namespace. Keys are independent; there are no
// cross-key transactions.
const (
	KeySalt             = "salt"
	KeyPasswordHash     = "password_hash"
	KeyLocked           = "locked"
	KeyEntries          = "entries"
	KeyProfile          = "profile"
	KeyDetectionHashes  = "detection_hashes"
	KeyUsageLogs        = "usage_logs"
	KeyPreservedSession = "preserved_session"
)

// UpdateFunc receives the current value (nil when the key is absent) and
// returns the value to store. Returning a nil slice removes the key.
type UpdateFunc func(old []byte) ([]byte, error)

// Store is the key-value persistence interface shared by every context.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error

	// Update runs a read-modify-write of one key. Updates of the same key are
	// serialized so concurrent list mutations do not lose writes.
	Update(ctx context.Context, key string, fn UpdateFunc) error

	Close() error
}

// keyLocks hands out one mutex per key.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyLocks) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()
	m.Lock()
	return m.Unlock
}
