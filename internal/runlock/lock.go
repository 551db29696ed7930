// Package runlock provides the at-most-one-concurrent-run token for the
// scheduled pull.
package runlock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

const (
	// DefaultKey names the single pull lock.
	DefaultKey = "killfeed:pull-lock"
	// DefaultTTL bounds a crashed run: the lock self-expires after the
	// run's own time budget so future runs are never wedged permanently.
	DefaultTTL = 2 * time.Hour
)

// KV is the lock-store contract: atomic set-if-absent with expiry, point
// read, and delete. Backed by Redis in production.
type KV interface {
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, key string) error
}

// Lock is a named mutual-exclusion token. Absence of the key means
// unlocked.
type Lock struct {
	kv    KV
	key   string
	ttl   time.Duration
	token string
}

// New creates a Lock. Zero key/ttl select the defaults.
func New(kv KV, key string, ttl time.Duration) *Lock {
	if key == "" {
		key = DefaultKey
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Lock{kv: kv, key: key, ttl: ttl}
}

// Acquire attempts to take the lock. false with a nil error means another
// run holds it; the caller reports "already running" and exits without
// touching upstream services or the store.
func (l *Lock) Acquire(ctx context.Context) (bool, error) {
	token := uuid.NewString()
	ok, err := l.kv.SetNX(ctx, l.key, token, l.ttl)
	if err != nil {
		return false, eris.Wrapf(err, "runlock: acquire %s", l.key)
	}
	if !ok {
		return false, nil
	}
	l.token = token
	return true, nil
}

// Release frees the lock if this instance still owns it. Expired-and-
// reacquired locks belong to someone else and are left alone.
func (l *Lock) Release(ctx context.Context) error {
	if l.token == "" {
		return nil
	}
	current, err := l.kv.Get(ctx, l.key)
	if err != nil {
		return eris.Wrapf(err, "runlock: read %s", l.key)
	}
	if current != l.token {
		zap.L().Warn("lock token changed, not releasing",
			zap.String("key", l.key),
		)
		l.token = ""
		return nil
	}
	l.token = ""
	return eris.Wrapf(l.kv.Del(ctx, l.key), "runlock: release %s", l.key)
}

// ForceClear deletes the lock unconditionally, the operator escape hatch.
// Returns whether a lock existed.
func (l *Lock) ForceClear(ctx context.Context) (bool, error) {
	current, err := l.kv.Get(ctx, l.key)
	if err != nil {
		return false, eris.Wrapf(err, "runlock: read %s", l.key)
	}
	if current == "" {
		return false, nil
	}
	if err := l.kv.Del(ctx, l.key); err != nil {
		return false, eris.Wrapf(err, "runlock: force clear %s", l.key)
	}
	return true, nil
}
