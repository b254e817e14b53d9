/*
Package lock provides the per-schedule mutual exclusion used by the cron
driver and manual generation triggers.

Two implementations:
  Local: in-process keyed lock, enough for a single instance.
  Redis: bsm/redislock lease, for several instances sharing a database.

Both are non-blocking: Obtain returns ErrNotObtained immediately when the
key is held, and the caller skips the schedule until the next cycle.
*/
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// ErrNotObtained is returned when the key is already held.
var ErrNotObtained = errors.New("lock not obtained")

// Lease is a held lock.
type Lease interface {
	Release(ctx context.Context) error
}

// Locker obtains keyed leases. ttl bounds how long a crashed holder can
// keep the key.
type Locker interface {
	Obtain(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// =============================================================================
// LOCAL
// =============================================================================

// Local is an in-process Locker.
type Local struct {
	mu   sync.Mutex
	held map[string]time.Time // key -> lease expiry
	now  func() time.Time
}

func NewLocal() *Local {
	return &Local{held: make(map[string]time.Time), now: time.Now}
}

func (l *Local) Obtain(_ context.Context, key string, ttl time.Duration) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if expiry, ok := l.held[key]; ok && now.Before(expiry) {
		return nil, ErrNotObtained
	}
	expiry := now.Add(ttl)
	l.held[key] = expiry
	return &localLease{owner: l, key: key, expiry: expiry}, nil
}

type localLease struct {
	owner  *Local
	key    string
	expiry time.Time
}

func (l *localLease) Release(context.Context) error {
	l.owner.mu.Lock()
	defer l.owner.mu.Unlock()
	// Only release our own lease; an expired one may have been re-obtained.
	if l.owner.held[l.key].Equal(l.expiry) {
		delete(l.owner.held, l.key)
	}
	return nil
}

// =============================================================================
// REDIS
// =============================================================================

// Redis is a distributed Locker backed by bsm/redislock.
type Redis struct {
	client *redislock.Client
	prefix string
}

// NewRedis wraps a go-redis client. Keys are namespaced with prefix.
func NewRedis(rdb redis.UniversalClient, prefix string) *Redis {
	return &Redis{client: redislock.New(rdb), prefix: prefix}
}

func (r *Redis) Obtain(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	l, err := r.client.Obtain(ctx, r.prefix+key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrNotObtained
	}
	if err != nil {
		return nil, err
	}
	return redisLease{l}, nil
}

type redisLease struct {
	lock *redislock.Lock
}

func (l redisLease) Release(ctx context.Context) error {
	err := l.lock.Release(ctx)
	if errors.Is(err, redislock.ErrLockNotHeld) {
		return nil
	}
	return err
}
