// Package lease provides the leader lease that keeps a single monitor running
// when several server instances share one database.
package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lease is held by at most one owner at a time. Acquire also renews a lease
// the caller already holds. TTL is how long one Acquire keeps it; zero means
// it never expires.
type Lease interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
	TTL() time.Duration
}

// ──────────────────────────────────────────────────────────────────────────────
// Redis
// ──────────────────────────────────────────────────────────────────────────────

// Only the owner may extend or drop the key.
var (
	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// Redis is a lease stored under one key with SET NX PX.
type Redis struct {
	rdb   redis.UniversalClient
	key   string
	owner string
	ttl   time.Duration
}

// NewRedis builds a lease on key. Each instance gets a random owner token.
func NewRedis(rdb redis.UniversalClient, key string, ttl time.Duration) *Redis {
	return &Redis{rdb: rdb, key: key, owner: uuid.NewString(), ttl: ttl}
}

// Open connects to Redis and pings it.
func Open(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("lease: redis ping %s: %w", addr, err)
	}
	return rdb, nil
}

// Acquire takes the lease if it is free or extends it if this instance
// already owns it.
func (l *Redis) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, l.key, l.owner, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("lease.Acquire %s: %w", l.key, err)
	}
	if ok {
		return true, nil
	}
	n, err := renewScript.Run(ctx, l.rdb, []string{l.key}, l.owner, l.ttl.Milliseconds()).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("lease.Acquire %s: renew: %w", l.key, err)
	}
	return n == 1, nil
}

// TTL returns the expiry set on each Acquire.
func (l *Redis) TTL() time.Duration { return l.ttl }

// Release drops the lease if this instance owns it.
func (l *Redis) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.rdb, []string{l.key}, l.owner).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("lease.Release %s: %w", l.key, err)
	}
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Process-local
// ──────────────────────────────────────────────────────────────────────────────

// Local is a lease shared by holders inside one process. A zero ttl never
// expires.
type Local struct {
	mu      sync.Mutex
	holder  *LocalHolder
	expires time.Time
	ttl     time.Duration
	now     func() time.Time
}

// NewLocal returns an in-process lease group.
func NewLocal(ttl time.Duration) *Local {
	return &Local{ttl: ttl, now: time.Now}
}

// Holder returns a new competitor for the lease.
func (l *Local) Holder() *LocalHolder {
	return &LocalHolder{group: l}
}

// LocalHolder is one competitor for a Local lease.
type LocalHolder struct {
	group *Local
}

func (h *LocalHolder) Acquire(_ context.Context) (bool, error) {
	g := h.group
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	if g.holder != nil && g.holder != h && (g.ttl == 0 || now.Before(g.expires)) {
		return false, nil
	}
	g.holder = h
	g.expires = now.Add(g.ttl)
	return true, nil
}

func (h *LocalHolder) TTL() time.Duration { return h.group.ttl }

func (h *LocalHolder) Release(_ context.Context) error {
	g := h.group
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.holder == h {
		g.holder = nil
	}
	return nil
}
