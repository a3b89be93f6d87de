// Package distlock provides leases that keep two workers from processing the
// same enrollment at the same time. Redis is preferred; PostgreSQL advisory
// locks are the fallback when no Redis is configured.
package distlock

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/matthewtrundle/BloomMac-sub009/internal/pkg/logger"
	"github.com/redis/go-redis/v9"
)

// DistLock is a single lease on one key. A DistLock value is owned by one
// goroutine; concurrent holders use separate instances.
type DistLock interface {
	// Acquire tries to take the lease without blocking.
	Acquire(ctx context.Context) (bool, error)
	// Release gives the lease back if this instance still owns it.
	Release(ctx context.Context) error
}

// NewLock creates a lease on key using the best available backend.
func NewLock(redisClient *redis.Client, db *sql.DB, key string, ttl time.Duration) DistLock {
	if redisClient != nil {
		return NewRedisLock(redisClient, key, ttl)
	}
	return NewPGAdvisoryLock(db, key)
}

// Locker hands out per-key leases. It satisfies the processor's Locker
// interface.
type Locker struct {
	redis  *redis.Client
	db     *sql.DB
	ttl    time.Duration
	prefix string
}

// NewLocker returns a Locker backed by redisClient when non-nil, else by db.
func NewLocker(redisClient *redis.Client, db *sql.DB, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &Locker{redis: redisClient, db: db, ttl: ttl, prefix: "drip"}
}

// Lock tries to take the lease for key. When ok is false another worker holds
// it and release is nil. A Redis lease is renewed every ttl/3 until release,
// so a slow send cannot outlive it.
func (l *Locker) Lock(ctx context.Context, key string) (release func(), ok bool, err error) {
	if l.redis == nil && l.db == nil {
		return nil, false, fmt.Errorf("distlock: no backend configured")
	}
	lock := NewLock(l.redis, l.db, l.prefix+":"+key, l.ttl)
	ok, err = lock.Acquire(ctx)
	if err != nil || !ok {
		return nil, false, err
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	if rl, isRedis := lock.(*RedisLock); isRedis {
		go func() {
			defer close(done)
			rl.keepAlive(stop, l.ttl/3)
		}()
	} else {
		close(done)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			// The caller's context may already be cancelled by the time the
			// lease is released.
			rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := lock.Release(rctx); err != nil {
				logger.Warn("[distlock] release failed", "key", key, "error", err)
			}
		})
	}, true, nil
}

// PGAdvisoryLock implements DistLock with pg_try_advisory_lock. Advisory
// locks are session scoped, so the lock pins one pooled connection from
// Acquire until Release and the same session performs the unlock.
type PGAdvisoryLock struct {
	db     *sql.DB
	lockID int64
	conn   *sql.Conn
}

// NewPGAdvisoryLock derives a stable 64-bit lock id from key.
func NewPGAdvisoryLock(db *sql.DB, key string) *PGAdvisoryLock {
	h := fnv.New64a()
	h.Write([]byte(key))
	return &PGAdvisoryLock{db: db, lockID: int64(h.Sum64())}
}

func (l *PGAdvisoryLock) Acquire(ctx context.Context) (bool, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("advisory lock conn: %w", err)
	}
	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&acquired); err != nil {
		conn.Close()
		return false, fmt.Errorf("advisory lock %d: %w", l.lockID, err)
	}
	if !acquired {
		conn.Close()
		return false, nil
	}
	l.conn = conn
	return true, nil
}

func (l *PGAdvisoryLock) Release(ctx context.Context) error {
	if l.conn == nil {
		return nil
	}
	defer func() {
		l.conn.Close()
		l.conn = nil
	}()
	_, err := l.conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockID)
	return err
}
