package distlock

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		rdb.Close()
		mr.Close()
	})
	return mr, rdb
}

func TestRedisLock_ExclusiveUntilReleased(t *testing.T) {
	_, rdb := setupRedis(t)
	ctx := context.Background()

	a := NewRedisLock(rdb, "enrollment:e1", time.Minute)
	b := NewRedisLock(rdb, "enrollment:e1", time.Minute)

	ok, err := a.Acquire(ctx)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	ok, err = b.Acquire(ctx)
	if err != nil || ok {
		t.Fatalf("second acquire should fail: ok=%v err=%v", ok, err)
	}
	// b does not own the lease so releasing must not free it.
	if err := b.Release(ctx); err != nil {
		t.Fatalf("foreign release: %v", err)
	}
	if ok, _ := NewRedisLock(rdb, "enrollment:e1", time.Minute).Acquire(ctx); ok {
		t.Fatal("lease freed by non-owner")
	}
	if err := a.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if ok, _ := b.Acquire(ctx); !ok {
		t.Fatal("expected acquire after release")
	}
}

func TestRedisLock_Expires(t *testing.T) {
	mr, rdb := setupRedis(t)
	ctx := context.Background()

	a := NewRedisLock(rdb, "k", 10*time.Second)
	if ok, _ := a.Acquire(ctx); !ok {
		t.Fatal("acquire failed")
	}
	mr.FastForward(11 * time.Second)
	if err := a.Extend(ctx, time.Minute); err == nil {
		t.Fatal("extend of expired lease should fail")
	}
	if ok, _ := NewRedisLock(rdb, "k", time.Minute).Acquire(ctx); !ok {
		t.Fatal("expected acquire after expiry")
	}
}

func TestLocker_Redis(t *testing.T) {
	mr, rdb := setupRedis(t)
	l := NewLocker(rdb, nil, time.Minute)
	ctx := context.Background()

	release, ok, err := l.Lock(ctx, "enrollment:e1")
	if err != nil || !ok {
		t.Fatalf("lock: ok=%v err=%v", ok, err)
	}
	if !mr.Exists("lock:drip:enrollment:e1") {
		t.Fatalf("expected redis key, have %v", mr.Keys())
	}
	if _, ok, _ := l.Lock(ctx, "enrollment:e1"); ok {
		t.Fatal("second lock on same key should fail")
	}
	if _, ok, _ := l.Lock(ctx, "enrollment:e2"); !ok {
		t.Fatal("different key should lock")
	}
	release()
	if mr.Exists("lock:drip:enrollment:e1") {
		t.Fatal("key should be gone after release")
	}
}

func TestLocker_RenewsRedisLeaseUntilRelease(t *testing.T) {
	mr, rdb := setupRedis(t)
	const key = "lock:drip:enrollment:slow"
	ttl := 300 * time.Millisecond
	l := NewLocker(rdb, nil, ttl)

	release, ok, err := l.Lock(context.Background(), "enrollment:slow")
	if err != nil || !ok {
		t.Fatalf("lock: ok=%v err=%v", ok, err)
	}
	// Most of the ttl passes while the send is still running.
	mr.FastForward(250 * time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for mr.TTL(key) <= 200*time.Millisecond {
		if time.Now().After(deadline) {
			t.Fatalf("lease not renewed, ttl %v", mr.TTL(key))
		}
		time.Sleep(10 * time.Millisecond)
	}
	// Past the original expiry the lease is still ours.
	mr.FastForward(200 * time.Millisecond)
	if !mr.Exists(key) {
		t.Fatal("lease expired while held")
	}
	if _, ok, _ := l.Lock(context.Background(), "enrollment:slow"); ok {
		t.Fatal("renewed lease taken by another holder")
	}

	release()
	release()
	if mr.Exists(key) {
		t.Fatal("key should be gone after release")
	}
}

func TestLocker_NoBackend(t *testing.T) {
	if _, _, err := NewLocker(nil, nil, 0).Lock(context.Background(), "x"); err == nil {
		t.Fatal("expected error without backend")
	}
}

func TestPGAdvisoryLock_UsesOneSession(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	lock := NewPGAdvisoryLock(db, "drip:enrollment:e1")
	mock.ExpectQuery(regexp.QuoteMeta("SELECT pg_try_advisory_lock($1)")).
		WithArgs(lock.lockID).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_unlock($1)")).
		WithArgs(lock.lockID).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ctx := context.Background()
	ok, err := lock.Acquire(ctx)
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	if err := lock.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPGAdvisoryLock_NotAcquired(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	lock := NewPGAdvisoryLock(db, "k")
	mock.ExpectQuery("pg_try_advisory_lock").
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(false))

	ok, err := lock.Acquire(context.Background())
	if err != nil || ok {
		t.Fatalf("expected not acquired: ok=%v err=%v", ok, err)
	}
	if err := lock.Release(context.Background()); err != nil {
		t.Fatalf("release without lease: %v", err)
	}
}
