package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestGuard(t *testing.T) (*CancellationGuard, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return NewCancellationGuard(rdb, 30*time.Second), mr
}

func TestGuard_SingleHolderPerSession(t *testing.T) {
	t.Parallel()

	g, _ := newTestGuard(t)
	ctx := context.Background()

	ok, err := g.Acquire(ctx, "sess-1", "job-1")
	if err != nil || !ok {
		t.Fatalf("expected first acquire to succeed, ok=%v err=%v", ok, err)
	}

	ok, err = g.Acquire(ctx, "sess-1", "job-2")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if ok {
		t.Fatal("expected second acquire to be rejected while lock held")
	}

	// A different session is unaffected.
	ok, err = g.Acquire(ctx, "sess-2", "job-3")
	if err != nil || !ok {
		t.Fatalf("expected acquire for other session, ok=%v err=%v", ok, err)
	}
}

func TestGuard_ReleaseOnlyByHolder(t *testing.T) {
	t.Parallel()

	g, _ := newTestGuard(t)
	ctx := context.Background()

	if ok, _ := g.Acquire(ctx, "sess-1", "job-1"); !ok {
		t.Fatal("setup acquire failed")
	}

	released, err := g.Release(ctx, "sess-1", "job-2")
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if released {
		t.Fatal("expected release by non-holder to be refused")
	}

	holder, err := g.Holder(ctx, "sess-1")
	if err != nil || holder != "job-1" {
		t.Fatalf("expected job-1 to still hold the lock, got %q err=%v", holder, err)
	}

	released, err = g.Release(ctx, "sess-1", "job-1")
	if err != nil || !released {
		t.Fatalf("expected holder release to succeed, released=%v err=%v", released, err)
	}

	if ok, _ := g.Acquire(ctx, "sess-1", "job-2"); !ok {
		t.Fatal("expected acquire after release")
	}
}

func TestGuard_LockExpires(t *testing.T) {
	t.Parallel()

	g, mr := newTestGuard(t)
	ctx := context.Background()

	if ok, _ := g.Acquire(ctx, "sess-1", "job-1"); !ok {
		t.Fatal("setup acquire failed")
	}

	mr.FastForward(time.Minute)

	ok, err := g.Acquire(ctx, "sess-1", "job-2")
	if err != nil || !ok {
		t.Fatalf("expected acquire after TTL expiry, ok=%v err=%v", ok, err)
	}

	// Releasing the stale first claim must not free the new holder's lock.
	released, err := g.Release(ctx, "sess-1", "job-1")
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if released {
		t.Fatal("expected stale release to be refused")
	}
	holder, _ := g.Holder(ctx, "sess-1")
	if holder != "job-2" {
		t.Fatalf("expected job-2 to hold the lock, got %q", holder)
	}
}
