package noncestore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// exerciseStore checks the shared has/add/cleanup contract.
func exerciseStore(t *testing.T, has func(string) bool, add func(string, int64), cleanup func(int64)) {
	t.Helper()
	now := time.Now().UnixMilli()

	if has("n1") {
		t.Fatal("fresh store reports n1")
	}
	add("n1", now)
	if !has("n1") {
		t.Fatal("n1 missing after add")
	}

	add("old", now-10_000)
	cleanup(now - 5_000)
	if has("old") {
		t.Error("old survived cleanup")
	}
	if !has("n1") {
		t.Error("n1 lost to cleanup")
	}
}

func TestMemory(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	exerciseStore(t,
		func(n string) bool { ok, _ := s.Has(ctx, n); return ok },
		func(n string, ts int64) { _ = s.Add(ctx, n, ts) },
		func(cutoff int64) { _ = s.Cleanup(ctx, cutoff) },
	)
	if s.Len() != 1 {
		t.Errorf("Len: got %d want 1", s.Len())
	}
}

func TestBolt(t *testing.T) {
	ctx := context.Background()
	s, err := OpenBolt(filepath.Join(t.TempDir(), "nonces.db"))
	if err != nil {
		t.Fatalf("OpenBolt: %v", err)
	}
	defer s.Close() //nolint:errcheck
	exerciseStore(t,
		func(n string) bool { ok, _ := s.Has(ctx, n); return ok },
		func(n string, ts int64) { _ = s.Add(ctx, n, ts) },
		func(cutoff int64) { _ = s.Cleanup(ctx, cutoff) },
	)
}

func TestBolt_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nonces.db")

	s, err := OpenBolt(path)
	if err != nil {
		t.Fatalf("OpenBolt: %v", err)
	}
	if err := s.Add(ctx, "durable", time.Now().UnixMilli()); err != nil {
		t.Fatalf("Add: %v", err)
	}
	s.Close() //nolint:errcheck

	s2, err := OpenBolt(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close() //nolint:errcheck
	ok, err := s2.Has(ctx, "durable")
	if err != nil || !ok {
		t.Fatalf("Has after reopen: ok=%v err=%v", ok, err)
	}
}

// ── Redis ────────────────────────────────────────────────────────────────────

func newTestRedis(t *testing.T) (*Redis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedis(rdb, 5*time.Minute, zap.NewNop()), rdb
}

func TestRedis_PendingVisibleBeforeFlush(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestRedis(t)

	if err := s.Add(ctx, "n1", time.Now().UnixMilli()); err != nil {
		t.Fatalf("Add: %v", err)
	}
	// Buffered but not yet flushed; has must already see it.
	ok, err := s.Has(ctx, "n1")
	if err != nil || !ok {
		t.Fatalf("Has before flush: ok=%v err=%v", ok, err)
	}
}

func TestRedis_FlushWritesPipeline(t *testing.T) {
	ctx := context.Background()
	s, rdb := newTestRedis(t)

	_ = s.Add(ctx, "a", time.Now().UnixMilli())
	_ = s.Add(ctx, "b", time.Now().UnixMilli())
	s.Flush(ctx)

	for _, n := range []string{"a", "b"} {
		cnt, err := rdb.Exists(ctx, "nonce:"+n).Result()
		if err != nil || cnt != 1 {
			t.Errorf("key %s not flushed: cnt=%d err=%v", n, cnt, err)
		}
	}
	ok, err := s.Has(ctx, "a")
	if err != nil || !ok {
		t.Fatalf("Has after flush: ok=%v err=%v", ok, err)
	}
}
