package noncestore

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	redisKeyPrefix  = "nonce:"
	defaultDebounce = 250 * time.Millisecond
)

// Redis is the durable shared store. Adds are buffered and flushed in one
// pipeline per debounce interval, with at most one flush in flight; plain
// SET with TTL gives on-conflict-update semantics. Expiry handles retention,
// so Cleanup is a no-op.
type Redis struct {
	rdb      *redis.Client
	ttl      time.Duration
	debounce time.Duration
	log      *zap.Logger

	mu       sync.Mutex
	pending  map[string]int64
	timerSet bool
	flushing bool
}

func NewRedis(rdb *redis.Client, ttl time.Duration, log *zap.Logger) *Redis {
	return &Redis{
		rdb:      rdb,
		ttl:      ttl,
		debounce: defaultDebounce,
		log:      log,
		pending:  make(map[string]int64),
	}
}

func (r *Redis) Has(ctx context.Context, nonce string) (bool, error) {
	r.mu.Lock()
	if _, ok := r.pending[nonce]; ok {
		r.mu.Unlock()
		return true, nil
	}
	r.mu.Unlock()
	n, err := r.rdb.Exists(ctx, redisKeyPrefix+nonce).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *Redis) Add(_ context.Context, nonce string, ts int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[nonce] = ts
	if !r.timerSet {
		r.timerSet = true
		time.AfterFunc(r.debounce, func() { r.Flush(context.Background()) })
	}
	return nil
}

// Flush drains the pending buffer into Redis. Safe to call concurrently;
// only one pipeline runs at a time and a competing call reschedules itself.
func (r *Redis) Flush(ctx context.Context) {
	r.mu.Lock()
	if r.flushing {
		// A flush is in flight; keep the timer armed so the buffer drains
		// on the next interval.
		time.AfterFunc(r.debounce, func() { r.Flush(context.Background()) })
		r.mu.Unlock()
		return
	}
	if len(r.pending) == 0 {
		r.timerSet = false
		r.mu.Unlock()
		return
	}
	batch := r.pending
	r.pending = make(map[string]int64)
	r.timerSet = false
	r.flushing = true
	r.mu.Unlock()

	pipe := r.rdb.Pipeline()
	for nonce, ts := range batch {
		pipe.Set(ctx, redisKeyPrefix+nonce, strconv.FormatInt(ts, 10), r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		r.log.Error("nonce flush failed", zap.Int("batch", len(batch)), zap.Error(err))
		// Re-buffer so the nonces are not lost to a transient outage.
		r.mu.Lock()
		for nonce, ts := range batch {
			if _, ok := r.pending[nonce]; !ok {
				r.pending[nonce] = ts
			}
		}
		r.mu.Unlock()
	}

	r.mu.Lock()
	r.flushing = false
	rearm := len(r.pending) > 0 && !r.timerSet
	if rearm {
		r.timerSet = true
	}
	r.mu.Unlock()
	if rearm {
		time.AfterFunc(r.debounce, func() { r.Flush(context.Background()) })
	}
}

// Cleanup is satisfied by per-key TTLs on the Redis side.
func (r *Redis) Cleanup(context.Context, int64) error { return nil }
