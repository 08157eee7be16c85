package envelope

import (
	"context"
	"time"
)

// DefaultReplayWindow is the sliding window inside which nonces must be
// unique and timestamps must fall.
const DefaultReplayWindow = 5 * time.Minute

// NonceStore is the replay-guard contract; implementations live in
// internal/noncestore.
type NonceStore interface {
	Has(ctx context.Context, nonce string) (bool, error)
	Add(ctx context.Context, nonce string, ts int64) error
	Cleanup(ctx context.Context, cutoff int64) error
}

// CheckReplay enforces the replay rule for one envelope: reject duplicates
// inside the window, reject timestamps skewed beyond it, otherwise record
// the nonce. Returns a stable error kind, or "" on success.
func CheckReplay(ctx context.Context, store NonceStore, nonce string, ts int64, window time.Duration) (string, error) {
	now := time.Now().UnixMilli()
	skew := now - ts
	if skew < 0 {
		skew = -skew
	}
	if skew > window.Milliseconds() {
		return "ts-skew", nil
	}
	seen, err := store.Has(ctx, nonce)
	if err != nil {
		return "", err
	}
	if seen {
		return "nonce-duplicate", nil
	}
	if err := store.Add(ctx, nonce, ts); err != nil {
		return "", err
	}
	return "", nil
}

// RunCleanup prunes expired nonces at a bounded interval until ctx ends.
func RunCleanup(ctx context.Context, store NonceStore, window, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-window).UnixMilli()
			_ = store.Cleanup(ctx, cutoff)
		}
	}
}
