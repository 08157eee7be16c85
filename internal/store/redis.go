package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/imattau/fed-AI-sub000/internal/protocol"
)

// Hash keys for the durable mirror.
const (
	keyNodes      = "store:nodes"
	keyPayReqs    = "store:payment-requests"
	keyPayRcpts   = "store:payment-receipts"
	keyManifests  = "store:manifests"
	keyAdmissions = "store:manifest-admissions"
)

// Redis mirrors the router maps into hashes, one JSON row per field.
type Redis struct {
	rdb *redis.Client
	now func() time.Time
}

func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb, now: time.Now}
}

func (s *Redis) Load(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{
		PaymentRequests:    make(map[string]protocol.PaymentRequest),
		PaymentReceipts:    make(map[string]protocol.SignedReceipt),
		Manifests:          make(map[string]protocol.CapabilityManifest),
		ManifestAdmissions: make(map[string]protocol.ManifestAdmission),
	}
	rows, err := s.rdb.HGetAll(ctx, keyNodes).Result()
	if err != nil {
		return nil, fmt.Errorf("load nodes: %w", err)
	}
	for _, raw := range rows {
		var n protocol.NodeDescriptor
		if json.Unmarshal([]byte(raw), &n) == nil {
			snap.Nodes = append(snap.Nodes, n)
		}
	}
	if err := loadHash(ctx, s.rdb, keyPayReqs, snap.PaymentRequests); err != nil {
		return nil, err
	}
	if err := loadHash(ctx, s.rdb, keyPayRcpts, snap.PaymentReceipts); err != nil {
		return nil, err
	}
	if err := loadHash(ctx, s.rdb, keyManifests, snap.Manifests); err != nil {
		return nil, err
	}
	if err := loadHash(ctx, s.rdb, keyAdmissions, snap.ManifestAdmissions); err != nil {
		return nil, err
	}
	return snap, nil
}

func loadHash[T any](ctx context.Context, rdb *redis.Client, key string, out map[string]T) error {
	rows, err := rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("load %s: %w", key, err)
	}
	for field, raw := range rows {
		var v T
		if json.Unmarshal([]byte(raw), &v) == nil {
			out[field] = v
		}
	}
	return nil
}

func (s *Redis) saveRow(ctx context.Context, key, field string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.rdb.HSet(ctx, key, field, string(raw)).Err()
}

func (s *Redis) SaveNode(ctx context.Context, n protocol.NodeDescriptor) error {
	return s.saveRow(ctx, keyNodes, n.NodeID, n)
}

func (s *Redis) SavePaymentRequest(ctx context.Context, key string, req protocol.PaymentRequest) error {
	return s.saveRow(ctx, keyPayReqs, key, req)
}

func (s *Redis) SavePaymentReceipt(ctx context.Context, key string, env protocol.SignedReceipt) error {
	return s.saveRow(ctx, keyPayRcpts, key, env)
}

func (s *Redis) SaveManifest(ctx context.Context, m protocol.CapabilityManifest) error {
	return s.saveRow(ctx, keyManifests, m.NodeID, m)
}

func (s *Redis) SaveManifestAdmission(ctx context.Context, a protocol.ManifestAdmission) error {
	return s.saveRow(ctx, keyAdmissions, a.NodeID, a)
}

// Retain walks every hash and deletes rows older than the horizon, judged
// by each row's own timestamp field.
func (s *Redis) Retain(ctx context.Context, horizon time.Duration) error {
	cutoff := s.now().Add(-horizon).UnixMilli()

	prune := func(key string, tsOf func([]byte) int64) error {
		rows, err := s.rdb.HGetAll(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("retain %s: %w", key, err)
		}
		var stale []string
		for field, raw := range rows {
			if tsOf([]byte(raw)) < cutoff {
				stale = append(stale, field)
			}
		}
		if len(stale) > 0 {
			return s.rdb.HDel(ctx, key, stale...).Err()
		}
		return nil
	}

	if err := prune(keyNodes, func(raw []byte) int64 {
		var n protocol.NodeDescriptor
		_ = json.Unmarshal(raw, &n)
		return n.LastHeartbeatMs
	}); err != nil {
		return err
	}
	if err := prune(keyPayReqs, func(raw []byte) int64 {
		var r protocol.PaymentRequest
		_ = json.Unmarshal(raw, &r)
		return r.ExpiresAtMs
	}); err != nil {
		return err
	}
	if err := prune(keyPayRcpts, func(raw []byte) int64 {
		var r protocol.SignedReceipt
		_ = json.Unmarshal(raw, &r)
		return r.Payload.PaidAtMs
	}); err != nil {
		return err
	}
	if err := prune(keyManifests, func(raw []byte) int64 {
		var m protocol.CapabilityManifest
		_ = json.Unmarshal(raw, &m)
		return m.SnapshotMs
	}); err != nil {
		return err
	}
	return prune(keyAdmissions, func(raw []byte) int64 {
		var a protocol.ManifestAdmission
		_ = json.Unmarshal(raw, &a)
		return a.AssessedMs
	})
}
