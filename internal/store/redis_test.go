package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/imattau/fed-AI-sub000/internal/protocol"
)

func newTestStore(t *testing.T) *Redis {
	t.Helper()
	mr := miniredis.RunT(t)
	return NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
}

func TestRedis_SaveAndLoadRoundtrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now().UnixMilli()

	node := protocol.NodeDescriptor{
		NodeID:          "n1",
		KeyID:           "npub1n1",
		Endpoint:        "http://127.0.0.1:9000",
		LastHeartbeatMs: now,
	}
	if err := s.SaveNode(ctx, node); err != nil {
		t.Fatalf("SaveNode: %v", err)
	}

	reqKey := protocol.LedgerKey("r1", protocol.PayeeNode, "n1")
	req := protocol.PaymentRequest{
		RequestID: "r1", PayeeType: protocol.PayeeNode, PayeeID: "n1",
		AmountSats: 10, Invoice: "placeholder:x", ExpiresAtMs: now + 60_000,
	}
	if err := s.SavePaymentRequest(ctx, reqKey, req); err != nil {
		t.Fatalf("SavePaymentRequest: %v", err)
	}
	rcpt := protocol.SignedReceipt{
		Payload: protocol.PaymentReceipt{
			RequestID: "r1", PayeeType: protocol.PayeeNode, PayeeID: "n1",
			AmountSats: 10, PaidAtMs: now,
		},
		Nonce: "nonce-1", Ts: now, KeyID: "npub1client", Sig: "c2ln",
	}
	if err := s.SavePaymentReceipt(ctx, reqKey, rcpt); err != nil {
		t.Fatalf("SavePaymentReceipt: %v", err)
	}
	if err := s.SaveManifest(ctx, protocol.CapabilityManifest{NodeID: "n1", CPUBand: 3, SnapshotMs: now}); err != nil {
		t.Fatalf("SaveManifest: %v", err)
	}
	if err := s.SaveManifestAdmission(ctx, protocol.ManifestAdmission{NodeID: "n1", Admitted: true, AssessedMs: now}); err != nil {
		t.Fatalf("SaveManifestAdmission: %v", err)
	}

	snap, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(snap.Nodes) != 1 || snap.Nodes[0].NodeID != "n1" || snap.Nodes[0].LastHeartbeatMs != now {
		t.Errorf("nodes: %+v", snap.Nodes)
	}
	if got := snap.PaymentRequests[reqKey]; got.Invoice != "placeholder:x" {
		t.Errorf("requests: %+v", got)
	}
	if got := snap.PaymentReceipts[reqKey]; got.Payload.AmountSats != 10 || got.Sig != "c2ln" {
		t.Errorf("receipts: %+v", got)
	}
	if got := snap.Manifests["n1"]; got.CPUBand != 3 {
		t.Errorf("manifests: %+v", got)
	}
	if got := snap.ManifestAdmissions["n1"]; !got.Admitted {
		t.Errorf("admissions: %+v", got)
	}
}

func TestRedis_SaveNodeLastWriterWins(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_ = s.SaveNode(ctx, protocol.NodeDescriptor{NodeID: "n1", Endpoint: "http://old"})
	_ = s.SaveNode(ctx, protocol.NodeDescriptor{NodeID: "n1", Endpoint: "http://new"})

	snap, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(snap.Nodes) != 1 || snap.Nodes[0].Endpoint != "http://new" {
		t.Fatalf("nodes: %+v", snap.Nodes)
	}
}

func TestRedis_RetainDropsExpiredRows(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	base := time.Now()
	s.now = func() time.Time { return base }

	old := base.Add(-2 * time.Hour).UnixMilli()
	fresh := base.UnixMilli()

	_ = s.SaveNode(ctx, protocol.NodeDescriptor{NodeID: "stale", LastHeartbeatMs: old})
	_ = s.SaveNode(ctx, protocol.NodeDescriptor{NodeID: "live", LastHeartbeatMs: fresh})
	_ = s.SavePaymentRequest(ctx, "k-old", protocol.PaymentRequest{RequestID: "r-old", ExpiresAtMs: old})
	_ = s.SavePaymentRequest(ctx, "k-new", protocol.PaymentRequest{RequestID: "r-new", ExpiresAtMs: fresh})
	_ = s.SavePaymentReceipt(ctx, "k-old", protocol.SignedReceipt{
		Payload: protocol.PaymentReceipt{RequestID: "r-old", PaidAtMs: old},
	})

	if err := s.Retain(ctx, time.Hour); err != nil {
		t.Fatalf("Retain: %v", err)
	}

	snap, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(snap.Nodes) != 1 || snap.Nodes[0].NodeID != "live" {
		t.Errorf("nodes after retain: %+v", snap.Nodes)
	}
	if _, kept := snap.PaymentRequests["k-old"]; kept {
		t.Error("expired request retained")
	}
	if _, kept := snap.PaymentRequests["k-new"]; !kept {
		t.Error("live request dropped")
	}
	if len(snap.PaymentReceipts) != 0 {
		t.Errorf("receipts after retain: %+v", snap.PaymentReceipts)
	}
}
