// Package store defines the optional durable mirror of the router's
// in-memory maps. Stores receive plain snapshots and rows only; they never
// hold references back into the service.
package store

import (
	"context"
	"time"

	"github.com/imattau/fed-AI-sub000/internal/protocol"
)

// Snapshot is the state restored at router boot.
type Snapshot struct {
	Nodes              []protocol.NodeDescriptor              `json:"nodes"`
	PaymentRequests    map[string]protocol.PaymentRequest     `json:"paymentRequests"`
	PaymentReceipts    map[string]protocol.SignedReceipt      `json:"paymentReceipts"`
	Manifests          map[string]protocol.CapabilityManifest `json:"manifests"`
	ManifestAdmissions map[string]protocol.ManifestAdmission  `json:"manifestAdmissions"`
}

// RouterStore is the persistence capability set.
type RouterStore interface {
	Load(ctx context.Context) (*Snapshot, error)
	SaveNode(ctx context.Context, n protocol.NodeDescriptor) error
	SavePaymentRequest(ctx context.Context, key string, req protocol.PaymentRequest) error
	SavePaymentReceipt(ctx context.Context, key string, env protocol.SignedReceipt) error
	SaveManifest(ctx context.Context, m protocol.CapabilityManifest) error
	SaveManifestAdmission(ctx context.Context, a protocol.ManifestAdmission) error
	// Retain removes rows whose embedded timestamps fall before the horizon.
	Retain(ctx context.Context, horizon time.Duration) error
}
