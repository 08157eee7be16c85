package store

import (
	"context"
	"sync"
	"time"

	"github.com/imattau/fed-AI-sub000/internal/protocol"
)

// Memory keeps the mirror in-process; useful for tests and single-instance
// deployments that only want crash-free restarts within one process.
type Memory struct {
	mu   sync.Mutex
	snap Snapshot
	now  func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		snap: Snapshot{
			PaymentRequests:    make(map[string]protocol.PaymentRequest),
			PaymentReceipts:    make(map[string]protocol.SignedReceipt),
			Manifests:          make(map[string]protocol.CapabilityManifest),
			ManifestAdmissions: make(map[string]protocol.ManifestAdmission),
		},
		now: time.Now,
	}
}

func (m *Memory) Load(context.Context) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.snap
	return &c, nil
}

func (m *Memory) SaveNode(_ context.Context, n protocol.NodeDescriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.snap.Nodes {
		if m.snap.Nodes[i].NodeID == n.NodeID {
			m.snap.Nodes[i] = n
			return nil
		}
	}
	m.snap.Nodes = append(m.snap.Nodes, n)
	return nil
}

func (m *Memory) SavePaymentRequest(_ context.Context, key string, req protocol.PaymentRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap.PaymentRequests[key] = req
	return nil
}

func (m *Memory) SavePaymentReceipt(_ context.Context, key string, env protocol.SignedReceipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap.PaymentReceipts[key] = env
	return nil
}

func (m *Memory) SaveManifest(_ context.Context, man protocol.CapabilityManifest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap.Manifests[man.NodeID] = man
	return nil
}

func (m *Memory) SaveManifestAdmission(_ context.Context, a protocol.ManifestAdmission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap.ManifestAdmissions[a.NodeID] = a
	return nil
}

func (m *Memory) Retain(_ context.Context, horizon time.Duration) error {
	cutoff := m.now().Add(-horizon).UnixMilli()
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.snap.Nodes[:0]
	for _, n := range m.snap.Nodes {
		if n.LastHeartbeatMs >= cutoff {
			kept = append(kept, n)
		}
	}
	m.snap.Nodes = kept
	for k, r := range m.snap.PaymentRequests {
		if r.ExpiresAtMs < cutoff {
			delete(m.snap.PaymentRequests, k)
		}
	}
	for k, r := range m.snap.PaymentReceipts {
		if r.Payload.PaidAtMs < cutoff {
			delete(m.snap.PaymentReceipts, k)
		}
	}
	for k, man := range m.snap.Manifests {
		if man.SnapshotMs < cutoff {
			delete(m.snap.Manifests, k)
		}
	}
	for k, a := range m.snap.ManifestAdmissions {
		if a.AssessedMs < cutoff {
			delete(m.snap.ManifestAdmissions, k)
		}
	}
	return nil
}
