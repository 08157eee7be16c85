// Package registry owns the router's view of worker nodes: descriptors
// upserted by heartbeat, health accounting with cooldown escalation, stake
// and manifest inputs, and the blended trust score. All maps are guarded by
// one mutex; heartbeat arrival and selection snapshots serialize here.
package registry

import (
	"math"
	"sync"
	"time"

	"github.com/imattau/fed-AI-sub000/internal/protocol"
)

// Defaults for the health lifecycle.
const (
	DefaultHeartbeatWindow  = 30 * time.Second
	DefaultFailureThreshold = 3
	DefaultBaseCooldown     = 30 * time.Second
	DefaultCooldownCap      = 10
	baseTrust               = 50.0
)

// Health tracks forwarding outcomes for one node.
type Health struct {
	Successes           int   `json:"successes"`
	Failures            int   `json:"failures"`
	ConsecutiveFailures int   `json:"consecutiveFailures"`
	LastSuccessMs       int64 `json:"lastSuccessMs"`
	LastFailureMs       int64 `json:"lastFailureMs"`
}

type Registry struct {
	mu sync.Mutex

	now              func() time.Time
	heartbeatWindow  time.Duration
	failureThreshold int
	baseCooldown     time.Duration
	cooldownCap      int

	nodes         map[string]*protocol.NodeDescriptor
	order         []string
	health        map[string]*Health
	cooldownUntil map[string]int64
	manifestScore map[string]int
	stakeUnits    map[string]int64

	revision uint64
}

func New() *Registry {
	return &Registry{
		now:              time.Now,
		heartbeatWindow:  DefaultHeartbeatWindow,
		failureThreshold: DefaultFailureThreshold,
		baseCooldown:     DefaultBaseCooldown,
		cooldownCap:      DefaultCooldownCap,
		nodes:            make(map[string]*protocol.NodeDescriptor),
		health:           make(map[string]*Health),
		cooldownUntil:    make(map[string]int64),
		manifestScore:    make(map[string]int),
		stakeUnits:       make(map[string]int64),
	}
}

// SetClock overrides the time source; tests only.
func (r *Registry) SetClock(now func() time.Time) { r.now = now }

// SetCooldown tunes the failure threshold and cooldown schedule.
func (r *Registry) SetCooldown(threshold int, base time.Duration, cap int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failureThreshold = threshold
	r.baseCooldown = base
	r.cooldownCap = cap
}

// Upsert records a registration or heartbeat. Last writer wins per nodeId;
// the heartbeat stamp is always the registry's clock, not the caller's.
func (r *Registry) Upsert(desc protocol.NodeDescriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	desc.LastHeartbeatMs = r.now().UnixMilli()
	if _, ok := r.nodes[desc.NodeID]; !ok {
		r.order = append(r.order, desc.NodeID)
	}
	r.nodes[desc.NodeID] = &desc
	r.revision++
}

// Restore re-inserts a persisted descriptor keeping its original heartbeat
// stamp, so stale nodes stay stale across a restart.
func (r *Registry) Restore(desc protocol.NodeDescriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodes[desc.NodeID]; !ok {
		r.order = append(r.order, desc.NodeID)
	}
	r.nodes[desc.NodeID] = &desc
	r.revision++
}

// Get returns a copy of one descriptor.
func (r *Registry) Get(nodeID string) (protocol.NodeDescriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[nodeID]
	if !ok {
		return protocol.NodeDescriptor{}, false
	}
	return *n, true
}

// List returns all descriptors in insertion order with trust filled in.
func (r *Registry) List() []protocol.NodeDescriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.NodeDescriptor, 0, len(r.order))
	for _, id := range r.order {
		if n, ok := r.nodes[id]; ok {
			c := *n
			c.TrustScore = r.trustLocked(id)
			out = append(out, c)
		}
	}
	return out
}

// Active returns nodes with a fresh heartbeat that are not cooling down,
// in insertion order.
func (r *Registry) Active() []protocol.NodeDescriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	nowMs := r.now().UnixMilli()
	horizon := nowMs - r.heartbeatWindow.Milliseconds()
	out := make([]protocol.NodeDescriptor, 0, len(r.order))
	for _, id := range r.order {
		n, ok := r.nodes[id]
		if !ok || n.LastHeartbeatMs < horizon {
			continue
		}
		if until, cooling := r.cooldownUntil[id]; cooling && until > nowMs {
			continue
		}
		c := *n
		c.TrustScore = r.trustLocked(id)
		out = append(out, c)
	}
	return out
}

// Revision increments on every mutation; the scheduler keys its memo on it.
func (r *Registry) Revision() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.revision
}

// MarkFailure bumps failure counters and escalates into cooldown once the
// consecutive-failure threshold is crossed.
func (r *Registry) MarkFailure(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.healthLocked(nodeID)
	h.Failures++
	h.ConsecutiveFailures++
	h.LastFailureMs = r.now().UnixMilli()
	if h.ConsecutiveFailures >= r.failureThreshold {
		steps := h.ConsecutiveFailures - r.failureThreshold + 1
		if steps > r.cooldownCap {
			steps = r.cooldownCap
		}
		r.cooldownUntil[nodeID] = r.now().Add(time.Duration(steps) * r.baseCooldown).UnixMilli()
	}
	r.revision++
}

// MarkSuccess resets the failure streak and clears any cooldown.
func (r *Registry) MarkSuccess(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.healthLocked(nodeID)
	h.Successes++
	h.ConsecutiveFailures = 0
	h.LastSuccessMs = r.now().UnixMilli()
	delete(r.cooldownUntil, nodeID)
	r.revision++
}

// HealthOf returns a copy of the health record.
func (r *Registry) HealthOf(nodeID string) Health {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.healthLocked(nodeID)
}

// InCooldown reports whether the node is currently ineligible.
func (r *Registry) InCooldown(nodeID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	until, ok := r.cooldownUntil[nodeID]
	return ok && until > r.now().UnixMilli()
}

// SetManifestScore records the bucketed capability-band score (0..20) from
// an admitted manifest.
func (r *Registry) SetManifestScore(nodeID string, score int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.manifestScore[nodeID] = score
	r.revision++
}

// AddStake adjusts committed stake units; negative deltas slash.
func (r *Registry) AddStake(nodeID string, delta int64) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	u := r.stakeUnits[nodeID] + delta
	if u < 0 {
		u = 0
	}
	r.stakeUnits[nodeID] = u
	r.revision++
	return u
}

// StakeUnits returns the committed units for a node.
func (r *Registry) StakeUnits(nodeID string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stakeUnits[nodeID]
}

// Trust returns the blended 0..100 trust score for a node.
func (r *Registry) Trust(nodeID string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.trustLocked(nodeID)
}

// trustLocked blends manifest self-reports (decayed as observations
// accumulate), stake, live performance, and failure penalties.
func (r *Registry) trustLocked(nodeID string) float64 {
	h := r.healthLocked(nodeID)
	total := h.Successes + h.Failures

	decay := math.Max(0, 1-float64(total)/20)
	manifest := float64(r.manifestScore[nodeID]) * decay

	stake := math.Min(20, float64(r.stakeUnits[nodeID])/100)

	var perf float64
	if total >= 10 {
		rate := float64(h.Successes) / float64(total)
		perf = math.Round((rate - 0.9) * 100)
		if perf > 10 {
			perf = 10
		} else if perf < -10 {
			perf = -10
		}
	}

	var reliability float64
	if total >= 5 {
		failRate := float64(h.Failures) / float64(total)
		reliability = math.Round(failRate * 40)
	}
	streak := float64(h.ConsecutiveFailures) * 5
	penalty := math.Min(30, reliability+streak)

	trust := baseTrust + manifest + stake + perf - penalty
	if trust < 0 {
		return 0
	}
	if trust > 100 {
		return 100
	}
	return trust
}

func (r *Registry) healthLocked(nodeID string) *Health {
	h, ok := r.health[nodeID]
	if !ok {
		h = &Health{}
		r.health[nodeID] = h
	}
	return h
}

// Prune drops nodes, health rows, and cooldown entries older than their
// retention horizons. Zero durations disable the respective pass.
func (r *Registry) Prune(nodeRetention, healthRetention, cooldownRetention time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	nowMs := r.now().UnixMilli()

	if nodeRetention > 0 {
		cutoff := nowMs - nodeRetention.Milliseconds()
		kept := r.order[:0]
		for _, id := range r.order {
			n, ok := r.nodes[id]
			if ok && n.LastHeartbeatMs < cutoff {
				delete(r.nodes, id)
				ok = false
			}
			if ok {
				kept = append(kept, id)
			}
		}
		r.order = kept
	}
	if healthRetention > 0 {
		cutoff := nowMs - healthRetention.Milliseconds()
		for id, h := range r.health {
			last := h.LastSuccessMs
			if h.LastFailureMs > last {
				last = h.LastFailureMs
			}
			if last > 0 && last < cutoff {
				delete(r.health, id)
			}
		}
	}
	if cooldownRetention > 0 {
		cutoff := nowMs - cooldownRetention.Milliseconds()
		for id, until := range r.cooldownUntil {
			if until < cutoff {
				delete(r.cooldownUntil, id)
			}
		}
	}
	r.revision++
}
