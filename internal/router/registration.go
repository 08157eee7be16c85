package router

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/imattau/fed-AI-sub000/internal/protocol"
)

// handleRegisterNode accepts a node's self-signed descriptor. Heartbeats are
// repeated registrations; last writer wins per nodeId.
func (s *Server) handleRegisterNode(c *gin.Context) {
	start := time.Now()
	const route = "/register-node"

	env, status, kind := s.readEnvelope(c)
	if kind != "" {
		s.fail(c, start, route, status, kind)
		return
	}
	var desc protocol.NodeDescriptor
	if err := json.Unmarshal(env.Payload, &desc); err != nil || desc.NodeID == "" || desc.Endpoint == "" {
		s.fail(c, start, route, http.StatusBadRequest, protocol.ErrInvalidEnvelope)
		return
	}
	if desc.KeyID != env.KeyID {
		s.fail(c, start, route, http.StatusBadRequest, protocol.ErrKeyIDMismatch)
		return
	}
	if status, kind := s.verifyAndGuard(c, env); kind != "" {
		s.fail(c, start, route, status, kind)
		return
	}
	if contains(s.cfg.NodeBlockList, env.KeyID) {
		s.fail(c, start, route, http.StatusForbidden, protocol.ErrClientBlocked)
		return
	}

	s.reg.Upsert(desc)
	if s.db != nil {
		stamped, _ := s.reg.Get(desc.NodeID)
		if err := s.db.SaveNode(c.Request.Context(), stamped); err != nil {
			s.log.Warn("persist node failed", zap.String("nodeId", desc.NodeID), zap.Error(err))
		}
	}
	s.ok(c, start, route, gin.H{"ok": true, "nodeId": desc.NodeID})
}

// handleNodes lists all known nodes plus the currently active subset.
func (s *Server) handleNodes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"nodes":  s.reg.List(),
		"active": s.reg.Active(),
	})
}

// handleManifest assesses a node's self-signed capability manifest against
// the relay-admission policy and records the verdict.
func (s *Server) handleManifest(c *gin.Context) {
	start := time.Now()
	const route = "/manifest"

	env, status, kind := s.readEnvelope(c)
	if kind != "" {
		s.fail(c, start, route, status, kind)
		return
	}
	var man protocol.CapabilityManifest
	if err := json.Unmarshal(env.Payload, &man); err != nil || man.NodeID == "" {
		s.fail(c, start, route, http.StatusBadRequest, protocol.ErrInvalidEnvelope)
		return
	}
	if man.KeyID != env.KeyID {
		s.fail(c, start, route, http.StatusBadRequest, protocol.ErrKeyIDMismatch)
		return
	}
	if status, kind := s.verifyAndGuard(c, env); kind != "" {
		s.fail(c, start, route, status, kind)
		return
	}

	score := manifestScore(man)
	admitted, reason := s.assessManifest(man, score)
	verdict := protocol.ManifestAdmission{
		NodeID:     man.NodeID,
		Admitted:   admitted,
		Reason:     reason,
		AssessedMs: time.Now().UnixMilli(),
	}
	man.Score = score

	s.mu.Lock()
	s.manifests[man.NodeID] = man
	s.admissions[man.NodeID] = verdict
	s.mu.Unlock()

	if admitted {
		s.reg.SetManifestScore(man.NodeID, score)
	}
	if s.db != nil {
		ctx := c.Request.Context()
		if err := s.db.SaveManifest(ctx, man); err != nil {
			s.log.Warn("persist manifest failed", zap.String("nodeId", man.NodeID), zap.Error(err))
		}
		if err := s.db.SaveManifestAdmission(ctx, verdict); err != nil {
			s.log.Warn("persist manifest admission failed", zap.String("nodeId", man.NodeID), zap.Error(err))
		}
	}
	s.ok(c, start, route, gin.H{"admitted": admitted, "reason": reason, "score": score})
}

// assessManifest applies the relay-admission policy.
func (s *Server) assessManifest(man protocol.CapabilityManifest, score int) (bool, string) {
	pol := s.cfg.RelayAdmission
	if pol.RequireSnapshot {
		if man.SnapshotMs <= 0 {
			return false, "snapshot-missing"
		}
		if pol.MaxAgeMs > 0 && time.Now().UnixMilli()-man.SnapshotMs > pol.MaxAgeMs {
			return false, "snapshot-stale"
		}
	}
	if score < pol.MinScore {
		return false, "score-below-minimum"
	}
	return true, ""
}

// manifestScore buckets the self-reported bands into a 0..20 score.
func manifestScore(man protocol.CapabilityManifest) int {
	score := 0
	for _, band := range []int{man.CPUBand, man.RAMBand, man.DiskBand, man.NetBand, man.GPUBand} {
		if band < 0 {
			band = 0
		}
		if band > manifestScoreBand {
			band = manifestScoreBand
		}
		score += band
	}
	return score
}

// handleStakeCommit adds stake units for a node, signed by the staker.
func (s *Server) handleStakeCommit(c *gin.Context) {
	s.handleStake(c, "/stake/commit", false)
}

// handleStakeSlash removes stake units; only the router's own key may sign.
func (s *Server) handleStakeSlash(c *gin.Context) {
	s.handleStake(c, "/stake/slash", true)
}

func (s *Server) handleStake(c *gin.Context, route string, slash bool) {
	start := time.Now()

	env, status, kind := s.readEnvelope(c)
	if kind != "" {
		s.fail(c, start, route, status, kind)
		return
	}
	var entry protocol.StakeEntry
	if err := json.Unmarshal(env.Payload, &entry); err != nil || entry.NodeID == "" || entry.Units <= 0 {
		s.fail(c, start, route, http.StatusBadRequest, protocol.ErrInvalidEnvelope)
		return
	}
	if slash && env.KeyID != s.key.Npub() {
		s.fail(c, start, route, http.StatusUnauthorized, protocol.ErrActorKeyMismatch)
		return
	}
	if status, kind := s.verifyAndGuard(c, env); kind != "" {
		s.fail(c, start, route, status, kind)
		return
	}

	delta := entry.Units
	if slash {
		delta = -delta
	}
	total := s.reg.AddStake(entry.NodeID, delta)

	entry.Ts = time.Now().UnixMilli()
	s.mu.Lock()
	s.stakeLog = append(s.stakeLog, entry)
	s.mu.Unlock()

	s.log.Info("stake updated",
		zap.String("nodeId", entry.NodeID),
		zap.Int64("delta", delta),
		zap.Int64("total", total),
	)
	s.ok(c, start, route, gin.H{"nodeId": entry.NodeID, "units": total})
}
