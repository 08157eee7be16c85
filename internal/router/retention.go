package router

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const retentionInterval = time.Minute

// RunRetention drives the periodic pruning and reconciliation passes until
// the context ends.
func (s *Server) RunRetention(ctx context.Context) {
	ticker := time.NewTicker(retentionInterval)
	defer ticker.Stop()
	s.log.Info("retention loop started", zap.Duration("interval", retentionInterval))
	for {
		select {
		case <-ctx.Done():
			s.log.Info("retention loop stopped")
			return
		case <-ticker.C:
			s.retainOnce(ctx)
		}
	}
}

func (s *Server) retainOnce(ctx context.Context) {
	ret := s.cfg.Retention

	s.reg.Prune(
		time.Duration(ret.NodeMs)*time.Millisecond,
		time.Duration(ret.NodeHealthMs)*time.Millisecond,
		time.Duration(ret.NodeCooldownMs)*time.Millisecond,
	)
	s.ledger.Prune(
		time.Duration(ret.PaymentRequestMs)*time.Millisecond,
		time.Duration(ret.PaymentReceiptMs)*time.Millisecond,
	)
	if missing := s.ledger.Reconcile(time.Duration(ret.PaymentReconcileGraceMs)*time.Millisecond, s.m); len(missing) > 0 {
		s.log.Warn("reconciliation found unpaid challenges", zap.Int("count", len(missing)))
	}
	if s.fed != nil {
		s.fed.PruneJobs(time.Duration(ret.FederationJobMs) * time.Millisecond)
	}
	s.limiter.Prune()

	if s.db != nil {
		horizon := time.Duration(ret.PaymentReceiptMs) * time.Millisecond
		if horizon > 0 {
			if err := s.db.Retain(ctx, horizon); err != nil {
				s.log.Warn("store retention failed", zap.Error(err))
			}
		}
	}

	s.mu.Lock()
	cutoff := time.Now().Add(-time.Duration(ret.NodeMs) * time.Millisecond).UnixMilli()
	if ret.NodeMs > 0 {
		for id, adm := range s.admissions {
			if adm.AssessedMs < cutoff {
				delete(s.admissions, id)
				delete(s.manifests, id)
			}
		}
	}
	s.mu.Unlock()
}

// RestoreSnapshot loads the durable mirror into the in-memory maps at boot.
func (s *Server) RestoreSnapshot(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	snap, err := s.db.Load(ctx)
	if err != nil {
		return err
	}
	for _, n := range snap.Nodes {
		s.reg.Restore(n)
	}
	s.ledger.Restore(snap.PaymentRequests, snap.PaymentReceipts)
	scores := make(map[string]int)
	s.mu.Lock()
	for id, m := range snap.Manifests {
		s.manifests[id] = m
	}
	for id, a := range snap.ManifestAdmissions {
		s.admissions[id] = a
		if a.Admitted {
			if m, ok := snap.Manifests[id]; ok {
				scores[id] = m.Score
			}
		}
	}
	s.mu.Unlock()
	for id, score := range scores {
		s.reg.SetManifestScore(id, score)
	}
	s.log.Info("snapshot restored",
		zap.Int("nodes", len(snap.Nodes)),
		zap.Int("paymentRequests", len(snap.PaymentRequests)),
		zap.Int("paymentReceipts", len(snap.PaymentReceipts)),
		zap.Int("manifests", len(snap.Manifests)),
	)
	return nil
}
