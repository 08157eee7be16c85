// Package node implements the worker-side request pipeline: ordered
// admission checks, receipt verification, capacity control, bounded runner
// execution, and signed response plus metering emission.
package node

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/imattau/fed-AI-sub000/internal/config"
	"github.com/imattau/fed-AI-sub000/internal/envelope"
	"github.com/imattau/fed-AI-sub000/internal/identity"
	"github.com/imattau/fed-AI-sub000/internal/metrics"
	"github.com/imattau/fed-AI-sub000/internal/payments"
	"github.com/imattau/fed-AI-sub000/internal/protocol"
	"github.com/imattau/fed-AI-sub000/internal/ratelimit"
	"github.com/imattau/fed-AI-sub000/internal/runner"
)

// Server is the node daemon.
type Server struct {
	cfg      *config.Node
	key      *identity.KeyPair
	run      runner.Runner
	nonces   envelope.NonceStore
	limiter  *ratelimit.Window
	verifier *payments.VerifyClient
	m        *metrics.Metrics
	log      *zap.Logger

	routerPub  []byte
	inFlight   atomic.Int64
	verifyPool *envelope.VerifyPool

	promHandler http.Handler
}

// New wires a node server. routerPub may be nil when no router key is
// configured; the pipeline then refuses requests with a 500.
func New(cfg *config.Node, key *identity.KeyPair, run runner.Runner, nonces envelope.NonceStore, reg *prometheus.Registry, log *zap.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		key:     key,
		run:     run,
		nonces:  nonces,
		limiter: ratelimit.New(cfg.RateLimitMax, time.Duration(cfg.RateLimitWindowMs)*time.Millisecond),
		m:       metrics.New(reg),
		log:     log,
	}
	s.promHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	if cfg.RouterPublicKey != "" {
		if pub, err := identity.DecodePublicKey(cfg.RouterPublicKey); err == nil {
			s.routerPub = pub
		} else {
			log.Error("invalid router public key in config", zap.Error(err))
		}
	}
	if cfg.PaymentVerification.URL != "" {
		s.verifier = payments.NewVerifyClient(
			cfg.PaymentVerification.URL,
			time.Duration(cfg.PaymentVerification.TimeoutMs)*time.Millisecond,
			payments.RetryPolicy{
				MaxAttempts: cfg.PaymentVerification.Retry.MaxAttempts,
				BaseDelay:   time.Duration(cfg.PaymentVerification.Retry.BaseDelayMs) * time.Millisecond,
				MaxDelay:    time.Duration(cfg.PaymentVerification.Retry.MaxDelayMs) * time.Millisecond,
			},
			cfg.PaymentVerification.RequirePreimage,
		)
	}
	return s
}

// SetVerifyPool attaches an optional signature-verification worker pool.
func (s *Server) SetVerifyPool(p *envelope.VerifyPool) { s.verifyPool = p }

// Engine builds the gin router for this node.
func (s *Server) Engine() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	r.GET("/status", s.handleStatus)
	r.GET("/metrics", gin.WrapH(s.promHandler))
	r.POST("/infer", s.handleInfer)
	return r
}

func (s *Server) handleStatus(c *gin.Context) {
	health := s.run.Health(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"nodeId":   s.cfg.NodeID,
		"keyId":    s.key.Npub(),
		"inFlight": s.inFlight.Load(),
		"capacity": gin.H{
			"maxConcurrent": s.cfg.CapacityMaxConcurrent,
			"currentLoad":   s.cfg.CapacityCurrentLoad,
		},
		"runner": health,
	})
}

// Capabilities reports what this node serves, for registration heartbeats.
func (s *Server) Capabilities(ctx context.Context) ([]protocol.Capability, error) {
	models, err := s.run.ListModels(ctx)
	if err != nil {
		return nil, err
	}
	caps := make([]protocol.Capability, 0, len(models))
	for _, m := range models {
		caps = append(caps, protocol.Capability{
			ModelID:       m.ModelID,
			ContextWindow: m.ContextWindow,
			MaxTokens:     m.MaxTokens,
			Pricing:       protocol.Pricing{Unit: protocol.UnitPer1KTokens, Currency: "SAT"},
		})
	}
	return caps, nil
}

func (s *Server) fail(c *gin.Context, start time.Time, status int, kind string) {
	s.m.Requests.WithLabelValues("/infer", kind).Inc()
	s.m.Latency.WithLabelValues("/infer", kind).Observe(time.Since(start).Seconds())
	c.JSON(status, gin.H{"error": kind})
}
