// Package router implements the broker: node registration and health,
// quoting, payment challenges and receipts, forwarding to worker nodes, and
// the federation mount point.
package router

import (
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/imattau/fed-AI-sub000/internal/config"
	"github.com/imattau/fed-AI-sub000/internal/envelope"
	"github.com/imattau/fed-AI-sub000/internal/federation"
	"github.com/imattau/fed-AI-sub000/internal/identity"
	"github.com/imattau/fed-AI-sub000/internal/metrics"
	"github.com/imattau/fed-AI-sub000/internal/payments"
	"github.com/imattau/fed-AI-sub000/internal/protocol"
	"github.com/imattau/fed-AI-sub000/internal/ratelimit"
	"github.com/imattau/fed-AI-sub000/internal/registry"
	"github.com/imattau/fed-AI-sub000/internal/scheduler"
	"github.com/imattau/fed-AI-sub000/internal/store"
)

const (
	quoteTTL          = time.Minute
	defaultBodyLimit  = 1 << 20
	forwardTimeout    = 60 * time.Second
	manifestScoreBand = 4 // per-band ceiling; five bands cap the score at 20
)

// Server is the router daemon.
type Server struct {
	cfg    *config.Router
	key    *identity.KeyPair
	reg    *registry.Registry
	sched  *scheduler.Scheduler
	ledger *payments.Ledger
	nonces envelope.NonceStore

	limiter *ratelimit.Window
	m       *metrics.Metrics
	log     *zap.Logger
	httpc   *http.Client

	db  store.RouterStore   // optional durable mirror
	fed *federation.Manager // optional control plane

	mu         sync.Mutex
	manifests  map[string]protocol.CapabilityManifest
	admissions map[string]protocol.ManifestAdmission
	stakeLog   []protocol.StakeEntry

	promHandler http.Handler
}

func New(cfg *config.Router, key *identity.KeyPair, reg *registry.Registry, sched *scheduler.Scheduler, ledger *payments.Ledger, nonces envelope.NonceStore, promReg *prometheus.Registry, log *zap.Logger) *Server {
	s := &Server{
		cfg:        cfg,
		key:        key,
		reg:        reg,
		sched:      sched,
		ledger:     ledger,
		nonces:     nonces,
		limiter:    ratelimit.New(cfg.RateLimitMax, time.Duration(cfg.RateLimitWindowMs)*time.Millisecond),
		m:          metrics.New(promReg),
		log:        log,
		httpc:      &http.Client{Timeout: forwardTimeout},
		manifests:  make(map[string]protocol.CapabilityManifest),
		admissions: make(map[string]protocol.ManifestAdmission),
	}
	s.promHandler = promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})
	return s
}

// SetStore attaches the durable mirror.
func (s *Server) SetStore(db store.RouterStore) { s.db = db }

// SetFederation attaches the federation manager; Engine mounts its routes.
func (s *Server) SetFederation(fed *federation.Manager) { s.fed = fed }

// Metrics exposes the instrument set for the retention loop.
func (s *Server) Metrics() *metrics.Metrics { return s.m }

// Engine builds the gin router.
func (s *Server) Engine() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	r.GET("/metrics", gin.WrapH(s.promHandler))
	r.GET("/nodes", s.handleNodes)
	r.POST("/register-node", s.handleRegisterNode)
	r.POST("/manifest", s.handleManifest)
	r.POST("/stake/commit", s.handleStakeCommit)
	r.POST("/stake/slash", s.handleStakeSlash)
	r.POST("/quote", s.handleQuote)
	r.POST("/payment-receipt", s.handlePaymentReceipt)
	r.POST("/infer", s.handleInfer)
	if s.fed != nil {
		s.fed.Mount(r.Group("/federation"))
	}
	return r
}

func (s *Server) fail(c *gin.Context, start time.Time, route string, status int, kind string) {
	s.m.Requests.WithLabelValues(route, kind).Inc()
	s.m.Latency.WithLabelValues(route, kind).Observe(time.Since(start).Seconds())
	c.JSON(status, gin.H{"error": kind})
}

func (s *Server) ok(c *gin.Context, start time.Time, route string, body interface{}) {
	s.m.Requests.WithLabelValues(route, "ok").Inc()
	s.m.Latency.WithLabelValues(route, "ok").Observe(time.Since(start).Seconds())
	c.JSON(http.StatusOK, body)
}

// readEnvelope bounds and parses the request body into a raw envelope.
func (s *Server) readEnvelope(c *gin.Context) (*envelope.Raw, int, string) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, defaultBodyLimit+1))
	if err != nil {
		return nil, http.StatusBadRequest, protocol.ErrInvalidJSON
	}
	if len(body) > defaultBodyLimit {
		return nil, http.StatusRequestEntityTooLarge, protocol.ErrPayloadTooLarge
	}
	env, kind := envelope.Parse(body)
	if kind != "" {
		return nil, http.StatusBadRequest, kind
	}
	return env, 0, ""
}

// admitClient applies the client lists and the per-identity rate limiter.
func (s *Server) admitClient(keyID string) (int, string) {
	if contains(s.cfg.ClientBlockList, keyID) {
		return http.StatusForbidden, protocol.ErrClientBlocked
	}
	if contains(s.cfg.ClientMuteList, keyID) {
		return http.StatusForbidden, protocol.ErrClientMuted
	}
	if len(s.cfg.ClientAllowList) > 0 && !contains(s.cfg.ClientAllowList, keyID) {
		return http.StatusForbidden, protocol.ErrClientNotAllowed
	}
	if !s.limiter.Allow(keyID) {
		return http.StatusTooManyRequests, protocol.ErrRateLimited
	}
	return 0, ""
}

// verifyAndGuard runs the replay check and the self-signature check shared
// by every client-facing POST.
func (s *Server) verifyAndGuard(c *gin.Context, env *envelope.Raw) (int, string) {
	if _, err := identity.DecodePublicKey(env.KeyID); err != nil {
		return http.StatusBadRequest, protocol.ErrInvalidKeyID
	}
	kind, err := envelope.CheckReplay(c.Request.Context(), s.nonces, env.Nonce, env.Ts, envelope.DefaultReplayWindow)
	if err != nil {
		return http.StatusInternalServerError, protocol.ErrInternal
	}
	if kind != "" {
		return http.StatusBadRequest, kind
	}
	if !env.VerifySelf() {
		return http.StatusUnauthorized, protocol.ErrInvalidSignature
	}
	return 0, ""
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
