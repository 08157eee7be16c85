package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/imattau/fed-AI-sub000/internal/config"
	"github.com/imattau/fed-AI-sub000/internal/envelope"
	"github.com/imattau/fed-AI-sub000/internal/federation"
	"github.com/imattau/fed-AI-sub000/internal/identity"
	"github.com/imattau/fed-AI-sub000/internal/noncestore"
	"github.com/imattau/fed-AI-sub000/internal/payments"
	"github.com/imattau/fed-AI-sub000/internal/registry"
	"github.com/imattau/fed-AI-sub000/internal/router"
	"github.com/imattau/fed-AI-sub000/internal/scheduler"
	"github.com/imattau/fed-AI-sub000/internal/store"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	cfg, err := config.LoadRouter()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}
	key, err := identity.ParsePrivateKey(cfg.PrivateKey)
	if err != nil {
		log.Fatal("private key parse failed", zap.Error(err))
	}
	log.Info("router identity", zap.String("npub", key.Npub()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Redis (optional: durable mirror + shared nonce store) ─────────────────
	var nonces envelope.NonceStore = noncestore.NewMemory()
	var db store.RouterStore
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal("redis ping failed", zap.Error(err))
		}
		nonces = noncestore.NewRedis(rdb, envelope.DefaultReplayWindow, log)
		db = store.NewRedis(rdb)
	}

	// ── Core state ────────────────────────────────────────────────────────────
	reg := registry.New()
	sched := scheduler.New(reg, cfg.SchedulerTopK)
	ledger := payments.NewLedger(log)

	retry := payments.RetryPolicy{
		MaxAttempts: cfg.PaymentVerification.Retry.MaxAttempts,
		BaseDelay:   time.Duration(cfg.PaymentVerification.Retry.BaseDelayMs) * time.Millisecond,
		MaxDelay:    time.Duration(cfg.PaymentVerification.Retry.MaxDelayMs) * time.Millisecond,
	}
	var invoicer *payments.InvoiceClient
	var verifier *payments.VerifyClient
	if cfg.InvoiceURL != "" {
		invoicer = payments.NewInvoiceClient(cfg.InvoiceURL, time.Duration(cfg.InvoiceTimeoutMs)*time.Millisecond, retry)
	}
	if cfg.PaymentVerification.URL != "" {
		verifier = payments.NewVerifyClient(
			cfg.PaymentVerification.URL,
			time.Duration(cfg.PaymentVerification.TimeoutMs)*time.Millisecond,
			retry,
			cfg.PaymentVerification.RequirePreimage,
		)
	}
	ledger.SetOracles(invoicer, verifier)

	promReg := prometheus.NewRegistry()
	srv := router.New(cfg, key, reg, sched, ledger, nonces, promReg, log)
	if db != nil {
		srv.SetStore(db)
		if err := srv.RestoreSnapshot(ctx); err != nil {
			log.Warn("snapshot restore failed", zap.Error(err))
		}
	}

	// ── Federation ────────────────────────────────────────────────────────────
	var fed *federation.Manager
	if cfg.Federation.Enabled {
		fed = federation.NewManager(cfg.Federation, key, ledger, srv.Metrics(), log)
		srv.SetFederation(fed)
		go fed.RunAnnouncer(ctx)

		if cfg.Federation.NostrEnabled && cfg.Federation.NostrRelayURL != "" {
			relay, err := federation.DialRelay(ctx, cfg.Federation.NostrRelayURL, key, log)
			if err != nil {
				log.Warn("relay dial failed", zap.Error(err))
			} else {
				fed.SetRelay(relay)
				go func() {
					if err := relay.Subscribe(ctx, cfg.Federation.NostrSubscribeSinceSeconds, fed.ApplyAnnouncement); err != nil && !errors.Is(err, context.Canceled) {
						log.Warn("relay subscription ended", zap.Error(err))
					}
				}()
			}
		}
	}

	// ── Goroutines ────────────────────────────────────────────────────────────
	go envelope.RunCleanup(ctx, nonces, envelope.DefaultReplayWindow, time.Minute)
	go srv.RunRetention(ctx)

	// ── HTTP server ───────────────────────────────────────────────────────────
	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: srv.Engine(),
	}
	go func() {
		log.Info("router HTTP server starting", zap.Int("port", cfg.Port))
		var err error
		if cfg.TLS.CertPath != "" && cfg.TLS.KeyPath != "" {
			err = httpSrv.ListenAndServeTLS(cfg.TLS.CertPath, cfg.TLS.KeyPath)
		} else {
			err = httpSrv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Info("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	log.Info("shutdown complete")
}
