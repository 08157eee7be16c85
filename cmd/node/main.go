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
	"github.com/imattau/fed-AI-sub000/internal/identity"
	"github.com/imattau/fed-AI-sub000/internal/node"
	"github.com/imattau/fed-AI-sub000/internal/noncestore"
	"github.com/imattau/fed-AI-sub000/internal/runner"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	cfg, err := config.LoadNode()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}
	key, err := identity.ParsePrivateKey(cfg.PrivateKey)
	if err != nil {
		log.Fatal("private key parse failed", zap.Error(err))
	}
	log.Info("node identity", zap.String("nodeId", cfg.NodeID), zap.String("npub", key.Npub()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Runner ────────────────────────────────────────────────────────────────
	run, err := runner.New(cfg.RunnerKind, runner.Options{
		BaseURL: cfg.RunnerBaseURL,
		APIKey:  cfg.RunnerAPIKey,
		Model:   cfg.RunnerModel,
	})
	if err != nil {
		log.Fatal("runner init failed", zap.Error(err))
	}

	// ── Nonce store (redis > file > memory) ───────────────────────────────────
	var nonces envelope.NonceStore
	switch {
	case cfg.NonceStoreURL != "":
		opts, err := redis.ParseURL(cfg.NonceStoreURL)
		if err != nil {
			log.Fatal("nonce store url parse failed", zap.Error(err))
		}
		rdb := redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal("nonce store redis ping failed", zap.Error(err))
		}
		nonces = noncestore.NewRedis(rdb, envelope.DefaultReplayWindow, log)
	case cfg.NonceStorePath != "":
		bs, err := noncestore.OpenBolt(cfg.NonceStorePath)
		if err != nil {
			log.Fatal("nonce store open failed", zap.Error(err))
		}
		defer bs.Close() //nolint:errcheck
		nonces = bs
	default:
		nonces = noncestore.NewMemory()
	}

	// ── Server and goroutines ─────────────────────────────────────────────────
	promReg := prometheus.NewRegistry()
	srv := node.New(cfg, key, run, nonces, promReg, log)

	if cfg.VerifyWorkers > 0 {
		pool := envelope.NewVerifyPool(cfg.VerifyWorkers, cfg.VerifyQueue)
		srv.SetVerifyPool(pool)
		go pool.Run(ctx)
	}

	go envelope.RunCleanup(ctx, nonces, envelope.DefaultReplayWindow, time.Minute)
	go srv.RunRegistration(ctx)

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: srv.Engine(),
	}
	go func() {
		log.Info("node HTTP server starting", zap.Int("port", cfg.Port))
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
