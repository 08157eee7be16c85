package node

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/imattau/fed-AI-sub000/internal/envelope"
	"github.com/imattau/fed-AI-sub000/internal/protocol"
)

// RunRegistration announces this node to the router on an interval; each
// announcement doubles as the heartbeat that keeps the node in the active
// set.
func (s *Server) RunRegistration(ctx context.Context) {
	if s.cfg.RouterURL == "" {
		s.log.Info("no router configured, skipping registration")
		return
	}
	interval := time.Duration(s.cfg.HeartbeatIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 10 * time.Second
	}
	client := &http.Client{Timeout: 10 * time.Second}

	if err := s.registerOnce(ctx, client); err != nil {
		s.log.Warn("initial registration failed", zap.Error(err))
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.registerOnce(ctx, client); err != nil {
				s.log.Warn("registration heartbeat failed", zap.Error(err))
			}
		}
	}
}

func (s *Server) registerOnce(ctx context.Context, client *http.Client) error {
	caps, err := s.Capabilities(ctx)
	if err != nil {
		return fmt.Errorf("list capabilities: %w", err)
	}
	desc := protocol.NodeDescriptor{
		NodeID:   s.cfg.NodeID,
		KeyID:    s.key.Npub(),
		Endpoint: s.cfg.Endpoint,
		Capacity: protocol.Capacity{
			MaxConcurrent: s.cfg.CapacityMaxConcurrent,
			CurrentLoad:   s.cfg.CapacityCurrentLoad + int(s.inFlight.Load()),
		},
		Capabilities: caps,
	}
	env, err := envelope.BuildSigned(desc, s.key)
	if err != nil {
		return err
	}
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.RouterURL+"/register-node", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("register-node status %d: %s", resp.StatusCode, string(data))
	}
	return nil
}
