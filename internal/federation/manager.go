package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/imattau/fed-AI-sub000/internal/config"
	"github.com/imattau/fed-AI-sub000/internal/identity"
	"github.com/imattau/fed-AI-sub000/internal/metrics"
	"github.com/imattau/fed-AI-sub000/internal/payments"
	"github.com/imattau/fed-AI-sub000/internal/ratelimit"
)

const messageTTL = 5 * time.Minute

// Manager owns the federation state for one router: local announcements,
// observed peer state, bids, awards, and jobs.
type Manager struct {
	cfg    config.Federation
	key    *identity.KeyPair
	ledger *payments.Ledger
	m      *metrics.Metrics
	log    *zap.Logger

	httpc   *http.Client
	limiter *ratelimit.Window
	relay   *RelayClient

	mu          sync.Mutex
	peers       []string
	localCaps   CapabilityProfile
	localStatus StatusPayload
	localPrices map[string]PriceSheet

	caps        map[string]CapabilityProfile
	status      map[string]StatusPayload
	priceSheets map[string]map[string]PriceSheet
	bids        map[string][]ControlMessage
	awards      map[string]AwardPayload
	jobs        map[string]*Job
}

func NewManager(cfg config.Federation, key *identity.KeyPair, ledger *payments.Ledger, m *metrics.Metrics, log *zap.Logger) *Manager {
	mgr := &Manager{
		cfg:    cfg,
		key:    key,
		ledger: ledger,
		m:      m,
		log:    log,
		httpc: &http.Client{
			Timeout: time.Duration(cfg.RequestTimeoutMs) * time.Millisecond,
		},
		limiter: ratelimit.New(cfg.RateLimitMax, time.Duration(cfg.RateLimitWindowMs)*time.Millisecond),
		localStatus: StatusPayload{
			State:     StateOK,
			UpdatedMs: time.Now().UnixMilli(),
		},
		localPrices: make(map[string]PriceSheet),
		caps:        make(map[string]CapabilityProfile),
		status:      make(map[string]StatusPayload),
		priceSheets: make(map[string]map[string]PriceSheet),
		bids:        make(map[string][]ControlMessage),
		awards:      make(map[string]AwardPayload),
		jobs:        make(map[string]*Job),
	}
	for _, p := range cfg.Peers {
		mgr.AddPeer(p)
	}
	return mgr
}

// SetRelay attaches a pub-sub relay client for announcements.
func (f *Manager) SetRelay(r *RelayClient) { f.relay = r }

// RouterID is this router's public identity.
func (f *Manager) RouterID() string { return f.key.Npub() }

// AddPeer records a peer URL, deduplicated by trailing-slash-stripped
// equality.
func (f *Manager) AddPeer(url string) {
	url = strings.TrimRight(strings.TrimSpace(url), "/")
	if url == "" {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.peers {
		if p == url {
			return
		}
	}
	f.peers = append(f.peers, url)
}

// Peers returns a copy of the peer set.
func (f *Manager) Peers() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.peers...)
}

// SetLocalCapabilities replaces the announced capability profile.
func (f *Manager) SetLocalCapabilities(caps CapabilityProfile) {
	caps.RouterID = f.RouterID()
	caps.UpdatedMs = time.Now().UnixMilli()
	f.mu.Lock()
	f.localCaps = caps
	f.mu.Unlock()
}

// SetLocalStatus replaces the announced status.
func (f *Manager) SetLocalStatus(s StatusPayload) {
	s.UpdatedMs = time.Now().UnixMilli()
	f.mu.Lock()
	f.localStatus = s
	f.mu.Unlock()
}

// SetLocalPrice installs one price sheet keyed by job type.
func (f *Manager) SetLocalPrice(sheet PriceSheet) {
	f.mu.Lock()
	f.localPrices[sheet.JobType] = sheet
	f.mu.Unlock()
}

// admit rate-limits one inbound message per (peer, type).
func (f *Manager) admit(routerID, msgType string) bool {
	return f.limiter.Allow(routerID + "|" + msgType)
}

// RunAnnouncer periodically publishes CAPS, STATUS, and one PRICE per
// priced job type to every peer, with bounded per-peer concurrency, and to
// the relay when one is attached.
func (f *Manager) RunAnnouncer(ctx context.Context) {
	interval := time.Duration(f.cfg.PublishIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	f.log.Info("federation announcer started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			f.log.Info("federation announcer stopped")
			return
		case <-ticker.C:
			f.announceOnce(ctx)
		}
	}
}

func (f *Manager) announceOnce(ctx context.Context) {
	f.mu.Lock()
	caps := f.localCaps
	status := f.localStatus
	prices := make([]PriceSheet, 0, len(f.localPrices))
	for _, p := range f.localPrices {
		prices = append(prices, p)
	}
	f.mu.Unlock()

	msgs := make([]ControlMessage, 0, 2+len(prices))
	if capsMsg, err := NewControlMessage(TypeCaps, caps, f.key, messageTTL); err == nil {
		msgs = append(msgs, capsMsg)
	}
	if statusMsg, err := NewControlMessage(TypeStatus, status, f.key, messageTTL); err == nil {
		msgs = append(msgs, statusMsg)
	}
	for _, p := range prices {
		if priceMsg, err := NewControlMessage(TypePrice, p, f.key, messageTTL); err == nil {
			msgs = append(msgs, priceMsg)
		}
	}

	peers := f.Peers()
	g, gctx := errgroup.WithContext(ctx)
	limit := f.cfg.PublishConcurrency
	if limit <= 0 {
		limit = 4
	}
	g.SetLimit(limit)
	for _, peer := range peers {
		peer := peer
		g.Go(func() error {
			for _, msg := range msgs {
				path := map[string]string{
					TypeCaps:   "/federation/caps",
					TypeStatus: "/federation/status",
					TypePrice:  "/federation/price",
				}[msg.Type]
				if err := f.postMessage(gctx, peer+path, msg, nil); err != nil {
					f.log.Debug("announce failed", zap.String("peer", peer), zap.String("type", msg.Type), zap.Error(err))
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	if f.relay != nil {
		for _, msg := range msgs {
			if err := f.relay.Publish(ctx, msg); err != nil {
				f.log.Debug("relay publish failed", zap.String("type", msg.Type), zap.Error(err))
			}
		}
	}
}

// ApplyAnnouncement ingests a relay-delivered announce message. Rate limits
// apply exactly as on the HTTP surface; the caller has already verified the
// signature.
func (f *Manager) ApplyAnnouncement(msg ControlMessage) {
	if msg.RouterID == f.RouterID() {
		return
	}
	if !f.admit(msg.RouterID, msg.Type) {
		f.count(msg.Type, "rate-limited")
		return
	}
	switch msg.Type {
	case TypeCaps:
		var caps CapabilityProfile
		if json.Unmarshal(msg.Payload, &caps) == nil {
			f.mu.Lock()
			f.caps[msg.RouterID] = caps
			f.mu.Unlock()
			f.count(msg.Type, "ok")
		}
	case TypeStatus:
		var status StatusPayload
		if json.Unmarshal(msg.Payload, &status) == nil {
			f.mu.Lock()
			f.status[msg.RouterID] = status
			f.mu.Unlock()
			f.count(msg.Type, "ok")
		}
	case TypePrice:
		var sheet PriceSheet
		if json.Unmarshal(msg.Payload, &sheet) == nil {
			f.mu.Lock()
			if f.priceSheets[msg.RouterID] == nil {
				f.priceSheets[msg.RouterID] = make(map[string]PriceSheet)
			}
			f.priceSheets[msg.RouterID][sheet.JobType] = sheet
			f.mu.Unlock()
			f.count(msg.Type, "ok")
		}
	}
}

// postMessage POSTs one signed message; when out is non-nil the response
// body is decoded into it.
func (f *Manager) postMessage(ctx context.Context, url string, msg ControlMessage, out interface{}) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := f.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("peer status %d: %s", resp.StatusCode, truncate(data, 200))
	}
	if out != nil {
		return json.Unmarshal(data, out)
	}
	return nil
}

// PruneJobs drops terminal jobs older than the retention horizon.
func (f *Manager) PruneJobs(retention time.Duration) {
	if retention <= 0 {
		return
	}
	cutoff := time.Now().Add(-retention).UnixMilli()
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, job := range f.jobs {
		if (job.State == JobSettled || job.State == JobFailed) && job.UpdatedMs < cutoff {
			delete(f.jobs, id)
		}
	}
}

// JobState returns a copy of one job record.
func (f *Manager) JobState(jobID string) (Job, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[jobID]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
