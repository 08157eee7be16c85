package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// AuctionOutcome is what RunAuctionAndAward hands back to the caller.
type AuctionOutcome struct {
	Award      *ControlMessage
	WinnerPeer string
	Bids       []BidPayload
}

// RunFederationAuction fans the RFB out to every peer with bounded
// concurrency, collecting whatever valid BID envelopes come back in the
// synchronous responses.
func (f *Manager) RunFederationAuction(ctx context.Context, rfb RfbPayload) ([]ControlMessage, map[string]string, error) {
	msg, err := NewControlMessage(TypeRFB, rfb, f.key, messageTTL)
	if err != nil {
		return nil, nil, err
	}
	peers := f.Peers()
	if len(peers) == 0 {
		return nil, nil, fmt.Errorf("no federation peers")
	}

	var mu sync.Mutex
	var bids []ControlMessage
	bidPeers := make(map[string]string) // routerId → peer URL

	g, gctx := errgroup.WithContext(ctx)
	limit := f.cfg.AuctionConcurrency
	if limit <= 0 {
		limit = 4
	}
	g.SetLimit(limit)
	for _, peer := range peers {
		peer := peer
		g.Go(func() error {
			var bid ControlMessage
			if err := f.postMessage(gctx, peer+"/federation/rfb", msg, &bid); err != nil {
				f.log.Debug("rfb declined", zap.String("peer", peer), zap.Error(err))
				return nil
			}
			if bid.Type != TypeBid || !bid.Verify(time.Now()) {
				return nil
			}
			var payload BidPayload
			if err := json.Unmarshal(bid.Payload, &payload); err != nil || payload.JobID != rfb.JobID {
				return nil
			}
			mu.Lock()
			bids = append(bids, bid)
			bidPeers[bid.RouterID] = peer
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	// Ascending by price; ties broken by messageId so the ordering is
	// stable across routers observing the same bid set.
	sort.Slice(bids, func(i, j int) bool {
		var a, b BidPayload
		_ = json.Unmarshal(bids[i].Payload, &a)
		_ = json.Unmarshal(bids[j].Payload, &b)
		if a.PriceMsat != b.PriceMsat {
			return a.PriceMsat < b.PriceMsat
		}
		return bids[i].MessageID < bids[j].MessageID
	})

	f.mu.Lock()
	f.bids[rfb.JobID] = bids
	f.mu.Unlock()
	return bids, bidPeers, nil
}

// SelectAwardFromBids builds a signed AWARD for the cheapest bid whose
// routerId actually appears among the bids.
func (f *Manager) SelectAwardFromBids(jobID string, bids []ControlMessage) (*ControlMessage, *AwardPayload, error) {
	seen := make(map[string]bool, len(bids))
	for _, b := range bids {
		seen[b.RouterID] = true
	}
	for _, b := range bids {
		var payload BidPayload
		if err := json.Unmarshal(b.Payload, &payload); err != nil {
			continue
		}
		if payload.RouterID == "" || !seen[payload.RouterID] {
			continue
		}
		award := AwardPayload{
			JobID:        jobID,
			RouterID:     payload.RouterID,
			PriceMsat:    payload.PriceMsat,
			BidMessageID: b.MessageID,
			ExpiresAtMs:  time.Now().Add(messageTTL).UnixMilli(),
		}
		msg, err := NewControlMessage(TypeAward, award, f.key, messageTTL)
		if err != nil {
			return nil, nil, err
		}
		f.mu.Lock()
		f.awards[jobID] = award
		f.mu.Unlock()
		return &msg, &award, nil
	}
	return nil, nil, fmt.Errorf("no awardable bids for job %s", jobID)
}

// PublishAward posts the AWARD to the winning peer.
func (f *Manager) PublishAward(ctx context.Context, peer string, award ControlMessage) error {
	return f.postMessage(ctx, peer+"/federation/award", award, nil)
}

// RunAuctionAndAward composes fanout, selection, and publication.
func (f *Manager) RunAuctionAndAward(ctx context.Context, rfb RfbPayload) (*AuctionOutcome, error) {
	bids, bidPeers, err := f.RunFederationAuction(ctx, rfb)
	if err != nil {
		return nil, err
	}
	if len(bids) == 0 {
		return &AuctionOutcome{}, nil
	}
	awardMsg, award, err := f.SelectAwardFromBids(rfb.JobID, bids)
	if err != nil {
		return &AuctionOutcome{}, nil
	}
	winnerPeer := bidPeers[award.RouterID]
	if winnerPeer != "" {
		if err := f.PublishAward(ctx, winnerPeer, *awardMsg); err != nil {
			return nil, fmt.Errorf("publish award: %w", err)
		}
	}
	outcome := &AuctionOutcome{Award: awardMsg, WinnerPeer: winnerPeer}
	for _, b := range bids {
		var p BidPayload
		if json.Unmarshal(b.Payload, &p) == nil {
			outcome.Bids = append(outcome.Bids, p)
		}
	}
	return outcome, nil
}

// MakeBid derives this router's answer to an inbound RFB. Returns a stable
// reason string when the RFB is declined.
func (f *Manager) MakeBid(rfb RfbPayload) (*ControlMessage, string) {
	f.mu.Lock()
	status := f.localStatus
	caps := f.localCaps
	sheet, priced := f.localPrices[rfb.JobType]
	f.mu.Unlock()

	if status.State == StateSaturated {
		return nil, "saturated"
	}
	if !containsString(caps.JobTypes, rfb.JobType) {
		return nil, "job-type-not-supported"
	}
	if !priced {
		return nil, "no-price-sheet"
	}
	if caps.MaxPrivacyLevel > 0 && rfb.PrivacyLevel > caps.MaxPrivacyLevel {
		return nil, "privacy-level-exceeded"
	}

	units := unitsFor(sheet.Unit, rfb)
	surge := sheet.Surge
	if surge <= 0 {
		surge = 1
	}
	price := int64(float64(sheet.BasePriceMsat) * surge * units)
	if price < 1 {
		price = 1
	}
	if rfb.MaxPriceMsat > 0 && price > rfb.MaxPriceMsat {
		return nil, "over-max-price"
	}

	bid := BidPayload{
		JobID:       rfb.JobID,
		BidHash:     rfb.JobHash,
		RouterID:    f.RouterID(),
		PriceMsat:   price,
		ExpiresAtMs: time.Now().Add(messageTTL).UnixMilli(),
	}
	msg, err := NewControlMessage(TypeBid, bid, f.key, messageTTL)
	if err != nil {
		return nil, "sign-failed"
	}
	return &msg, ""
}

// unitsFor converts RFB estimates into billable units per the sheet's unit.
func unitsFor(unit string, rfb RfbPayload) float64 {
	switch unit {
	case "PER_1K_TOKENS":
		return float64(rfb.EstTokens) / 1000
	case "PER_MB":
		return float64(rfb.EstBytes) / (1 << 20)
	case "PER_SECOND":
		return float64(rfb.EstDurationMs) / 1000
	default: // PER_JOB
		return 1
	}
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
