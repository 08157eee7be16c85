package router

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/imattau/fed-AI-sub000/internal/envelope"
	"github.com/imattau/fed-AI-sub000/internal/identity"
	"github.com/imattau/fed-AI-sub000/internal/protocol"
	"github.com/imattau/fed-AI-sub000/internal/scheduler"
)

// handleQuote prices a prospective request against the current active set.
func (s *Server) handleQuote(c *gin.Context) {
	start := time.Now()
	const route = "/quote"

	env, status, kind := s.readEnvelope(c)
	if kind != "" {
		s.fail(c, start, route, status, kind)
		return
	}
	if status, kind := s.admitClient(env.KeyID); kind != "" {
		s.fail(c, start, route, status, kind)
		return
	}
	var req protocol.QuoteRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil || req.RequestID == "" || req.ModelID == "" {
		s.fail(c, start, route, http.StatusBadRequest, protocol.ErrInvalidEnvelope)
		return
	}
	if status, kind := s.verifyAndGuard(c, env); kind != "" {
		s.fail(c, start, route, status, kind)
		return
	}

	sel := s.sched.Select(req)
	if sel.Selected == nil {
		s.fail(c, start, route, http.StatusServiceUnavailable, selectionKind(sel.Reason))
		return
	}
	cand := sel.Selected

	total := cand.Cost + float64(s.routerFee(cand.Cost))
	quote := protocol.QuoteResponse{
		RequestID:         req.RequestID,
		ModelID:           cand.Capability.ModelID,
		NodeID:            cand.Node.NodeID,
		Price:             protocol.Price{Total: total, Currency: cand.Capability.Pricing.Currency},
		LatencyEstimateMs: cand.Capability.LatencyEstimateMs,
		ExpiresAtMs:       time.Now().Add(quoteTTL).UnixMilli(),
	}
	signed, err := envelope.BuildSigned(quote, s.key)
	if err != nil {
		s.fail(c, start, route, http.StatusInternalServerError, protocol.ErrInternal)
		return
	}
	s.ok(c, start, route, gin.H{"quote": signed})
}

// handlePaymentReceipt stores a client receipt against its outstanding
// challenge. Re-posting the same receipt envelope is a replay and fails
// with nonce-duplicate.
func (s *Server) handlePaymentReceipt(c *gin.Context) {
	start := time.Now()
	const route = "/payment-receipt"

	env, status, kind := s.readEnvelope(c)
	if kind != "" {
		s.fail(c, start, route, status, kind)
		return
	}
	if status, kind := s.admitClient(env.KeyID); kind != "" {
		s.fail(c, start, route, status, kind)
		return
	}
	var receipt protocol.PaymentReceipt
	if err := json.Unmarshal(env.Payload, &receipt); err != nil || receipt.RequestID == "" || receipt.PayeeID == "" {
		s.fail(c, start, route, http.StatusBadRequest, protocol.ErrInvalidPaymentReceipt)
		return
	}
	if receipt.AmountSats < 1 {
		s.fail(c, start, route, http.StatusBadRequest, protocol.ErrPaymentAmountInvalid)
		return
	}
	if status, kind := s.verifyAndGuard(c, env); kind != "" {
		s.fail(c, start, route, status, kind)
		return
	}

	signed := protocol.SignedReceipt{
		Payload: receipt,
		Nonce:   env.Nonce,
		Ts:      env.Ts,
		KeyID:   env.KeyID,
		Sig:     env.Sig,
	}
	if kind := s.ledger.AcceptReceipt(c.Request.Context(), signed); kind != "" {
		status := http.StatusBadRequest
		if kind == protocol.ErrNotPaid {
			status = http.StatusPaymentRequired
		}
		s.fail(c, start, route, status, kind)
		return
	}
	if s.db != nil {
		key := protocol.LedgerKey(receipt.RequestID, receipt.PayeeType, receipt.PayeeID)
		if err := s.db.SavePaymentReceipt(c.Request.Context(), key, signed); err != nil {
			s.log.Warn("persist receipt failed", zap.String("key", key), zap.Error(err))
		}
	}
	s.ok(c, start, route, gin.H{"ok": true})
}

// handleInfer is the main dispatch path: admission, selection, payment
// challenge, forwarding with at most one fallback.
func (s *Server) handleInfer(c *gin.Context) {
	start := time.Now()
	const route = "/infer"

	env, status, kind := s.readEnvelope(c)
	if kind != "" {
		s.fail(c, start, route, status, kind)
		return
	}
	if status, kind := s.admitClient(env.KeyID); kind != "" {
		s.fail(c, start, route, status, kind)
		return
	}
	var req protocol.InferenceRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil || req.RequestID == "" || req.Prompt == "" {
		s.fail(c, start, route, http.StatusBadRequest, protocol.ErrInvalidEnvelope)
		return
	}
	if req.ModelID == "" {
		req.ModelID = scheduler.ModelAuto
	}
	if status, kind := s.verifyAndGuard(c, env); kind != "" {
		s.fail(c, start, route, status, kind)
		return
	}

	ranked, reason := s.sched.Rank(protocol.QuoteRequest{
		RequestID: req.RequestID,
		ModelID:   req.ModelID,
		Prompt:    req.Prompt,
		MaxTokens: req.MaxTokens,
		JobType:   req.JobType,
	})
	if reason != "" {
		s.fail(c, start, route, http.StatusServiceUnavailable, selectionKind(reason))
		return
	}

	// Primary plus at most one fallback.
	attempts := ranked
	if len(attempts) > 2 {
		attempts = attempts[:2]
	}
	lastKind := protocol.ErrNodeError
	for i := range attempts {
		cand := &attempts[i]

		if s.cfg.RequirePayment {
			receipt, paid := s.ledger.FindReceipt(req.RequestID, protocol.PayeeNode, cand.Node.NodeID)
			if !paid {
				s.challenge(c, start, route, req, cand)
				return
			}
			req.PaymentReceipts = []protocol.SignedReceipt{receipt}
		}

		result, kind, recoverable := s.forward(c.Request.Context(), cand.Node, req)
		if kind == "" {
			s.reg.MarkSuccess(cand.Node.NodeID)
			s.ok(c, start, route, gin.H{"response": result.Response, "metering": result.Metering})
			return
		}
		s.reg.MarkFailure(cand.Node.NodeID)
		s.m.NodeFailures.WithLabelValues(cand.Node.NodeID).Inc()
		s.log.Warn("node forwarding failed",
			zap.String("nodeId", cand.Node.NodeID),
			zap.String("kind", kind),
			zap.Bool("recoverable", recoverable),
		)
		lastKind = kind
		if !recoverable {
			break
		}
	}
	s.fail(c, start, route, http.StatusBadGateway, lastKind)
}

// challenge issues (or re-serves) the 402 payment request for a candidate.
func (s *Server) challenge(c *gin.Context, start time.Time, route string, req protocol.InferenceRequest, cand *scheduler.Candidate) {
	fee := s.routerFee(cand.Cost)
	total := cand.Cost + float64(fee)

	var splits []protocol.PaymentSplit
	if s.cfg.RouterFee.Enabled && s.cfg.RouterFee.SplitEnabled && fee > 0 {
		nodeAmount := int64(math.Round(cand.Cost))
		if nodeAmount < 1 {
			nodeAmount = 1
		}
		splits = []protocol.PaymentSplit{
			{PayeeType: protocol.PayeeNode, PayeeID: cand.Node.NodeID, AmountSats: nodeAmount},
			{PayeeType: protocol.PayeeRouter, PayeeID: s.key.Npub(), AmountSats: fee, Role: "router-fee"},
		}
	}

	payment, err := s.ledger.IssueChallengeWith(c.Request.Context(), req.RequestID, protocol.PayeeNode, cand.Node.NodeID, total, splits)
	if err != nil {
		s.log.Error("invoice provider failed", zap.Error(err))
		s.fail(c, start, route, http.StatusBadGateway, protocol.ErrInvoiceProviderFailed)
		return
	}
	if s.db != nil {
		key := protocol.LedgerKey(payment.RequestID, payment.PayeeType, payment.PayeeID)
		if err := s.db.SavePaymentRequest(c.Request.Context(), key, payment); err != nil {
			s.log.Warn("persist payment request failed", zap.String("key", key), zap.Error(err))
		}
	}
	signed, err := envelope.BuildSigned(payment, s.key)
	if err != nil {
		s.fail(c, start, route, http.StatusInternalServerError, protocol.ErrInternal)
		return
	}
	s.m.Requests.WithLabelValues(route, protocol.ErrPaymentRequired).Inc()
	s.m.Latency.WithLabelValues(route, protocol.ErrPaymentRequired).Observe(time.Since(start).Seconds())
	c.JSON(http.StatusPaymentRequired, gin.H{"error": protocol.ErrPaymentRequired, "payment": signed})
}

// forwardResult carries the node's two signed envelopes verbatim.
type forwardResult struct {
	Response json.RawMessage `json:"response"`
	Metering json.RawMessage `json:"metering"`
}

// forward signs a fresh envelope with the router's key, posts it to the
// node, and validates both returned envelopes against the node's key.
// recoverable reports whether a fallback attempt is permitted.
func (s *Server) forward(ctx context.Context, node protocol.NodeDescriptor, req protocol.InferenceRequest) (*forwardResult, string, bool) {
	nodePub, err := identity.DecodePublicKey(node.KeyID)
	if err != nil {
		return nil, protocol.ErrInvalidNodeResponse, true
	}
	fwd, err := envelope.BuildSigned(req, s.key)
	if err != nil {
		return nil, protocol.ErrInternal, false
	}
	body, err := json.Marshal(fwd)
	if err != nil {
		return nil, protocol.ErrInternal, false
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, node.Endpoint+"/infer", bytes.NewReader(body))
	if err != nil {
		return nil, protocol.ErrNodeError, true
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := s.httpc.Do(httpReq)
	if err != nil {
		return nil, protocol.ErrNodeError, true
	}
	defer resp.Body.Close() //nolint:errcheck
	data, err := io.ReadAll(io.LimitReader(resp.Body, defaultBodyLimit))
	if err != nil {
		return nil, protocol.ErrNodeError, true
	}
	if resp.StatusCode != http.StatusOK {
		// Semantic rejections are terminal; server-side defects permit
		// one fallback.
		return nil, protocol.ErrNodeError, resp.StatusCode >= 500
	}

	var result forwardResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, protocol.ErrInvalidNodeResponse, true
	}

	respEnv, kind := envelope.Parse(result.Response)
	if kind != "" {
		return nil, protocol.ErrInvalidNodeResponse, true
	}
	if respEnv.KeyID != node.KeyID || !respEnv.Verify(nodePub) {
		return nil, protocol.ErrNodeResponseSigBad, true
	}
	var infResp protocol.InferenceResponse
	if err := json.Unmarshal(respEnv.Payload, &infResp); err != nil || infResp.RequestID != req.RequestID {
		return nil, protocol.ErrInvalidNodeResponse, true
	}

	meterEnv, kind := envelope.Parse(result.Metering)
	if kind != "" {
		return nil, protocol.ErrInvalidMetering, true
	}
	if meterEnv.KeyID != node.KeyID || !meterEnv.Verify(nodePub) {
		return nil, protocol.ErrNodeMeteringSigBad, true
	}
	var meter protocol.MeteringRecord
	if err := json.Unmarshal(meterEnv.Payload, &meter); err != nil || meter.RequestID != req.RequestID {
		return nil, protocol.ErrInvalidMetering, true
	}

	return &result, "", false
}

// routerFee computes the router's cut in sats for one priced request.
func (s *Server) routerFee(cost float64) int64 {
	f := s.cfg.RouterFee
	if !f.Enabled {
		return 0
	}
	fee := int64(math.Round(cost*float64(f.Bps)/10_000)) + f.FlatSats
	if fee < f.MinSats {
		fee = f.MinSats
	}
	if f.MaxSats > 0 && fee > f.MaxSats {
		fee = f.MaxSats
	}
	return fee
}

func selectionKind(reason string) string {
	if reason == scheduler.ReasonNoCapableNodes {
		return protocol.ErrNoCapableNodes
	}
	return protocol.ErrNoNodesAvailable
}
