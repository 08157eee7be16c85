package node

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/imattau/fed-AI-sub000/internal/envelope"
	"github.com/imattau/fed-AI-sub000/internal/identity"
	"github.com/imattau/fed-AI-sub000/internal/payments"
	"github.com/imattau/fed-AI-sub000/internal/protocol"
)

// handleInfer runs the admission chain in its fixed order: size, envelope,
// key id, router authorization, limits, router signature, replay, payment
// proof, capacity. First failure wins; every exit path releases inFlight.
func (s *Server) handleInfer(c *gin.Context) {
	start := time.Now()

	// 1. Request body bound.
	maxBytes := s.cfg.MaxRequestBytes
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBytes+1))
	if err != nil {
		s.fail(c, start, http.StatusBadRequest, protocol.ErrInvalidJSON)
		return
	}
	if int64(len(body)) > maxBytes {
		s.fail(c, start, http.StatusRequestEntityTooLarge, protocol.ErrPayloadTooLarge)
		return
	}

	// 2-3. Envelope parse and schema.
	env, kind := envelope.Parse(body)
	if kind != "" {
		s.fail(c, start, http.StatusBadRequest, kind)
		return
	}

	// 4. Key id decodes as a public identity.
	if _, err := identity.DecodePublicKey(env.KeyID); err != nil {
		s.fail(c, start, http.StatusBadRequest, protocol.ErrInvalidKeyID)
		return
	}

	// 5. Router authorization lists and pinning.
	if status, kind := s.authorizeRouter(env.KeyID); kind != "" {
		s.fail(c, start, status, kind)
		return
	}
	if !s.limiter.Allow(env.KeyID) {
		s.fail(c, start, http.StatusTooManyRequests, protocol.ErrRateLimited)
		return
	}

	// 6. Payload limits.
	var req protocol.InferenceRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		s.fail(c, start, http.StatusBadRequest, protocol.ErrInvalidEnvelope)
		return
	}
	if s.cfg.MaxPromptBytes > 0 && len(req.Prompt) > s.cfg.MaxPromptBytes {
		s.fail(c, start, http.StatusRequestEntityTooLarge, protocol.ErrPromptTooLarge)
		return
	}
	if s.cfg.MaxTokens > 0 && req.MaxTokens > s.cfg.MaxTokens {
		s.fail(c, start, http.StatusBadRequest, protocol.ErrMaxTokensExceeded)
		return
	}

	// 7-8. Router signature.
	if s.routerPub == nil {
		s.fail(c, start, http.StatusInternalServerError, protocol.ErrRouterPublicKeyMissing)
		return
	}
	if !s.verifyPool.Do(func() bool { return env.Verify(s.routerPub) }) {
		s.fail(c, start, http.StatusUnauthorized, protocol.ErrInvalidSignature)
		return
	}

	// 9. Replay.
	kind, err = envelope.CheckReplay(c.Request.Context(), s.nonces, env.Nonce, env.Ts, envelope.DefaultReplayWindow)
	if err != nil {
		s.fail(c, start, http.StatusInternalServerError, protocol.ErrInternal)
		return
	}
	if kind != "" {
		s.fail(c, start, http.StatusBadRequest, kind)
		return
	}

	// 10. Payment proof.
	if s.cfg.RequirePayment {
		if status, kind := s.verifyReceipt(c, req); kind != "" {
			s.fail(c, start, status, kind)
			return
		}
	}

	// 11. Capacity. Acquire before checking so two racing requests cannot
	// both slip under a full cap; roll back on overshoot.
	if s.inFlight.Add(1)+int64(s.cfg.CapacityCurrentLoad) > int64(s.cfg.CapacityMaxConcurrent) {
		s.inFlight.Add(-1)
		s.fail(c, start, http.StatusTooManyRequests, protocol.ErrCapacityExhausted)
		return
	}
	s.m.InFlight.Inc()
	defer func() {
		s.inFlight.Add(-1)
		s.m.InFlight.Dec()
	}()

	s.execute(c, start, req)
}

// authorizeRouter applies block, mute, follow, allow lists and key pinning.
func (s *Server) authorizeRouter(keyID string) (int, string) {
	if contains(s.cfg.RouterBlockList, keyID) {
		return http.StatusForbidden, protocol.ErrRouterBlocked
	}
	if contains(s.cfg.RouterMuteList, keyID) {
		return http.StatusForbidden, protocol.ErrRouterMuted
	}
	if len(s.cfg.RouterFollowList) > 0 && !contains(s.cfg.RouterFollowList, keyID) {
		return http.StatusForbidden, protocol.ErrRouterNotFollowed
	}
	if len(s.cfg.RouterAllowList) > 0 && !contains(s.cfg.RouterAllowList, keyID) {
		return http.StatusForbidden, protocol.ErrRouterNotAllowed
	}
	if s.cfg.RouterKeyID != "" && keyID != s.cfg.RouterKeyID {
		return http.StatusUnauthorized, protocol.ErrRouterKeyIDMismatch
	}
	return 0, ""
}

// verifyReceipt finds and checks the receipt addressed to this node.
func (s *Server) verifyReceipt(c *gin.Context, req protocol.InferenceRequest) (int, string) {
	var found *protocol.SignedReceipt
	for i := range req.PaymentReceipts {
		r := &req.PaymentReceipts[i]
		if r.Payload.PayeeType == protocol.PayeeNode && r.Payload.PayeeID == s.cfg.NodeID {
			found = r
			break
		}
	}
	if found == nil {
		return http.StatusPaymentRequired, protocol.ErrPaymentProofMissing
	}
	if found.Nonce == "" || found.Ts <= 0 || found.KeyID == "" || found.Sig == "" {
		return http.StatusBadRequest, protocol.ErrInvalidPaymentReceipt
	}
	clientPub, err := identity.DecodePublicKey(found.KeyID)
	if err != nil {
		return http.StatusBadRequest, protocol.ErrInvalidPaymentReceipt
	}
	rcptEnv := envelope.Envelope[protocol.PaymentReceipt]{
		Payload: found.Payload,
		Nonce:   found.Nonce,
		Ts:      found.Ts,
		KeyID:   found.KeyID,
		Sig:     found.Sig,
	}
	if !envelope.Verify(&rcptEnv, clientPub) {
		return http.StatusUnauthorized, protocol.ErrInvalidPaymentReceiptSig
	}
	if found.Payload.AmountSats < 1 {
		return http.StatusBadRequest, protocol.ErrPaymentAmountInvalid
	}
	if found.Payload.RequestID != req.RequestID {
		return http.StatusBadRequest, protocol.ErrPaymentRequestMismatch
	}
	if s.verifier != nil {
		if s.verifier.RequirePreimage() && found.Payload.Preimage == "" {
			return http.StatusBadRequest, protocol.ErrPreimageRequired
		}
		res, err := s.verifier.Verify(c.Request.Context(), payments.VerifyRequest{
			Invoice:     found.Payload.Invoice,
			PaymentHash: found.Payload.PaymentHash,
			Preimage:    found.Payload.Preimage,
			AmountSats:  found.Payload.AmountSats,
			PayeeID:     found.Payload.PayeeID,
			RequestID:   found.Payload.RequestID,
		})
		if err != nil {
			s.log.Warn("payment verification oracle failed", zap.Error(err))
			return http.StatusBadRequest, protocol.ErrPaymentVerifyFailed
		}
		if !res.Paid {
			return http.StatusPaymentRequired, protocol.ErrNotPaid
		}
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
