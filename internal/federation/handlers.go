package federation

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/imattau/fed-AI-sub000/internal/envelope"
	"github.com/imattau/fed-AI-sub000/internal/protocol"
)

// Mount registers the federation surface on a router group. Every inbound
// body is a signed ControlMessage except the /self operator endpoints.
func (f *Manager) Mount(rg *gin.RouterGroup) {
	rg.POST("/caps", f.handleCaps)
	rg.POST("/status", f.handleStatus)
	rg.POST("/price", f.handlePrice)
	rg.POST("/rfb", f.handleRFB)
	rg.POST("/award", f.handleAward)
	rg.POST("/job-submit", f.handleJobSubmit)
	rg.POST("/job-result", f.handleJobResult)
	rg.POST("/payment-request", f.handlePaymentRequest)
	rg.POST("/payment-receipt", f.handlePaymentReceipt)

	rg.POST("/self/caps", f.handleSelfCaps)
	rg.POST("/self/status", f.handleSelfStatus)
	rg.POST("/self/price", f.handleSelfPrice)
}

// readMessage binds, rate-limits, and verifies one control message.
func (f *Manager) readMessage(c *gin.Context, wantType string) (*ControlMessage, bool) {
	var msg ControlMessage
	if err := c.ShouldBindJSON(&msg); err != nil {
		f.count(wantType, "invalid-json")
		c.JSON(http.StatusBadRequest, gin.H{"error": protocol.ErrInvalidJSON})
		return nil, false
	}
	if msg.Type != wantType {
		f.count(wantType, "wrong-type")
		c.JSON(http.StatusBadRequest, gin.H{"error": protocol.ErrInvalidEnvelope})
		return nil, false
	}
	if !f.admit(msg.RouterID, msg.Type) {
		f.count(wantType, "rate-limited")
		c.JSON(http.StatusTooManyRequests, gin.H{"error": protocol.ErrRateLimited})
		return nil, false
	}
	if !msg.Verify(time.Now()) {
		f.count(wantType, "invalid-signature")
		c.JSON(http.StatusUnauthorized, gin.H{"error": protocol.ErrInvalidSignature})
		return nil, false
	}
	f.count(wantType, "ok")
	return &msg, true
}

func (f *Manager) count(msgType, outcome string) {
	if f.m != nil {
		f.m.FederationMsgs.WithLabelValues(msgType, outcome).Inc()
	}
}

func (f *Manager) handleCaps(c *gin.Context) {
	msg, ok := f.readMessage(c, TypeCaps)
	if !ok {
		return
	}
	var caps CapabilityProfile
	if err := json.Unmarshal(msg.Payload, &caps); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": protocol.ErrInvalidEnvelope})
		return
	}
	f.mu.Lock()
	f.caps[msg.RouterID] = caps
	f.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (f *Manager) handleStatus(c *gin.Context) {
	msg, ok := f.readMessage(c, TypeStatus)
	if !ok {
		return
	}
	var status StatusPayload
	if err := json.Unmarshal(msg.Payload, &status); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": protocol.ErrInvalidEnvelope})
		return
	}
	f.mu.Lock()
	f.status[msg.RouterID] = status
	f.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (f *Manager) handlePrice(c *gin.Context) {
	msg, ok := f.readMessage(c, TypePrice)
	if !ok {
		return
	}
	var sheet PriceSheet
	if err := json.Unmarshal(msg.Payload, &sheet); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": protocol.ErrInvalidEnvelope})
		return
	}
	f.mu.Lock()
	if f.priceSheets[msg.RouterID] == nil {
		f.priceSheets[msg.RouterID] = make(map[string]PriceSheet)
	}
	f.priceSheets[msg.RouterID][sheet.JobType] = sheet
	f.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// handleRFB answers an auction request with this router's bid, or a reason
// for declining.
func (f *Manager) handleRFB(c *gin.Context) {
	msg, ok := f.readMessage(c, TypeRFB)
	if !ok {
		return
	}
	var rfb RfbPayload
	if err := json.Unmarshal(msg.Payload, &rfb); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": protocol.ErrInvalidEnvelope})
		return
	}
	bid, reason := f.MakeBid(rfb)
	if reason != "" {
		c.JSON(http.StatusConflict, gin.H{"error": reason})
		return
	}
	c.JSON(http.StatusOK, bid)
}

func (f *Manager) handleAward(c *gin.Context) {
	msg, ok := f.readMessage(c, TypeAward)
	if !ok {
		return
	}
	var award AwardPayload
	if err := json.Unmarshal(msg.Payload, &award); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": protocol.ErrInvalidEnvelope})
		return
	}
	if award.RouterID != f.RouterID() {
		c.JSON(http.StatusConflict, gin.H{"error": protocol.ErrActorKeyMismatch})
		return
	}
	f.mu.Lock()
	f.awards[award.JobID] = award
	f.mu.Unlock()
	f.log.Info("award received",
		zap.String("jobId", award.JobID),
		zap.String("from", msg.RouterID),
		zap.Int64("priceMsat", award.PriceMsat),
	)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (f *Manager) handleJobSubmit(c *gin.Context) {
	msg, ok := f.readMessage(c, TypeJobSubmit)
	if !ok {
		return
	}
	var submit JobSubmit
	if err := json.Unmarshal(msg.Payload, &submit); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": protocol.ErrInvalidEnvelope})
		return
	}
	now := time.Now().UnixMilli()
	f.mu.Lock()
	f.jobs[submit.JobID] = &Job{
		JobID:       submit.JobID,
		JobType:     submit.JobType,
		State:       JobSubmitted,
		FromRouter:  msg.RouterID,
		Request:     submit.Request,
		SubmittedMs: now,
		UpdatedMs:   now,
	}
	f.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"ok": true, "state": JobSubmitted})
}

// handleJobResult records the outcome and validates the nested worker
// receipt's own signature when present.
func (f *Manager) handleJobResult(c *gin.Context) {
	msg, ok := f.readMessage(c, TypeJobResult)
	if !ok {
		return
	}
	var result JobResult
	if err := json.Unmarshal(msg.Payload, &result); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": protocol.ErrInvalidEnvelope})
		return
	}
	if result.WorkerReceipt != nil && !verifySignedReceipt(result.WorkerReceipt) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": protocol.ErrInvalidPaymentReceiptSig})
		return
	}
	f.mu.Lock()
	job, exists := f.jobs[result.JobID]
	if !exists || job.State != JobSubmitted {
		f.mu.Unlock()
		c.JSON(http.StatusConflict, gin.H{"error": "job-not-submitted"})
		return
	}
	job.Result = &result
	job.UpdatedMs = time.Now().UnixMilli()
	if result.Status == "error" {
		job.State = JobFailed
	} else {
		job.State = JobResulted
	}
	state := job.State
	f.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"ok": true, "state": state})
}

// handlePaymentRequest turns a resulted job's worker receipt into a signed
// cross-router PaymentRequest bound to the job.
func (f *Manager) handlePaymentRequest(c *gin.Context) {
	msg, ok := f.readMessage(c, TypeReceipt)
	if !ok {
		return
	}
	var result JobResult
	if err := json.Unmarshal(msg.Payload, &result); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": protocol.ErrInvalidEnvelope})
		return
	}
	if result.WorkerReceipt == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": protocol.ErrPaymentProofMissing})
		return
	}
	if !verifySignedReceipt(result.WorkerReceipt) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": protocol.ErrInvalidPaymentReceiptSig})
		return
	}

	f.mu.Lock()
	job, exists := f.jobs[result.JobID]
	if !exists || job.State != JobResulted {
		f.mu.Unlock()
		c.JSON(http.StatusConflict, gin.H{"error": "job-not-resulted"})
		return
	}
	f.mu.Unlock()

	payment := protocol.PaymentRequest{
		RequestID:   result.JobID,
		PayeeType:   protocol.PayeeRouter,
		PayeeID:     f.RouterID(),
		AmountSats:  result.WorkerReceipt.Payload.AmountSats,
		ExpiresAtMs: time.Now().Add(messageTTL).UnixMilli(),
	}

	out, err := NewControlMessage(TypeReceipt, payment, f.key, messageTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": protocol.ErrInternal})
		return
	}

	// Re-check under the lock that does the transition: a concurrent post may
	// have advanced the job past RESULTED since the gate above.
	f.mu.Lock()
	if job.State != JobResulted {
		f.mu.Unlock()
		c.JSON(http.StatusConflict, gin.H{"error": "job-not-resulted"})
		return
	}
	job.Payment = &payment
	job.State = JobPaymentRequested
	job.UpdatedMs = time.Now().UnixMilli()
	f.mu.Unlock()

	f.ledger.StoreFederationRequest(payment)
	c.JSON(http.StatusOK, out)
}

// handlePaymentReceipt settles a federation job once the paying router
// posts a receipt matching the outstanding request.
func (f *Manager) handlePaymentReceipt(c *gin.Context) {
	msg, ok := f.readMessage(c, TypeReceipt)
	if !ok {
		return
	}
	var receipt protocol.PaymentReceipt
	if err := json.Unmarshal(msg.Payload, &receipt); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": protocol.ErrInvalidEnvelope})
		return
	}
	env := protocol.SignedReceipt{
		Payload: receipt,
		Nonce:   msg.MessageID,
		Ts:      msg.Timestamp,
		KeyID:   msg.RouterID,
		Sig:     msg.Sig,
	}
	if kind := f.ledger.AcceptFederationReceipt(env); kind != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": kind})
		return
	}
	f.mu.Lock()
	if job, exists := f.jobs[receipt.RequestID]; exists && job.State == JobPaymentRequested {
		job.State = JobSettled
		job.UpdatedMs = time.Now().UnixMilli()
	}
	f.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"ok": true, "state": JobSettled})
}

// ── Operator surface ────────────────────────────────────────────────────────

func (f *Manager) handleSelfCaps(c *gin.Context) {
	var caps CapabilityProfile
	if err := c.ShouldBindJSON(&caps); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": protocol.ErrInvalidJSON})
		return
	}
	f.SetLocalCapabilities(caps)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (f *Manager) handleSelfStatus(c *gin.Context) {
	var status StatusPayload
	if err := c.ShouldBindJSON(&status); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": protocol.ErrInvalidJSON})
		return
	}
	switch status.State {
	case StateOK, StateBusy, StateSaturated:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown-state"})
		return
	}
	f.SetLocalStatus(status)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (f *Manager) handleSelfPrice(c *gin.Context) {
	var sheet PriceSheet
	if err := c.ShouldBindJSON(&sheet); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": protocol.ErrInvalidJSON})
		return
	}
	if sheet.JobType == "" || sheet.BasePriceMsat <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": protocol.ErrInvalidEnvelope})
		return
	}
	f.SetLocalPrice(sheet)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// verifySignedReceipt checks a nested receipt envelope against its own
// embedded keyId.
func verifySignedReceipt(r *protocol.SignedReceipt) bool {
	raw, err := json.Marshal(r)
	if err != nil {
		return false
	}
	env, kind := envelope.Parse(raw)
	if kind != "" {
		return false
	}
	return env.VerifySelf()
}
