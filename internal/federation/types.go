// Package federation implements the inter-router control plane: capability,
// status, and price announcements, request-for-bid auctions, awards, job
// hand-off, and cross-router settlement, over HTTP peers and an optional
// pub-sub relay.
package federation

import (
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/imattau/fed-AI-sub000/internal/envelope"
	"github.com/imattau/fed-AI-sub000/internal/identity"
	"github.com/imattau/fed-AI-sub000/internal/protocol"
)

// Control message types.
const (
	TypeCaps       = "CAPS_ANNOUNCE"
	TypeStatus     = "STATUS_ANNOUNCE"
	TypePrice      = "PRICE_ANNOUNCE"
	TypeRFB        = "RFB"
	TypeBid        = "BID"
	TypeAward      = "AWARD"
	TypeJobSubmit  = "JOB_SUBMIT"
	TypeJobResult  = "JOB_RESULT"
	TypeReceipt    = "RECEIPT"
	messageVersion = 1
)

// Router operational states carried in STATUS_ANNOUNCE.
const (
	StateOK        = "OK"
	StateBusy      = "BUSY"
	StateSaturated = "SATURATED"
)

// ControlMessage is the signed wrapper around every federation payload. The
// routerId doubles as the signer's npub, so verification needs no side
// channel.
type ControlMessage struct {
	Type      string          `json:"type"`
	Version   int             `json:"version"`
	RouterID  string          `json:"routerId"`
	MessageID string          `json:"messageId"`
	Timestamp int64           `json:"timestamp"`
	Expiry    int64           `json:"expiry"`
	Payload   json.RawMessage `json:"payload"`
	Sig       string          `json:"sig,omitempty"`
}

// NewControlMessage wraps a payload, stamping id, timestamps, and signer.
func NewControlMessage(msgType string, payload interface{}, kp *identity.KeyPair, ttl time.Duration) (ControlMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return ControlMessage{}, err
	}
	now := time.Now().UnixMilli()
	msg := ControlMessage{
		Type:      msgType,
		Version:   messageVersion,
		RouterID:  kp.Npub(),
		MessageID: uuid.NewString(),
		Timestamp: now,
		Expiry:    now + ttl.Milliseconds(),
		Payload:   raw,
	}
	if err := msg.Sign(kp); err != nil {
		return ControlMessage{}, err
	}
	return msg, nil
}

func (m *ControlMessage) signingBytes() ([]byte, error) {
	shell := map[string]interface{}{
		"type":      m.Type,
		"version":   m.Version,
		"routerId":  m.RouterID,
		"messageId": m.MessageID,
		"timestamp": m.Timestamp,
		"expiry":    m.Expiry,
		"payload":   json.RawMessage(m.Payload),
	}
	return envelope.CanonicalizeValue(shell)
}

// Sign fills Sig with the originating router's signature.
func (m *ControlMessage) Sign(kp *identity.KeyPair) error {
	msg, err := m.signingBytes()
	if err != nil {
		return err
	}
	sig, err := kp.Sign(msg)
	if err != nil {
		return err
	}
	m.Sig = base64.StdEncoding.EncodeToString(sig)
	return nil
}

// Verify checks the signature against the routerId key and the expiry.
func (m *ControlMessage) Verify(now time.Time) bool {
	if m.Expiry > 0 && m.Expiry < now.UnixMilli() {
		return false
	}
	pub, err := identity.DecodePublicKey(m.RouterID)
	if err != nil {
		return false
	}
	msg, err := m.signingBytes()
	if err != nil {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(m.Sig)
	if err != nil {
		return false
	}
	return identity.Verify(pub, msg, sig)
}

// CapabilityProfile announces what a router can route.
type CapabilityProfile struct {
	RouterID        string   `json:"routerId"`
	Models          []string `json:"models"`
	JobTypes        []string `json:"jobTypes"`
	MaxPrivacyLevel int      `json:"maxPrivacyLevel"`
	UpdatedMs       int64    `json:"updatedMs"`
}

// PriceSheet announces base pricing for one job type.
type PriceSheet struct {
	JobType       string  `json:"jobType"`
	Unit          string  `json:"unit"`
	BasePriceMsat int64   `json:"basePriceMsat"`
	Surge         float64 `json:"surge"`
	Currency      string  `json:"currency"`
}

// StatusPayload announces a router's load state.
type StatusPayload struct {
	State      string `json:"state"`
	QueueDepth int    `json:"queueDepth"`
	UpdatedMs  int64  `json:"updatedMs"`
}

// RfbPayload opens a single-round first-price auction for one job.
type RfbPayload struct {
	JobID         string `json:"jobId"`
	JobType       string `json:"jobType"`
	JobHash       string `json:"jobHash"`
	ModelID       string `json:"modelId,omitempty"`
	MaxPriceMsat  int64  `json:"maxPriceMsat"`
	PrivacyLevel  int    `json:"privacyLevel"`
	EstTokens     int64  `json:"estTokens,omitempty"`
	EstBytes      int64  `json:"estBytes,omitempty"`
	EstDurationMs int64  `json:"estDurationMs,omitempty"`
	ExpiresAtMs   int64  `json:"expiresAtMs"`
}

// BidPayload answers an RFB.
type BidPayload struct {
	JobID             string `json:"jobId"`
	BidHash           string `json:"bidHash"`
	RouterID          string `json:"routerId"`
	PriceMsat         int64  `json:"priceMsat"`
	LatencyEstimateMs int64  `json:"latencyEstimateMs,omitempty"`
	ExpiresAtMs       int64  `json:"expiresAtMs"`
}

// AwardPayload names the winning router for a job.
type AwardPayload struct {
	JobID        string `json:"jobId"`
	RouterID     string `json:"routerId"`
	PriceMsat    int64  `json:"priceMsat"`
	BidMessageID string `json:"bidMessageId"`
	ExpiresAtMs  int64  `json:"expiresAtMs"`
}

// JobSubmit hands an awarded job to the winning router.
type JobSubmit struct {
	JobID   string                    `json:"jobId"`
	JobType string                    `json:"jobType"`
	Request protocol.InferenceRequest `json:"request"`
}

// JobResult returns the outcome with the executing worker's receipt.
type JobResult struct {
	JobID         string                  `json:"jobId"`
	Status        string                  `json:"status"`
	Output        string                  `json:"output,omitempty"`
	WorkerReceipt *protocol.SignedReceipt `json:"workerReceipt,omitempty"`
}

// Job lifecycle states.
const (
	JobSubmitted        = "SUBMITTED"
	JobResulted         = "RESULTED"
	JobPaymentRequested = "PAYMENT_REQUESTED"
	JobSettled          = "SETTLED"
	JobFailed           = "FAILED"
)

// Job is the per-job record a router keeps while settlement is pending.
type Job struct {
	JobID       string                    `json:"jobId"`
	JobType     string                    `json:"jobType"`
	State       string                    `json:"state"`
	FromRouter  string                    `json:"fromRouter"`
	Request     protocol.InferenceRequest `json:"request"`
	Result      *JobResult                `json:"result,omitempty"`
	Payment     *protocol.PaymentRequest  `json:"payment,omitempty"`
	SubmittedMs int64                     `json:"submittedMs"`
	UpdatedMs   int64                     `json:"updatedMs"`
}
