// Package protocol defines the wire-level data model shared by the router,
// the node, and the federation control plane. Everything here crosses a
// process boundary inside a signed envelope, so field names are fixed.
package protocol

// Pricing units understood by the scheduler and the federation bidder.
const (
	UnitPer1KTokens = "PER_1K_TOKENS"
	UnitPerMB       = "PER_MB"
	UnitPerSecond   = "PER_SECOND"
	UnitPerJob      = "PER_JOB"
)

// Pricing is the rate card attached to a single capability.
type Pricing struct {
	Unit       string  `json:"unit"`
	InputRate  float64 `json:"inputRate"`
	OutputRate float64 `json:"outputRate"`
	Currency   string  `json:"currency"`
}

// Capability advertises one model a node can serve and what it charges.
type Capability struct {
	ModelID           string   `json:"modelId"`
	ContextWindow     int      `json:"contextWindow"`
	MaxTokens         int      `json:"maxTokens"`
	Pricing           Pricing  `json:"pricing"`
	JobTypes          []string `json:"jobTypes,omitempty"`
	LatencyEstimateMs int64    `json:"latencyEstimateMs,omitempty"`
}

// Capacity is a node's self-reported concurrency budget.
type Capacity struct {
	MaxConcurrent int `json:"maxConcurrent"`
	CurrentLoad   int `json:"currentLoad"`
}

// NodeDescriptor is the registration payload a node signs and posts to
// /register-node. Heartbeats are just repeated registrations.
type NodeDescriptor struct {
	NodeID          string       `json:"nodeId"`
	KeyID           string       `json:"keyId"`
	Endpoint        string       `json:"endpoint"`
	Capacity        Capacity     `json:"capacity"`
	Capabilities    []Capability `json:"capabilities"`
	LastHeartbeatMs int64        `json:"lastHeartbeatMs,omitempty"`
	TrustScore      float64      `json:"trustScore,omitempty"`
}

// InferenceRequest is the client-facing job description. PaymentReceipts is
// populated by the router when it forwards a paid request to a node; the
// nested receipt envelopes keep their own signatures.
type InferenceRequest struct {
	RequestID       string           `json:"requestId"`
	ModelID         string           `json:"modelId"`
	Prompt          string           `json:"prompt"`
	MaxTokens       int              `json:"maxTokens"`
	Temperature     *float64         `json:"temperature,omitempty"`
	TopP            *float64         `json:"topP,omitempty"`
	JobType         string           `json:"jobType,omitempty"`
	PaymentReceipts []SignedReceipt  `json:"paymentReceipts,omitempty"`
}

// SignedReceipt is a client-signed PaymentReceipt envelope carried verbatim
// inside an InferenceRequest. It mirrors envelope.Raw but lives here so the
// protocol package stays dependency-free.
type SignedReceipt struct {
	Payload PaymentReceipt `json:"payload"`
	Nonce   string         `json:"nonce"`
	Ts      int64          `json:"ts"`
	KeyID   string         `json:"keyId"`
	Sig     string         `json:"sig"`
}

// Usage is token accounting reported by a runner.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// InferenceResponse is produced by the node and signed with the node key.
type InferenceResponse struct {
	RequestID string `json:"requestId"`
	ModelID   string `json:"modelId"`
	Output    string `json:"output"`
	Usage     Usage  `json:"usage"`
	LatencyMs int64  `json:"latencyMs"`
}

// MeteringRecord is the node's usage attestation for one request.
type MeteringRecord struct {
	RequestID    string `json:"requestId"`
	NodeID       string `json:"nodeId"`
	ModelID      string `json:"modelId"`
	PromptHash   string `json:"promptHash"`
	InputTokens  int    `json:"inputTokens"`
	OutputTokens int    `json:"outputTokens"`
	WallTimeMs   int64  `json:"wallTimeMs"`
	BytesIn      int    `json:"bytesIn"`
	BytesOut     int    `json:"bytesOut"`
	Ts           int64  `json:"ts"`
}

// QuoteRequest asks the router to price a prospective inference call.
type QuoteRequest struct {
	RequestID string `json:"requestId"`
	ModelID   string `json:"modelId"`
	Prompt    string `json:"prompt,omitempty"`
	MaxTokens int    `json:"maxTokens"`
	JobType   string `json:"jobType,omitempty"`
}

// Price is a total in a named currency.
type Price struct {
	Total    float64 `json:"total"`
	Currency string  `json:"currency"`
}

// QuoteResponse is the router's signed answer to a QuoteRequest.
type QuoteResponse struct {
	RequestID         string `json:"requestId"`
	ModelID           string `json:"modelId"`
	NodeID            string `json:"nodeId"`
	Price             Price  `json:"price"`
	LatencyEstimateMs int64  `json:"latencyEstimateMs"`
	ExpiresAtMs       int64  `json:"expiresAtMs"`
}

// Payee types used in ledger keys.
const (
	PayeeNode   = "node"
	PayeeRouter = "router"
)

// PaymentSplit divides one invoice between multiple payees.
type PaymentSplit struct {
	PayeeType  string `json:"payeeType"`
	PayeeID    string `json:"payeeId"`
	AmountSats int64  `json:"amountSats"`
	Role       string `json:"role,omitempty"`
}

// PaymentRequest is the 402 challenge the router signs and returns when a
// priced request arrives without a live receipt.
type PaymentRequest struct {
	RequestID   string            `json:"requestId"`
	PayeeType   string            `json:"payeeType"`
	PayeeID     string            `json:"payeeId"`
	AmountSats  int64             `json:"amountSats"`
	Invoice     string            `json:"invoice"`
	ExpiresAtMs int64             `json:"expiresAtMs"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Splits      []PaymentSplit    `json:"splits,omitempty"`
}

// PaymentReceipt is the client's claim that a challenge was settled.
type PaymentReceipt struct {
	RequestID   string `json:"requestId"`
	PayeeType   string `json:"payeeType"`
	PayeeID     string `json:"payeeId"`
	AmountSats  int64  `json:"amountSats"`
	PaidAtMs    int64  `json:"paidAtMs"`
	Invoice     string `json:"invoice,omitempty"`
	PaymentHash string `json:"paymentHash,omitempty"`
	Preimage    string `json:"preimage,omitempty"`
}

// LedgerKey builds the canonical map key for payment requests and receipts.
func LedgerKey(requestID, payeeType, payeeID string) string {
	return requestID + "|" + payeeType + "|" + payeeID
}

// CapabilityManifest is a node's self-signed declaration of resource bands
// (cpu/ram/disk/net/gpu) used to seed trust before live observations exist.
type CapabilityManifest struct {
	NodeID     string `json:"nodeId"`
	KeyID      string `json:"keyId"`
	CPUBand    int    `json:"cpuBand"`
	RAMBand    int    `json:"ramBand"`
	DiskBand   int    `json:"diskBand"`
	NetBand    int    `json:"netBand"`
	GPUBand    int    `json:"gpuBand"`
	SnapshotMs int64  `json:"snapshotMs"`
	Score      int    `json:"score,omitempty"`
}

// ManifestAdmission records the router's verdict on a posted manifest.
type ManifestAdmission struct {
	NodeID     string `json:"nodeId"`
	Admitted   bool   `json:"admitted"`
	Reason     string `json:"reason,omitempty"`
	AssessedMs int64  `json:"assessedMs"`
}

// StakeEntry is one accounting row in the stake ledger. Commit adds units,
// slash removes them; slashes must be signed by the router's own key.
type StakeEntry struct {
	NodeID string `json:"nodeId"`
	Units  int64  `json:"units"`
	Reason string `json:"reason,omitempty"`
	Ts     int64  `json:"ts"`
}
