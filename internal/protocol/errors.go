package protocol

// Stable error kinds returned verbatim in {"error": <kind>} bodies. Clients
// branch on these, so they never change spelling.
const (
	// Input
	ErrEmptyBody       = "empty-body"
	ErrPayloadTooLarge = "payload-too-large"
	ErrInvalidJSON     = "invalid-json"
	ErrInvalidEnvelope = "invalid-envelope"
	ErrInvalidKeyID    = "invalid-key-id"

	// Authentication
	ErrInvalidSignature    = "invalid-signature"
	ErrRouterKeyIDMismatch = "router-key-id-mismatch"
	ErrActorKeyMismatch    = "actor-key-mismatch"
	ErrKeyIDMismatch       = "key-id-mismatch"

	// Admission
	ErrRouterBlocked     = "router-blocked"
	ErrRouterMuted       = "router-muted"
	ErrRouterNotFollowed = "router-not-followed"
	ErrRouterNotAllowed  = "router-not-allowed"
	ErrClientBlocked     = "client-blocked"
	ErrClientMuted       = "client-muted"
	ErrClientNotAllowed  = "client-not-allowed"
	ErrPromptTooLarge    = "prompt-too-large"
	ErrMaxTokensExceeded = "max-tokens-exceeded"
	ErrCapacityExhausted = "capacity-exhausted"
	ErrRateLimited       = "rate-limited"

	// Replay / time
	ErrNonceDuplicate = "nonce-duplicate"
	ErrTsSkew         = "ts-skew"

	// Payment
	ErrPaymentRequired            = "payment-required"
	ErrInvalidPaymentReceipt      = "invalid-payment-receipt"
	ErrInvalidPaymentReceiptSig   = "invalid-payment-receipt-signature"
	ErrPaymentAmountInvalid       = "payment-amount-invalid"
	ErrPaymentRequestMismatch     = "payment-request-mismatch"
	ErrPaymentRequestNotFound     = "payment-request-not-found"
	ErrPaymentAmountMismatch      = "payment-amount-mismatch"
	ErrInvoiceMismatch            = "invoice-mismatch"
	ErrPreimageRequired           = "preimage-required"
	ErrPaymentProofMissing        = "payment-proof-missing"
	ErrPaymentVerifyFailed        = "payment-verify-failed"
	ErrNotPaid                    = "not-paid"
	ErrInvoiceProviderMissing     = "invoice-provider-not-configured"
	ErrInvoiceProviderFailed      = "invoice-provider-failed"
	ErrInvoiceMissing             = "invoice-missing"
	ErrRouterPublicKeyMissing     = "router-public-key-missing"

	// Routing
	ErrNoNodes          = "no-nodes"
	ErrNoNodesAvailable = "no-nodes-available"
	ErrNoCapableNodes   = "no-capable-nodes"

	// Node interaction
	ErrNodeError            = "node-error"
	ErrInvalidNodeResponse  = "invalid-node-response"
	ErrInvalidMetering      = "invalid-metering"
	ErrNodeResponseSigBad   = "node-response-signature-invalid"
	ErrNodeMeteringSigBad   = "node-metering-signature-invalid"

	// Execution
	ErrRunnerTimeout = "runner-timeout"
	ErrWorkerError   = "worker-error"
	ErrInternal      = "internal-error"
)
