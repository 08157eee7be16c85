// Package payments implements the router's settlement ledger: challenge
// issuance, receipt correlation, federation-side settlement, oracle clients,
// and the missing-receipt reconciliation pass.
package payments

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"math"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/imattau/fed-AI-sub000/internal/metrics"
	"github.com/imattau/fed-AI-sub000/internal/protocol"
)

const challengeTTL = 5 * time.Minute

// Scope labels for reconciliation counters.
const (
	ScopeClient     = "client"
	ScopeFederation = "federation"
)

type storedRequest struct {
	req      protocol.PaymentRequest
	issuedMs int64
}

// Ledger owns the payment maps keyed by requestId|payeeType|payeeId. Client
// and federation entries live in separate maps with identical semantics.
type Ledger struct {
	mu  sync.Mutex
	now func() time.Time

	requests    map[string]*storedRequest
	receipts    map[string]protocol.SignedReceipt
	fedRequests map[string]*storedRequest
	fedReceipts map[string]protocol.SignedReceipt

	invoicer *InvoiceClient
	verifier *VerifyClient
	splits   []protocol.PaymentSplit

	log *zap.Logger
}

func NewLedger(log *zap.Logger) *Ledger {
	return &Ledger{
		now:         time.Now,
		requests:    make(map[string]*storedRequest),
		receipts:    make(map[string]protocol.SignedReceipt),
		fedRequests: make(map[string]*storedRequest),
		fedReceipts: make(map[string]protocol.SignedReceipt),
		log:         log,
	}
}

// SetOracles wires the external invoice and verification providers. Either
// may be nil, in which case deterministic placeholders / trust-the-receipt
// behavior applies.
func (l *Ledger) SetOracles(invoicer *InvoiceClient, verifier *VerifyClient) {
	l.invoicer = invoicer
	l.verifier = verifier
}

// SetSplits configures the router-fee splits propagated into challenges.
func (l *Ledger) SetSplits(splits []protocol.PaymentSplit) { l.splits = splits }

// SetClock overrides the time source; tests only.
func (l *Ledger) SetClock(now func() time.Time) { l.now = now }

// IssueChallenge returns the live PaymentRequest for the key, synthesizing a
// fresh one when none exists or the previous one has expired.
func (l *Ledger) IssueChallenge(ctx context.Context, requestID, payeeType, payeeID string, costTotal float64) (protocol.PaymentRequest, error) {
	return l.IssueChallengeWith(ctx, requestID, payeeType, payeeID, costTotal, l.splits)
}

// IssueChallengeWith is IssueChallenge with per-request splits, used when the
// router fee divides one invoice between the node and the router.
func (l *Ledger) IssueChallengeWith(ctx context.Context, requestID, payeeType, payeeID string, costTotal float64, splits []protocol.PaymentSplit) (protocol.PaymentRequest, error) {
	key := protocol.LedgerKey(requestID, payeeType, payeeID)
	nowMs := l.now().UnixMilli()

	l.mu.Lock()
	if sr, ok := l.requests[key]; ok && sr.req.ExpiresAtMs > nowMs {
		req := sr.req
		l.mu.Unlock()
		return req, nil
	}
	l.mu.Unlock()

	amount := int64(math.Round(costTotal))
	if amount < 1 {
		amount = 1
	}
	req := protocol.PaymentRequest{
		RequestID:   requestID,
		PayeeType:   payeeType,
		PayeeID:     payeeID,
		AmountSats:  amount,
		ExpiresAtMs: nowMs + challengeTTL.Milliseconds(),
		Splits:      splits,
	}
	if l.invoicer != nil {
		inv, err := l.invoicer.CreateInvoice(ctx, InvoiceRequest{
			RequestID:  requestID,
			PayeeID:    payeeID,
			AmountSats: amount,
			Splits:     splits,
		})
		if err != nil {
			return protocol.PaymentRequest{}, err
		}
		req.Invoice = inv.Invoice
		if inv.ExpiresAtMs > 0 {
			req.ExpiresAtMs = inv.ExpiresAtMs
		}
	} else {
		req.Invoice = placeholderInvoice(key, amount)
	}

	// Re-check under the lock: a racer may have stored a challenge while the
	// invoice was being created. The stored one wins so both callers see the
	// same invoice.
	l.mu.Lock()
	if sr, ok := l.requests[key]; ok && sr.req.ExpiresAtMs > nowMs {
		existing := sr.req
		l.mu.Unlock()
		return existing, nil
	}
	l.requests[key] = &storedRequest{req: req, issuedMs: nowMs}
	l.mu.Unlock()
	return req, nil
}

// AcceptReceipt matches a client receipt against its outstanding challenge.
// The signed envelope is retained verbatim so it can be forwarded to the
// node later. Returns a stable error kind, or "" on success.
func (l *Ledger) AcceptReceipt(ctx context.Context, env protocol.SignedReceipt) string {
	r := env.Payload
	key := protocol.LedgerKey(r.RequestID, r.PayeeType, r.PayeeID)

	l.mu.Lock()
	sr, ok := l.requests[key]
	l.mu.Unlock()
	if !ok {
		return protocol.ErrPaymentRequestNotFound
	}
	if sr.req.AmountSats != r.AmountSats {
		return protocol.ErrPaymentAmountMismatch
	}
	if sr.req.Invoice != "" && r.Invoice != "" && sr.req.Invoice != r.Invoice {
		return protocol.ErrInvoiceMismatch
	}
	if l.verifier != nil {
		res, err := l.verifier.Verify(ctx, VerifyRequest{
			Invoice:     r.Invoice,
			PaymentHash: r.PaymentHash,
			Preimage:    r.Preimage,
			AmountSats:  r.AmountSats,
			PayeeID:     r.PayeeID,
			RequestID:   r.RequestID,
		})
		if err != nil {
			return protocol.ErrPaymentVerifyFailed
		}
		if !res.Paid {
			return protocol.ErrNotPaid
		}
	}

	l.mu.Lock()
	l.receipts[key] = env
	l.mu.Unlock()
	return ""
}

// FindReceipt returns the stored receipt envelope for a key.
func (l *Ledger) FindReceipt(requestID, payeeType, payeeID string) (protocol.SignedReceipt, bool) {
	key := protocol.LedgerKey(requestID, payeeType, payeeID)
	l.mu.Lock()
	defer l.mu.Unlock()
	env, ok := l.receipts[key]
	return env, ok
}

// Request returns the stored challenge for a key.
func (l *Ledger) Request(requestID, payeeType, payeeID string) (protocol.PaymentRequest, bool) {
	key := protocol.LedgerKey(requestID, payeeType, payeeID)
	l.mu.Lock()
	defer l.mu.Unlock()
	sr, ok := l.requests[key]
	if !ok {
		return protocol.PaymentRequest{}, false
	}
	return sr.req, true
}

// Restore reloads persisted challenges and receipts at boot.
func (l *Ledger) Restore(requests map[string]protocol.PaymentRequest, receipts map[string]protocol.SignedReceipt) {
	nowMs := l.now().UnixMilli()
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, r := range requests {
		l.requests[k] = &storedRequest{req: r, issuedMs: nowMs}
	}
	for k, env := range receipts {
		l.receipts[k] = env
	}
}

// StoreFederationRequest records a cross-router challenge.
func (l *Ledger) StoreFederationRequest(req protocol.PaymentRequest) {
	key := protocol.LedgerKey(req.RequestID, req.PayeeType, req.PayeeID)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fedRequests[key] = &storedRequest{req: req, issuedMs: l.now().UnixMilli()}
}

// AcceptFederationReceipt matches a cross-router receipt. Splits are
// compared as sorted (payeeType, payeeId, amountSats) tuples by the caller
// before this point; here only the head entry is reconciled.
func (l *Ledger) AcceptFederationReceipt(env protocol.SignedReceipt) string {
	r := env.Payload
	key := protocol.LedgerKey(r.RequestID, r.PayeeType, r.PayeeID)
	l.mu.Lock()
	defer l.mu.Unlock()
	sr, ok := l.fedRequests[key]
	if !ok {
		return protocol.ErrPaymentRequestNotFound
	}
	if sr.req.AmountSats != r.AmountSats {
		return protocol.ErrPaymentAmountMismatch
	}
	if sr.req.Invoice != "" && r.Invoice != "" && sr.req.Invoice != r.Invoice {
		return protocol.ErrInvoiceMismatch
	}
	l.fedReceipts[key] = env
	return ""
}

// FederationReceipt returns a stored cross-router receipt.
func (l *Ledger) FederationReceipt(requestID, payeeType, payeeID string) (protocol.SignedReceipt, bool) {
	key := protocol.LedgerKey(requestID, payeeType, payeeID)
	l.mu.Lock()
	defer l.mu.Unlock()
	env, ok := l.fedReceipts[key]
	return env, ok
}

// Reconcile scans both maps for challenges that expired beyond the grace
// period without a matching receipt, bumping the reconciliation counter and
// logging a warning per finding. Returns the offending keys.
func (l *Ledger) Reconcile(grace time.Duration, m *metrics.Metrics) []string {
	nowMs := l.now().UnixMilli()
	horizon := nowMs - grace.Milliseconds()

	l.mu.Lock()
	defer l.mu.Unlock()

	var missing []string
	scan := func(scope string, reqs map[string]*storedRequest, rcpts map[string]protocol.SignedReceipt) {
		for key, sr := range reqs {
			if sr.req.ExpiresAtMs >= horizon {
				continue
			}
			if _, paid := rcpts[key]; paid {
				continue
			}
			missing = append(missing, key)
			if m != nil {
				m.Reconciliation.WithLabelValues(scope, "missing-receipt").Inc()
			}
			l.log.Warn("payment request expired without receipt",
				zap.String("scope", scope),
				zap.String("key", key),
				zap.Int64("amountSats", sr.req.AmountSats),
			)
		}
	}
	scan(ScopeClient, l.requests, l.receipts)
	scan(ScopeFederation, l.fedRequests, l.fedReceipts)
	return missing
}

// Prune drops requests and receipts older than their retention horizons.
func (l *Ledger) Prune(requestRetention, receiptRetention time.Duration) {
	nowMs := l.now().UnixMilli()
	l.mu.Lock()
	defer l.mu.Unlock()
	if requestRetention > 0 {
		cutoff := nowMs - requestRetention.Milliseconds()
		for k, sr := range l.requests {
			if sr.issuedMs < cutoff {
				delete(l.requests, k)
			}
		}
		for k, sr := range l.fedRequests {
			if sr.issuedMs < cutoff {
				delete(l.fedRequests, k)
			}
		}
	}
	if receiptRetention > 0 {
		cutoff := nowMs - receiptRetention.Milliseconds()
		for k, env := range l.receipts {
			if env.Payload.PaidAtMs < cutoff {
				delete(l.receipts, k)
			}
		}
		for k, env := range l.fedReceipts {
			if env.Payload.PaidAtMs < cutoff {
				delete(l.fedReceipts, k)
			}
		}
	}
}

// placeholderInvoice derives a deterministic invoice string when no invoice
// oracle is configured, so retries of the same challenge stay comparable.
func placeholderInvoice(key string, amount int64) string {
	sum := sha256.Sum256([]byte(key + "|" + strconv.FormatInt(amount, 10)))
	return "placeholder:" + hex.EncodeToString(sum[:8])
}

// SplitsEqual compares two split sets as sorted tuples; used by the
// federation settlement path to enforce router-fee agreements.
func SplitsEqual(a, b []protocol.PaymentSplit) bool {
	if len(a) != len(b) {
		return false
	}
	key := func(s protocol.PaymentSplit) string {
		return s.PayeeType + "|" + s.PayeeID + "|" + s.Role
	}
	seen := make(map[string]int64, len(a))
	for _, s := range a {
		seen[key(s)] += s.AmountSats
	}
	for _, s := range b {
		seen[key(s)] -= s.AmountSats
	}
	for _, v := range seen {
		if v != 0 {
			return false
		}
	}
	return true
}
