package payments

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/imattau/fed-AI-sub000/internal/metrics"
	"github.com/imattau/fed-AI-sub000/internal/protocol"
)

func testLedger() *Ledger {
	return NewLedger(zap.NewNop())
}

func receiptFor(req protocol.PaymentRequest) protocol.SignedReceipt {
	return protocol.SignedReceipt{
		Payload: protocol.PaymentReceipt{
			RequestID:  req.RequestID,
			PayeeType:  req.PayeeType,
			PayeeID:    req.PayeeID,
			AmountSats: req.AmountSats,
			PaidAtMs:   time.Now().UnixMilli(),
			Invoice:    req.Invoice,
		},
		Nonce: "rcpt-nonce",
		Ts:    time.Now().UnixMilli(),
		KeyID: "npub1client",
		Sig:   "c2ln",
	}
}

// ── Challenge issuance ───────────────────────────────────────────────────────

func TestIssueChallenge_MinimumOneSat(t *testing.T) {
	l := testLedger()
	req, err := l.IssueChallenge(context.Background(), "r1", protocol.PayeeNode, "n1", 0.2)
	if err != nil {
		t.Fatalf("IssueChallenge: %v", err)
	}
	if req.AmountSats != 1 {
		t.Errorf("amount: got %d want 1", req.AmountSats)
	}
	if !strings.HasPrefix(req.Invoice, "placeholder:") {
		t.Errorf("placeholder invoice missing: %q", req.Invoice)
	}
}

func TestIssueChallenge_ReusesLiveRequest(t *testing.T) {
	l := testLedger()
	ctx := context.Background()
	first, _ := l.IssueChallenge(ctx, "r1", protocol.PayeeNode, "n1", 42)
	second, _ := l.IssueChallenge(ctx, "r1", protocol.PayeeNode, "n1", 999)
	if second.AmountSats != first.AmountSats || second.Invoice != first.Invoice {
		t.Errorf("live challenge not reused: %+v vs %+v", first, second)
	}
}

func TestIssueChallenge_ReplacesExpired(t *testing.T) {
	l := testLedger()
	ctx := context.Background()
	now := time.Now()
	l.SetClock(func() time.Time { return now })

	first, _ := l.IssueChallenge(ctx, "r1", protocol.PayeeNode, "n1", 10)
	now = now.Add(challengeTTL + time.Second)
	second, _ := l.IssueChallenge(ctx, "r1", protocol.PayeeNode, "n1", 20)
	if second.AmountSats == first.AmountSats {
		t.Error("expired challenge was reused")
	}
}

func TestIssueChallenge_ConcurrentCallersShareOneInvoice(t *testing.T) {
	var calls atomic.Int64
	oracle := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		fmt.Fprintf(w, `{"invoice":"lnbc-%d"}`, n)
	}))
	defer oracle.Close()

	l := testLedger()
	l.SetOracles(NewInvoiceClient(oracle.URL, time.Second, RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}), nil)

	const callers = 8
	invoices := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req, err := l.IssueChallenge(context.Background(), "r1", protocol.PayeeNode, "n1", 42)
			if err != nil {
				t.Errorf("IssueChallenge: %v", err)
				return
			}
			invoices[i] = req.Invoice
		}(i)
	}
	wg.Wait()

	stored, ok := l.Request("r1", protocol.PayeeNode, "n1")
	if !ok {
		t.Fatal("no challenge stored")
	}
	for i, inv := range invoices {
		if inv != stored.Invoice {
			t.Errorf("caller %d invoice %q differs from stored %q", i, inv, stored.Invoice)
		}
	}
}

func TestIssueChallengeWith_PropagatesSplits(t *testing.T) {
	l := testLedger()
	splits := []protocol.PaymentSplit{
		{PayeeType: protocol.PayeeNode, PayeeID: "n1", AmountSats: 9},
		{PayeeType: protocol.PayeeRouter, PayeeID: "npub1r", AmountSats: 1, Role: "router-fee"},
	}
	req, err := l.IssueChallengeWith(context.Background(), "r1", protocol.PayeeNode, "n1", 10, splits)
	if err != nil {
		t.Fatalf("IssueChallengeWith: %v", err)
	}
	if len(req.Splits) != 2 || req.Splits[1].Role != "router-fee" {
		t.Errorf("splits: %+v", req.Splits)
	}
}

// ── Receipt acceptance ───────────────────────────────────────────────────────

func TestAcceptReceipt_HappyPath(t *testing.T) {
	l := testLedger()
	ctx := context.Background()
	req, _ := l.IssueChallenge(ctx, "r1", protocol.PayeeNode, "n1", 10)

	if kind := l.AcceptReceipt(ctx, receiptFor(req)); kind != "" {
		t.Fatalf("AcceptReceipt: %s", kind)
	}
	stored, ok := l.FindReceipt("r1", protocol.PayeeNode, "n1")
	if !ok || stored.Payload.AmountSats != req.AmountSats {
		t.Fatalf("receipt not stored: ok=%v %+v", ok, stored)
	}
}

func TestAcceptReceipt_NoChallenge(t *testing.T) {
	l := testLedger()
	env := receiptFor(protocol.PaymentRequest{
		RequestID: "ghost", PayeeType: protocol.PayeeNode, PayeeID: "n1", AmountSats: 5,
	})
	if kind := l.AcceptReceipt(context.Background(), env); kind != protocol.ErrPaymentRequestNotFound {
		t.Errorf("got %q", kind)
	}
}

func TestAcceptReceipt_AmountMismatch(t *testing.T) {
	l := testLedger()
	ctx := context.Background()
	req, _ := l.IssueChallenge(ctx, "r1", protocol.PayeeNode, "n1", 10)
	env := receiptFor(req)
	env.Payload.AmountSats = req.AmountSats + 1
	if kind := l.AcceptReceipt(ctx, env); kind != protocol.ErrPaymentAmountMismatch {
		t.Errorf("got %q", kind)
	}
}

func TestAcceptReceipt_InvoiceMismatch(t *testing.T) {
	l := testLedger()
	ctx := context.Background()
	req, _ := l.IssueChallenge(ctx, "r1", protocol.PayeeNode, "n1", 10)
	env := receiptFor(req)
	env.Payload.Invoice = "lnbc-other"
	if kind := l.AcceptReceipt(ctx, env); kind != protocol.ErrInvoiceMismatch {
		t.Errorf("got %q", kind)
	}
}

// ── Federation ledger ────────────────────────────────────────────────────────

func TestFederationReceipt_Roundtrip(t *testing.T) {
	l := testLedger()
	req := protocol.PaymentRequest{
		RequestID: "job-1", PayeeType: protocol.PayeeRouter, PayeeID: "npub1peer",
		AmountSats: 800, ExpiresAtMs: time.Now().Add(time.Hour).UnixMilli(),
	}
	l.StoreFederationRequest(req)

	if kind := l.AcceptFederationReceipt(receiptFor(req)); kind != "" {
		t.Fatalf("AcceptFederationReceipt: %s", kind)
	}
	if _, ok := l.FederationReceipt("job-1", protocol.PayeeRouter, "npub1peer"); !ok {
		t.Fatal("federation receipt not stored")
	}
	// Client map stays untouched.
	if _, ok := l.FindReceipt("job-1", protocol.PayeeRouter, "npub1peer"); ok {
		t.Fatal("federation receipt leaked into the client map")
	}
}

// ── Reconciliation ───────────────────────────────────────────────────────────

func TestReconcile_FlagsMissingReceipts(t *testing.T) {
	l := testLedger()
	ctx := context.Background()
	now := time.Now()
	l.SetClock(func() time.Time { return now })

	paid, _ := l.IssueChallenge(ctx, "paid", protocol.PayeeNode, "n1", 5)
	if kind := l.AcceptReceipt(ctx, receiptFor(paid)); kind != "" {
		t.Fatalf("AcceptReceipt: %s", kind)
	}
	l.IssueChallenge(ctx, "unpaid", protocol.PayeeNode, "n1", 5) //nolint:errcheck

	now = now.Add(challengeTTL + 2*time.Hour)
	m := metrics.New(prometheus.NewRegistry())
	missing := l.Reconcile(time.Hour, m)
	if len(missing) != 1 || missing[0] != protocol.LedgerKey("unpaid", protocol.PayeeNode, "n1") {
		t.Fatalf("missing: %v", missing)
	}
}

func TestPrune_DropsOldEntries(t *testing.T) {
	l := testLedger()
	ctx := context.Background()
	now := time.Now()
	l.SetClock(func() time.Time { return now })

	req, _ := l.IssueChallenge(ctx, "r1", protocol.PayeeNode, "n1", 5)
	if kind := l.AcceptReceipt(ctx, receiptFor(req)); kind != "" {
		t.Fatalf("AcceptReceipt: %s", kind)
	}

	now = now.Add(48 * time.Hour)
	l.Prune(time.Hour, time.Hour)
	if _, ok := l.Request("r1", protocol.PayeeNode, "n1"); ok {
		t.Error("request survived prune")
	}
	if _, ok := l.FindReceipt("r1", protocol.PayeeNode, "n1"); ok {
		t.Error("receipt survived prune")
	}
}

// ── Splits comparison ────────────────────────────────────────────────────────

func TestSplitsEqual(t *testing.T) {
	a := []protocol.PaymentSplit{
		{PayeeType: protocol.PayeeNode, PayeeID: "n1", AmountSats: 9},
		{PayeeType: protocol.PayeeRouter, PayeeID: "r1", AmountSats: 1, Role: "router-fee"},
	}
	b := []protocol.PaymentSplit{a[1], a[0]} // order must not matter
	if !SplitsEqual(a, b) {
		t.Error("reordered splits compared unequal")
	}
	c := []protocol.PaymentSplit{a[0], {PayeeType: protocol.PayeeRouter, PayeeID: "r1", AmountSats: 2, Role: "router-fee"}}
	if SplitsEqual(a, c) {
		t.Error("differing amounts compared equal")
	}
	if SplitsEqual(a, a[:1]) {
		t.Error("differing lengths compared equal")
	}
}
