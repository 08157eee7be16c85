package router

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/imattau/fed-AI-sub000/internal/config"
	"github.com/imattau/fed-AI-sub000/internal/envelope"
	"github.com/imattau/fed-AI-sub000/internal/identity"
	"github.com/imattau/fed-AI-sub000/internal/node"
	"github.com/imattau/fed-AI-sub000/internal/noncestore"
	"github.com/imattau/fed-AI-sub000/internal/payments"
	"github.com/imattau/fed-AI-sub000/internal/protocol"
	"github.com/imattau/fed-AI-sub000/internal/registry"
	"github.com/imattau/fed-AI-sub000/internal/runner"
	"github.com/imattau/fed-AI-sub000/internal/scheduler"
)

type routerHarness struct {
	srv       *Server
	engine    *gin.Engine
	key       *identity.KeyPair
	reg       *registry.Registry
	ledger    *payments.Ledger
	clientKey *identity.KeyPair
}

func newRouterHarness(t *testing.T, mutate func(*config.Router)) *routerHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	key, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate router key: %v", err)
	}
	clientKey, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate client key: %v", err)
	}
	cfg := &config.Router{
		RateLimitMax:      1000,
		RateLimitWindowMs: 60_000,
	}
	if mutate != nil {
		mutate(cfg)
	}
	reg := registry.New()
	ledger := payments.NewLedger(zap.NewNop())
	srv := New(cfg, key, reg, scheduler.New(reg, cfg.SchedulerTopK), ledger,
		noncestore.NewMemory(), prometheus.NewRegistry(), zap.NewNop())
	return &routerHarness{
		srv:       srv,
		engine:    srv.Engine(),
		key:       key,
		reg:       reg,
		ledger:    ledger,
		clientKey: clientKey,
	}
}

func (h *routerHarness) post(t *testing.T, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.engine.ServeHTTP(w, req)
	return w
}

func (h *routerHarness) postSigned(t *testing.T, path string, payload interface{}, kp *identity.KeyPair) *httptest.ResponseRecorder {
	t.Helper()
	env, err := envelope.BuildSigned(payload, kp)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	body, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return h.post(t, path, body)
}

func errorKind(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]json.RawMessage
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("error body: %s", w.Body.String())
	}
	var kind string
	_ = json.Unmarshal(body["error"], &kind)
	return kind
}

// startWorkerNode runs a real worker daemon behind httptest and returns its
// key plus base URL.
func startWorkerNode(t *testing.T, nodeID, routerNpub string, requirePayment bool) (*identity.KeyPair, string) {
	t.Helper()
	nodeKey, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate node key: %v", err)
	}
	cfg := &config.Node{
		NodeID:                nodeID,
		RouterPublicKey:       routerNpub,
		CapacityMaxConcurrent: 4,
		RateLimitMax:          1000,
		RateLimitWindowMs:     60_000,
		RequirePayment:        requirePayment,
	}
	ns := node.New(cfg, nodeKey, runner.NewMock(), noncestore.NewMemory(), prometheus.NewRegistry(), zap.NewNop())
	srv := httptest.NewServer(ns.Engine())
	t.Cleanup(srv.Close)
	return nodeKey, srv.URL
}

func descriptor(nodeID string, kp *identity.KeyPair, endpoint string, rate float64) protocol.NodeDescriptor {
	return protocol.NodeDescriptor{
		NodeID:   nodeID,
		KeyID:    kp.Npub(),
		Endpoint: endpoint,
		Capacity: protocol.Capacity{MaxConcurrent: 4},
		Capabilities: []protocol.Capability{{
			ModelID:       "mock",
			ContextWindow: 8192,
			MaxTokens:     4096,
			Pricing: protocol.Pricing{
				Unit:       protocol.UnitPer1KTokens,
				InputRate:  rate,
				OutputRate: rate,
				Currency:   "SAT",
			},
		}},
	}
}

func (h *routerHarness) register(t *testing.T, desc protocol.NodeDescriptor, kp *identity.KeyPair) {
	t.Helper()
	w := h.postSigned(t, "/register-node", desc, kp)
	if w.Code != http.StatusOK {
		t.Fatalf("register %s: %d %s", desc.NodeID, w.Code, w.Body.String())
	}
}

func inferPayload(requestID string) protocol.InferenceRequest {
	return protocol.InferenceRequest{RequestID: requestID, ModelID: "mock", Prompt: "hi", MaxTokens: 16}
}

// ── Registration ─────────────────────────────────────────────────────────────

func TestRegisterNode_ListsAndActivates(t *testing.T) {
	h := newRouterHarness(t, nil)
	nodeKey, _ := identity.Generate()
	h.register(t, descriptor("n1", nodeKey, "http://127.0.0.1:9999", 1), nodeKey)

	req := httptest.NewRequest(http.MethodGet, "/nodes", nil)
	w := httptest.NewRecorder()
	h.engine.ServeHTTP(w, req)
	var body struct {
		Nodes  []protocol.NodeDescriptor `json:"nodes"`
		Active []protocol.NodeDescriptor `json:"active"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Nodes) != 1 || len(body.Active) != 1 || body.Nodes[0].NodeID != "n1" {
		t.Fatalf("nodes: %+v", body)
	}
}

func TestRegisterNode_KeyIDMismatch(t *testing.T) {
	h := newRouterHarness(t, nil)
	nodeKey, _ := identity.Generate()
	other, _ := identity.Generate()

	desc := descriptor("n1", other, "http://127.0.0.1:9999", 1) // keyId != signer
	w := h.postSigned(t, "/register-node", desc, nodeKey)
	if w.Code != http.StatusBadRequest || errorKind(t, w) != protocol.ErrKeyIDMismatch {
		t.Fatalf("key mismatch: %d %s", w.Code, w.Body.String())
	}
}

func TestRegisterNode_BlockedNodeKey(t *testing.T) {
	nodeKey, _ := identity.Generate()
	h := newRouterHarness(t, func(c *config.Router) {
		c.NodeBlockList = []string{nodeKey.Npub()}
	})
	w := h.postSigned(t, "/register-node", descriptor("n1", nodeKey, "http://x", 1), nodeKey)
	if w.Code != http.StatusForbidden {
		t.Fatalf("blocked node: %d %s", w.Code, w.Body.String())
	}
}

// ── Quoting ──────────────────────────────────────────────────────────────────

func TestQuote_SignedByRouter(t *testing.T) {
	h := newRouterHarness(t, nil)
	nodeKey, _ := identity.Generate()
	h.register(t, descriptor("n1", nodeKey, "http://127.0.0.1:9999", 2), nodeKey)

	w := h.postSigned(t, "/quote", protocol.QuoteRequest{
		RequestID: "r1", ModelID: "mock", Prompt: "hi", MaxTokens: 16,
	}, h.clientKey)
	if w.Code != http.StatusOK {
		t.Fatalf("quote: %d %s", w.Code, w.Body.String())
	}

	var body struct {
		Quote json.RawMessage `json:"quote"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	env, kind := envelope.Parse(body.Quote)
	if kind != "" || env.KeyID != h.key.Npub() || !env.VerifySelf() {
		t.Fatalf("quote envelope: kind=%q keyId=%q", kind, env.KeyID)
	}
	var quote protocol.QuoteResponse
	if err := json.Unmarshal(env.Payload, &quote); err != nil {
		t.Fatalf("quote payload: %v", err)
	}
	if quote.RequestID != "r1" || quote.NodeID != "n1" || quote.Price.Total <= 0 {
		t.Errorf("quote: %+v", quote)
	}
	if quote.ExpiresAtMs <= time.Now().UnixMilli() {
		t.Errorf("quote already expired: %d", quote.ExpiresAtMs)
	}
}

func TestQuote_NoNodes(t *testing.T) {
	h := newRouterHarness(t, nil)
	w := h.postSigned(t, "/quote", protocol.QuoteRequest{
		RequestID: "r1", ModelID: "mock", Prompt: "hi",
	}, h.clientKey)
	if w.Code != http.StatusServiceUnavailable || errorKind(t, w) != protocol.ErrNoNodesAvailable {
		t.Fatalf("no nodes: %d %s", w.Code, w.Body.String())
	}
}

// ── Dispatch ─────────────────────────────────────────────────────────────────

func TestInfer_EndToEnd(t *testing.T) {
	h := newRouterHarness(t, nil)
	nodeKey, endpoint := startWorkerNode(t, "n1", h.key.Npub(), false)
	h.register(t, descriptor("n1", nodeKey, endpoint, 1), nodeKey)

	w := h.postSigned(t, "/infer", inferPayload("r1"), h.clientKey)
	if w.Code != http.StatusOK {
		t.Fatalf("infer: %d %s", w.Code, w.Body.String())
	}

	var out struct {
		Response json.RawMessage `json:"response"`
		Metering json.RawMessage `json:"metering"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	respEnv, kind := envelope.Parse(out.Response)
	if kind != "" || respEnv.KeyID != nodeKey.Npub() || !respEnv.VerifySelf() {
		t.Fatalf("response envelope: kind=%q keyId=%q", kind, respEnv.KeyID)
	}
	var resp protocol.InferenceResponse
	if err := json.Unmarshal(respEnv.Payload, &resp); err != nil {
		t.Fatalf("response payload: %v", err)
	}
	if resp.RequestID != "r1" || resp.Output != "echo: hi" {
		t.Errorf("response: %+v", resp)
	}
	if _, k := envelope.Parse(out.Metering); k != "" {
		t.Errorf("metering envelope: %s", k)
	}
	if health := h.reg.HealthOf("n1"); health.Successes != 1 || health.Failures != 0 {
		t.Errorf("health after success: %+v", health)
	}
}

func TestInfer_ReplayRejected(t *testing.T) {
	h := newRouterHarness(t, nil)
	env, _ := envelope.BuildSigned(inferPayload("r1"), h.clientKey)
	body, _ := json.Marshal(env)

	// First attempt consumes the nonce even though no nodes exist yet.
	if w := h.post(t, "/infer", body); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("first attempt: %d %s", w.Code, w.Body.String())
	}
	w := h.post(t, "/infer", body)
	if w.Code != http.StatusBadRequest || errorKind(t, w) != "nonce-duplicate" {
		t.Fatalf("replay: %d %s", w.Code, w.Body.String())
	}
}

func TestInfer_TamperRejected(t *testing.T) {
	h := newRouterHarness(t, nil)
	env, _ := envelope.BuildSigned(inferPayload("r1"), h.clientKey)

	var wire map[string]json.RawMessage
	raw, _ := json.Marshal(env)
	_ = json.Unmarshal(raw, &wire)
	wire["payload"] = json.RawMessage(`{"requestId":"r1","modelId":"mock","prompt":"evil","maxTokens":16}`)
	body, _ := json.Marshal(wire)

	w := h.post(t, "/infer", body)
	if w.Code != http.StatusUnauthorized || errorKind(t, w) != protocol.ErrInvalidSignature {
		t.Fatalf("tamper: %d %s", w.Code, w.Body.String())
	}
}

func TestInfer_ClientBlocked(t *testing.T) {
	client, _ := identity.Generate()
	h := newRouterHarness(t, func(c *config.Router) {
		c.ClientBlockList = []string{client.Npub()}
	})
	w := h.postSigned(t, "/infer", inferPayload("r1"), client)
	if w.Code != http.StatusForbidden || errorKind(t, w) != protocol.ErrClientBlocked {
		t.Fatalf("blocked client: %d %s", w.Code, w.Body.String())
	}
}

// ── Payment flow ─────────────────────────────────────────────────────────────

func TestInfer_PaymentChallengeThenDispatch(t *testing.T) {
	h := newRouterHarness(t, func(c *config.Router) { c.RequirePayment = true })
	nodeKey, endpoint := startWorkerNode(t, "n1", h.key.Npub(), true)
	h.register(t, descriptor("n1", nodeKey, endpoint, 1), nodeKey)

	// Unpaid request draws a router-signed challenge.
	w := h.postSigned(t, "/infer", inferPayload("r1"), h.clientKey)
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("challenge: %d %s", w.Code, w.Body.String())
	}
	var challenged struct {
		Error   string          `json:"error"`
		Payment json.RawMessage `json:"payment"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &challenged); err != nil {
		t.Fatalf("decode challenge: %v", err)
	}
	payEnv, kind := envelope.Parse(challenged.Payment)
	if kind != "" || payEnv.KeyID != h.key.Npub() || !payEnv.VerifySelf() {
		t.Fatalf("payment envelope: kind=%q keyId=%q", kind, payEnv.KeyID)
	}
	var payment protocol.PaymentRequest
	if err := json.Unmarshal(payEnv.Payload, &payment); err != nil {
		t.Fatalf("payment payload: %v", err)
	}
	if payment.RequestID != "r1" || payment.PayeeType != protocol.PayeeNode || payment.PayeeID != "n1" || payment.AmountSats < 1 {
		t.Fatalf("payment request: %+v", payment)
	}

	// Client settles the challenge.
	receipt := protocol.PaymentReceipt{
		RequestID:  payment.RequestID,
		PayeeType:  payment.PayeeType,
		PayeeID:    payment.PayeeID,
		AmountSats: payment.AmountSats,
		Invoice:    payment.Invoice,
		PaidAtMs:   time.Now().UnixMilli(),
	}
	if w := h.postSigned(t, "/payment-receipt", receipt, h.clientKey); w.Code != http.StatusOK {
		t.Fatalf("receipt: %d %s", w.Code, w.Body.String())
	}

	// Paid retry reaches the worker, receipt attached.
	w = h.postSigned(t, "/infer", inferPayload("r1"), h.clientKey)
	if w.Code != http.StatusOK {
		t.Fatalf("paid infer: %d %s", w.Code, w.Body.String())
	}
}

func TestPaymentReceipt_DuplicateIsReplay(t *testing.T) {
	h := newRouterHarness(t, func(c *config.Router) { c.RequirePayment = true })
	nodeKey, _ := identity.Generate()
	h.register(t, descriptor("n1", nodeKey, "http://127.0.0.1:9999", 1), nodeKey)

	w := h.postSigned(t, "/infer", inferPayload("r1"), h.clientKey)
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("challenge: %d %s", w.Code, w.Body.String())
	}
	payment, ok := h.ledger.Request("r1", protocol.PayeeNode, "n1")
	if !ok {
		t.Fatal("challenge not recorded")
	}

	receipt := protocol.PaymentReceipt{
		RequestID:  payment.RequestID,
		PayeeType:  payment.PayeeType,
		PayeeID:    payment.PayeeID,
		AmountSats: payment.AmountSats,
		Invoice:    payment.Invoice,
		PaidAtMs:   time.Now().UnixMilli(),
	}
	env, _ := envelope.BuildSigned(receipt, h.clientKey)
	body, _ := json.Marshal(env)

	if w := h.post(t, "/payment-receipt", body); w.Code != http.StatusOK {
		t.Fatalf("first post: %d %s", w.Code, w.Body.String())
	}
	w = h.post(t, "/payment-receipt", body)
	if w.Code != http.StatusBadRequest || errorKind(t, w) != "nonce-duplicate" {
		t.Fatalf("duplicate receipt: %d %s", w.Code, w.Body.String())
	}
}

func TestPaymentReceipt_AmountMismatch(t *testing.T) {
	h := newRouterHarness(t, func(c *config.Router) { c.RequirePayment = true })
	nodeKey, _ := identity.Generate()
	h.register(t, descriptor("n1", nodeKey, "http://127.0.0.1:9999", 1), nodeKey)

	if w := h.postSigned(t, "/infer", inferPayload("r1"), h.clientKey); w.Code != http.StatusPaymentRequired {
		t.Fatalf("challenge: %d %s", w.Code, w.Body.String())
	}
	payment, _ := h.ledger.Request("r1", protocol.PayeeNode, "n1")

	receipt := protocol.PaymentReceipt{
		RequestID:  payment.RequestID,
		PayeeType:  payment.PayeeType,
		PayeeID:    payment.PayeeID,
		AmountSats: payment.AmountSats + 5,
		Invoice:    payment.Invoice,
		PaidAtMs:   time.Now().UnixMilli(),
	}
	w := h.postSigned(t, "/payment-receipt", receipt, h.clientKey)
	if w.Code != http.StatusBadRequest || errorKind(t, w) != protocol.ErrPaymentAmountMismatch {
		t.Fatalf("amount mismatch: %d %s", w.Code, w.Body.String())
	}
}

// ── Fallback ─────────────────────────────────────────────────────────────────

func TestInfer_FallbackAfterServerError(t *testing.T) {
	h := newRouterHarness(t, nil)

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer broken.Close()
	brokenKey, _ := identity.Generate()
	// Zero rates rank the broken node first.
	h.register(t, descriptor("broken", brokenKey, broken.URL, 0), brokenKey)

	goodKey, endpoint := startWorkerNode(t, "good", h.key.Npub(), false)
	h.register(t, descriptor("good", goodKey, endpoint, 1), goodKey)

	w := h.postSigned(t, "/infer", inferPayload("r1"), h.clientKey)
	if w.Code != http.StatusOK {
		t.Fatalf("fallback infer: %d %s", w.Code, w.Body.String())
	}
	if health := h.reg.HealthOf("broken"); health.Failures != 1 {
		t.Errorf("broken health: %+v", health)
	}
	if health := h.reg.HealthOf("good"); health.Successes != 1 {
		t.Errorf("good health: %+v", health)
	}
}

func TestInfer_ClientErrorIsTerminal(t *testing.T) {
	h := newRouterHarness(t, nil)

	rejecting := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer rejecting.Close()
	rejectKey, _ := identity.Generate()
	h.register(t, descriptor("reject", rejectKey, rejecting.URL, 0), rejectKey)

	goodKey, endpoint := startWorkerNode(t, "good", h.key.Npub(), false)
	h.register(t, descriptor("good", goodKey, endpoint, 1), goodKey)

	w := h.postSigned(t, "/infer", inferPayload("r1"), h.clientKey)
	if w.Code != http.StatusBadGateway || errorKind(t, w) != protocol.ErrNodeError {
		t.Fatalf("terminal 4xx: %d %s", w.Code, w.Body.String())
	}
	if health := h.reg.HealthOf("good"); health.Successes != 0 || health.Failures != 0 {
		t.Errorf("good node was tried after a terminal failure: %+v", health)
	}
}

// ── Manifests and stake ──────────────────────────────────────────────────────

func TestManifest_ScoreAndAdmission(t *testing.T) {
	h := newRouterHarness(t, func(c *config.Router) {
		c.RelayAdmission = config.RelayAdmission{RequireSnapshot: true, MinScore: 5}
	})
	nodeKey, _ := identity.Generate()
	h.register(t, descriptor("n1", nodeKey, "http://127.0.0.1:9999", 1), nodeKey)

	man := protocol.CapabilityManifest{
		NodeID:     "n1",
		KeyID:      nodeKey.Npub(),
		CPUBand:    3,
		RAMBand:    2,
		NetBand:    9, // clamped to the band ceiling
		SnapshotMs: time.Now().UnixMilli(),
	}
	w := h.postSigned(t, "/manifest", man, nodeKey)
	if w.Code != http.StatusOK {
		t.Fatalf("manifest: %d %s", w.Code, w.Body.String())
	}
	var verdict struct {
		Admitted bool   `json:"admitted"`
		Reason   string `json:"reason"`
		Score    int    `json:"score"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &verdict); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !verdict.Admitted || verdict.Score != 9 { // 3+2+min(9,4)
		t.Fatalf("verdict: %+v", verdict)
	}
}

func TestManifest_SnapshotMissing(t *testing.T) {
	h := newRouterHarness(t, func(c *config.Router) {
		c.RelayAdmission = config.RelayAdmission{RequireSnapshot: true}
	})
	nodeKey, _ := identity.Generate()
	man := protocol.CapabilityManifest{NodeID: "n1", KeyID: nodeKey.Npub(), CPUBand: 2}
	w := h.postSigned(t, "/manifest", man, nodeKey)
	if w.Code != http.StatusOK {
		t.Fatalf("manifest: %d %s", w.Code, w.Body.String())
	}
	var verdict struct {
		Admitted bool   `json:"admitted"`
		Reason   string `json:"reason"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &verdict)
	if verdict.Admitted || verdict.Reason != "snapshot-missing" {
		t.Fatalf("verdict: %+v", verdict)
	}
}

func TestStake_CommitAndSlash(t *testing.T) {
	h := newRouterHarness(t, nil)
	staker, _ := identity.Generate()

	w := h.postSigned(t, "/stake/commit", protocol.StakeEntry{NodeID: "n1", Units: 300}, staker)
	if w.Code != http.StatusOK {
		t.Fatalf("commit: %d %s", w.Code, w.Body.String())
	}

	// Slashing is reserved for the router's own key.
	w = h.postSigned(t, "/stake/slash", protocol.StakeEntry{NodeID: "n1", Units: 100, Reason: "misreport"}, staker)
	if w.Code != http.StatusUnauthorized || errorKind(t, w) != protocol.ErrActorKeyMismatch {
		t.Fatalf("foreign slash: %d %s", w.Code, w.Body.String())
	}

	w = h.postSigned(t, "/stake/slash", protocol.StakeEntry{NodeID: "n1", Units: 100, Reason: "misreport"}, h.key)
	if w.Code != http.StatusOK {
		t.Fatalf("slash: %d %s", w.Code, w.Body.String())
	}
	var body struct {
		Units int64 `json:"units"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	if body.Units != 200 {
		t.Fatalf("stake total: got %d want 200", body.Units)
	}
}
