package federation

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/imattau/fed-AI-sub000/internal/identity"
)

func signedRelayEvent(t *testing.T, key *identity.KeyPair, content string) RelayEvent {
	t.Helper()
	ev := RelayEvent{
		PubKey:    key.PublicHex(),
		CreatedAt: time.Now().Unix(),
		Kind:      KindRouterControl,
		Tags:      [][]string{{"t", TypeStatus}},
		Content:   content,
	}
	if err := ev.ComputeID(); err != nil {
		t.Fatalf("compute id: %v", err)
	}
	digest, err := hex.DecodeString(ev.ID)
	if err != nil {
		t.Fatalf("decode id: %v", err)
	}
	sig, err := key.SignDigest(digest)
	if err != nil {
		t.Fatalf("sign digest: %v", err)
	}
	ev.Sig = hex.EncodeToString(sig)
	return ev
}

// ── Event id and signature ───────────────────────────────────────────────────

func TestRelayEvent_VerifyRoundtrip(t *testing.T) {
	key, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	ev := signedRelayEvent(t, key, `{"state":"OK"}`)
	if !ev.VerifyEvent() {
		t.Fatal("genuine event rejected")
	}
}

func TestRelayEvent_VerifyRejectsTamper(t *testing.T) {
	key, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	other, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*RelayEvent)
	}{
		{"content swap", func(ev *RelayEvent) { ev.Content = `{"state":"SATURATED"}` }},
		{"id swap", func(ev *RelayEvent) { ev.ID = strings.Repeat("0", 64) }},
		{"sig swap", func(ev *RelayEvent) { ev.Sig = strings.Repeat("0", 128) }},
		{"kind swap", func(ev *RelayEvent) { ev.Kind = KindRouterControl + 1 }},
		{"foreign pubkey", func(ev *RelayEvent) { ev.PubKey = other.PublicHex() }},
	}
	for _, tc := range cases {
		ev := signedRelayEvent(t, key, `{"state":"OK"}`)
		tc.mutate(&ev)
		if ev.VerifyEvent() {
			t.Errorf("%s: tampered event accepted", tc.name)
		}
	}
}

// ── Publish / Subscribe ──────────────────────────────────────────────────────

// echoRelay upgrades the connection and reflects every EVENT frame back to
// the sender, the way a relay fans events out to its subscribers.
func echoRelay(t *testing.T) *httptest.Server {
	t.Helper()
	up := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close() //nolint:errcheck
		for {
			var frame []json.RawMessage
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			if len(frame) < 2 {
				continue
			}
			var label string
			if json.Unmarshal(frame[0], &label) != nil || label != "EVENT" {
				continue
			}
			if err := conn.WriteJSON([]interface{}{"EVENT", "sub-1", frame[1]}); err != nil {
				return
			}
		}
	}))
}

func TestRelayClient_PublishSubscribeLoopback(t *testing.T) {
	srv := echoRelay(t)
	defer srv.Close()

	key, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, err := DialRelay(ctx, wsURL, key, zap.NewNop())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close() //nolint:errcheck

	received := make(chan ControlMessage, 1)
	go func() {
		_ = client.Subscribe(ctx, 0, func(m ControlMessage) {
			select {
			case received <- m:
			default:
			}
		})
	}()

	msg, err := NewControlMessage(TypeStatus, StatusPayload{State: StateOK, QueueDepth: 3}, key, time.Minute)
	if err != nil {
		t.Fatalf("control message: %v", err)
	}
	if err := client.Publish(ctx, msg); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case got := <-received:
		if got.Type != TypeStatus || got.RouterID != key.Npub() || got.MessageID != msg.MessageID {
			t.Errorf("message: type=%q routerId=%q messageId=%q", got.Type, got.RouterID, got.MessageID)
		}
		var status StatusPayload
		if err := json.Unmarshal(got.Payload, &status); err != nil || status.QueueDepth != 3 {
			t.Errorf("payload: %s err=%v", got.Payload, err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no event delivered")
	}
}

func TestRelayClient_SubscribeDropsTamperedEvents(t *testing.T) {
	key, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	genuine, err := NewControlMessage(TypeStatus, StatusPayload{State: StateBusy}, key, time.Minute)
	if err != nil {
		t.Fatalf("control message: %v", err)
	}
	content, err := json.Marshal(genuine)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	tampered := signedRelayEvent(t, key, string(content))
	tampered.Content = strings.Replace(tampered.Content, StateBusy, StateSaturated, 1)
	good := signedRelayEvent(t, key, string(content))

	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close() //nolint:errcheck
		// Wait for REQ, then push the tampered event first.
		var frame []json.RawMessage
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		_ = conn.WriteJSON([]interface{}{"EVENT", "sub-1", tampered})
		_ = conn.WriteJSON([]interface{}{"EVENT", "sub-1", good})
		var stay []json.RawMessage
		_ = conn.ReadJSON(&stay)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, err := DialRelay(ctx, wsURL, key, zap.NewNop())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close() //nolint:errcheck

	received := make(chan ControlMessage, 2)
	go func() {
		_ = client.Subscribe(ctx, 0, func(m ControlMessage) { received <- m })
	}()

	select {
	case got := <-received:
		var status StatusPayload
		if err := json.Unmarshal(got.Payload, &status); err != nil || status.State != StateBusy {
			t.Errorf("delivered payload: %s err=%v", got.Payload, err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("genuine event not delivered")
	}
	select {
	case got := <-received:
		t.Errorf("second event delivered: %q", got.MessageID)
	case <-time.After(100 * time.Millisecond):
	}
}
