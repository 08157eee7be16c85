package federation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/imattau/fed-AI-sub000/internal/identity"
)

// KindRouterControl is the reserved event kind federation control messages
// travel under on the relay.
const KindRouterControl = 38173

const relayWriteTimeout = 10 * time.Second

// RelayEvent is the signed event shape the relay protocol expects. The id is
// the SHA-256 of the canonical [0,pubkey,created_at,kind,tags,content] array
// and the sig is Schnorr over that digest.
type RelayEvent struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// ComputeID fills in the event id from the other fields.
func (e *RelayEvent) ComputeID() error {
	ser, err := json.Marshal([]interface{}{0, e.PubKey, e.CreatedAt, e.Kind, e.Tags, e.Content})
	if err != nil {
		return err
	}
	digest := sha256.Sum256(ser)
	e.ID = hex.EncodeToString(digest[:])
	return nil
}

// VerifyEvent recomputes the id and checks the Schnorr signature against the
// embedded pubkey.
func (e *RelayEvent) VerifyEvent() bool {
	want := e.ID
	cp := *e
	if cp.ComputeID() != nil || cp.ID != want {
		return false
	}
	pub, err := hex.DecodeString(e.PubKey)
	if err != nil || len(pub) != 32 {
		return false
	}
	digest, err := hex.DecodeString(e.ID)
	if err != nil {
		return false
	}
	sig, err := hex.DecodeString(e.Sig)
	if err != nil {
		return false
	}
	return identity.VerifyDigest(pub, digest, sig)
}

// RelayClient publishes and subscribes to control messages over one relay
// websocket. Writes are serialized; the read loop runs on Subscribe.
type RelayClient struct {
	url  string
	key  *identity.KeyPair
	log  *zap.Logger
	conn *websocket.Conn

	wmu    sync.Mutex
	subSeq int
}

// DialRelay connects to a relay websocket endpoint.
func DialRelay(ctx context.Context, url string, key *identity.KeyPair, log *zap.Logger) (*RelayClient, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", url, err)
	}
	return &RelayClient{url: url, key: key, log: log, conn: conn}, nil
}

func (r *RelayClient) Close() error {
	return r.conn.Close()
}

func (r *RelayClient) writeJSON(v interface{}) error {
	r.wmu.Lock()
	defer r.wmu.Unlock()
	if err := r.conn.SetWriteDeadline(time.Now().Add(relayWriteTimeout)); err != nil {
		return err
	}
	return r.conn.WriteJSON(v)
}

// Publish wraps one control message as a signed event and sends it.
func (r *RelayClient) Publish(ctx context.Context, msg ControlMessage) error {
	content, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ev := RelayEvent{
		PubKey:    r.key.PublicHex(),
		CreatedAt: time.Now().Unix(),
		Kind:      KindRouterControl,
		Tags:      [][]string{{"t", msg.Type}},
		Content:   string(content),
	}
	if err := ev.ComputeID(); err != nil {
		return err
	}
	digest, err := hex.DecodeString(ev.ID)
	if err != nil {
		return err
	}
	sig, err := r.key.SignDigest(digest)
	if err != nil {
		return err
	}
	ev.Sig = hex.EncodeToString(sig)
	return r.writeJSON([]interface{}{"EVENT", ev})
}

// Subscribe requests control events newer than the since horizon and feeds
// verified messages to handle until ctx is done or the socket fails.
func (r *RelayClient) Subscribe(ctx context.Context, sinceSeconds int64, handle func(ControlMessage)) error {
	r.wmu.Lock()
	r.subSeq++
	subID := fmt.Sprintf("fed-%d", r.subSeq)
	r.wmu.Unlock()

	filter := map[string]interface{}{
		"kinds": []int{KindRouterControl},
	}
	if sinceSeconds > 0 {
		filter["since"] = time.Now().Unix() - sinceSeconds
	}
	if err := r.writeJSON([]interface{}{"REQ", subID, filter}); err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		_ = r.writeJSON([]interface{}{"CLOSE", subID})
		_ = r.conn.Close()
	}()

	for {
		var frame []json.RawMessage
		if err := r.conn.ReadJSON(&frame); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("relay read: %w", err)
		}
		if len(frame) < 3 {
			continue
		}
		var label string
		if json.Unmarshal(frame[0], &label) != nil || label != "EVENT" {
			continue
		}
		var ev RelayEvent
		if err := json.Unmarshal(frame[2], &ev); err != nil {
			continue
		}
		if ev.Kind != KindRouterControl || !ev.VerifyEvent() {
			r.log.Debug("relay event rejected", zap.String("id", ev.ID))
			continue
		}
		var msg ControlMessage
		if err := json.Unmarshal([]byte(ev.Content), &msg); err != nil {
			continue
		}
		if !msg.Verify(time.Now()) {
			continue
		}
		handle(msg)
	}
}
