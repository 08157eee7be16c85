// Package envelope implements the signed message wrapper used on every wire
// surface: a payload plus nonce, millisecond timestamp, and bech32 key id,
// Schnorr-signed over the canonical serialization of those four fields. The
// outer sig is excluded from the signing bytes; envelopes nested inside the
// payload sign themselves and are canonicalized with their sig intact.
package envelope

import (
	"encoding/base64"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/imattau/fed-AI-sub000/internal/identity"
)

// Envelope wraps an outbound payload for signing.
type Envelope[T any] struct {
	Payload T      `json:"payload"`
	Nonce   string `json:"nonce"`
	Ts      int64  `json:"ts"`
	KeyID   string `json:"keyId"`
	Sig     string `json:"sig,omitempty"`
}

// Build creates an unsigned envelope shell with a fresh nonce and timestamp.
func Build[T any](payload T, keyID string) Envelope[T] {
	return Envelope[T]{
		Payload: payload,
		Nonce:   uuid.NewString(),
		Ts:      time.Now().UnixMilli(),
		KeyID:   keyID,
	}
}

// Sign fills the Sig field using the given keypair.
func Sign[T any](e *Envelope[T], kp *identity.KeyPair) error {
	msg, err := signingBytesValue(e.Payload, e.Nonce, e.Ts, e.KeyID)
	if err != nil {
		return err
	}
	sig, err := kp.Sign(msg)
	if err != nil {
		return err
	}
	e.Sig = base64.StdEncoding.EncodeToString(sig)
	return nil
}

// BuildSigned composes Build and Sign, stamping the signer's npub as keyId.
func BuildSigned[T any](payload T, kp *identity.KeyPair) (Envelope[T], error) {
	e := Build(payload, kp.Npub())
	if err := Sign(&e, kp); err != nil {
		return Envelope[T]{}, err
	}
	return e, nil
}

// Verify checks a typed envelope against a 32-byte x-only public key.
func Verify[T any](e *Envelope[T], pub []byte) bool {
	msg, err := signingBytesValue(e.Payload, e.Nonce, e.Ts, e.KeyID)
	if err != nil {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(e.Sig)
	if err != nil {
		return false
	}
	return identity.Verify(pub, msg, sig)
}

// Raw is an inbound envelope with the payload kept as raw bytes, so unknown
// payload fields survive canonicalization during signature checks.
type Raw struct {
	Payload json.RawMessage `json:"payload"`
	Nonce   string          `json:"nonce"`
	Ts      int64           `json:"ts"`
	KeyID   string          `json:"keyId"`
	Sig     string          `json:"sig"`
}

// SigningBytes renders the canonical signing input for this envelope.
func (r *Raw) SigningBytes() ([]byte, error) {
	return signingBytesRaw(r.Payload, r.Nonce, r.Ts, r.KeyID)
}

// Verify checks the signature against a 32-byte x-only public key.
func (r *Raw) Verify(pub []byte) bool {
	msg, err := r.SigningBytes()
	if err != nil {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(r.Sig)
	if err != nil {
		return false
	}
	return identity.Verify(pub, msg, sig)
}

// VerifySelf resolves the embedded keyId and verifies against it.
func (r *Raw) VerifySelf() bool {
	pub, err := identity.DecodePublicKey(r.KeyID)
	if err != nil {
		return false
	}
	return r.Verify(pub)
}

// Parse decodes and structurally validates an inbound envelope. The returned
// kind is one of the stable input error kinds, or "" on success.
func Parse(body []byte) (*Raw, string) {
	if len(body) == 0 {
		return nil, "empty-body"
	}
	var r Raw
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, "invalid-json"
	}
	if kind := r.validate(); kind != "" {
		return nil, kind
	}
	return &r, ""
}

func (r *Raw) validate() string {
	if len(r.Payload) == 0 || string(r.Payload) == "null" {
		return "invalid-envelope"
	}
	if r.Nonce == "" || r.Ts <= 0 || r.KeyID == "" || r.Sig == "" {
		return "invalid-envelope"
	}
	return ""
}

// signingBytesRaw builds the canonical object {keyId,nonce,payload,ts}. The
// four keys are already in sorted order, so the frame is written literally
// and only the payload goes through the recursive canonicalizer.
func signingBytesRaw(payload json.RawMessage, nonce string, ts int64, keyID string) ([]byte, error) {
	canonPayload, err := Canonicalize(payload)
	if err != nil {
		return nil, err
	}
	kb, err := json.Marshal(keyID)
	if err != nil {
		return nil, err
	}
	nb, err := json.Marshal(nonce)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(canonPayload)+len(kb)+len(nb)+48)
	out = append(out, `{"keyId":`...)
	out = append(out, kb...)
	out = append(out, `,"nonce":`...)
	out = append(out, nb...)
	out = append(out, `,"payload":`...)
	out = append(out, canonPayload...)
	out = append(out, `,"ts":`...)
	out = strconv.AppendInt(out, ts, 10)
	out = append(out, '}')
	return out, nil
}

func signingBytesValue(payload interface{}, nonce string, ts int64, keyID string) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return signingBytesRaw(raw, nonce, ts, keyID)
}
