// Package identity implements the marketplace key scheme: Schnorr signatures
// over secp256k1, with public keys carried as bech32 "npub" strings and
// private keys accepted as "nsec" bech32 or a raw hex dump.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcutil/bech32"
)

const (
	// PubKeyPrefix is the human-readable part of public identities.
	PubKeyPrefix = "npub"
	// PrivKeyPrefix is the human-readable part of encoded private keys.
	PrivKeyPrefix = "nsec"
)

// KeyPair holds a node or router identity.
type KeyPair struct {
	priv *btcec.PrivateKey
}

// Generate creates a fresh secp256k1 keypair.
func Generate() (*KeyPair, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return &KeyPair{priv: priv}, nil
}

// ParsePrivateKey accepts an nsec bech32 string or a 64-char hex dump.
func ParsePrivateKey(s string) (*KeyPair, error) {
	s = strings.TrimSpace(s)
	var raw []byte
	if strings.HasPrefix(s, PrivKeyPrefix) {
		hrp, data, err := bech32.Decode(s)
		if err != nil {
			return nil, fmt.Errorf("decode nsec: %w", err)
		}
		if hrp != PrivKeyPrefix {
			return nil, fmt.Errorf("decode nsec: unexpected hrp %q", hrp)
		}
		raw, err = bech32.ConvertBits(data, 5, 8, false)
		if err != nil {
			return nil, fmt.Errorf("decode nsec: %w", err)
		}
	} else {
		var err error
		raw, err = hex.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("decode private key hex: %w", err)
		}
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("private key must be 32 bytes, got %d", len(raw))
	}
	priv, _ := btcec.PrivKeyFromBytes(raw)
	return &KeyPair{priv: priv}, nil
}

// Npub returns the bech32 public identity for this keypair.
func (k *KeyPair) Npub() string {
	s, err := EncodePublicKey(schnorr.SerializePubKey(k.priv.PubKey()))
	if err != nil {
		// 32 fixed bytes cannot fail bech32 conversion.
		panic(err)
	}
	return s
}

// PublicHex returns the 32-byte x-only public key as lowercase hex, the
// form relay events carry.
func (k *KeyPair) PublicHex() string {
	return hex.EncodeToString(schnorr.SerializePubKey(k.priv.PubKey()))
}

// Nsec returns the bech32 form of the private key.
func (k *KeyPair) Nsec() (string, error) {
	conv, err := bech32.ConvertBits(k.priv.Serialize(), 8, 5, true)
	if err != nil {
		return "", fmt.Errorf("encode nsec: %w", err)
	}
	return bech32.Encode(PrivKeyPrefix, conv)
}

// PrivateHex returns the raw hex dump of the private key.
func (k *KeyPair) PrivateHex() string {
	return hex.EncodeToString(k.priv.Serialize())
}

// Sign produces a 64-byte Schnorr signature over the SHA-256 of msg.
func (k *KeyPair) Sign(msg []byte) ([]byte, error) {
	digest := sha256.Sum256(msg)
	sig, err := schnorr.Sign(k.priv, digest[:])
	if err != nil {
		return nil, fmt.Errorf("schnorr sign: %w", err)
	}
	return sig.Serialize(), nil
}

// SignDigest signs a precomputed 32-byte digest.
func (k *KeyPair) SignDigest(digest []byte) ([]byte, error) {
	sig, err := schnorr.Sign(k.priv, digest)
	if err != nil {
		return nil, fmt.Errorf("schnorr sign: %w", err)
	}
	return sig.Serialize(), nil
}

// EncodePublicKey wraps 32 x-only public key bytes as an npub string.
func EncodePublicKey(pub []byte) (string, error) {
	if len(pub) != 32 {
		return "", fmt.Errorf("public key must be 32 bytes, got %d", len(pub))
	}
	conv, err := bech32.ConvertBits(pub, 8, 5, true)
	if err != nil {
		return "", fmt.Errorf("encode npub: %w", err)
	}
	return bech32.Encode(PubKeyPrefix, conv)
}

// DecodePublicKey parses an npub string into 32 x-only public key bytes.
func DecodePublicKey(npub string) ([]byte, error) {
	hrp, data, err := bech32.Decode(npub)
	if err != nil {
		return nil, fmt.Errorf("decode npub: %w", err)
	}
	if hrp != PubKeyPrefix {
		return nil, fmt.Errorf("decode npub: unexpected hrp %q", hrp)
	}
	raw, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return nil, fmt.Errorf("decode npub: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("decode npub: invalid key length %d", len(raw))
	}
	return raw, nil
}

// Verify checks a 64-byte Schnorr signature over the SHA-256 of msg against
// a 32-byte x-only public key.
func Verify(pub, msg, sig []byte) bool {
	digest := sha256.Sum256(msg)
	return VerifyDigest(pub, digest[:], sig)
}

// VerifyDigest checks a signature over a precomputed 32-byte digest.
func VerifyDigest(pub, digest, sig []byte) bool {
	pk, err := schnorr.ParsePubKey(pub)
	if err != nil {
		return false
	}
	s, err := schnorr.ParseSignature(sig)
	if err != nil {
		return false
	}
	return s.Verify(digest, pk)
}

// IsNpub reports whether s looks like a decodable public identity.
func IsNpub(s string) bool {
	_, err := DecodePublicKey(s)
	return err == nil
}
