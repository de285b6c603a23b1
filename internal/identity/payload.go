package identity

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// Auth payload versions. v2 is selected whenever the gateway supplied a
// challenge nonce; the nonce becomes the final field.
const (
	PayloadV1 = "v1"
	PayloadV2 = "v2"
)

const payloadSep = "|"

// AuthPayloadFields are the inputs to the canonical auth payload.
// SignedAtMs is wall-clock milliseconds; Token is empty when device auth is
// in use (it still occupies its slot in the payload).
type AuthPayloadFields struct {
	DeviceID   string
	ClientID   string
	ClientMode string
	Role       string
	Scopes     []string
	SignedAtMs int64
	Token      string
	Nonce      string
}

// BuildAuthPayload serializes the fields in the fixed order the gateway
// verifies: version|deviceId|clientId|clientMode|role|scopes|signedAt|token,
// with the nonce appended under v2. The result must be byte-identical on
// both ends for signature verification to succeed.
func BuildAuthPayload(f AuthPayloadFields) string {
	version := PayloadV1
	if f.Nonce != "" {
		version = PayloadV2
	}
	parts := []string{
		version,
		f.DeviceID,
		f.ClientID,
		f.ClientMode,
		f.Role,
		strings.Join(f.Scopes, ","),
		strconv.FormatInt(f.SignedAtMs, 10),
		f.Token,
	}
	if version == PayloadV2 {
		parts = append(parts, f.Nonce)
	}
	return strings.Join(parts, payloadSep)
}

// Sign produces an Ed25519 signature over the UTF-8 bytes of payload,
// encoded base64url without padding.
func (id *Identity) Sign(payload string) (string, error) {
	seed, err := base64.RawURLEncoding.DecodeString(id.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("decode private key: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return "", fmt.Errorf("private key: want %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	sig := ed25519.Sign(priv, []byte(payload))
	return base64.RawURLEncoding.EncodeToString(sig), nil
}

// Verify checks a signature produced by Sign against a base64url public
// key. The gateway does the authoritative verification; this exists for
// local tooling and tests.
func Verify(publicKey, payload, signature string) bool {
	pub, err := base64.RawURLEncoding.DecodeString(publicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := base64.RawURLEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), []byte(payload), sig)
}
