package identity

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadOrCreateIdempotent(t *testing.T) {
	store := NewStore(t.TempDir())

	first, err := store.LoadOrCreate()
	if err != nil {
		t.Fatalf("first LoadOrCreate: %v", err)
	}
	second, err := store.LoadOrCreate()
	if err != nil {
		t.Fatalf("second LoadOrCreate: %v", err)
	}

	if first.DeviceID != second.DeviceID ||
		first.PublicKey != second.PublicKey ||
		first.PrivateKey != second.PrivateKey {
		t.Errorf("identity changed across calls:\n%+v\n%+v", first, second)
	}
}

func TestDeviceIDDerivedFromPublicKey(t *testing.T) {
	store := NewStore(t.TempDir())
	id, err := store.LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}

	pub, err := base64.RawURLEncoding.DecodeString(id.PublicKey)
	if err != nil {
		t.Fatalf("decode public key: %v", err)
	}
	sum := sha256.Sum256(pub)
	if want := hex.EncodeToString(sum[:]); id.DeviceID != want {
		t.Errorf("device id = %q, want sha256(pubkey) = %q", id.DeviceID, want)
	}
}

func TestCorruptFileRegenerates(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, identityFileName), []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}

	id, err := NewStore(dir).LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate over corrupt file: %v", err)
	}
	if id.DeviceID == "" || id.PublicKey == "" || id.PrivateKey == "" {
		t.Errorf("regenerated identity incomplete: %+v", id)
	}
}

func TestRotateReplacesKeypair(t *testing.T) {
	store := NewStore(t.TempDir())
	before, err := store.LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	after, err := store.Rotate()
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if before.DeviceID == after.DeviceID {
		t.Error("rotate kept the same device id")
	}

	reloaded, err := store.LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate after rotate: %v", err)
	}
	if reloaded.DeviceID != after.DeviceID {
		t.Error("rotated identity was not persisted")
	}
}

func TestBuildAuthPayloadVersions(t *testing.T) {
	fields := AuthPayloadFields{
		DeviceID:   "dev1",
		ClientID:   "webchat",
		ClientMode: "webchat",
		Role:       "operator",
		Scopes:     []string{"operator.read", "operator.write"},
		SignedAtMs: 1700000000000,
		Token:      "",
	}

	v1 := BuildAuthPayload(fields)
	want := "v1|dev1|webchat|webchat|operator|operator.read,operator.write|1700000000000|"
	if v1 != want {
		t.Errorf("v1 payload = %q, want %q", v1, want)
	}

	fields.Nonce = "abc"
	v2 := BuildAuthPayload(fields)
	if !strings.HasPrefix(v2, "v2|") {
		t.Errorf("payload with nonce = %q, want v2 prefix", v2)
	}
	if !strings.HasSuffix(v2, "|abc") {
		t.Errorf("payload with nonce = %q, want nonce as last field", v2)
	}
}

func TestSignAndVerify(t *testing.T) {
	store := NewStore(t.TempDir())
	id, err := store.LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}

	fields := AuthPayloadFields{
		DeviceID:   id.DeviceID,
		ClientID:   "webchat",
		ClientMode: "webchat",
		Role:       "operator",
		Scopes:     []string{"operator.read"},
		SignedAtMs: 1700000000000,
		Nonce:      "n1",
	}
	payload := BuildAuthPayload(fields)

	sig, err := id.Sign(payload)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if !Verify(id.PublicKey, payload, sig) {
		t.Fatal("signature does not verify")
	}

	// Tampering with any field must break verification.
	fields.SignedAtMs++
	tampered := BuildAuthPayload(fields)
	if Verify(id.PublicKey, tampered, sig) {
		t.Error("signature verified against altered payload")
	}
}

func TestSignatureEncoding(t *testing.T) {
	store := NewStore(t.TempDir())
	id, err := store.LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}

	sig, err := id.Sign("payload")
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	// URL-safe, unpadded base64 over an ed25519 signature.
	raw, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil {
		t.Fatalf("signature is not raw URL base64: %v", err)
	}
	if len(raw) != ed25519.SignatureSize {
		t.Errorf("signature length = %d, want %d", len(raw), ed25519.SignatureSize)
	}
	if strings.ContainsAny(sig, "+/=") {
		t.Errorf("signature %q contains non-URL-safe characters", sig)
	}
}
