// Package identity manages the persistent device identity used to
// authenticate with the gateway when no bearer token is configured.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const identityFileName = "device_identity.json"

// Identity is a device keypair plus its derived stable identifier.
// DeviceID is always hex(SHA-256(raw public key)), so the identifier is a
// pure function of the key material. Keys are raw Ed25519 bytes encoded
// base64url without padding, matching the wire encoding.
type Identity struct {
	DeviceID   string `json:"deviceId"`
	PublicKey  string `json:"publicKey"`
	PrivateKey string `json:"privateKey"`
}

// Store persists one identity under a directory.
type Store struct {
	Dir string
}

func NewStore(dir string) *Store {
	return &Store{Dir: dir}
}

func (s *Store) path() string {
	return filepath.Join(s.Dir, identityFileName)
}

// LoadOrCreate returns the persisted identity, generating and persisting a
// new one when none exists. Read or parse failures are treated as absent
// and fall through to generation; they are never surfaced to the caller.
func (s *Store) LoadOrCreate() (*Identity, error) {
	if id := s.load(); id != nil {
		return id, nil
	}

	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("generate private key: %w", err)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	sum := sha256.Sum256(pub)

	id := &Identity{
		DeviceID:   hex.EncodeToString(sum[:]),
		PublicKey:  base64.RawURLEncoding.EncodeToString(pub),
		PrivateKey: base64.RawURLEncoding.EncodeToString(seed),
	}

	if err := s.save(id); err != nil {
		return nil, err
	}
	// A concurrent first launch may have won the exclusive create; reload
	// so both callers converge on the same persisted identity.
	if existing := s.load(); existing != nil {
		return existing, nil
	}
	return id, nil
}

// Rotate discards any persisted identity and generates a fresh one.
func (s *Store) Rotate() (*Identity, error) {
	if err := os.Remove(s.path()); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove identity: %w", err)
	}
	return s.LoadOrCreate()
}

func (s *Store) load() *Identity {
	data, err := os.ReadFile(s.path())
	if err != nil {
		return nil
	}
	var id Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return nil
	}
	if id.DeviceID == "" || id.PublicKey == "" || id.PrivateKey == "" {
		return nil
	}
	return &id
}

func (s *Store) save(id *Identity) error {
	if err := os.MkdirAll(s.Dir, 0700); err != nil {
		return fmt.Errorf("create identity dir: %w", err)
	}
	data, err := json.Marshal(id)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(s.path(), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return fmt.Errorf("write identity: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write identity: %w", err)
	}
	return nil
}
