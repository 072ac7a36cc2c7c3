// Package keys holds signing and verification key material addressed by
// key id. It stands in for an HSM: callers ask for a public key or a
// signature and never receive private key bytes.
package keys

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"maskgate/internal/signature"
	dErrors "maskgate/pkg/domain-errors"
	"maskgate/pkg/platform/sentinel"
)

type entry struct {
	alg     signature.Algorithm
	public  []byte
	private []byte
}

// Keyring is an in-memory key store safe for concurrent use.
type Keyring struct {
	mu   sync.RWMutex
	keys map[string]entry
}

func NewKeyring() *Keyring {
	return &Keyring{keys: make(map[string]entry)}
}

// AddPublic registers a verification-only key.
func (k *Keyring) AddPublic(keyID string, alg signature.Algorithm, public []byte) error {
	if keyID == "" || len(public) == 0 {
		return dErrors.New(dErrors.CodeInvalidInput, "key id and public key are required")
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[keyID] = entry{alg: alg, public: clone(public)}
	return nil
}

// AddPrivate registers a signing key; the public half is derived.
func (k *Keyring) AddPrivate(keyID string, alg signature.Algorithm, private []byte) error {
	if keyID == "" {
		return dErrors.New(dErrors.CodeInvalidInput, "key id is required")
	}
	public, err := signature.PublicKeyFor(private, alg)
	if err != nil {
		return fmt.Errorf("derive public key for %s: %w", keyID, err)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[keyID] = entry{alg: alg, public: public, private: clone(private)}
	return nil
}

// Generate creates and registers a fresh signing key, returning its public key.
func (k *Keyring) Generate(keyID string, alg signature.Algorithm) ([]byte, error) {
	private, public, err := signature.GenerateKey(alg)
	if err != nil {
		return nil, fmt.Errorf("generate %s key: %w", alg, err)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[keyID] = entry{alg: alg, public: public, private: private}
	return clone(public), nil
}

func (k *Keyring) ResolvePublicKey(_ context.Context, keyID string) (signature.PublicKey, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	e, ok := k.keys[keyID]
	if !ok {
		return signature.PublicKey{}, fmt.Errorf("key %s: %w", keyID, sentinel.ErrNotFound)
	}
	return signature.PublicKey{ID: keyID, Algorithm: e.alg, Key: clone(e.public)}, nil
}

func (k *Keyring) Sign(_ context.Context, keyID string, canonical []byte) ([]byte, signature.Algorithm, error) {
	k.mu.RLock()
	e, ok := k.keys[keyID]
	k.mu.RUnlock()
	if !ok {
		return nil, signature.AlgUnknown, fmt.Errorf("key %s: %w", keyID, sentinel.ErrNotFound)
	}
	if len(e.private) == 0 {
		return nil, signature.AlgUnknown, fmt.Errorf("key %s has no signing material: %w", keyID, sentinel.ErrInvalidState)
	}
	sig, err := signature.Sign(canonical, e.private, e.alg)
	if err != nil {
		return nil, signature.AlgUnknown, fmt.Errorf("sign with %s: %w", keyID, err)
	}
	return sig, e.alg, nil
}

func clone(b []byte) []byte {
	return append([]byte(nil), b...)
}

// File is the on-disk keyring format. Key material is standard base64.
type File struct {
	Keys []FileKey `json:"keys"`
}

type FileKey struct {
	ID         string `json:"kid"`
	Algorithm  string `json:"alg"`
	PublicKey  string `json:"public_key,omitempty"`
	PrivateKey string `json:"private_key,omitempty"`
}

// LoadFile reads a JSON keyring file into a new Keyring.
func LoadFile(path string) (*Keyring, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keyring: %w", err)
	}
	var f File
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse keyring: %w", err)
	}
	ring := NewKeyring()
	if err := ring.Load(f); err != nil {
		return nil, err
	}
	return ring, nil
}

// Load adds every key in f, failing on the first bad entry.
func (k *Keyring) Load(f File) error {
	for i, fk := range f.Keys {
		alg, err := signature.ParseAlgorithm(fk.Algorithm)
		if err != nil {
			return fmt.Errorf("keyring entry %d: %w", i, err)
		}
		switch {
		case strings.TrimSpace(fk.PrivateKey) != "":
			private, err := base64.StdEncoding.DecodeString(strings.TrimSpace(fk.PrivateKey))
			if err != nil {
				return fmt.Errorf("keyring entry %s: decode private key: %w", fk.ID, err)
			}
			if err := k.AddPrivate(fk.ID, alg, private); err != nil {
				return err
			}
		case strings.TrimSpace(fk.PublicKey) != "":
			public, err := base64.StdEncoding.DecodeString(strings.TrimSpace(fk.PublicKey))
			if err != nil {
				return fmt.Errorf("keyring entry %s: decode public key: %w", fk.ID, err)
			}
			if err := k.AddPublic(fk.ID, alg, public); err != nil {
				return err
			}
		default:
			return fmt.Errorf("keyring entry %s: no key material", fk.ID)
		}
	}
	return nil
}
