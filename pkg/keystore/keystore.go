// Package keystore holds the owner's private keys, one per registered
// rotating identity. Keys are kept in a single local file encrypted at
// rest with AES-256-GCM under a 32-byte master key; they are never
// synced remotely.
package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"tagtrace/pkg/seal"
)

// ErrNoKey is returned when no private key is registered for an
// identity.
var ErrNoKey = errors.New("keystore: no key for identity")

// Store is a file-backed identity -> private key map. All mutations
// rewrite the encrypted file before returning.
type Store struct {
	mu   sync.Mutex
	path string
	aead cipher.AEAD
	keys map[string]string // eid -> base64 private key bytes
}

// Open loads (or lazily creates) the store at path using a 32-byte
// master key.
func Open(path string, masterKey []byte) (*Store, error) {
	if len(masterKey) != 32 {
		return nil, fmt.Errorf("keystore: master key must be 32 bytes, got %d", len(masterKey))
	}
	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	s := &Store{path: path, aead: aead, keys: map[string]string{}}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenFromEnv opens the store with the master key taken from an env
// var, accepted as raw 32 bytes, base64, or hex.
func OpenFromEnv(path, envKey string) (*Store, error) {
	v := os.Getenv(envKey)
	if v == "" {
		return nil, errors.New("keystore: master key env not set: " + envKey)
	}
	if len(v) == 32 {
		return Open(path, []byte(v))
	}
	if b, err := base64.StdEncoding.DecodeString(v); err == nil && len(b) == 32 {
		return Open(path, b)
	}
	if b, err := hex.DecodeString(v); err == nil && len(b) == 32 {
		return Open(path, b)
	}
	return nil, errors.New("keystore: invalid key format for " + envKey + ": need 32B raw/base64/hex")
}

// EnsureKey returns the private key for eid, generating and persisting
// one only if none exists. Re-registering never regenerates: stored
// envelopes reference the original public key and a new key would
// orphan them all.
func (s *Store) EnsureKey(eid string) (priv *ecdh.PrivateKey, created bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if enc, ok := s.keys[eid]; ok {
		priv, err = decodeKey(enc)
		return priv, false, err
	}
	priv, err = seal.GenerateKeyPair()
	if err != nil {
		return nil, false, err
	}
	s.keys[eid] = base64.StdEncoding.EncodeToString(priv.Bytes())
	if err := s.save(); err != nil {
		delete(s.keys, eid)
		return nil, false, err
	}
	return priv, true, nil
}

// Key returns the private key for eid or ErrNoKey.
func (s *Store) Key(eid string) (*ecdh.PrivateKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	enc, ok := s.keys[eid]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoKey, eid)
	}
	return decodeKey(enc)
}

// Delete removes the key for eid. This is the only path that discards
// key material; callers accept that reports sealed to it become
// unreadable.
func (s *Store) Delete(eid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[eid]; !ok {
		return nil
	}
	delete(s.keys, eid)
	return s.save()
}

// Identities lists the registered identities.
func (s *Store) Identities() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.keys))
	for eid := range s.keys {
		out = append(out, eid)
	}
	return out
}

func decodeKey(enc string) (*ecdh.PrivateKey, error) {
	raw, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return nil, fmt.Errorf("keystore: decode key: %w", err)
	}
	return seal.Curve().NewPrivateKey(raw)
}

func (s *Store) load() error {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	blob, err := base64.StdEncoding.DecodeString(string(raw))
	if err != nil {
		return fmt.Errorf("keystore: corrupt file %s: %w", s.path, err)
	}
	if len(blob) < s.aead.NonceSize() {
		return errors.New("keystore: file too short")
	}
	nonce, ct := blob[:s.aead.NonceSize()], blob[s.aead.NonceSize():]
	plain, err := s.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return fmt.Errorf("keystore: decrypt %s: %w", s.path, err)
	}
	return json.Unmarshal(plain, &s.keys)
}

func (s *Store) save() error {
	plain, err := json.Marshal(s.keys)
	if err != nil {
		return err
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return err
	}
	ct := s.aead.Seal(nil, nonce, plain, nil)
	blob := base64.StdEncoding.EncodeToString(append(nonce, ct...))
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(blob), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
