// Package seal protects location reports at rest. Each report is
// encrypted under the beacon owner's long-lived P-256 public key with a
// fresh ephemeral key: ECDH agree, HKDF-SHA256 derive, AES-256-GCM
// seal. Only the holder of the matching private key can open it; the
// remote store and its operator see opaque bytes.
package seal

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	xhkdf "golang.org/x/crypto/hkdf"

	"tagtrace/pkg/location"
)

// Protocol is the fixed HKDF info string. Both the encrypt and decrypt
// paths derive through it; changing it orphans every stored envelope.
const Protocol = "tagtrace-seal-v1"

const nonceSize = 12

var b64 = base64.StdEncoding

// ErrNoValidReport is returned by DecryptLatest when no envelope in the
// batch opens under the supplied private key.
var ErrNoValidReport = errors.New("seal: no envelope decrypted")

// Envelope is one sealed location report as stored remotely. All three
// fields are std base64; the ephemeral key uses the uncompressed point
// encoding.
type Envelope struct {
	EphemeralPubB64 string `json:"ephemeralPubKey"`
	NonceB64        string `json:"nonce"`
	CiphertextB64   string `json:"ciphertext"`
}

// Curve returns the curve all tagtrace key material lives on.
func Curve() ecdh.Curve { return ecdh.P256() }

// GenerateKeyPair creates a long-lived owner key pair. Called exactly
// once per registered identity; the private half never leaves the
// local keystore.
func GenerateKeyPair() (*ecdh.PrivateKey, error) {
	return Curve().GenerateKey(rand.Reader)
}

// MarshalPublicKey encodes a public key for publication in the remote
// store.
func MarshalPublicKey(pub *ecdh.PublicKey) string {
	return b64.EncodeToString(pub.Bytes())
}

// ParsePublicKey decodes a public key published by MarshalPublicKey.
func ParsePublicKey(s string) (*ecdh.PublicKey, error) {
	raw, err := b64.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("seal: decode public key: %w", err)
	}
	pub, err := Curve().NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("seal: parse public key: %w", err)
	}
	return pub, nil
}

// deriveKey turns an ECDH shared secret into the one-shot AES-256 key
// via HKDF-SHA256 under the fixed Protocol info.
func deriveKey(shared []byte) ([]byte, error) {
	hk := xhkdf.New(sha256.New, shared, nil, []byte(Protocol))
	key := make([]byte, 32)
	if _, err := io.ReadFull(hk, key); err != nil {
		return nil, err
	}
	return key, nil
}

// Encrypt seals one location record for the given recipient. The
// ephemeral private key and derived symmetric key are used once and
// dropped.
func Encrypt(recipient *ecdh.PublicKey, rec location.Record) (Envelope, error) {
	eph, err := Curve().GenerateKey(rand.Reader)
	if err != nil {
		return Envelope{}, fmt.Errorf("seal: ephemeral key: %w", err)
	}
	shared, err := eph.ECDH(recipient)
	if err != nil {
		return Envelope{}, fmt.Errorf("seal: ecdh: %w", err)
	}
	key, err := deriveKey(shared)
	if err != nil {
		return Envelope{}, err
	}
	aead, err := newAEAD(key)
	if err != nil {
		return Envelope{}, err
	}
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return Envelope{}, err
	}
	plaintext, err := json.Marshal(rec)
	if err != nil {
		return Envelope{}, err
	}
	ct := aead.Seal(nil, nonce, plaintext, nil)
	return Envelope{
		EphemeralPubB64: b64.EncodeToString(eph.PublicKey().Bytes()),
		NonceB64:        b64.EncodeToString(nonce),
		CiphertextB64:   b64.EncodeToString(ct),
	}, nil
}

// Decrypt opens a single envelope with the owner's private key. A
// failed tag check, malformed field, or foreign-curve ephemeral key is
// an error for this envelope only.
func Decrypt(priv *ecdh.PrivateKey, env Envelope) (location.Record, error) {
	ephRaw, err := b64.DecodeString(env.EphemeralPubB64)
	if err != nil {
		return location.Record{}, fmt.Errorf("seal: decode ephemeral key: %w", err)
	}
	eph, err := Curve().NewPublicKey(ephRaw)
	if err != nil {
		return location.Record{}, fmt.Errorf("seal: parse ephemeral key: %w", err)
	}
	nonce, err := b64.DecodeString(env.NonceB64)
	if err != nil {
		return location.Record{}, fmt.Errorf("seal: decode nonce: %w", err)
	}
	if len(nonce) != nonceSize {
		return location.Record{}, errors.New("seal: invalid nonce length")
	}
	ct, err := b64.DecodeString(env.CiphertextB64)
	if err != nil {
		return location.Record{}, fmt.Errorf("seal: decode ciphertext: %w", err)
	}
	shared, err := priv.ECDH(eph)
	if err != nil {
		return location.Record{}, fmt.Errorf("seal: ecdh: %w", err)
	}
	key, err := deriveKey(shared)
	if err != nil {
		return location.Record{}, err
	}
	aead, err := newAEAD(key)
	if err != nil {
		return location.Record{}, err
	}
	plaintext, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return location.Record{}, fmt.Errorf("seal: open: %w", err)
	}
	var rec location.Record
	if err := json.Unmarshal(plaintext, &rec); err != nil {
		return location.Record{}, fmt.Errorf("seal: decode record: %w", err)
	}
	return rec, nil
}

// DecryptLatest opens every envelope it can and returns the record
// with the maximal embedded timestamp. Corrupt or foreign-key
// envelopes are skipped, never fatal to the batch; skipped reports how
// many were.
func DecryptLatest(priv *ecdh.PrivateKey, envs []Envelope) (rec location.Record, skipped int, err error) {
	found := false
	for _, env := range envs {
		r, derr := Decrypt(priv, env)
		if derr != nil {
			skipped++
			continue
		}
		if !found || r.TS > rec.TS {
			rec = r
			found = true
		}
	}
	if !found {
		return location.Record{}, skipped, ErrNoValidReport
	}
	return rec, skipped, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
