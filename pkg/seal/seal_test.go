package seal

import (
	"encoding/base64"
	"errors"
	"testing"

	"tagtrace/pkg/location"
)

func TestRoundTrip(t *testing.T) {
	priv, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	rec := location.Record{Lat: 12.34, Lng: 56.78, TS: 1000}
	env, err := Encrypt(priv.PublicKey(), rec)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	got, err := Decrypt(priv, env)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if got != rec {
		t.Fatalf("got %+v, want %+v", got, rec)
	}
}

func TestWrongKeyFails(t *testing.T) {
	owner, _ := GenerateKeyPair()
	stranger, _ := GenerateKeyPair()
	env, err := Encrypt(owner.PublicKey(), location.Record{Lat: 1, Lng: 2, TS: 3})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Decrypt(stranger, env); err == nil {
		t.Fatal("expected decryption failure with unrelated key")
	}
}

func flipBit(t *testing.T, b64field string) string {
	t.Helper()
	raw, err := base64.StdEncoding.DecodeString(b64field)
	if err != nil {
		t.Fatal(err)
	}
	raw[0] ^= 0x01
	return base64.StdEncoding.EncodeToString(raw)
}

func TestTamperDetectedPerEnvelope(t *testing.T) {
	priv, _ := GenerateKeyPair()
	good, err := Encrypt(priv.PublicKey(), location.Record{Lat: 1, Lng: 2, TS: 200})
	if err != nil {
		t.Fatal(err)
	}
	badCT, _ := Encrypt(priv.PublicKey(), location.Record{Lat: 3, Lng: 4, TS: 900})
	badCT.CiphertextB64 = flipBit(t, badCT.CiphertextB64)
	badNonce, _ := Encrypt(priv.PublicKey(), location.Record{Lat: 5, Lng: 6, TS: 950})
	badNonce.NonceB64 = flipBit(t, badNonce.NonceB64)

	rec, skipped, err := DecryptLatest(priv, []Envelope{badCT, good, badNonce})
	if err != nil {
		t.Fatalf("batch should survive tampered envelopes: %v", err)
	}
	if skipped != 2 {
		t.Fatalf("skipped = %d, want 2", skipped)
	}
	if rec.TS != 200 {
		t.Fatalf("got ts %d, want the surviving envelope's 200", rec.TS)
	}
}

func TestDecryptLatestPicksMaxTimestamp(t *testing.T) {
	priv, _ := GenerateKeyPair()
	var envs []Envelope
	for _, ts := range []int64{100, 500, 300} {
		env, err := Encrypt(priv.PublicKey(), location.Record{Lat: 1, Lng: 2, TS: ts})
		if err != nil {
			t.Fatal(err)
		}
		envs = append(envs, env)
	}
	rec, skipped, err := DecryptLatest(priv, envs)
	if err != nil {
		t.Fatal(err)
	}
	if skipped != 0 {
		t.Fatalf("skipped = %d, want 0", skipped)
	}
	if rec.TS != 500 {
		t.Fatalf("ts = %d, want 500", rec.TS)
	}
}

func TestDecryptLatestEmptyAndForeign(t *testing.T) {
	priv, _ := GenerateKeyPair()
	if _, _, err := DecryptLatest(priv, nil); !errors.Is(err, ErrNoValidReport) {
		t.Fatalf("err = %v, want ErrNoValidReport", err)
	}
	other, _ := GenerateKeyPair()
	env, _ := Encrypt(other.PublicKey(), location.Record{TS: 1})
	if _, _, err := DecryptLatest(priv, []Envelope{env}); !errors.Is(err, ErrNoValidReport) {
		t.Fatalf("err = %v, want ErrNoValidReport", err)
	}
}

func TestPublicKeyEncoding(t *testing.T) {
	priv, _ := GenerateKeyPair()
	s := MarshalPublicKey(priv.PublicKey())
	pub, err := ParsePublicKey(s)
	if err != nil {
		t.Fatal(err)
	}
	if !pub.Equal(priv.PublicKey()) {
		t.Fatal("public key did not survive encode/decode")
	}
	if _, err := ParsePublicKey("not base64!!"); err == nil {
		t.Fatal("expected error for junk input")
	}
}
