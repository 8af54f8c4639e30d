package signature

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"coworkd/pkg/payloadhash"
)

func signedEnvelope(t *testing.T, payload any) Envelope {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	hashHex, _, err := payloadhash.Sum(payload)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	hashBytes, _ := hex.DecodeString(hashHex)
	sig := ed25519.Sign(priv, hashBytes)
	return Envelope{
		Version:     "sig-v1",
		Algorithm:   "ed25519",
		PublicKey:   base64.StdEncoding.EncodeToString(pub),
		Signature:   base64.StdEncoding.EncodeToString(sig),
		PayloadHash: hashHex,
		IssuedAt:    time.Now().UTC().Format(time.RFC3339Nano),
	}
}

func TestVerifyEnvelope_Good(t *testing.T) {
	payload := map[string]any{"workflow_id": "wfl_1", "field_id": "fld_1"}
	env := signedEnvelope(t, payload)
	res, err := VerifyEnvelope(payload, env)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.IssuedAt.IsZero() {
		t.Fatalf("expected issued_at to be parsed")
	}
}

func TestVerifyEnvelope_PayloadMismatch(t *testing.T) {
	env := signedEnvelope(t, map[string]any{"a": 1})
	_, err := VerifyEnvelope(map[string]any{"a": 2}, env)
	if !errors.Is(err, ErrPayloadHashMismatch) {
		t.Fatalf("expected ErrPayloadHashMismatch, got %v", err)
	}
}

func TestVerifyEnvelope_TamperedSignature(t *testing.T) {
	payload := map[string]any{"a": 1}
	env := signedEnvelope(t, payload)
	sig, _ := base64.StdEncoding.DecodeString(env.Signature)
	sig[0] ^= 0xff
	env.Signature = base64.StdEncoding.EncodeToString(sig)
	_, err := VerifyEnvelope(payload, env)
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestVerifyEnvelope_WrongKey(t *testing.T) {
	payload := map[string]any{"a": 1}
	env := signedEnvelope(t, payload)
	otherPub, _, _ := ed25519.GenerateKey(rand.Reader)
	env.PublicKey = base64.StdEncoding.EncodeToString(otherPub)
	_, err := VerifyEnvelope(payload, env)
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestVerifyEnvelope_BadVersionAndAlgorithm(t *testing.T) {
	payload := map[string]any{"a": 1}
	env := signedEnvelope(t, payload)
	env.Version = "sig-v2"
	if _, err := VerifyEnvelope(payload, env); !errors.Is(err, ErrUnsupportedAlgorithm) {
		t.Fatalf("expected ErrUnsupportedAlgorithm, got %v", err)
	}
	env = signedEnvelope(t, payload)
	env.Algorithm = "rsa"
	if _, err := VerifyEnvelope(payload, env); !errors.Is(err, ErrUnsupportedAlgorithm) {
		t.Fatalf("expected ErrUnsupportedAlgorithm, got %v", err)
	}
}

func TestVerifyEnvelope_BadIssuedAt(t *testing.T) {
	payload := map[string]any{"a": 1}
	for _, issued := range []string{"", "yesterday", "2026-01-01T10:00:00+02:00"} {
		env := signedEnvelope(t, payload)
		env.IssuedAt = issued
		if _, err := VerifyEnvelope(payload, env); !errors.Is(err, ErrInvalidIssuedAt) {
			t.Fatalf("expected ErrInvalidIssuedAt for %q, got %v", issued, err)
		}
	}
}

func TestVerifyEnvelope_BadEncoding(t *testing.T) {
	payload := map[string]any{"a": 1}
	env := signedEnvelope(t, payload)
	env.PayloadHash = "DEADBEEF"
	if _, err := VerifyEnvelope(payload, env); !errors.Is(err, ErrInvalidEncoding) {
		t.Fatalf("expected ErrInvalidEncoding, got %v", err)
	}
	env = signedEnvelope(t, payload)
	env.PublicKey = "!!not base64!!"
	if _, err := VerifyEnvelope(payload, env); !errors.Is(err, ErrInvalidEncoding) {
		t.Fatalf("expected ErrInvalidEncoding, got %v", err)
	}
}
