package envelope

import (
	"bytes"
	"testing"

	"armed-turbo-executor/internal/armerr"
)

func TestEncryptUnwrapDecryptRoundTrip(t *testing.T) {
	plaintext := bytes.Repeat([]byte{0xAB}, 64)
	aad := AAD("user-1", "wallet-1")

	t.Run("RoundTrip", func(t *testing.T) {
		env, err := EncryptSecret(plaintext, "correct-horse-battery-staple", aad)
		if err != nil {
			t.Fatalf("encrypt: %v", err)
		}

		dek, err := UnwrapDEK(env, "correct-horse-battery-staple", aad)
		if err != nil {
			t.Fatalf("unwrap: %v", err)
		}
		defer Zero(dek)

		got, err := DecryptSecretWithDEK(env, dek, aad)
		if err != nil {
			t.Fatalf("decrypt: %v", err)
		}
		if !bytes.Equal(got, plaintext) {
			t.Error("round-tripped secret does not match original")
		}
	})

	t.Run("WrongPassphrase", func(t *testing.T) {
		env, err := EncryptSecret(plaintext, "correct-horse-battery-staple", aad)
		if err != nil {
			t.Fatalf("encrypt: %v", err)
		}
		if _, err := UnwrapDEK(env, "wrong-passphrase", aad); err != armerr.ErrBadPassphrase {
			t.Errorf("expected ErrBadPassphrase, got %v", err)
		}
	})

	t.Run("TamperedAAD", func(t *testing.T) {
		env, err := EncryptSecret(plaintext, "correct-horse-battery-staple", aad)
		if err != nil {
			t.Fatalf("encrypt: %v", err)
		}
		otherAAD := AAD("user-1", "wallet-2")
		if _, err := UnwrapDEK(env, "correct-horse-battery-staple", otherAAD); err == nil {
			t.Error("expected unwrap to fail when AAD changes by even one byte of binding")
		}
	})
}

func TestUnprotectedEnvelopeRoundTrip(t *testing.T) {
	plaintext := bytes.Repeat([]byte{0xCD}, 64)
	serverSecret := []byte("server-secret-value-at-least-32-bytes-long")

	env, err := EncryptUnprotected(plaintext, "user-1", serverSecret)
	if err != nil {
		t.Fatalf("encrypt unprotected: %v", err)
	}
	if env.Protected {
		t.Fatal("unprotected envelope must report Protected=false")
	}

	got, err := DecryptUnprotected(env, "user-1", serverSecret)
	if err != nil {
		t.Fatalf("decrypt unprotected: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Error("round-tripped unprotected secret does not match original")
	}

	if _, err := DecryptUnprotected(env, "user-2", serverSecret); err == nil {
		t.Error("expected decrypt to fail for a different userID salt")
	}
}

func TestParseLegacy(t *testing.T) {
	serverKey := bytes.Repeat([]byte{0x11}, 32)
	plaintext := bytes.Repeat([]byte{0x42}, 64)

	box, err := sealBox(serverKey, plaintext, nil)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	raw := hexJoin(box)

	got, err := ParseLegacy(raw, serverKey)
	if err != nil {
		t.Fatalf("parse legacy: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Error("legacy round trip mismatch")
	}

	if _, err := ParseLegacy("not-enough-parts", serverKey); err != armerr.ErrUnsupportedLegacy {
		t.Errorf("expected ErrUnsupportedLegacy, got %v", err)
	}
}

func hexJoin(box AEADBox) string {
	j := box.toJSON()
	return j.Nonce + ":" + j.Tag + ":" + j.CT
}

func TestEnvelopeJSONRoundTrip(t *testing.T) {
	plaintext := bytes.Repeat([]byte{0x07}, 64)
	aad := AAD("u1", "w1")

	env, err := EncryptSecret(plaintext, "pass", aad)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	s, err := ToJSON(env)
	if err != nil {
		t.Fatalf("to json: %v", err)
	}

	back, err := FromJSON(s)
	if err != nil {
		t.Fatalf("from json: %v", err)
	}

	dek, err := UnwrapDEK(back, "pass", aad)
	if err != nil {
		t.Fatalf("unwrap after round trip: %v", err)
	}
	defer Zero(dek)

	got, err := DecryptSecretWithDEK(back, dek, aad)
	if err != nil {
		t.Fatalf("decrypt after round trip: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Error("envelope JSON round trip lost data")
	}
}

func TestHashAndVerifyPassphrase(t *testing.T) {
	hash, err := HashPassphrase("hunter2")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if !VerifyPassphrase("hunter2", hash) {
		t.Error("correct passphrase should verify")
	}
	if VerifyPassphrase("hunter3", hash) {
		t.Error("wrong passphrase should not verify")
	}
}

func TestZero(t *testing.T) {
	b := []byte{1, 2, 3, 4}
	Zero(b)
	for i, v := range b {
		if v != 0 {
			t.Errorf("byte %d not zeroed: %d", i, v)
		}
	}
}
