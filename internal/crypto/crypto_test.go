package crypto

import (
	"bytes"
	"errors"
	"testing"
)

func TestDeriveKeyDeterministic(t *testing.T) {
	params, err := NewKDFParams()
	if err != nil {
		t.Fatalf("NewKDFParams failed: %v", err)
	}

	key1 := params.DeriveKey([]byte("correct horse"))
	key2 := params.DeriveKey([]byte("correct horse"))
	if !bytes.Equal(key1, key2) {
		t.Error("same passphrase and params should derive the same key")
	}

	key3 := params.DeriveKey([]byte("wrong horse"))
	if bytes.Equal(key1, key3) {
		t.Error("different passphrases should derive different keys")
	}

	other, err := NewKDFParams()
	if err != nil {
		t.Fatalf("NewKDFParams failed: %v", err)
	}
	key4 := other.DeriveKey([]byte("correct horse"))
	if bytes.Equal(key1, key4) {
		t.Error("different salts should derive different keys")
	}
}

func TestSealOpen(t *testing.T) {
	key, err := GenerateRandom(KeySize)
	if err != nil {
		t.Fatalf("GenerateRandom failed: %v", err)
	}

	plaintext := []byte("private key material")
	blob, err := Seal(plaintext, key)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	opened, err := Open(blob, key)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Errorf("roundtrip mismatch: got %q, want %q", opened, plaintext)
	}

	// Flipping any byte must fail authentication
	tampered := append([]byte(nil), blob...)
	tampered[len(tampered)/2] ^= 0x01
	if _, err := Open(tampered, key); !errors.Is(err, ErrAuthFailed) {
		t.Errorf("expected ErrAuthFailed for tampered blob, got %v", err)
	}

	// A blob too short to contain a nonce is malformed, not
	// unauthenticated
	if _, err := Open(blob[:4], key); !errors.Is(err, ErrInvalidCiphertext) {
		t.Errorf("expected ErrInvalidCiphertext for short blob, got %v", err)
	}

	wrongKey, _ := GenerateRandom(KeySize)
	if _, err := Open(blob, wrongKey); !errors.Is(err, ErrAuthFailed) {
		t.Errorf("expected ErrAuthFailed with wrong key, got %v", err)
	}
}

func TestWrapUnwrapKey(t *testing.T) {
	pub, priv, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair failed: %v", err)
	}

	contentKey, err := GenerateRandom(KeySize)
	if err != nil {
		t.Fatalf("GenerateRandom failed: %v", err)
	}

	entry, err := WrapKey(contentKey, pub)
	if err != nil {
		t.Fatalf("WrapKey failed: %v", err)
	}

	unwrapped, err := UnwrapKey(entry, priv)
	if err != nil {
		t.Fatalf("UnwrapKey failed: %v", err)
	}
	if !bytes.Equal(unwrapped, contentKey) {
		t.Error("unwrapped key does not match the wrapped content key")
	}

	// Two wraps of the same key use fresh ephemeral keys
	entry2, err := WrapKey(contentKey, pub)
	if err != nil {
		t.Fatalf("WrapKey failed: %v", err)
	}
	if bytes.Equal(entry, entry2) {
		t.Error("wrapping twice should not produce identical entries")
	}
}

func TestUnwrapKeyFailsGenerically(t *testing.T) {
	pub, _, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair failed: %v", err)
	}
	_, otherPriv, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair failed: %v", err)
	}

	contentKey, _ := GenerateRandom(KeySize)
	entry, err := WrapKey(contentKey, pub)
	if err != nil {
		t.Fatalf("WrapKey failed: %v", err)
	}

	// Wrong private key, truncated entry and tampered entry must all
	// fail with the same error so nothing leaks about which recipient
	// an entry belongs to
	cases := map[string][]byte{
		"tampered": func() []byte {
			e := append([]byte(nil), entry...)
			e[len(e)-1] ^= 0x01
			return e
		}(),
		"truncated": entry[:10],
		"empty":     nil,
	}
	for name, bad := range cases {
		if _, err := UnwrapKey(bad, otherPriv); !errors.Is(err, ErrAuthFailed) {
			t.Errorf("%s: expected ErrAuthFailed, got %v", name, err)
		}
	}
	if _, err := UnwrapKey(entry, otherPriv); !errors.Is(err, ErrAuthFailed) {
		t.Errorf("wrong key: expected ErrAuthFailed, got %v", err)
	}
}

func TestValidPublicKey(t *testing.T) {
	pub, _, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair failed: %v", err)
	}
	if !ValidPublicKey(pub) {
		t.Error("generated public key should be valid")
	}
	if ValidPublicKey(nil) {
		t.Error("nil public key should be invalid")
	}
	if ValidPublicKey(make([]byte, PublicKeySize)) {
		t.Error("all-zero public key should be invalid")
	}
	if ValidPublicKey(pub[:16]) {
		t.Error("short public key should be invalid")
	}
}

func TestClearBytes(t *testing.T) {
	b := []byte("sensitive")
	ClearBytes(b)
	for i, v := range b {
		if v != 0 {
			t.Fatalf("byte %d not cleared", i)
		}
	}
}
