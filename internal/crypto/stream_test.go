package crypto

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func streamRoundtrip(t *testing.T, plaintext []byte) []byte {
	t.Helper()

	key, err := GenerateRandom(KeySize)
	if err != nil {
		t.Fatalf("GenerateRandom failed: %v", err)
	}

	var buf bytes.Buffer
	sw, err := NewStreamWriter(&buf, key)
	if err != nil {
		t.Fatalf("NewStreamWriter failed: %v", err)
	}
	if _, err := sw.Write(plaintext); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := sw.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	sr, err := NewStreamReader(bytes.NewReader(buf.Bytes()), key)
	if err != nil {
		t.Fatalf("NewStreamReader failed: %v", err)
	}
	got, err := io.ReadAll(sr)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("roundtrip mismatch: got %d bytes, want %d", len(got), len(plaintext))
	}
	return buf.Bytes()
}

func TestStreamRoundtrip(t *testing.T) {
	sizes := []int{0, 1, 100, ChunkSize - 1, ChunkSize, ChunkSize + 1, 3*ChunkSize + 7}
	for _, size := range sizes {
		plaintext := bytes.Repeat([]byte{0xAB}, size)
		streamRoundtrip(t, plaintext)
	}
}

func TestStreamTamperDetected(t *testing.T) {
	plaintext := bytes.Repeat([]byte("vault data "), 20000) // spans chunks
	ciphertext := streamRoundtrip(t, plaintext)

	key, _ := GenerateRandom(KeySize)
	sr, err := NewStreamReader(bytes.NewReader(ciphertext), key)
	if err == nil {
		if _, err = io.ReadAll(sr); !errors.Is(err, ErrAuthFailed) {
			t.Errorf("wrong key: expected ErrAuthFailed, got %v", err)
		}
	}
}

func TestStreamFlippedByte(t *testing.T) {
	key, err := GenerateRandom(KeySize)
	if err != nil {
		t.Fatalf("GenerateRandom failed: %v", err)
	}
	plaintext := bytes.Repeat([]byte("x"), 2*ChunkSize)

	var buf bytes.Buffer
	sw, err := NewStreamWriter(&buf, key)
	if err != nil {
		t.Fatalf("NewStreamWriter failed: %v", err)
	}
	if _, err := sw.Write(plaintext); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := sw.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Flip one byte in the middle of the second chunk
	ciphertext := buf.Bytes()
	ciphertext[len(ciphertext)/2] ^= 0x01

	sr, err := NewStreamReader(bytes.NewReader(ciphertext), key)
	if err != nil {
		t.Fatalf("NewStreamReader failed: %v", err)
	}
	if _, err := io.ReadAll(sr); !errors.Is(err, ErrAuthFailed) {
		t.Errorf("expected ErrAuthFailed for flipped byte, got %v", err)
	}
}

func TestStreamTruncationDetected(t *testing.T) {
	key, err := GenerateRandom(KeySize)
	if err != nil {
		t.Fatalf("GenerateRandom failed: %v", err)
	}
	plaintext := bytes.Repeat([]byte("y"), 2*ChunkSize)

	var buf bytes.Buffer
	sw, err := NewStreamWriter(&buf, key)
	if err != nil {
		t.Fatalf("NewStreamWriter failed: %v", err)
	}
	if _, err := sw.Write(plaintext); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := sw.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	ciphertext := buf.Bytes()

	// Drop the tail of the final chunk
	cut := ciphertext[:len(ciphertext)-TagSize]
	sr, err := NewStreamReader(bytes.NewReader(cut), key)
	if err != nil {
		t.Fatalf("NewStreamReader failed: %v", err)
	}
	if _, err := io.ReadAll(sr); !errors.Is(err, ErrAuthFailed) {
		t.Errorf("expected ErrAuthFailed for truncated stream, got %v", err)
	}

	// Drop a whole trailing chunk: the stream ends cleanly at a chunk
	// boundary but the last chunk was not sealed as final
	cut = ciphertext[:len(ciphertext)-(ChunkSize+TagSize)]
	sr, err = NewStreamReader(bytes.NewReader(cut), key)
	if err != nil {
		t.Fatalf("NewStreamReader failed: %v", err)
	}
	if _, err := io.ReadAll(sr); !errors.Is(err, ErrAuthFailed) {
		t.Errorf("expected ErrAuthFailed for chunk-boundary truncation, got %v", err)
	}
}

func TestStreamEmptyPayloadStillAuthenticated(t *testing.T) {
	ciphertext := streamRoundtrip(t, nil)

	// Even an empty payload carries a salt and a sealed final chunk
	if len(ciphertext) <= StreamSaltSize {
		t.Fatalf("empty stream should still contain a final chunk, got %d bytes", len(ciphertext))
	}
}
