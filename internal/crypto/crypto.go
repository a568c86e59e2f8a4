package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	SaltSize      = 16 // Argon2id salt size in bytes
	KeySize       = 32 // symmetric key size
	PublicKeySize = 32 // X25519 public key size
	NonceSize     = chacha20poly1305.NonceSize
	TagSize       = chacha20poly1305.Overhead

	// Argon2id defaults (RFC 9106 second recommended option)
	DefaultTime      = 3
	DefaultMemoryKiB = 64 * 1024
	DefaultThreads   = 4

	wrapInfo = "coffre/v1/wrap"
)

var (
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
	ErrAuthFailed        = errors.New("authentication failed")
	ErrInvalidPublicKey  = errors.New("invalid public key")
)

// KDFParams holds the Argon2id parameters for a wrapped private key.
// The salt is public and stored next to the wrapped key.
type KDFParams struct {
	Salt      []byte `json:"salt"`
	Time      uint32 `json:"time"`
	MemoryKiB uint32 `json:"memory_kib"`
	Threads   uint8  `json:"threads"`
}

// NewKDFParams creates Argon2id parameters with a fresh random salt.
func NewKDFParams() (*KDFParams, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	return &KDFParams{
		Salt:      salt,
		Time:      DefaultTime,
		MemoryKiB: DefaultMemoryKiB,
		Threads:   DefaultThreads,
	}, nil
}

// Valid reports whether the parameters are usable for derivation.
func (p *KDFParams) Valid() bool {
	return p != nil && len(p.Salt) == SaltSize && p.Time > 0 && p.MemoryKiB > 0 && p.Threads > 0
}

// DeriveKey derives a symmetric key from a passphrase.
// The caller must clear the returned key with ClearBytes.
func (p *KDFParams) DeriveKey(passphrase []byte) []byte {
	return argon2.IDKey(passphrase, p.Salt, p.Time, p.MemoryKiB, p.Threads, KeySize)
}

// GenerateKeyPair creates a new X25519 keypair.
// The caller must clear the private key with ClearBytes.
func GenerateKeyPair() (pub, priv []byte, err error) {
	priv = make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(priv); err != nil {
		return nil, nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	pub, err = curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		ClearBytes(priv)
		return nil, nil, fmt.Errorf("failed to derive public key: %w", err)
	}

	return pub, priv, nil
}

// PublicKeyFromPrivate recomputes the public half of an X25519 keypair.
func PublicKeyFromPrivate(priv []byte) ([]byte, error) {
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}
	return pub, nil
}

// ValidPublicKey reports whether b is a plausible X25519 public key.
// Only the length and the all-zero point are checked; anything further
// is detected at unwrap time by authentication failure.
func ValidPublicKey(b []byte) bool {
	if len(b) != PublicKeySize {
		return false
	}
	var zero [PublicKeySize]byte
	return subtle.ConstantTimeCompare(b, zero[:]) != 1
}

// Seal encrypts plaintext with ChaCha20-Poly1305 under key, prepending
// a random nonce. Used for single-shot payloads such as wrapped private
// key blobs.
func Seal(plaintext, key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open reverses Seal. It returns ErrInvalidCiphertext when the blob is
// structurally malformed and ErrAuthFailed when authentication fails.
func Open(blob, key []byte) ([]byte, error) {
	if len(blob) < NonceSize+TagSize {
		return nil, ErrInvalidCiphertext
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	plaintext, err := aead.Open(nil, blob[:NonceSize], blob[NonceSize:], nil)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

// WrapKey encrypts a content key for one recipient public key. The
// resulting entry is ephemeral pub || sealed content key and carries no
// recipient identifier.
func WrapKey(contentKey, recipientPub []byte) ([]byte, error) {
	if !ValidPublicKey(recipientPub) {
		return nil, ErrInvalidPublicKey
	}

	ephPub, ephPriv, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	defer ClearBytes(ephPriv)

	wrapKey, err := deriveWrapKey(ephPriv, recipientPub, ephPub, recipientPub)
	if err != nil {
		return nil, err
	}
	defer ClearBytes(wrapKey)

	aead, err := chacha20poly1305.New(wrapKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	// The wrap key is used exactly once, so a fixed nonce is safe.
	nonce := make([]byte, NonceSize)
	sealed := aead.Seal(nil, nonce, contentKey, nil)

	entry := make([]byte, 0, PublicKeySize+len(sealed))
	entry = append(entry, ephPub...)
	entry = append(entry, sealed...)
	return entry, nil
}

// UnwrapKey attempts to recover a content key from a recipient entry
// using priv. A structurally broken entry and a non-matching key both
// yield ErrAuthFailed, so callers cannot distinguish the two.
func UnwrapKey(entry, priv []byte) ([]byte, error) {
	if len(entry) < PublicKeySize+TagSize {
		return nil, ErrAuthFailed
	}

	ephPub := entry[:PublicKeySize]
	sealed := entry[PublicKeySize:]

	recipientPub, err := PublicKeyFromPrivate(priv)
	if err != nil {
		return nil, ErrAuthFailed
	}

	wrapKey, err := deriveWrapKey(priv, ephPub, ephPub, recipientPub)
	if err != nil {
		return nil, ErrAuthFailed
	}
	defer ClearBytes(wrapKey)

	aead, err := chacha20poly1305.New(wrapKey)
	if err != nil {
		return nil, ErrAuthFailed
	}

	nonce := make([]byte, NonceSize)
	contentKey, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return contentKey, nil
}

// deriveWrapKey computes HKDF-SHA256(X25519(scalar, point), ephPub || recipientPub).
func deriveWrapKey(scalar, point, ephPub, recipientPub []byte) ([]byte, error) {
	shared, err := curve25519.X25519(scalar, point)
	if err != nil {
		return nil, fmt.Errorf("key agreement failed: %w", err)
	}
	defer ClearBytes(shared)

	info := make([]byte, 0, len(wrapInfo)+2*PublicKeySize)
	info = append(info, wrapInfo...)
	info = append(info, ephPub...)
	info = append(info, recipientPub...)

	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, nil, info), key); err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	return key, nil
}

// ClearBytes securely clears a byte slice
func ClearBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// ConstantTimeCompare performs a constant-time comparison of two byte slices
func ConstantTimeCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// GenerateRandom generates n random bytes
func GenerateRandom(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return b, nil
}
