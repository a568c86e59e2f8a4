// Package crypto provides the cryptographic primitives for coffre.
//
// Payload encryption uses ChaCha20-Poly1305 in 64 KiB authenticated
// chunks, so large archives are streamed rather than buffered whole.
//
// Recipient key wrapping uses X25519 with an ephemeral keypair per
// recipient entry:
//   - shared secret = X25519(ephemeral, recipient public key)
//   - wrap key = HKDF-SHA256(shared, ephemeral pub || recipient pub)
//   - entry = ephemeral pub || ChaCha20-Poly1305(content key)
//
// Entries carry no key identifiers, so an unwrap attempt with a
// non-recipient key fails only at authentication time.
//
// Passphrase key derivation uses Argon2id with a 16-byte random salt;
// parameters travel alongside the wrapped private key.
//
// Memory safety:
//   - Use ClearBytes() to zero sensitive data after use
package crypto
