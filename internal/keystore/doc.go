// Package keystore provides the BBolt-backed store for coffre key
// records and vault metadata.
//
// Database structure uses five buckets:
//   - config: store format version, timestamps (unencrypted)
//   - keys: key records; private halves wrapped under Argon2id-derived keys
//   - vaults: vault records (name, attached key ids)
//   - manifests: last known manifest per vault, written back on recovery
//   - destroyed: tombstones left behind by secure deletion
//
// Public key material and record metadata are readable without a
// passphrase; only the wrapped private key blob requires one.
//
// The store enforces single-writer discipline: lifecycle transitions and
// secure deletion take an exclusive lock, metadata reads proceed
// concurrently. BBolt provides ACID transactions, file locking, and
// corruption detection underneath.
package keystore
