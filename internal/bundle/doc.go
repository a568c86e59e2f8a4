// Package bundle implements the encrypted container format and the
// encryption/decryption engines.
//
// Bundle layout:
//
//	magic "CFV1" (4) | version (1) | flags (1) | recipient count (2, BE)
//	recipient table: per entry, length (2, BE) + wrapped content key
//	payload: stream salt + ChaCha20-Poly1305 chunk stream over
//	         (manifest length (4, BE) | manifest JSON | tar archive)
//
// Recipient entries are unordered and unlabeled; any single valid
// recipient key decrypts the bundle independently. The payload is
// encrypted once regardless of recipient count, so bundle size grows
// linearly with recipients while encryption cost does not.
//
// Both engines share a single operation lock: at most one encryption
// and one decryption run per process, since both touch staging temp
// space and key-unlock state.
package bundle
