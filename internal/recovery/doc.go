// Package recovery handles bundles whose vault records are gone.
//
// A bundle's filename carries the sanitized vault name and creation
// date, so a bundle found on a fresh machine or after local state loss
// can still be described, and decrypted by trying stored keys against
// it. Key membership claims derived from the filename are advisory;
// only a successful unwrap proves a key opens a bundle.
package recovery
