// Package archive stages validated file selections into a
// deterministic tar stream and provides the path containment guard used
// during both staging and extraction.
//
// Determinism: entries are sorted by relative slash path and tar
// headers are normalized (no owner, no timestamps), so the same
// selection always produces the same archive bytes. The surrounding
// encryption is still randomized; only the plaintext is deterministic.
//
// Validation collects every per-path problem instead of failing fast,
// so the caller sees the full picture, but a single fatal problem
// (selection outside the allowed root) aborts staging entirely.
package archive
