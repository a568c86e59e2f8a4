package recovery

import (
	"context"
	"errors"

	"github.com/live-labs/coffre/internal/bundle"
	"github.com/live-labs/coffre/internal/keystore"
	"github.com/live-labs/coffre/internal/label"
)

// ErrNoMatchingKey means every candidate key was tried and none opened
// the bundle.
var ErrNoMatchingKey = errors.New("no stored key can decrypt this bundle")

// Result reports a successful recovery: which key opened the bundle,
// what was extracted, and the vault record the bundle now belongs to.
type Result struct {
	KeyID      string
	VaultID    string
	Extraction *bundle.ExtractionResult
}

// Recover decrypts a bundle with no matching vault record by trying
// every passphrase key in the store. The first key that unwraps the
// content key wins; cryptographic success is the only membership proof
// accepted. On success the vault record is recreated, the key attached,
// and the embedded manifest written back so later runs leave recovery
// mode.
func Recover(ctx context.Context, store *keystore.Store, dec *bundle.Decryptor, bundlePath string, passphrase []byte, opts bundle.DecryptOptions) (*Result, error) {
	sanitized, _, err := parseBundleName(bundlePath)
	if err != nil {
		return nil, err
	}

	keys, err := store.ListKeys()
	if err != nil {
		return nil, err
	}

	for _, meta := range keys {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if meta.Type != keystore.TypePassphrase || meta.State == keystore.StateDestroyed {
			continue
		}

		unlocked, err := store.Unlock(meta.ID, passphrase)
		if err != nil {
			// The passphrase may belong to a different key, or this
			// record may be damaged. Either way the next candidate
			// might still work.
			continue
		}

		handle := bundle.NewPassphraseHandle(unlocked)
		extraction, err := dec.Decrypt(ctx, bundlePath, handle, opts)
		handle.Close()
		if errors.Is(err, bundle.ErrKeyMismatch) {
			continue
		}
		if err != nil {
			return nil, err
		}

		vaultID, err := writeBack(store, sanitized, meta.ID, extraction)
		if err != nil {
			return nil, err
		}
		return &Result{KeyID: meta.ID, VaultID: vaultID, Extraction: extraction}, nil
	}
	return nil, ErrNoMatchingKey
}

// Heal rebuilds the local records for a bundle that was decrypted while
// in recovery mode through some other path, such as a hardware key. The
// caller supplies the key that proved itself and the extraction it
// produced.
func Heal(store *keystore.Store, bundlePath, keyID string, extraction *bundle.ExtractionResult) (string, error) {
	sanitized, _, err := parseBundleName(bundlePath)
	if err != nil {
		return "", err
	}
	return writeBack(store, sanitized, keyID, extraction)
}

// writeBack recreates the vault record, attaches the proven key, and
// stores the embedded manifest.
func writeBack(store *keystore.Store, sanitized, keyID string, extraction *bundle.ExtractionResult) (string, error) {
	vault, err := store.FindVaultBySanitizedName(sanitized)
	if errors.Is(err, keystore.ErrVaultNotFound) {
		vault, err = store.CreateVault(label.Desanitize(sanitized))
	}
	if err != nil {
		return "", err
	}

	if err := store.AttachKey(vault.ID, keyID); err != nil && !errors.Is(err, keystore.ErrKeyNotAttachable) {
		return "", err
	}

	manifestJSON, err := extraction.Manifest.Marshal()
	if err != nil {
		return "", err
	}
	if err := store.SaveManifest(vault.ID, manifestJSON); err != nil {
		return "", err
	}
	return vault.ID, nil
}
