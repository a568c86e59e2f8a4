package recovery

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/live-labs/coffre/internal/bundle"
	"github.com/live-labs/coffre/internal/keystore"
	"github.com/live-labs/coffre/internal/label"
)

// ErrUnrecognizedName means the filename does not follow the
// <name>-<YYYY-MM-DD> convention, so nothing can be inferred from it.
var ErrUnrecognizedName = errors.New("bundle filename does not follow the vault naming convention")

var nameDatePattern = regexp.MustCompile(`^(.+)-(\d{4}-\d{2}-\d{2})$`)

// VaultInfo is everything that can be learned about a bundle without
// decrypting it: filename-derived metadata plus whatever local records
// still exist.
type VaultInfo struct {
	VaultName     string
	SanitizedName string
	CreationDate  time.Time

	RecipientCount int

	// IsRecoveryMode is true when no local vault record matches the
	// bundle. The fields below are only set when it is false.
	IsRecoveryMode bool
	VaultID        string
	AssociatedKeys []keystore.Metadata
	ManifestStored bool
}

// Analyze inspects a bundle file and cross-references it with the key
// store. It never touches key material.
func Analyze(store *keystore.Store, bundlePath string) (*VaultInfo, error) {
	info, err := bundle.Inspect(bundlePath)
	if err != nil {
		return nil, err
	}

	sanitized, date, err := parseBundleName(bundlePath)
	if err != nil {
		return nil, err
	}

	vi := &VaultInfo{
		VaultName:      label.Desanitize(sanitized),
		SanitizedName:  sanitized,
		CreationDate:   date,
		RecipientCount: info.RecipientCount,
	}

	vault, err := store.FindVaultBySanitizedName(sanitized)
	if errors.Is(err, keystore.ErrVaultNotFound) {
		vi.IsRecoveryMode = true
		return vi, nil
	}
	if err != nil {
		return nil, err
	}

	vi.VaultID = vault.ID
	vi.VaultName = vault.Name
	if all, err := store.ListKeys(); err == nil {
		attached := make(map[string]bool, len(vault.KeyIDs))
		for _, keyID := range vault.KeyIDs {
			attached[keyID] = true
		}
		for _, meta := range all {
			if attached[meta.ID] {
				vi.AssociatedKeys = append(vi.AssociatedKeys, meta)
			}
		}
	}
	if stored, err := store.GetManifest(vault.ID); err == nil && stored != nil {
		vi.ManifestStored = true
	}
	return vi, nil
}

// parseBundleName splits <sanitized>-<YYYY-MM-DD>.<ext> into its parts.
func parseBundleName(bundlePath string) (string, time.Time, error) {
	base := filepath.Base(bundlePath)
	base = strings.TrimSuffix(base, filepath.Ext(base))

	m := nameDatePattern.FindStringSubmatch(base)
	if m == nil {
		return "", time.Time{}, fmt.Errorf("%w: %s", ErrUnrecognizedName, base)
	}
	date, err := time.Parse("2006-01-02", m[2])
	if err != nil {
		return "", time.Time{}, fmt.Errorf("%w: %s", ErrUnrecognizedName, base)
	}
	return m[1], date, nil
}

// BundleName renders the canonical filename for a vault bundle created
// on the given day.
func BundleName(sanitizedName string, created time.Time) string {
	return sanitizedName + "-" + created.Format("2006-01-02") + bundle.DefaultExtension
}
