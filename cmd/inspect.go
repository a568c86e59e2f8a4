package cmd

import (
	"fmt"

	"github.com/fatih/color"

	"github.com/live-labs/coffre/internal/bundle"
	"github.com/live-labs/coffre/internal/manifest"
	"github.com/live-labs/coffre/internal/recovery"
)

// Inspect describes a bundle without decrypting it: header metadata,
// filename-derived vault info, and whether local records match.
func Inspect(bundlePath string) {
	store := OpenStoreOrExit()
	defer store.Close()

	info, err := bundle.Inspect(bundlePath)
	if err != nil {
		HandleError(err)
	}

	fmt.Printf("Bundle:     %s (%d bytes, format v%d)\n", info.Path, info.Size, info.FormatVersion)
	fmt.Printf("Recipients: %d (identities not recoverable without a key)\n", info.RecipientCount)

	vi, err := recovery.Analyze(store, bundlePath)
	if err != nil {
		fmt.Printf("%s %s\n", color.YellowString("!"), err)
		return
	}

	fmt.Printf("Vault:      %s (created %s)\n", vi.VaultName, vi.CreationDate.Format("2006-01-02"))
	if vi.IsRecoveryMode {
		fmt.Printf("%s No local record of this vault. Keys can only be matched by trial decryption.\n", color.YellowString("!"))
		guide("Run 'coffre recover " + bundlePath + "' to decrypt with your stored keys.")
		return
	}

	fmt.Printf("Record:     vault %s, %d associated keys\n", vi.VaultID, len(vi.AssociatedKeys))
	for _, meta := range vi.AssociatedKeys {
		fmt.Printf("  key %s (%s, %s)\n", meta.ID, meta.Label, meta.State)
	}

	// A sidecar is advisory; show drift against the stored manifest if
	// both exist.
	sidecar, err := manifest.ReadSidecar(bundlePath)
	if err != nil || sidecar == nil || !vi.ManifestStored {
		return
	}
	stored, err := store.GetManifest(vi.VaultID)
	if err != nil {
		return
	}
	storedManifest, err := manifest.Parse(stored)
	if err != nil {
		return
	}
	if diff := manifest.DiffSidecar(storedManifest, sidecar); diff != "" {
		fmt.Printf("%s Sidecar drifts from the stored manifest:\n%s\n", color.YellowString("!"), diff)
	}
}
