package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"

	"github.com/live-labs/coffre/internal/bundle"
	"github.com/live-labs/coffre/internal/crypto"
	"github.com/live-labs/coffre/internal/recovery"
)

// Recover decrypts a bundle without a vault record by trying every
// stored key, then rebuilds the local records from the result.
func Recover(ctx context.Context, bundlePath, outDir, collision string) {
	store := OpenStoreOrExit()
	defer store.Close()

	policy, ok := parseCollision(collision)
	if !ok {
		fmt.Fprintf(os.Stderr, "Error: -on-collision must be fail, overwrite or rename\n")
		os.Exit(1)
	}

	vi, err := recovery.Analyze(store, bundlePath)
	if err != nil {
		HandleError(err)
	}
	fmt.Printf("Bundle for vault %q, created %s, %d recipients\n",
		vi.VaultName, vi.CreationDate.Format("2006-01-02"), vi.RecipientCount)
	if !vi.IsRecoveryMode {
		fmt.Printf("%s A vault record already exists; 'coffre decrypt' is the normal path.\n", color.YellowString("!"))
	}

	passphrase := GetPassphraseOrExit("Enter passphrase to try against stored keys: ")
	defer crypto.ClearBytes(passphrase)

	s, cleanup := startSpinner("Trying stored keys...")
	events, wait := watchEvents(s)
	dec := bundle.NewDecryptor(operationLock)
	result, err := recovery.Recover(ctx, store, dec, bundlePath, passphrase, bundle.DecryptOptions{
		OutputDir: outDir,
		Collision: policy,
		Events:    events,
	})
	wait()
	cleanup()
	if errors.Is(err, recovery.ErrNoMatchingKey) {
		fmt.Fprintf(os.Stderr, "%s %s\n", color.RedString("✗"), err)
		guide("The matching key may be on another machine, or the passphrase may differ.")
		guide("For a hardware-backed bundle, use 'coffre hwkey decrypt' with its plugin.")
		os.Exit(1)
	}
	if err != nil {
		HandleError(err)
	}

	fmt.Printf("%s Key %s opened the bundle\n", color.GreenString("✓"), result.KeyID)
	fmt.Printf("%s Vault record %s restored with its manifest\n", color.GreenString("✓"), result.VaultID)
	reportExtraction(result.Extraction)
}
