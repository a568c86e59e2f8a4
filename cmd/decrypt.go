package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"

	"github.com/live-labs/coffre/internal/bundle"
	"github.com/live-labs/coffre/internal/crypto"
	"github.com/live-labs/coffre/internal/keyring"
)

// Decrypt restores a bundle into outDir with the named key.
func Decrypt(ctx context.Context, bundlePath, keyID, outDir, collision string) {
	store := OpenStoreOrExit()
	defer store.Close()

	policy, ok := parseCollision(collision)
	if !ok {
		fmt.Fprintf(os.Stderr, "Error: -on-collision must be fail, overwrite or rename\n")
		os.Exit(1)
	}

	passphrase := cachedOrPromptPassphrase(keyID)
	defer crypto.ClearBytes(passphrase)

	s, cleanup := startSpinner("Decrypting...")
	events, wait := watchEvents(s)
	dec := bundle.NewDecryptor(operationLock)
	result, err := dec.DecryptWithPassphrase(ctx, bundlePath, store, keyID, passphrase, bundle.DecryptOptions{
		OutputDir: outDir,
		Collision: policy,
		Events:    events,
	})
	wait()
	cleanup()
	if err != nil {
		HandleError(err)
	}

	reportExtraction(result)
}

func parseCollision(s string) (bundle.CollisionPolicy, bool) {
	switch strings.ToLower(s) {
	case "fail":
		return bundle.CollisionFail, true
	case "overwrite":
		return bundle.CollisionOverwrite, true
	case "rename":
		return bundle.CollisionRename, true
	}
	return 0, false
}

// cachedOrPromptPassphrase checks the OS keyring before prompting.
func cachedOrPromptPassphrase(keyID string) []byte {
	if cached, err := keyring.GetPassphrase(keyID); err == nil && cached != "" {
		return []byte(cached)
	}
	return GetPassphraseOrExit("Enter passphrase: ")
}

func reportExtraction(result *bundle.ExtractionResult) {
	fmt.Printf("%s Extracted %d files to %s\n", color.GreenString("✓"), len(result.Files), result.OutputDir)

	for original, final := range result.Renamed {
		fmt.Printf("%s %s existed, extracted as %s\n", color.YellowString("!"), original, final)
	}

	if result.Verified {
		fmt.Printf("%s Manifest verified: %s\n", color.GreenString("✓"), result.Manifest.Summary())
		return
	}
	fmt.Printf("%s Extracted files do not fully match the manifest:\n", color.YellowString("!"))
	for _, path := range result.Integrity.Missing {
		fmt.Printf("  missing:    %s\n", path)
	}
	for _, path := range result.Integrity.Mismatched {
		fmt.Printf("  mismatched: %s\n", path)
	}
	for _, path := range result.Integrity.Unexpected {
		fmt.Printf("  unexpected: %s\n", path)
	}
	guide(result.Integrity.Guidance())
}
