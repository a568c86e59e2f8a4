package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fatih/color"

	"github.com/live-labs/coffre/internal/archive"
	"github.com/live-labs/coffre/internal/bundle"
	"github.com/live-labs/coffre/internal/manifest"
	"github.com/live-labs/coffre/internal/recovery"
)

// Encrypt stages the selected files and writes a bundle for every
// operational key attached to the vault.
func Encrypt(ctx context.Context, vaultID string, selections []string, root, outDir string) {
	store := OpenStoreOrExit()
	defer store.Close()

	vault, err := store.GetVault(vaultID)
	if err != nil {
		HandleError(err)
	}

	records, err := store.RecipientKeys(vaultID)
	if err != nil {
		HandleError(err)
	}
	var recipients [][]byte
	for _, record := range records {
		if !record.State.Operational() {
			fmt.Printf("%s Skipping key %s: state %s\n", color.YellowString("!"), record.ID, record.State)
			continue
		}
		recipients = append(recipients, record.PublicKey)
	}
	if len(recipients) == 0 {
		fmt.Fprintf(os.Stderr, "Error: vault %s has no active keys\n", vaultID)
		guide("Attach or reactivate a key, then retry.")
		os.Exit(1)
	}

	if root == "" {
		root, err = os.Getwd()
		if err != nil {
			HandleError(err)
		}
	}

	staged, report, err := archive.Stage(ctx, selections, root)
	if err != nil {
		if fatal := report.Fatal(); fatal != nil {
			fmt.Fprintf(os.Stderr, "%s %s: %s\n", color.RedString("✗"), fatal.Path, fatal.Reason)
			os.Exit(1)
		}
		HandleError(err)
	}
	defer staged.Remove()

	for _, problem := range report.Problems {
		fmt.Printf("%s %s: %s\n", color.YellowString("!"), problem.Path, problem.Reason)
	}

	m := manifest.Generate(vault.ID, staged.Entries)

	if outDir == "" {
		outDir = "."
	}
	outputPath := filepath.Join(outDir, recovery.BundleName(vault.SanitizedName, time.Now()))

	s, cleanup := startSpinner("Encrypting...")
	events, wait := watchEvents(s)
	enc := bundle.NewEncryptor(operationLock)
	err = enc.Encrypt(ctx, bundle.EncryptRequest{
		Archive:    staged,
		Manifest:   m,
		Recipients: recipients,
		OutputPath: outputPath,
		Events:     events,
	})
	wait()
	cleanup()
	if err != nil {
		HandleError(err)
	}

	if err := manifest.WriteSidecar(outputPath, m); err != nil {
		fmt.Printf("%s Could not write manifest sidecar: %s\n", color.YellowString("!"), err)
	}
	if err := store.SaveManifest(vault.ID, mustMarshal(m)); err != nil {
		fmt.Printf("%s Could not store manifest: %s\n", color.YellowString("!"), err)
	}

	fmt.Printf("%s Wrote %s (%s, %d recipients)\n",
		color.GreenString("✓"), outputPath, m.Summary(), len(recipients))
}

func mustMarshal(m *manifest.Manifest) []byte {
	data, err := m.Marshal()
	if err != nil {
		HandleError(err)
	}
	return data
}

// operationLock serializes engine runs for the whole process.
var operationLock = &bundle.OperationLock{}
