package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"

	"github.com/live-labs/coffre/internal/manifest"
)

// Verify checks a directory of extracted files against a bundle's
// manifest sidecar.
func Verify(dir, bundlePath string) {
	m, err := manifest.ReadSidecar(bundlePath)
	if err != nil {
		HandleError(err)
	}
	if m == nil {
		fmt.Fprintf(os.Stderr, "Error: no manifest sidecar next to %s\n", bundlePath)
		guide("Decrypt the bundle instead; verification against the embedded manifest always runs.")
		os.Exit(1)
	}

	err = manifest.Verify(m, dir)
	if err == nil {
		fmt.Printf("%s %s matches the manifest (%s)\n", color.GreenString("✓"), dir, m.Summary())
		return
	}

	var intErr *manifest.IntegrityError
	if errors.As(err, &intErr) {
		fmt.Printf("%s %s does not match the manifest:\n", color.RedString("✗"), dir)
		for _, path := range intErr.Missing {
			fmt.Printf("  missing:    %s\n", path)
		}
		for _, path := range intErr.Mismatched {
			fmt.Printf("  mismatched: %s\n", path)
		}
		for _, path := range intErr.Unexpected {
			fmt.Printf("  unexpected: %s\n", path)
		}
		guide(intErr.Guidance())
		os.Exit(1)
	}
	HandleError(err)
}

// Compact rewrites the key store to reclaim space.
func Compact() {
	store := OpenStoreOrExit()

	if err := store.Compact(); err != nil {
		store.Close()
		HandleError(err)
	}
	store.Close()
	fmt.Printf("%s Store compacted\n", color.GreenString("✓"))
}
