package cmd

import (
	"fmt"
	"time"

	"github.com/fatih/color"
)

// VaultCreate registers a new vault record.
func VaultCreate(name string) {
	store := OpenStoreOrExit()
	defer store.Close()

	vault, err := store.CreateVault(name)
	if err != nil {
		HandleError(err)
	}
	fmt.Printf("%s Created vault %s (%q, files named %s-<date>)\n",
		color.GreenString("✓"), vault.ID, vault.Name, vault.SanitizedName)
}

// VaultAttach attaches a key to a vault.
func VaultAttach(vaultID, keyID string) {
	store := OpenStoreOrExit()
	defer store.Close()

	if err := store.AttachKey(vaultID, keyID); err != nil {
		HandleError(err)
	}
	fmt.Printf("%s Key %s attached to vault %s\n", color.GreenString("✓"), keyID, vaultID)
}

// Vaults lists all vault records with their attached keys.
func Vaults() {
	store := OpenStoreOrExit()
	defer store.Close()

	vaults, err := store.Vaults()
	if err != nil {
		HandleError(err)
	}
	if len(vaults) == 0 {
		fmt.Println("No vaults")
		fmt.Println("Run 'coffre vault create <name>' to create one")
		return
	}

	for _, vault := range vaults {
		fmt.Printf("%s  %-24s created %s\n", vault.ID, vault.Name, vault.CreatedAt.Format(time.RFC3339))
		if len(vault.KeyIDs) == 0 {
			fmt.Println("    (no keys attached)")
			continue
		}
		for _, keyID := range vault.KeyIDs {
			fmt.Printf("    key %s\n", keyID)
		}
	}
}
