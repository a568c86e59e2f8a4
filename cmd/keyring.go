package cmd

import (
	"fmt"
	"os"

	"github.com/fatih/color"

	"github.com/live-labs/coffre/internal/crypto"
	"github.com/live-labs/coffre/internal/keyring"
)

// KeyringSave caches a key's passphrase in the OS keyring after
// verifying it unlocks the key.
func KeyringSave(keyID string) {
	store := OpenStoreOrExit()
	defer store.Close()

	passphrase, err := ReadPassphrase("Enter passphrase: ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
	defer crypto.ClearBytes(passphrase)

	unlocked, err := store.Unlock(keyID, passphrase)
	if err != nil {
		HandleError(err)
	}
	unlocked.Destroy()

	if err := keyring.SavePassphrase(keyID, string(passphrase)); err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to save to keyring: %s\n", err)
		os.Exit(1)
	}
	fmt.Printf("%s Passphrase for key %s saved to OS keyring\n", color.GreenString("✓"), keyID)
}

// KeyringDelete removes a cached passphrase.
func KeyringDelete(keyID string) {
	if err := keyring.DeletePassphrase(keyID); err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to delete from keyring: %s\n", err)
		os.Exit(1)
	}
	fmt.Printf("%s Passphrase for key %s removed from OS keyring\n", color.GreenString("✓"), keyID)
}

// KeyringStatus reports whether a passphrase is cached.
func KeyringStatus(keyID string) {
	if keyring.HasPassphrase(keyID) {
		fmt.Printf("Passphrase for key %s is cached in the OS keyring\n", keyID)
		return
	}
	fmt.Printf("No cached passphrase for key %s\n", keyID)
}
