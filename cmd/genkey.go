package cmd

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/fatih/color"

	"github.com/live-labs/coffre/internal/crypto"
)

// GenerateKey creates a passphrase-protected key in the store.
func GenerateKey(label string) {
	store := OpenStoreOrExit()
	defer store.Close()

	passphrase := os.Getenv(passphraseEnv)
	var pass []byte
	if passphrase != "" {
		pass = []byte(passphrase)
	} else {
		var err error
		pass, err = ReadPassphraseConfirm()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s\n", err)
			os.Exit(1)
		}
	}
	defer crypto.ClearBytes(pass)

	meta, err := store.GenerateKey(label, pass)
	if err != nil {
		HandleError(err)
	}

	fmt.Printf("%s Generated key %s (%s)\n", color.GreenString("✓"), meta.ID, meta.Label)
	fmt.Printf("  public key: %s\n", hex.EncodeToString(meta.PublicKey))
	fmt.Printf("  state:      %s\n", meta.State)
	fmt.Println("The key activates when it is first attached to a vault.")
}
