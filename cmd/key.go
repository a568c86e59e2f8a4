package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"

	"github.com/live-labs/coffre/internal/keystore"
)

// TransitionKey moves a key to a new lifecycle state.
func TransitionKey(id, target, reason string) {
	store := OpenStoreOrExit()
	defer store.Close()

	state, ok := parseState(target)
	if !ok {
		fmt.Fprintf(os.Stderr, "Error: unknown state %q (suspend, activate, deactivate)\n", target)
		os.Exit(1)
	}
	if reason == "" {
		reason = "requested by user"
	}

	if err := store.Transition(id, state, reason); err != nil {
		HandleError(err)
	}
	fmt.Printf("%s Key %s is now %s\n", color.GreenString("✓"), id, state)
}

func parseState(s string) (keystore.State, bool) {
	switch strings.ToLower(s) {
	case "activate", "active":
		return keystore.StateActive, true
	case "suspend", "suspended":
		return keystore.StateSuspended, true
	case "deactivate", "deactivated":
		return keystore.StateDeactivated, true
	}
	return "", false
}

// DestroyKey irreversibly destroys a key after confirmation.
func DestroyKey(id string, force bool) {
	store := OpenStoreOrExit()
	defer store.Close()

	record, err := store.GetKey(id)
	if err != nil {
		HandleError(err)
	}

	if !force {
		fmt.Printf("Destroy key %s (%s)? Bundles encrypted only to this key become permanently unreadable.\n", record.ID, record.Label)
		fmt.Print("Type the key id to confirm: ")
		reader := bufio.NewReader(os.Stdin)
		line, _ := reader.ReadString('\n')
		if strings.TrimSpace(line) != record.ID {
			fmt.Println("Aborted")
			return
		}
	}

	if err := store.SecureDelete(id); err != nil {
		HandleError(err)
	}
	fmt.Printf("%s Key %s destroyed\n", color.GreenString("✓"), id)
}
