package cmd

import (
	"fmt"
	"time"

	"github.com/fatih/color"

	"github.com/live-labs/coffre/internal/keystore"
)

// Keys lists all stored keys with their lifecycle state.
func Keys() {
	store := OpenStoreOrExit()
	defer store.Close()

	keys, err := store.ListKeys()
	if err != nil {
		HandleError(err)
	}
	if len(keys) == 0 {
		fmt.Println("No keys stored")
		fmt.Println("Run 'coffre genkey <label>' to create one")
		return
	}

	for _, meta := range keys {
		fmt.Printf("%s  %-24s %-14s %-10s %s\n",
			meta.ID, meta.Label, stateLabel(meta.State), meta.Type,
			meta.CreatedAt.Format(time.RFC3339))
	}

	destroyed, err := store.DestroyedKeys()
	if err == nil && len(destroyed) > 0 {
		fmt.Printf("\nDestroyed keys (unrecoverable):\n")
		for _, meta := range destroyed {
			fmt.Printf("%s  %s\n", meta.ID, meta.Label)
		}
	}
}

// KeyHistory shows the full lifecycle audit trail of one key.
func KeyHistory(id string) {
	store := OpenStoreOrExit()
	defer store.Close()

	record, err := store.GetKey(id)
	if err != nil {
		HandleError(err)
	}

	fmt.Printf("Key %s (%s), state %s\n", record.ID, record.Label, stateLabel(record.State))
	for _, entry := range record.History {
		fmt.Printf("  %s  -> %-14s %s\n", entry.At.Format(time.RFC3339), entry.State, entry.Reason)
	}
}

func stateLabel(s keystore.State) string {
	switch s {
	case keystore.StateActive:
		return color.GreenString(string(s))
	case keystore.StateSuspended:
		return color.YellowString(string(s))
	case keystore.StateDeactivated, keystore.StateDestroyed:
		return color.RedString(string(s))
	}
	return string(s)
}
