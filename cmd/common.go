package cmd

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"golang.org/x/term"

	"github.com/live-labs/coffre/internal/bundle"
	"github.com/live-labs/coffre/internal/crypto"
	"github.com/live-labs/coffre/internal/hwkey"
	"github.com/live-labs/coffre/internal/keystore"
	"github.com/live-labs/coffre/internal/manifest"
)

const (
	homeEnv       = "COFFRE_HOME"
	passphraseEnv = "COFFRE_PASSPHRASE"
	storeFile     = "coffre.db"
)

// StorePath resolves the key store location: COFFRE_HOME if set,
// otherwise ~/.coffre.
func StorePath() (string, error) {
	if dir := os.Getenv(homeEnv); dir != "" {
		return filepath.Join(dir, storeFile), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, ".coffre", storeFile), nil
}

// OpenStore opens (creating if needed) the key store.
func OpenStore() (*keystore.Store, error) {
	path, err := StorePath()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return keystore.Open(path)
}

// OpenStoreOrExit is OpenStore with the standard error handling.
func OpenStoreOrExit() *keystore.Store {
	store, err := OpenStore()
	if err != nil {
		HandleError(err)
	}
	return store
}

// ReadPassphrase prompts without echo. The caller must ClearBytes the
// result.
func ReadPassphrase(prompt string) ([]byte, error) {
	fmt.Print(prompt)
	passphrase, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return nil, fmt.Errorf("failed to read passphrase: %w", err)
	}
	return passphrase, nil
}

// ReadPassphraseConfirm reads a passphrase twice and ensures they match
func ReadPassphraseConfirm() ([]byte, error) {
	first, err := ReadPassphrase("Enter passphrase: ")
	if err != nil {
		return nil, err
	}
	defer crypto.ClearBytes(first)

	second, err := ReadPassphrase("Confirm passphrase: ")
	if err != nil {
		return nil, err
	}
	defer crypto.ClearBytes(second)

	if !crypto.ConstantTimeCompare(first, second) {
		return nil, errors.New("passphrases do not match")
	}

	result := make([]byte, len(first))
	copy(result, first)
	return result, nil
}

// GetPassphrase retrieves a passphrase from the environment or prompts.
// The caller is responsible for calling crypto.ClearBytes on the result.
func GetPassphrase(prompt string) ([]byte, error) {
	if env := os.Getenv(passphraseEnv); env != "" {
		result := make([]byte, len(env))
		copy(result, env)
		return result, nil
	}
	return ReadPassphrase(prompt)
}

// GetPassphraseOrExit is like GetPassphrase but exits on error
func GetPassphraseOrExit(prompt string) []byte {
	passphrase, err := GetPassphrase(prompt)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
	return passphrase
}

// HandleError prints an error with its recovery guidance and exits.
func HandleError(err error) {
	fmt.Fprintf(os.Stderr, "%s %s\n", color.RedString("✗"), err)

	var resErr *bundle.ResourceError
	var intErr *manifest.IntegrityError
	var devErr *hwkey.DeviceError
	switch {
	case errors.Is(err, keystore.ErrWrongPassphrase), errors.Is(err, bundle.ErrKeyMismatch):
		guide("Check that you are using the right key and passphrase for this bundle.")
	case errors.Is(err, keystore.ErrCorruptedStorage):
		guide("The key store is damaged. Restore it from a backup; the key cannot be read.")
	case errors.Is(err, keystore.ErrVaultNotFound):
		guide("No local record of this vault exists. Try 'coffre recover <bundle>'.")
	case errors.Is(err, bundle.ErrPayloadTampered):
		guide("The bundle cannot be trusted. Obtain a clean copy; no files were written.")
	case errors.Is(err, bundle.ErrOperationInProgress):
		guide("Wait for the running operation to finish, then retry.")
	case errors.Is(err, bundle.ErrDestinationExists):
		guide("Re-run with -on-collision overwrite or -on-collision rename.")
	case errors.As(err, &resErr):
		guide(resErr.Guidance())
	case errors.As(err, &intErr):
		guide(intErr.Guidance())
	case errors.As(err, &devErr):
		guide(devErr.Guidance())
	}
	os.Exit(1)
}

func guide(msg string) {
	fmt.Fprintf(os.Stderr, "%s %s\n", color.CyanString("→"), msg)
}

// startSpinner shows a progress spinner and returns a cleanup func.
func startSpinner(message string) (*spinner.Spinner, func()) {
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	s.Suffix = " " + message
	_ = s.Color("cyan")
	s.Start()
	log.SetOutput(io.Discard)
	return s, func() {
		s.Stop()
		log.SetOutput(os.Stderr)
	}
}

// watchEvents feeds engine progress into the spinner suffix. Returns a
// done func that must be called after the engine finishes.
func watchEvents(s *spinner.Spinner) (chan<- bundle.Event, func()) {
	events := make(chan bundle.Event, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			s.Suffix = fmt.Sprintf(" [%s %3.0f%%] %s", ev.State, ev.Percent, ev.Message)
		}
	}()
	return events, func() {
		close(events)
		<-done
	}
}
