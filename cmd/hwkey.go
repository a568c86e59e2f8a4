package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"

	"github.com/live-labs/coffre/internal/bundle"
	"github.com/live-labs/coffre/internal/hwkey"
	"github.com/live-labs/coffre/internal/recovery"
)

// HwDiscover lists the hardware keys a device plugin can reach.
func HwDiscover(ctx context.Context, pluginPath string) {
	adapter, err := hwkey.LoadPlugin(ctx, pluginPath)
	if err != nil {
		HandleError(err)
	}
	defer adapter.Close()

	devices, err := adapter.DiscoverDevices(ctx)
	if err != nil {
		HandleError(err)
	}
	if len(devices) == 0 {
		fmt.Println("No hardware keys found")
		return
	}
	for _, device := range devices {
		fmt.Printf("%s  %s\n", device.ID, device.Label)
	}
}

// HwImport generates a key on the device and registers its public half.
func HwImport(ctx context.Context, pluginPath, deviceID, label string) {
	store := OpenStoreOrExit()
	defer store.Close()

	adapter, err := hwkey.LoadPlugin(ctx, pluginPath)
	if err != nil {
		HandleError(err)
	}
	defer adapter.Close()

	generated, err := adapter.GenerateOnDevice(ctx, deviceID)
	if err != nil {
		HandleError(err)
	}

	meta, err := store.ImportHardwareKey(label, generated.PublicKey, deviceID, generated.Handle)
	if err != nil {
		HandleError(err)
	}
	fmt.Printf("%s Registered hardware key %s (%s) on device %s\n",
		color.GreenString("✓"), meta.ID, meta.Label, deviceID)
}

// HwDecrypt restores a bundle with a device-bound key.
func HwDecrypt(ctx context.Context, pluginPath, bundlePath, keyID, outDir, collision string) {
	store := OpenStoreOrExit()
	defer store.Close()

	policy, ok := parseCollision(collision)
	if !ok {
		fmt.Fprintf(os.Stderr, "Error: -on-collision must be fail, overwrite or rename\n")
		os.Exit(1)
	}

	record, err := store.GetKey(keyID)
	if err != nil {
		HandleError(err)
	}

	adapter, err := hwkey.LoadPlugin(ctx, pluginPath)
	if err != nil {
		HandleError(err)
	}
	defer adapter.Close()

	dec := bundle.NewDecryptor(operationLock)
	for {
		s, cleanup := startSpinner("Decrypting with hardware key...")
		events, wait := watchEvents(s)
		handle := bundle.NewHardwareHandle(record, adapter)
		result, err := dec.Decrypt(ctx, bundlePath, handle, bundle.DecryptOptions{
			OutputDir: outDir,
			Collision: policy,
			Events:    events,
		})
		wait()
		cleanup()

		var devErr *hwkey.DeviceError
		if errors.As(err, &devErr) {
			// Paused, not failed: the user can fix the device and go
			// again.
			fmt.Printf("%s %s\n", color.YellowString("!"), devErr)
			guide(devErr.Guidance())
			if !confirm("Retry now? [y/N]: ") {
				os.Exit(1)
			}
			continue
		}
		if err != nil {
			HandleError(err)
		}

		// A hardware key proving itself against an orphaned bundle is
		// membership proof enough to rebuild the local records.
		if vi, aerr := recovery.Analyze(store, bundlePath); aerr == nil && vi.IsRecoveryMode {
			vaultID, herr := recovery.Heal(store, bundlePath, keyID, result)
			if herr != nil {
				fmt.Printf("%s Could not restore the vault record: %v\n", color.YellowString("!"), herr)
			} else {
				fmt.Printf("%s Vault record %s restored with its manifest\n", color.GreenString("✓"), vaultID)
			}
		}
		reportExtraction(result)
		return
	}
}

func confirm(prompt string) bool {
	fmt.Print(prompt)
	var answer string
	fmt.Scanln(&answer)
	return answer == "y" || answer == "Y" || answer == "yes"
}
