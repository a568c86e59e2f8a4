package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/live-labs/coffre/cmd"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "genkey":
		runGenkey(ctx, os.Args[2:])
	case "keys":
		runKeys(ctx, os.Args[2:])
	case "key":
		runKey(ctx, os.Args[2:])
	case "vault":
		runVault(ctx, os.Args[2:])
	case "encrypt":
		runEncrypt(ctx, os.Args[2:])
	case "decrypt":
		runDecrypt(ctx, os.Args[2:])
	case "inspect":
		runInspect(ctx, os.Args[2:])
	case "verify":
		runVerify(ctx, os.Args[2:])
	case "recover":
		runRecover(ctx, os.Args[2:])
	case "hwkey":
		runHwkey(ctx, os.Args[2:])
	case "keyring":
		runKeyring(ctx, os.Args[2:])
	case "compact":
		runCompact(ctx, os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runGenkey(_ context.Context, args []string) {
	fs := flag.NewFlagSet("genkey", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: coffre genkey <label>")
		os.Exit(1)
	}
	cmd.GenerateKey(fs.Arg(0))
}

func runKeys(_ context.Context, args []string) {
	fs := flag.NewFlagSet("keys", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
	cmd.Keys()
}

func runKey(_ context.Context, args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: coffre key <history|suspend|activate|deactivate|destroy> <key-id>")
		os.Exit(1)
	}
	sub, rest := args[0], args[1:]

	switch sub {
	case "history":
		if len(rest) != 1 {
			fmt.Fprintln(os.Stderr, "Usage: coffre key history <key-id>")
			os.Exit(1)
		}
		cmd.KeyHistory(rest[0])
	case "suspend", "activate", "deactivate":
		fs := flag.NewFlagSet("key "+sub, flag.ExitOnError)
		reason := fs.String("reason", "", "Reason recorded in the key history")
		if err := fs.Parse(rest); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s\n", err)
			os.Exit(1)
		}
		if fs.NArg() != 1 {
			fmt.Fprintf(os.Stderr, "Usage: coffre key %s [-reason <text>] <key-id>\n", sub)
			os.Exit(1)
		}
		cmd.TransitionKey(fs.Arg(0), sub, *reason)
	case "destroy":
		fs := flag.NewFlagSet("key destroy", flag.ExitOnError)
		force := fs.Bool("force", false, "Destroy without confirmation")
		if err := fs.Parse(rest); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s\n", err)
			os.Exit(1)
		}
		if fs.NArg() != 1 {
			fmt.Fprintln(os.Stderr, "Usage: coffre key destroy [-force] <key-id>")
			os.Exit(1)
		}
		cmd.DestroyKey(fs.Arg(0), *force)
	default:
		fmt.Fprintf(os.Stderr, "Unknown key subcommand: %s\n", sub)
		os.Exit(1)
	}
}

func runVault(_ context.Context, args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: coffre vault <create|attach|ls> ...")
		os.Exit(1)
	}
	sub, rest := args[0], args[1:]

	switch sub {
	case "create":
		if len(rest) != 1 {
			fmt.Fprintln(os.Stderr, "Usage: coffre vault create <name>")
			os.Exit(1)
		}
		cmd.VaultCreate(rest[0])
	case "attach":
		if len(rest) != 2 {
			fmt.Fprintln(os.Stderr, "Usage: coffre vault attach <vault-id> <key-id>")
			os.Exit(1)
		}
		cmd.VaultAttach(rest[0], rest[1])
	case "ls":
		cmd.Vaults()
	default:
		fmt.Fprintf(os.Stderr, "Unknown vault subcommand: %s\n", sub)
		os.Exit(1)
	}
}

func runEncrypt(ctx context.Context, args []string) {
	fs := flag.NewFlagSet("encrypt", flag.ExitOnError)
	vaultID := fs.String("vault", "", "Vault id to encrypt for")
	root := fs.String("root", "", "Directory the selected files must live under (default: cwd)")
	out := fs.String("out", ".", "Directory the bundle is written to")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
	if *vaultID == "" || fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "Usage: coffre encrypt -vault <vault-id> [-root <dir>] [-out <dir>] <file|dir>...")
		os.Exit(1)
	}
	cmd.Encrypt(ctx, *vaultID, fs.Args(), *root, *out)
}

func runDecrypt(ctx context.Context, args []string) {
	fs := flag.NewFlagSet("decrypt", flag.ExitOnError)
	keyID := fs.String("key", "", "Key id to decrypt with")
	out := fs.String("out", "", "Output directory")
	collision := fs.String("on-collision", "", "What to do when a destination file exists: fail, overwrite or rename")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
	if *keyID == "" || *out == "" || *collision == "" || fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: coffre decrypt -key <key-id> -out <dir> -on-collision <fail|overwrite|rename> <bundle>")
		os.Exit(1)
	}
	cmd.Decrypt(ctx, fs.Arg(0), *keyID, *out, *collision)
}

func runInspect(_ context.Context, args []string) {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: coffre inspect <bundle>")
		os.Exit(1)
	}
	cmd.Inspect(fs.Arg(0))
}

func runVerify(_ context.Context, args []string) {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
	if fs.NArg() != 2 {
		fmt.Fprintln(os.Stderr, "Usage: coffre verify <dir> <bundle>")
		os.Exit(1)
	}
	cmd.Verify(fs.Arg(0), fs.Arg(1))
}

func runRecover(ctx context.Context, args []string) {
	fs := flag.NewFlagSet("recover", flag.ExitOnError)
	out := fs.String("out", "", "Output directory")
	collision := fs.String("on-collision", "rename", "What to do when a destination file exists: fail, overwrite or rename")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
	if *out == "" || fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: coffre recover -out <dir> [-on-collision <fail|overwrite|rename>] <bundle>")
		os.Exit(1)
	}
	cmd.Recover(ctx, fs.Arg(0), *out, *collision)
}

func runHwkey(ctx context.Context, args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: coffre hwkey <discover|import|decrypt> ...")
		os.Exit(1)
	}
	sub, rest := args[0], args[1:]

	switch sub {
	case "discover":
		fs := flag.NewFlagSet("hwkey discover", flag.ExitOnError)
		plugin := fs.String("plugin", "", "Path to the device plugin (.wasm)")
		if err := fs.Parse(rest); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s\n", err)
			os.Exit(1)
		}
		if *plugin == "" {
			fmt.Fprintln(os.Stderr, "Usage: coffre hwkey discover -plugin <file.wasm>")
			os.Exit(1)
		}
		cmd.HwDiscover(ctx, *plugin)
	case "import":
		fs := flag.NewFlagSet("hwkey import", flag.ExitOnError)
		plugin := fs.String("plugin", "", "Path to the device plugin (.wasm)")
		device := fs.String("device", "", "Device id from 'hwkey discover'")
		if err := fs.Parse(rest); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s\n", err)
			os.Exit(1)
		}
		if *plugin == "" || *device == "" || fs.NArg() != 1 {
			fmt.Fprintln(os.Stderr, "Usage: coffre hwkey import -plugin <file.wasm> -device <id> <label>")
			os.Exit(1)
		}
		cmd.HwImport(ctx, *plugin, *device, fs.Arg(0))
	case "decrypt":
		fs := flag.NewFlagSet("hwkey decrypt", flag.ExitOnError)
		plugin := fs.String("plugin", "", "Path to the device plugin (.wasm)")
		keyID := fs.String("key", "", "Key id to decrypt with")
		out := fs.String("out", "", "Output directory")
		collision := fs.String("on-collision", "", "What to do when a destination file exists: fail, overwrite or rename")
		if err := fs.Parse(rest); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s\n", err)
			os.Exit(1)
		}
		if *plugin == "" || *keyID == "" || *out == "" || *collision == "" || fs.NArg() != 1 {
			fmt.Fprintln(os.Stderr, "Usage: coffre hwkey decrypt -plugin <file.wasm> -key <key-id> -out <dir> -on-collision <fail|overwrite|rename> <bundle>")
			os.Exit(1)
		}
		cmd.HwDecrypt(ctx, *plugin, fs.Arg(0), *keyID, *out, *collision)
	default:
		fmt.Fprintf(os.Stderr, "Unknown hwkey subcommand: %s\n", sub)
		os.Exit(1)
	}
}

func runKeyring(_ context.Context, args []string) {
	if len(args) != 2 {
		fmt.Fprintln(os.Stderr, "Usage: coffre keyring <save|delete|status> <key-id>")
		os.Exit(1)
	}
	switch args[0] {
	case "save":
		cmd.KeyringSave(args[1])
	case "delete":
		cmd.KeyringDelete(args[1])
	case "status":
		cmd.KeyringStatus(args[1])
	default:
		fmt.Fprintf(os.Stderr, "Unknown keyring subcommand: %s\n", args[0])
		os.Exit(1)
	}
}

func runCompact(_ context.Context, args []string) {
	fs := flag.NewFlagSet("compact", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
	cmd.Compact()
}

func printUsage() {
	fmt.Println(`coffre - multi-recipient encrypted file vault

Usage: coffre <command> [options]

Key management:
  genkey <label>                 Generate a passphrase-protected key
  keys                           List keys and lifecycle states
  key history <id>               Show a key's lifecycle audit trail
  key suspend|activate|deactivate [-reason <text>] <id>
  key destroy [-force] <id>      Irreversibly destroy a key

Vaults:
  vault create <name>            Create a vault record
  vault attach <vault-id> <key-id>
  vault ls                       List vaults

Bundles:
  encrypt -vault <id> [-root <dir>] [-out <dir>] <file|dir>...
  decrypt -key <id> -out <dir> -on-collision <fail|overwrite|rename> <bundle>
  inspect <bundle>               Describe a bundle without decrypting
  verify <dir> <bundle>          Check extracted files against the manifest sidecar
  recover -out <dir> [-on-collision <policy>] <bundle>
                                 Decrypt a bundle with no local vault record

Hardware keys:
  hwkey discover -plugin <file.wasm>
  hwkey import -plugin <file.wasm> -device <id> <label>
  hwkey decrypt -plugin <file.wasm> -key <id> -out <dir> -on-collision <policy> <bundle>

Other:
  keyring save|delete|status <key-id>
  compact                        Reclaim key store space

Environment:
  COFFRE_HOME        Directory holding the key store (default ~/.coffre)
  COFFRE_PASSPHRASE  Passphrase, read instead of prompting`)
}
