package bundle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/live-labs/coffre/internal/archive"
	"github.com/live-labs/coffre/internal/crypto"
	"github.com/live-labs/coffre/internal/manifest"
)

// rawHandle is a KeyHandle over a bare private key, sidestepping the
// key store for engine tests.
type rawHandle struct {
	id   string
	priv []byte
}

func (h *rawHandle) KeyID() string { return h.id }
func (h *rawHandle) Unwrap(_ context.Context, entry []byte) ([]byte, error) {
	return crypto.UnwrapKey(entry, h.priv)
}
func (h *rawHandle) Close() error { return nil }

type testKey struct {
	pub  []byte
	priv []byte
}

func newTestKeys(t *testing.T, n int) []testKey {
	t.Helper()
	keys := make([]testKey, n)
	for i := range keys {
		pub, priv, err := crypto.GenerateKeyPair()
		if err != nil {
			t.Fatalf("GenerateKeyPair failed: %v", err)
		}
		keys[i] = testKey{pub: pub, priv: priv}
	}
	return keys
}

func stageFiles(t *testing.T, files map[string][]byte) (*archive.Archive, *manifest.Manifest) {
	t.Helper()
	root := t.TempDir()
	var selections []string
	for name, content := range files {
		path := filepath.Join(root, name)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatalf("mkdir failed: %v", err)
		}
		if err := os.WriteFile(path, content, 0644); err != nil {
			t.Fatalf("write failed: %v", err)
		}
		selections = append(selections, path)
	}

	staged, _, err := archive.Stage(context.Background(), selections, root)
	if err != nil {
		t.Fatalf("Stage failed: %v", err)
	}
	t.Cleanup(func() { staged.Remove() })
	return staged, manifest.Generate("vault-1", staged.Entries)
}

func testFiles() map[string][]byte {
	return map[string][]byte{
		"passport.pdf": bytes.Repeat([]byte("passport "), 230000), // ~2 MB
		"will.txt":     []byte("last will and testament"),
		"deed.txt":     []byte("property deed"),
	}
}

func encryptTestBundle(t *testing.T, keys []testKey, files map[string][]byte) string {
	t.Helper()
	staged, m := stageFiles(t, files)

	var recipients [][]byte
	for _, key := range keys {
		recipients = append(recipients, key.pub)
	}

	outputPath := filepath.Join(t.TempDir(), "Sam-Family-Vault-2026-08-29.coffre")
	enc := NewEncryptor(&OperationLock{})
	err := enc.Encrypt(context.Background(), EncryptRequest{
		Archive:    staged,
		Manifest:   m,
		Recipients: recipients,
		OutputPath: outputPath,
	})
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if _, err := os.Stat(outputPath + ".partial"); !os.IsNotExist(err) {
		t.Fatal("partial file should not remain after a successful run")
	}
	return outputPath
}

func TestEncryptDecryptEveryRecipient(t *testing.T) {
	keys := newTestKeys(t, 3)
	files := testFiles()
	bundlePath := encryptTestBundle(t, keys, files)

	// Any single recipient key decrypts the whole bundle
	for i, key := range keys {
		outDir := t.TempDir()
		dec := NewDecryptor(&OperationLock{})
		result, err := dec.Decrypt(context.Background(), bundlePath,
			&rawHandle{id: "k", priv: key.priv},
			DecryptOptions{OutputDir: outDir, Collision: CollisionFail})
		if err != nil {
			t.Fatalf("key %d: Decrypt failed: %v", i, err)
		}
		if !result.Verified {
			t.Errorf("key %d: manifest should verify, got %+v", i, result.Integrity)
		}
		if len(result.Files) != len(files) {
			t.Errorf("key %d: extracted %d files, want %d", i, len(result.Files), len(files))
		}
		for name, content := range files {
			got, err := os.ReadFile(filepath.Join(outDir, name))
			if err != nil {
				t.Fatalf("key %d: missing %s: %v", i, name, err)
			}
			if !bytes.Equal(got, content) {
				t.Errorf("key %d: content mismatch for %s", i, name)
			}
		}
	}
}

func TestEncryptValidatesBeforeWork(t *testing.T) {
	staged, m := stageFiles(t, map[string][]byte{"f.txt": []byte("x")})
	keys := newTestKeys(t, 5)
	outputPath := filepath.Join(t.TempDir(), "out.coffre")
	enc := NewEncryptor(&OperationLock{})

	err := enc.Encrypt(context.Background(), EncryptRequest{
		Archive: staged, Manifest: m, OutputPath: outputPath,
	})
	if !errors.Is(err, ErrNoRecipients) {
		t.Errorf("expected ErrNoRecipients, got %v", err)
	}

	var five [][]byte
	for _, key := range keys {
		five = append(five, key.pub)
	}
	err = enc.Encrypt(context.Background(), EncryptRequest{
		Archive: staged, Manifest: m, Recipients: five, OutputPath: outputPath,
	})
	if !errors.Is(err, ErrTooManyRecipients) {
		t.Errorf("expected ErrTooManyRecipients, got %v", err)
	}

	err = enc.Encrypt(context.Background(), EncryptRequest{
		Archive: staged, Manifest: m,
		Recipients: [][]byte{keys[0].pub, make([]byte, 32)},
		OutputPath: outputPath,
	})
	if !errors.Is(err, ErrRecipientKeyInvalid) {
		t.Errorf("expected ErrRecipientKeyInvalid, got %v", err)
	}
	if !strings.Contains(err.Error(), "recipient 2") {
		t.Errorf("error should name the bad recipient: %v", err)
	}

	// Validation failures must not leave any output behind
	if _, err := os.Stat(outputPath); !os.IsNotExist(err) {
		t.Error("no output file should exist after validation failure")
	}
	if _, err := os.Stat(outputPath + ".partial"); !os.IsNotExist(err) {
		t.Error("no partial file should exist after validation failure")
	}
}

func TestDecryptNonRecipientKey(t *testing.T) {
	keys := newTestKeys(t, 2)
	bundlePath := encryptTestBundle(t, keys[:1], map[string][]byte{"f.txt": []byte("data")})

	outDir := t.TempDir()
	dec := NewDecryptor(&OperationLock{})
	_, err := dec.Decrypt(context.Background(), bundlePath,
		&rawHandle{id: "other", priv: keys[1].priv},
		DecryptOptions{OutputDir: outDir, Collision: CollisionFail})
	if !errors.Is(err, ErrKeyMismatch) {
		t.Fatalf("expected ErrKeyMismatch, got %v", err)
	}
	// The failure names neither a recipient nor a reason
	if strings.Contains(err.Error(), "recipient") {
		t.Errorf("mismatch error should stay generic: %v", err)
	}
	assertDirEmpty(t, outDir)
}

func TestDecryptTamperedPayload(t *testing.T) {
	keys := newTestKeys(t, 1)
	bundlePath := encryptTestBundle(t, keys, testFiles())

	data, err := os.ReadFile(bundlePath)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	// Flip a byte deep in the payload
	data[len(data)-100] ^= 0x01
	if err := os.WriteFile(bundlePath, data, 0600); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	outDir := t.TempDir()
	dec := NewDecryptor(&OperationLock{})
	_, err = dec.Decrypt(context.Background(), bundlePath,
		&rawHandle{id: "k", priv: keys[0].priv},
		DecryptOptions{OutputDir: outDir, Collision: CollisionFail})
	if !errors.Is(err, ErrPayloadTampered) {
		t.Fatalf("expected ErrPayloadTampered, got %v", err)
	}
	// A tampered bundle must write zero destination files
	assertDirEmpty(t, outDir)
}

func TestDecryptTamperedRecipientEntry(t *testing.T) {
	keys := newTestKeys(t, 1)
	bundlePath := encryptTestBundle(t, keys, map[string][]byte{"f.txt": []byte("data")})

	data, err := os.ReadFile(bundlePath)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	// Flip a byte inside the (single) recipient entry
	data[len(Magic)+2+2+2+40] ^= 0x01
	if err := os.WriteFile(bundlePath, data, 0600); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	dec := NewDecryptor(&OperationLock{})
	_, err = dec.Decrypt(context.Background(), bundlePath,
		&rawHandle{id: "k", priv: keys[0].priv},
		DecryptOptions{OutputDir: t.TempDir(), Collision: CollisionFail})
	if !errors.Is(err, ErrKeyMismatch) {
		t.Fatalf("tampered entry should look like a mismatched key, got %v", err)
	}
}

func TestCollisionPolicies(t *testing.T) {
	keys := newTestKeys(t, 1)
	bundlePath := encryptTestBundle(t, keys, map[string][]byte{"notes.txt": []byte("from vault")})

	t.Run("unset", func(t *testing.T) {
		dec := NewDecryptor(&OperationLock{})
		_, err := dec.Decrypt(context.Background(), bundlePath,
			&rawHandle{id: "k", priv: keys[0].priv},
			DecryptOptions{OutputDir: t.TempDir()})
		if !errors.Is(err, ErrCollisionPolicyUnset) {
			t.Errorf("expected ErrCollisionPolicyUnset, got %v", err)
		}
	})

	t.Run("fail", func(t *testing.T) {
		outDir := t.TempDir()
		if err := os.WriteFile(filepath.Join(outDir, "notes.txt"), []byte("local"), 0644); err != nil {
			t.Fatalf("write failed: %v", err)
		}
		dec := NewDecryptor(&OperationLock{})
		_, err := dec.Decrypt(context.Background(), bundlePath,
			&rawHandle{id: "k", priv: keys[0].priv},
			DecryptOptions{OutputDir: outDir, Collision: CollisionFail})
		if !errors.Is(err, ErrDestinationExists) {
			t.Fatalf("expected ErrDestinationExists, got %v", err)
		}
		got, _ := os.ReadFile(filepath.Join(outDir, "notes.txt"))
		if string(got) != "local" {
			t.Error("existing file must be untouched on failure")
		}
	})

	t.Run("overwrite", func(t *testing.T) {
		outDir := t.TempDir()
		if err := os.WriteFile(filepath.Join(outDir, "notes.txt"), []byte("local"), 0644); err != nil {
			t.Fatalf("write failed: %v", err)
		}
		dec := NewDecryptor(&OperationLock{})
		result, err := dec.Decrypt(context.Background(), bundlePath,
			&rawHandle{id: "k", priv: keys[0].priv},
			DecryptOptions{OutputDir: outDir, Collision: CollisionOverwrite})
		if err != nil {
			t.Fatalf("Decrypt failed: %v", err)
		}
		got, _ := os.ReadFile(filepath.Join(outDir, "notes.txt"))
		if string(got) != "from vault" {
			t.Error("file should be overwritten")
		}
		if !result.Verified {
			t.Errorf("overwrite result should verify: %+v", result.Integrity)
		}
	})

	t.Run("rename", func(t *testing.T) {
		outDir := t.TempDir()
		if err := os.WriteFile(filepath.Join(outDir, "notes.txt"), []byte("local"), 0644); err != nil {
			t.Fatalf("write failed: %v", err)
		}
		dec := NewDecryptor(&OperationLock{})
		result, err := dec.Decrypt(context.Background(), bundlePath,
			&rawHandle{id: "k", priv: keys[0].priv},
			DecryptOptions{OutputDir: outDir, Collision: CollisionRename})
		if err != nil {
			t.Fatalf("Decrypt failed: %v", err)
		}

		got, _ := os.ReadFile(filepath.Join(outDir, "notes.txt"))
		if string(got) != "local" {
			t.Error("existing file must be kept under rename policy")
		}
		recovered, err := os.ReadFile(filepath.Join(outDir, "notes.txt.recovered"))
		if err != nil || string(recovered) != "from vault" {
			t.Errorf("renamed extraction missing or wrong: %s, %v", recovered, err)
		}
		if result.Renamed["notes.txt"] != "notes.txt.recovered" {
			t.Errorf("rename not reported: %+v", result.Renamed)
		}

		// A second rename run picks the next free suffix
		result, err = dec.Decrypt(context.Background(), bundlePath,
			&rawHandle{id: "k", priv: keys[0].priv},
			DecryptOptions{OutputDir: outDir, Collision: CollisionRename})
		if err != nil {
			t.Fatalf("second Decrypt failed: %v", err)
		}
		if result.Renamed["notes.txt"] != "notes.txt.recovered.2" {
			t.Errorf("second rename = %+v", result.Renamed)
		}
	})
}

func TestDecryptCancelledWritesNothing(t *testing.T) {
	keys := newTestKeys(t, 1)
	bundlePath := encryptTestBundle(t, keys, testFiles())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outDir := t.TempDir()
	dec := NewDecryptor(&OperationLock{})
	_, err := dec.Decrypt(ctx, bundlePath,
		&rawHandle{id: "k", priv: keys[0].priv},
		DecryptOptions{OutputDir: outDir, Collision: CollisionFail})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	assertDirEmpty(t, outDir)
}

// cancelAfterFiles reports cancellation once n completed files exist
// under dir, so a cancel can be landed deterministically between file
// writes mid-extraction.
type cancelAfterFiles struct {
	context.Context
	dir string
	n   int
}

func (c *cancelAfterFiles) Err() error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil
	}
	count := 0
	for _, e := range entries {
		if !e.IsDir() && !strings.HasSuffix(e.Name(), spoolSuffix) {
			count++
		}
	}
	if count >= c.n {
		return context.Canceled
	}
	return nil
}

func uniformFiles(n, size int) map[string][]byte {
	files := make(map[string][]byte, n)
	for i := 0; i < n; i++ {
		files[fmt.Sprintf("doc-%02d.txt", i)] = bytes.Repeat([]byte{byte('a' + i%26)}, size)
	}
	return files
}

func TestDecryptCancelledMidExtraction(t *testing.T) {
	keys := newTestKeys(t, 1)
	files := uniformFiles(20, 4096)
	bundlePath := encryptTestBundle(t, keys, files)

	// Cancel once half the files are out: 50% is well below the
	// finishing threshold, so the run must stop
	outDir := t.TempDir()
	ctx := &cancelAfterFiles{Context: context.Background(), dir: outDir, n: 10}
	dec := NewDecryptor(&OperationLock{})
	_, err := dec.Decrypt(ctx, bundlePath,
		&rawHandle{id: "k", priv: keys[0].priv},
		DecryptOptions{OutputDir: outDir, Collision: CollisionFail})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	entries, err := os.ReadDir(outDir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 10 {
		t.Fatalf("found %d files after cancel, want exactly 10", len(entries))
	}
	// Whatever made it to disk is whole: files reach their destination
	// only through a completed tmp+rename
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), spoolSuffix) {
			t.Errorf("in-flight temp file left behind: %s", e.Name())
			continue
		}
		got, err := os.ReadFile(filepath.Join(outDir, e.Name()))
		if err != nil {
			t.Fatalf("read failed: %v", err)
		}
		if !bytes.Equal(got, files[e.Name()]) {
			t.Errorf("%s is incomplete or corrupted", e.Name())
		}
	}
}

func TestDecryptCancelledNearEndFinishes(t *testing.T) {
	keys := newTestKeys(t, 1)
	files := uniformFiles(20, 4096)
	bundlePath := encryptTestBundle(t, keys, files)

	// Cancel with 18 of 20 files out (past 90%): the run refuses the
	// cancel and completes
	outDir := t.TempDir()
	ctx := &cancelAfterFiles{Context: context.Background(), dir: outDir, n: 18}
	events := make(chan Event, 64)
	dec := NewDecryptor(&OperationLock{})
	result, err := dec.Decrypt(ctx, bundlePath,
		&rawHandle{id: "k", priv: keys[0].priv},
		DecryptOptions{OutputDir: outDir, Collision: CollisionFail, Events: events})
	close(events)
	if err != nil {
		t.Fatalf("a cancel past the finishing threshold should complete, got %v", err)
	}

	if len(result.Files) != len(files) {
		t.Errorf("extracted %d files, want %d", len(result.Files), len(files))
	}
	if !result.Verified {
		t.Errorf("completed run should verify, got %+v", result.Integrity)
	}
	for name, content := range files {
		got, err := os.ReadFile(filepath.Join(outDir, name))
		if err != nil || !bytes.Equal(got, content) {
			t.Errorf("content mismatch for %s: %v", name, err)
		}
	}

	notified := false
	for ev := range events {
		if strings.Contains(ev.Message, "finishing") {
			notified = true
		}
	}
	if !notified {
		t.Error("refusing a late cancel should announce that the run is finishing")
	}
}

func TestOperationLockSerializesRuns(t *testing.T) {
	lock := &OperationLock{}
	if err := lock.acquire(); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	defer lock.release()

	staged, m := stageFiles(t, map[string][]byte{"f.txt": []byte("x")})
	keys := newTestKeys(t, 1)

	enc := NewEncryptor(lock)
	err := enc.Encrypt(context.Background(), EncryptRequest{
		Archive: staged, Manifest: m,
		Recipients: [][]byte{keys[0].pub},
		OutputPath: filepath.Join(t.TempDir(), "out.coffre"),
	})
	if !errors.Is(err, ErrOperationInProgress) {
		t.Errorf("expected ErrOperationInProgress, got %v", err)
	}

	dec := NewDecryptor(lock)
	_, err = dec.Decrypt(context.Background(), "irrelevant",
		&rawHandle{id: "k", priv: keys[0].priv},
		DecryptOptions{OutputDir: t.TempDir(), Collision: CollisionFail})
	if !errors.Is(err, ErrOperationInProgress) {
		t.Errorf("expected ErrOperationInProgress, got %v", err)
	}
}

func TestInspect(t *testing.T) {
	keys := newTestKeys(t, 3)
	bundlePath := encryptTestBundle(t, keys, map[string][]byte{"f.txt": []byte("data")})

	info, err := Inspect(bundlePath)
	if err != nil {
		t.Fatalf("Inspect failed: %v", err)
	}
	if info.RecipientCount != 3 {
		t.Errorf("recipient count = %d, want 3", info.RecipientCount)
	}
	if info.FormatVersion != FormatVersion {
		t.Errorf("format version = %d", info.FormatVersion)
	}
	if info.Size <= 0 {
		t.Errorf("size = %d", info.Size)
	}

	// Arbitrary files are rejected by magic, not extension
	notBundle := filepath.Join(t.TempDir(), "plain.coffre")
	if err := os.WriteFile(notBundle, []byte("just some text, long enough to read"), 0600); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if _, err := Inspect(notBundle); !errors.Is(err, ErrNotBundle) {
		t.Errorf("expected ErrNotBundle, got %v", err)
	}
}

func TestHeaderRoundtrip(t *testing.T) {
	entries := [][]byte{
		bytes.Repeat([]byte{0x01}, 80),
		bytes.Repeat([]byte{0x02}, 80),
	}

	var buf bytes.Buffer
	if err := writeHeader(&buf, entries); err != nil {
		t.Fatalf("writeHeader failed: %v", err)
	}
	payload := []byte("payload follows")
	buf.Write(payload)

	r := bytes.NewReader(buf.Bytes())
	got, err := readHeader(r)
	if err != nil {
		t.Fatalf("readHeader failed: %v", err)
	}
	if len(got) != 2 || !bytes.Equal(got[0], entries[0]) || !bytes.Equal(got[1], entries[1]) {
		t.Fatalf("entry roundtrip mismatch")
	}

	rest := make([]byte, len(payload))
	if _, err := r.Read(rest); err != nil || !bytes.Equal(rest, payload) {
		t.Error("reader should be positioned at the payload")
	}

	// Truncated inside the recipient table
	short := buf.Bytes()[:len(Magic)+2+2+10]
	if _, err := readHeader(bytes.NewReader(short)); !errors.Is(err, ErrTruncated) {
		t.Errorf("expected ErrTruncated, got %v", err)
	}
}

func assertDirEmpty(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("directory should be empty, found %d entries", len(entries))
	}
}
