package bundle

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/live-labs/coffre/internal/archive"
	"github.com/live-labs/coffre/internal/crypto"
	"github.com/live-labs/coffre/internal/keystore"
	"github.com/live-labs/coffre/internal/manifest"
)

// CollisionPolicy decides what happens when an extracted file's
// destination already exists. There is no default: callers must choose
// explicitly.
type CollisionPolicy int

const (
	collisionUnset CollisionPolicy = iota

	// CollisionFail aborts extraction at the first existing
	// destination file.
	CollisionFail

	// CollisionOverwrite replaces existing destination files.
	CollisionOverwrite

	// CollisionRename keeps existing files and writes the extracted
	// copy under a .recovered suffix.
	CollisionRename
)

const (
	// renameSuffix marks extracted files diverted by CollisionRename.
	renameSuffix = ".recovered"

	// spoolSuffix marks an in-flight destination file. It is renamed
	// into place only once the file is fully written.
	spoolSuffix = ".coffre-tmp"

	maxManifestSize = 16 << 20

	// finishingThreshold is the progress percentage past which
	// cancellation is refused: the run is close enough to done that
	// finishing is cheaper than unwinding.
	finishingThreshold = 90
)

var (
	ErrCollisionPolicyUnset = errors.New("a collision policy must be chosen before decrypting")
	ErrDestinationExists    = errors.New("destination file already exists")
	ErrPayloadTampered      = errors.New("bundle payload failed integrity verification")
)

// DecryptOptions configures one decryption run.
type DecryptOptions struct {
	OutputDir string
	Collision CollisionPolicy
	Events    chan<- Event
}

// ExtractionResult describes what a completed run produced. Integrity
// problems found while verifying against the embedded manifest do not
// fail the run; they are reported here with the files left in place.
type ExtractionResult struct {
	OutputDir string
	Files     []string
	Renamed   map[string]string
	Manifest  *manifest.Manifest
	Verified  bool
	Integrity *manifest.IntegrityError
}

// Decryptor restores bundles. The payload is authenticated in full
// before the first destination file is created, so a corrupted or
// tampered bundle writes nothing.
type Decryptor struct {
	lock *OperationLock
}

func NewDecryptor(lock *OperationLock) *Decryptor {
	return &Decryptor{lock: lock}
}

// DecryptWithPassphrase unlocks a stored key and decrypts with it. The
// unlock runs in the background so the key derivation can be abandoned
// on cancellation.
func (d *Decryptor) DecryptWithPassphrase(ctx context.Context, bundlePath string, store *keystore.Store, keyID string, passphrase []byte, opts DecryptOptions) (*ExtractionResult, error) {
	emitTo(opts.Events, Event{State: StateUnlocking, Percent: 0, Message: "unlocking key"})

	type unlockResult struct {
		key *keystore.UnlockedKey
		err error
	}
	ch := make(chan unlockResult, 1)
	go func() {
		key, err := store.Unlock(keyID, passphrase)
		ch <- unlockResult{key: key, err: err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.key != nil {
				r.key.Destroy()
			}
		}()
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		handle := NewPassphraseHandle(r.key)
		defer handle.Close()
		return d.Decrypt(ctx, bundlePath, handle, opts)
	}
}

// Decrypt restores bundlePath into opts.OutputDir using the given key.
func (d *Decryptor) Decrypt(ctx context.Context, bundlePath string, handle KeyHandle, opts DecryptOptions) (*ExtractionResult, error) {
	if opts.OutputDir == "" {
		return nil, errors.New("output directory is required")
	}
	if opts.Collision == collisionUnset {
		return nil, ErrCollisionPolicyUnset
	}

	if err := d.lock.acquire(); err != nil {
		return nil, err
	}
	defer d.lock.release()

	rep := newReporter(opts.Events)

	in, err := os.Open(bundlePath)
	if err != nil {
		rep.emit(StateFailed, 0, err.Error())
		return nil, fmt.Errorf("failed to open bundle: %w", err)
	}
	defer in.Close()

	entries, err := readHeader(in)
	if err != nil {
		rep.emit(StateFailed, 0, err.Error())
		return nil, err
	}

	rep.emit(StateUnwrapping, 2, "matching key against recipients")
	contentKey, err := trialUnwrap(ctx, handle, entries)
	if err != nil {
		rep.emit(StateFailed, 0, err.Error())
		return nil, err
	}
	defer crypto.ClearBytes(contentKey)

	m, spool, err := d.spoolPayload(ctx, in, contentKey, rep)
	if err != nil {
		rep.emit(StateFailed, 0, err.Error())
		return nil, err
	}
	defer func() {
		spool.Close()
		os.Remove(spool.Name())
	}()

	result, err := d.extract(ctx, spool, m, opts, rep)
	if err != nil {
		rep.emit(StateFailed, 0, err.Error())
		return nil, err
	}

	rep.emit(StateDone, 100, "extraction complete")
	return result, nil
}

// trialUnwrap tries every recipient entry until one yields the content
// key. Entries are unlabeled, so there is nothing smarter to do; a key
// that matches no entry gets the same generic failure a wrong
// passphrase would.
func trialUnwrap(ctx context.Context, handle KeyHandle, entries [][]byte) ([]byte, error) {
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		key, err := handle.Unwrap(ctx, entry)
		if err == nil {
			return key, nil
		}
		if errors.Is(err, crypto.ErrAuthFailed) {
			continue
		}
		return nil, err
	}
	return nil, ErrKeyMismatch
}

// spoolPayload decrypts and authenticates the whole payload into a
// temporary file before extraction starts. An authentication failure
// anywhere in the stream therefore writes zero destination files.
func (d *Decryptor) spoolPayload(ctx context.Context, in io.Reader, contentKey []byte, rep *reporter) (*manifest.Manifest, *os.File, error) {
	rep.emit(StateExtracting, 10, "decrypting payload")

	sr, err := crypto.NewStreamReader(in, contentKey)
	if err != nil {
		return nil, nil, mapStreamErr(err)
	}

	var lenBuf [4]byte
	if _, err := io.ReadFull(sr, lenBuf[:]); err != nil {
		return nil, nil, mapStreamErr(err)
	}
	manifestLen := binary.BigEndian.Uint32(lenBuf[:])
	if manifestLen == 0 || manifestLen > maxManifestSize {
		return nil, nil, ErrPayloadTampered
	}
	manifestJSON := make([]byte, manifestLen)
	if _, err := io.ReadFull(sr, manifestJSON); err != nil {
		return nil, nil, mapStreamErr(err)
	}
	m, err := manifest.Parse(manifestJSON)
	if err != nil {
		return nil, nil, err
	}

	spool, err := os.CreateTemp("", "coffre-restore-*.tar")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	discard := func() {
		spool.Close()
		os.Remove(spool.Name())
	}

	var total int64
	for _, entry := range m.Entries {
		total += entry.Size
	}

	var copied int64
	buf := make([]byte, 64*1024)
	for {
		if err := ctx.Err(); err != nil {
			discard()
			return nil, nil, err
		}
		n, rerr := sr.Read(buf)
		if n > 0 {
			if _, werr := spool.Write(buf[:n]); werr != nil {
				discard()
				return nil, nil, fmt.Errorf("failed to write temp file: %w", werr)
			}
			copied += int64(n)
			if total > 0 {
				pct := min(10+float64(copied)/float64(total)*50, 60)
				rep.emit(StateExtracting, pct, fmt.Sprintf("decrypting (%d/%d bytes)", copied, total))
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			discard()
			return nil, nil, mapStreamErr(rerr)
		}
	}

	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		discard()
		return nil, nil, err
	}
	return m, spool, nil
}

func mapStreamErr(err error) error {
	if errors.Is(err, crypto.ErrAuthFailed) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return ErrPayloadTampered
	}
	return err
}

// extract walks the authenticated tar stream and writes destination
// files one at a time. Every file goes through a temp name in its final
// directory and is renamed into place when complete, so cancellation
// never leaves a partially written destination file.
func (d *Decryptor) extract(ctx context.Context, spool *os.File, m *manifest.Manifest, opts DecryptOptions, rep *reporter) (*ExtractionResult, error) {
	if err := os.MkdirAll(opts.OutputDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	var needed int64
	want := make(map[string]manifest.Entry, len(m.Entries))
	for _, entry := range m.Entries {
		needed += entry.Size
		want[entry.RelPath] = entry
	}
	if err := checkFreeSpace(opts.OutputDir, uint64(needed)); err != nil {
		return nil, err
	}

	guard, err := archive.NewGuard(opts.OutputDir)
	if err != nil {
		return nil, err
	}
	defer guard.Close()

	result := &ExtractionResult{
		OutputDir: opts.OutputDir,
		Renamed:   make(map[string]string),
		Manifest:  m,
	}

	var (
		written   int64
		finishing bool
		mismatch  []string
		unexpect  []string
		seen      = make(map[string]bool, len(m.Entries))
	)

	tr := tar.NewReader(spool)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("bundle archive is malformed: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}

		pct := extractPercent(written, needed)
		if ctx.Err() != nil {
			if pct <= finishingThreshold {
				return nil, ctx.Err()
			}
			if !finishing {
				finishing = true
				rep.emit(StateExtracting, pct, "almost done, finishing remaining files")
			}
		}

		rel, err := guard.ValidateStored(header.Name)
		if err != nil {
			return nil, err
		}

		entry, expected := want[rel]
		if !expected {
			unexpect = append(unexpect, rel)
		}
		seen[rel] = true

		final, err := resolveCollision(guard, rel, opts.Collision)
		if err != nil {
			return nil, err
		}

		hash, err := writeExtracted(guard, final, header, tr)
		if err != nil {
			return nil, err
		}

		if expected && hash != entry.ContentHash {
			mismatch = append(mismatch, rel)
		}
		if final != rel {
			result.Renamed[rel] = final
		}
		result.Files = append(result.Files, final)
		written += header.Size
		rep.emit(StateExtracting, extractPercent(written, needed), fmt.Sprintf("extracted %s", final))
	}

	rep.emit(StateVerifying, 96, "verifying extracted files")
	var missing []string
	for _, entry := range m.Entries {
		if !seen[entry.RelPath] {
			missing = append(missing, entry.RelPath)
		}
	}
	sort.Strings(missing)
	sort.Strings(mismatch)
	sort.Strings(unexpect)
	if len(missing)+len(mismatch)+len(unexpect) > 0 {
		result.Integrity = &manifest.IntegrityError{
			Missing:    missing,
			Mismatched: mismatch,
			Unexpected: unexpect,
		}
	}
	result.Verified = result.Integrity == nil
	sort.Strings(result.Files)
	return result, nil
}

func extractPercent(written, needed int64) float64 {
	if needed <= 0 {
		return 95
	}
	return min(60+float64(written)/float64(needed)*35, 95)
}

// resolveCollision picks the final destination path for one file.
func resolveCollision(guard *archive.Guard, rel string, policy CollisionPolicy) (string, error) {
	if _, err := guard.Stat(rel); err != nil {
		return rel, nil
	}
	switch policy {
	case CollisionFail:
		return "", fmt.Errorf("%w: %s", ErrDestinationExists, rel)
	case CollisionOverwrite:
		return rel, nil
	case CollisionRename:
		candidate := rel + renameSuffix
		for i := 2; ; i++ {
			if _, err := guard.Stat(candidate); err != nil {
				return candidate, nil
			}
			candidate = fmt.Sprintf("%s%s.%d", rel, renameSuffix, i)
		}
	}
	return "", ErrCollisionPolicyUnset
}

// writeExtracted streams one tar entry to disk and returns its SHA-256
// hex digest. The rename at the end is atomic on the same filesystem,
// which is guaranteed since the temp name lives next to the final one.
func writeExtracted(guard *archive.Guard, final string, header *tar.Header, r io.Reader) (string, error) {
	if dir := filepath.Dir(final); dir != "." {
		if err := guard.MkdirAll(dir, 0700); err != nil {
			return "", err
		}
	}

	tmp := final + spoolSuffix
	guard.Remove(tmp)
	f, err := guard.Create(tmp, header.FileInfo().Mode().Perm())
	if err != nil {
		return "", err
	}

	hasher := sha256.New()
	if _, err := io.Copy(io.MultiWriter(f, hasher), r); err != nil {
		f.Close()
		guard.Remove(tmp)
		return "", fmt.Errorf("failed to write %s: %w", final, err)
	}
	if err := f.Close(); err != nil {
		guard.Remove(tmp)
		return "", err
	}

	if err := guard.Rename(tmp, final); err != nil {
		guard.Remove(tmp)
		return "", fmt.Errorf("failed to finalize %s: %w", final, err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// emitTo delivers one event without blocking, for callers that need to
// report before an engine run starts.
func emitTo(ch chan<- Event, ev Event) {
	if ch == nil {
		return
	}
	select {
	case ch <- ev:
	default:
	}
}
