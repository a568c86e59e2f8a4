package bundle

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/live-labs/coffre/internal/archive"
	"github.com/live-labs/coffre/internal/crypto"
	"github.com/live-labs/coffre/internal/manifest"
)

var (
	ErrNoRecipients        = errors.New("at least one recipient key is required")
	ErrTooManyRecipients   = fmt.Errorf("a bundle supports at most %d recipient keys", MaxRecipients)
	ErrRecipientKeyInvalid = errors.New("recipient public key is invalid")
)

// EncryptRequest carries everything one encryption run needs. Events is
// optional; when set, progress updates are delivered without blocking.
type EncryptRequest struct {
	Archive    *archive.Archive
	Manifest   *manifest.Manifest
	Recipients [][]byte
	OutputPath string
	Events     chan<- Event
}

// Encryptor produces bundles. One content key is generated per run and
// wrapped once per recipient; the payload is encrypted a single time no
// matter how many recipients there are.
type Encryptor struct {
	lock *OperationLock
}

func NewEncryptor(lock *OperationLock) *Encryptor {
	return &Encryptor{lock: lock}
}

// Encrypt writes the bundle to req.OutputPath. All validation happens
// before any key material is generated, so a bad request costs nothing.
// Output goes through a .partial temp file: a failed or cancelled run
// leaves no bundle behind.
func (e *Encryptor) Encrypt(ctx context.Context, req EncryptRequest) error {
	if len(req.Recipients) < MinRecipients {
		return ErrNoRecipients
	}
	if len(req.Recipients) > MaxRecipients {
		return ErrTooManyRecipients
	}
	for i, pub := range req.Recipients {
		if !crypto.ValidPublicKey(pub) {
			return fmt.Errorf("%w: recipient %d", ErrRecipientKeyInvalid, i+1)
		}
	}
	if req.Archive == nil || req.Manifest == nil {
		return errors.New("encryption requires a staged archive and manifest")
	}

	if err := e.lock.acquire(); err != nil {
		return err
	}
	defer e.lock.release()

	rep := newReporter(req.Events)
	rep.emit(StateEncrypting, 0, "preparing bundle")

	if err := checkFreeSpace(filepath.Dir(req.OutputPath), uint64(req.Archive.TotalBytes)+uint64(len(req.Recipients))*maxEntrySize); err != nil {
		rep.emit(StateFailed, 0, err.Error())
		return err
	}

	contentKey, err := crypto.GenerateRandom(crypto.KeySize)
	if err != nil {
		rep.emit(StateFailed, 0, err.Error())
		return err
	}
	defer crypto.ClearBytes(contentKey)

	entries := make([][]byte, 0, len(req.Recipients))
	for _, pub := range req.Recipients {
		entry, err := crypto.WrapKey(contentKey, pub)
		if err != nil {
			rep.emit(StateFailed, 0, err.Error())
			return fmt.Errorf("failed to wrap content key: %w", err)
		}
		entries = append(entries, entry)
	}
	rep.emit(StateEncrypting, 5, "content key wrapped for all recipients")

	partial := req.OutputPath + ".partial"
	out, err := os.OpenFile(partial, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		rep.emit(StateFailed, 0, err.Error())
		return fmt.Errorf("failed to create output file: %w", err)
	}
	cleanup := func() {
		out.Close()
		os.Remove(partial)
	}

	if err := e.writeBundle(ctx, out, entries, contentKey, req, rep); err != nil {
		cleanup()
		rep.emit(StateFailed, 0, err.Error())
		return err
	}

	if err := out.Sync(); err != nil {
		cleanup()
		rep.emit(StateFailed, 0, err.Error())
		return fmt.Errorf("failed to sync bundle: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(partial)
		rep.emit(StateFailed, 0, err.Error())
		return fmt.Errorf("failed to close bundle: %w", err)
	}
	if err := os.Rename(partial, req.OutputPath); err != nil {
		os.Remove(partial)
		rep.emit(StateFailed, 0, err.Error())
		return fmt.Errorf("failed to finalize bundle: %w", err)
	}

	rep.emit(StateDone, 100, "bundle written")
	return nil
}

func (e *Encryptor) writeBundle(ctx context.Context, out io.Writer, entries [][]byte, contentKey []byte, req EncryptRequest, rep *reporter) error {
	if err := writeHeader(out, entries); err != nil {
		return err
	}

	sw, err := crypto.NewStreamWriter(out, contentKey)
	if err != nil {
		return err
	}

	manifestJSON, err := req.Manifest.Marshal()
	if err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(manifestJSON)))
	if _, err := sw.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := sw.Write(manifestJSON); err != nil {
		return err
	}

	src, err := req.Archive.Open()
	if err != nil {
		return fmt.Errorf("failed to open staged archive: %w", err)
	}
	defer src.Close()

	var written int64
	total := req.Archive.TotalBytes
	buf := make([]byte, 64*1024)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := sw.Write(buf[:n]); werr != nil {
				return werr
			}
			written += int64(n)
			if total > 0 {
				// written tracks tar bytes, which run a little past the
				// summed file sizes, so clamp the payload phase at 95.
				pct := min(5+float64(written)/float64(total)*90, 95)
				rep.emit(StateEncrypting, pct, fmt.Sprintf("encrypting (%d/%d bytes)", written, total))
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return fmt.Errorf("failed to read staged archive: %w", rerr)
		}
	}

	return sw.Close()
}
