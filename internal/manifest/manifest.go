// Package manifest produces and checks the integrity record over an
// archive. Verification is exhaustive: every manifest entry is checked
// against the extracted tree, and any file on disk that the manifest
// does not mention is flagged rather than silently accepted.
package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/live-labs/coffre/internal/archive"
)

// FormatVersion is the current manifest format version.
const FormatVersion = 1

var ErrUnsupportedVersion = errors.New("unsupported manifest format version")

// Entry records one file's identity within an archive.
type Entry struct {
	RelPath     string `json:"relative_path"`
	Size        int64  `json:"size"`
	ContentHash string `json:"content_hash"` // sha256, hex
}

// Manifest is the integrity record embedded in every bundle.
type Manifest struct {
	FormatVersion int       `json:"format_version"`
	VaultID       string    `json:"vault_id"`
	CreatedAt     time.Time `json:"created_at"`
	Entries       []Entry   `json:"entries"`
}

// Generate builds a manifest from staged archive entries. Hashes were
// computed during staging, so no file is read twice.
func Generate(vaultID string, entries []archive.Entry) *Manifest {
	m := &Manifest{
		FormatVersion: FormatVersion,
		VaultID:       vaultID,
		CreatedAt:     time.Now().UTC(),
	}
	for _, e := range entries {
		m.Entries = append(m.Entries, Entry{
			RelPath:     e.RelPath,
			Size:        e.Size,
			ContentHash: e.Hash,
		})
	}
	sort.Slice(m.Entries, func(i, j int) bool { return m.Entries[i].RelPath < m.Entries[j].RelPath })
	return m
}

// Marshal encodes the manifest as JSON.
func (m *Manifest) Marshal() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal manifest: %w", err)
	}
	return data, nil
}

// Parse decodes and validates a manifest.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if m.FormatVersion != FormatVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, m.FormatVersion)
	}
	return &m, nil
}

// IntegrityError reports every discrepancy between a manifest and an
// extracted tree. It is never partial: all three lists are complete.
type IntegrityError struct {
	Missing    []string // in manifest, absent on disk
	Mismatched []string // present but wrong size or hash
	Unexpected []string // on disk, absent from manifest
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity check failed: %d missing, %d mismatched, %d unexpected",
		len(e.Missing), len(e.Mismatched), len(e.Unexpected))
}

// Guidance returns the recovery guidance shown alongside the error.
func (e *IntegrityError) Guidance() string {
	return "The extracted files do not match the vault manifest. Do not trust the output; re-extract from an intact bundle."
}

// Verify checks every manifest entry against the tree rooted at dir and
// flags any file present on disk but absent from the manifest. Returns
// nil on an exact match, *IntegrityError otherwise.
func Verify(m *Manifest, dir string) error {
	integrityErr := &IntegrityError{}
	listed := make(map[string]Entry, len(m.Entries))
	for _, e := range m.Entries {
		listed[e.RelPath] = e
	}

	for _, e := range m.Entries {
		path := filepath.Join(dir, filepath.FromSlash(e.RelPath))
		info, err := os.Stat(path)
		if err != nil {
			integrityErr.Missing = append(integrityErr.Missing, e.RelPath)
			continue
		}
		if info.Size() != e.Size {
			integrityErr.Mismatched = append(integrityErr.Mismatched, e.RelPath)
			continue
		}
		hash, err := hashFile(path)
		if err != nil || hash != e.ContentHash {
			integrityErr.Mismatched = append(integrityErr.Mismatched, e.RelPath)
		}
	}

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, relErr := filepath.Rel(dir, path)
		if relErr != nil {
			return relErr
		}
		relSlash := filepath.ToSlash(rel)
		if _, ok := listed[relSlash]; !ok {
			integrityErr.Unexpected = append(integrityErr.Unexpected, relSlash)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to scan extracted tree: %w", err)
	}

	if len(integrityErr.Missing) == 0 && len(integrityErr.Mismatched) == 0 && len(integrityErr.Unexpected) == 0 {
		return nil
	}
	sort.Strings(integrityErr.Missing)
	sort.Strings(integrityErr.Mismatched)
	sort.Strings(integrityErr.Unexpected)
	return integrityErr
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// Summary renders a short human-readable listing, used by inspect.
func (m *Manifest) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "vault %s, created %s, %d files\n", m.VaultID, m.CreatedAt.Format(time.RFC3339), len(m.Entries))
	for _, e := range m.Entries {
		fmt.Fprintf(&b, "  %s (%d bytes)\n", e.RelPath, e.Size)
	}
	return b.String()
}
