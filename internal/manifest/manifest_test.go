package manifest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/live-labs/coffre/internal/archive"
)

func stageDir(t *testing.T, files map[string]string) (*Manifest, string) {
	t.Helper()
	root := t.TempDir()
	var selections []string
	for name, content := range files {
		path := filepath.Join(root, name)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatalf("mkdir failed: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatalf("write failed: %v", err)
		}
		selections = append(selections, path)
	}

	staged, _, err := archive.Stage(context.Background(), selections, root)
	if err != nil {
		t.Fatalf("Stage failed: %v", err)
	}
	t.Cleanup(func() { staged.Remove() })
	return Generate("vault-1", staged.Entries), root
}

func TestGenerateAndParse(t *testing.T) {
	m, _ := stageDir(t, map[string]string{"b.txt": "bee", "a.txt": "ay"})

	if m.FormatVersion != FormatVersion {
		t.Errorf("format version = %d", m.FormatVersion)
	}
	if len(m.Entries) != 2 || m.Entries[0].RelPath != "a.txt" || m.Entries[1].RelPath != "b.txt" {
		t.Fatalf("entries not sorted: %+v", m.Entries)
	}

	data, err := m.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	parsed, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if parsed.VaultID != "vault-1" || len(parsed.Entries) != 2 {
		t.Errorf("parse mismatch: %+v", parsed)
	}
}

func TestParseRejectsUnknownVersion(t *testing.T) {
	if _, err := Parse([]byte(`{"format_version":99}`)); !errors.Is(err, ErrUnsupportedVersion) {
		t.Errorf("expected ErrUnsupportedVersion, got %v", err)
	}
}

func TestVerifyCleanTree(t *testing.T) {
	m, root := stageDir(t, map[string]string{"a.txt": "ay", "b.txt": "bee"})
	if err := Verify(m, root); err != nil {
		t.Errorf("clean tree should verify: %v", err)
	}
}

func TestVerifyFindsEveryProblem(t *testing.T) {
	m, root := stageDir(t, map[string]string{"a.txt": "ay", "b.txt": "bee", "c.txt": "sea"})

	// Tamper with one, delete another, add an extra
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("AY"), 0644); err != nil {
		t.Fatalf("tamper failed: %v", err)
	}
	if err := os.Remove(filepath.Join(root, "b.txt")); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "extra.txt"), []byte("surprise"), 0644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	err := Verify(m, root)
	var intErr *IntegrityError
	if !errors.As(err, &intErr) {
		t.Fatalf("expected IntegrityError, got %v", err)
	}
	if len(intErr.Missing) != 1 || intErr.Missing[0] != "b.txt" {
		t.Errorf("missing = %v", intErr.Missing)
	}
	if len(intErr.Mismatched) != 1 || intErr.Mismatched[0] != "a.txt" {
		t.Errorf("mismatched = %v", intErr.Mismatched)
	}
	if len(intErr.Unexpected) != 1 || intErr.Unexpected[0] != "extra.txt" {
		t.Errorf("unexpected = %v", intErr.Unexpected)
	}
}

func TestVerifySizeMismatchSameLength(t *testing.T) {
	m, root := stageDir(t, map[string]string{"a.txt": "abc"})

	// Same size, different content: only the hash can tell
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("abd"), 0644); err != nil {
		t.Fatalf("tamper failed: %v", err)
	}
	err := Verify(m, root)
	var intErr *IntegrityError
	if !errors.As(err, &intErr) || len(intErr.Mismatched) != 1 {
		t.Fatalf("expected one mismatch, got %v", err)
	}
}

func TestSidecarRoundtripAndDiff(t *testing.T) {
	m, _ := stageDir(t, map[string]string{"a.txt": "ay"})

	dir := t.TempDir()
	bundlePath := filepath.Join(dir, "Vault-2026-08-29.coffre")
	if err := WriteSidecar(bundlePath, m); err != nil {
		t.Fatalf("WriteSidecar failed: %v", err)
	}

	sidecar, err := ReadSidecar(bundlePath)
	if err != nil {
		t.Fatalf("ReadSidecar failed: %v", err)
	}
	if sidecar == nil || len(sidecar.Entries) != 1 {
		t.Fatalf("sidecar roundtrip mismatch: %+v", sidecar)
	}

	if diff := DiffSidecar(m, sidecar); diff != "" {
		t.Errorf("identical manifests should not diff: %q", diff)
	}

	// Drift the sidecar and expect a visible diff
	sidecar.Entries[0].ContentHash = strings.Repeat("0", 64)
	if diff := DiffSidecar(m, sidecar); diff == "" {
		t.Error("drifted sidecar should produce a diff")
	}

	if got, err := ReadSidecar(filepath.Join(dir, "absent.coffre")); err != nil || got != nil {
		t.Errorf("missing sidecar should be (nil, nil), got %v, %v", got, err)
	}
}
