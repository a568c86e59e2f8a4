package manifest

import (
	"fmt"
	"os"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// SidecarSuffix is appended to the bundle path for the optional
// plaintext manifest sidecar.
const SidecarSuffix = ".manifest.json"

// SidecarPath returns the sidecar location for a bundle path.
func SidecarPath(bundlePath string) string {
	return bundlePath + SidecarSuffix
}

// WriteSidecar writes the manifest next to the bundle as plaintext for
// pre-decryption browsing. The sidecar is advisory only: verification
// at decrypt time always uses the copy embedded in the bundle.
func WriteSidecar(bundlePath string, m *Manifest) error {
	data, err := m.Marshal()
	if err != nil {
		return err
	}
	if err := os.WriteFile(SidecarPath(bundlePath), data, 0600); err != nil {
		return fmt.Errorf("failed to write manifest sidecar: %w", err)
	}
	return nil
}

// ReadSidecar loads the sidecar for a bundle, or nil when none exists.
func ReadSidecar(bundlePath string) (*Manifest, error) {
	data, err := os.ReadFile(SidecarPath(bundlePath))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest sidecar: %w", err)
	}
	return Parse(data)
}

// DiffSidecar renders a textual diff between the authoritative embedded
// manifest and the advisory sidecar, so drift is visible even though
// the sidecar is never trusted for verification.
func DiffSidecar(embedded, sidecar *Manifest) string {
	a := renderForDiff(embedded)
	b := renderForDiff(sidecar)
	if a == b {
		return ""
	}

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(b, a, false)
	dmp.DiffCleanupSemantic(diffs)
	return dmp.DiffPrettyText(diffs)
}

func renderForDiff(m *Manifest) string {
	if m == nil {
		return ""
	}
	out := ""
	for _, e := range m.Entries {
		out += fmt.Sprintf("%s %d %s\n", e.RelPath, e.Size, e.ContentHash)
	}
	return out
}
