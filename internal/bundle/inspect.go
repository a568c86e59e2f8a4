package bundle

import (
	"fmt"
	"os"
)

// Info is what a bundle reveals without any key: format metadata and
// how many recipients can open it. Recipient identities are not
// recoverable from the file.
type Info struct {
	Path           string
	Size           int64
	FormatVersion  int
	RecipientCount int
}

// Inspect reads a bundle's header without decrypting anything.
func Inspect(path string) (*Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open bundle: %w", err)
	}
	defer f.Close()

	entries, err := readHeader(f)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	return &Info{
		Path:           path,
		Size:           st.Size(),
		FormatVersion:  FormatVersion,
		RecipientCount: len(entries),
	}, nil
}
