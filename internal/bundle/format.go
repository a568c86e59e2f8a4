package bundle

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// Magic identifies a coffre bundle file.
	Magic = "CFV1"

	// FormatVersion is the current bundle format version.
	FormatVersion = 1

	// MinRecipients and MaxRecipients bound the recipient table.
	MinRecipients = 1
	MaxRecipients = 4

	// DefaultExtension is the conventional bundle filename extension.
	DefaultExtension = ".coffre"

	maxEntrySize = 4096
)

var (
	ErrNotBundle          = errors.New("not a coffre bundle")
	ErrUnsupportedVersion = errors.New("unsupported bundle format version")
	ErrTruncated          = errors.New("bundle is truncated or corrupted")
)

// writeHeader writes the bundle header and recipient table.
func writeHeader(w io.Writer, entries [][]byte) error {
	var buf []byte
	buf = append(buf, Magic...)
	buf = append(buf, FormatVersion, 0)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(entries)))
	for _, entry := range entries {
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(entry)))
		buf = append(buf, entry...)
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to write bundle header: %w", err)
	}
	return nil
}

// readHeader parses the bundle header and returns the recipient table.
// The reader is left positioned at the start of the payload.
func readHeader(r io.Reader) ([][]byte, error) {
	fixed := make([]byte, len(Magic)+2+2)
	if _, err := io.ReadFull(r, fixed); err != nil {
		return nil, ErrNotBundle
	}
	if string(fixed[:len(Magic)]) != Magic {
		return nil, ErrNotBundle
	}
	if fixed[len(Magic)] != FormatVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, fixed[len(Magic)])
	}

	count := int(binary.BigEndian.Uint16(fixed[len(Magic)+2:]))
	if count < MinRecipients || count > MaxRecipients {
		return nil, ErrTruncated
	}

	entries := make([][]byte, 0, count)
	lenBuf := make([]byte, 2)
	for i := 0; i < count; i++ {
		if _, err := io.ReadFull(r, lenBuf); err != nil {
			return nil, ErrTruncated
		}
		entryLen := int(binary.BigEndian.Uint16(lenBuf))
		if entryLen == 0 || entryLen > maxEntrySize {
			return nil, ErrTruncated
		}
		entry := make([]byte, entryLen)
		if _, err := io.ReadFull(r, entry); err != nil {
			return nil, ErrTruncated
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
