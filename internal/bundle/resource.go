package bundle

import (
	"errors"
	"fmt"
)

var errUnsupportedStatfs = errors.New("free space check not supported on this platform")

// ResourceError reports that the destination filesystem cannot hold the
// extracted files. It is raised before any file is written.
type ResourceError struct {
	Dir       string
	Needed    uint64
	Available uint64
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("not enough space in %s: need %d bytes, %d available", e.Dir, e.Needed, e.Available)
}

// Guidance returns the recovery guidance for the failure.
func (e *ResourceError) Guidance() string {
	return "Free up disk space or choose a different output directory, then retry."
}

// checkFreeSpace raises a ResourceError when dir cannot hold needed
// bytes. Platforms without a statfs equivalent skip the check.
func checkFreeSpace(dir string, needed uint64) error {
	avail, err := freeSpace(dir)
	if err != nil {
		return nil
	}
	if avail < needed {
		return &ResourceError{Dir: dir, Needed: needed, Available: avail}
	}
	return nil
}
