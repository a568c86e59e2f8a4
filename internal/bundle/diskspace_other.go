//go:build !linux && !darwin

package bundle

// freeSpace is unavailable on this platform; the precheck is skipped
// and write errors surface during extraction instead.
func freeSpace(string) (uint64, error) {
	return 0, errUnsupportedStatfs
}
