package archive

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var (
	ErrPathEscapes  = errors.New("path escapes destination root")
	ErrAbsolutePath = errors.New("absolute paths are not allowed")
	ErrEmptyPath    = errors.New("empty path not allowed")
)

// Guard provides secure path validation and file operations confined to
// a root directory using os.Root, preventing traversal and symlink
// escapes even for hostile relative paths.
type Guard struct {
	root     *os.Root
	rootPath string
}

// NewGuard opens a guard over the directory at path.
func NewGuard(path string) (*Guard, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	root, err := os.OpenRoot(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open root: %w", err)
	}

	return &Guard{root: root, rootPath: absPath}, nil
}

// Close releases resources held by the Guard.
func (g *Guard) Close() error {
	if g.root != nil {
		return g.root.Close()
	}
	return nil
}

// Path returns the absolute root path the guard confines operations to.
func (g *Guard) Path() string {
	return g.rootPath
}

// Validate checks a relative path and returns its normalized slash form.
// It rejects empty paths, absolute paths, paths that escape the root,
// and reserved names (via filepath.IsLocal).
func (g *Guard) Validate(userPath string) (string, error) {
	if userPath == "" {
		return "", ErrEmptyPath
	}

	if !filepath.IsLocal(userPath) {
		if filepath.IsAbs(userPath) {
			return "", fmt.Errorf("%w: %s", ErrAbsolutePath, userPath)
		}
		return "", fmt.Errorf("%w: %s", ErrPathEscapes, userPath)
	}

	cleanPath := filepath.Clean(userPath)
	if !filepath.IsLocal(cleanPath) {
		return "", fmt.Errorf("%w: %s", ErrPathEscapes, cleanPath)
	}

	relPath, err := filepath.Rel(g.rootPath, filepath.Join(g.rootPath, cleanPath))
	if err != nil {
		return "", fmt.Errorf("failed to compute relative path: %w", err)
	}
	if strings.HasPrefix(relPath, "..") || filepath.IsAbs(relPath) {
		return "", fmt.Errorf("%w: %s", ErrPathEscapes, userPath)
	}

	return filepath.ToSlash(relPath), nil
}

// ValidateStored validates a path read from a bundle or manifest, which
// may have been tampered with.
func (g *Guard) ValidateStored(storedPath string) (string, error) {
	return g.Validate(filepath.FromSlash(storedPath))
}

// WriteFile safely writes a file within the root.
func (g *Guard) WriteFile(path string, data []byte, perm os.FileMode) error {
	platformPath := filepath.FromSlash(path)
	if _, err := g.Validate(platformPath); err != nil {
		return fmt.Errorf("invalid path: %w", err)
	}
	return g.root.WriteFile(platformPath, data, perm)
}

// Create safely creates a file within the root for streaming writes.
func (g *Guard) Create(path string, perm os.FileMode) (*os.File, error) {
	platformPath := filepath.FromSlash(path)
	if _, err := g.Validate(platformPath); err != nil {
		return nil, fmt.Errorf("invalid path: %w", err)
	}
	f, err := g.root.OpenFile(platformPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// OverwriteFile is Create without O_EXCL, used by the overwrite
// collision policy.
func (g *Guard) OverwriteFile(path string, perm os.FileMode) (*os.File, error) {
	platformPath := filepath.FromSlash(path)
	if _, err := g.Validate(platformPath); err != nil {
		return nil, fmt.Errorf("invalid path: %w", err)
	}
	return g.root.OpenFile(platformPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
}

// MkdirAll safely creates directories within the root.
func (g *Guard) MkdirAll(path string, perm os.FileMode) error {
	platformPath := filepath.FromSlash(path)
	if _, err := g.Validate(platformPath); err != nil {
		return fmt.Errorf("invalid path: %w", err)
	}
	return g.root.MkdirAll(platformPath, perm)
}

// Stat safely stats a file within the root.
func (g *Guard) Stat(path string) (os.FileInfo, error) {
	platformPath := filepath.FromSlash(path)
	if _, err := g.Validate(platformPath); err != nil {
		return nil, fmt.Errorf("invalid path: %w", err)
	}
	return g.root.Stat(platformPath)
}

// Rename safely renames a file within the root. Both paths are
// validated; the rename is atomic on the same filesystem.
func (g *Guard) Rename(oldPath, newPath string) error {
	oldPlatform := filepath.FromSlash(oldPath)
	newPlatform := filepath.FromSlash(newPath)
	if _, err := g.Validate(oldPlatform); err != nil {
		return fmt.Errorf("invalid path: %w", err)
	}
	if _, err := g.Validate(newPlatform); err != nil {
		return fmt.Errorf("invalid path: %w", err)
	}
	return g.root.Rename(oldPlatform, newPlatform)
}

// Remove safely removes a file within the root.
func (g *Guard) Remove(path string) error {
	platformPath := filepath.FromSlash(path)
	if _, err := g.Validate(platformPath); err != nil {
		return fmt.Errorf("invalid path: %w", err)
	}
	return g.root.Remove(platformPath)
}
