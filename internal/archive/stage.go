package archive

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var ErrNothingToStage = errors.New("no stageable files in selection")

// Problem describes one validation finding for a selected path.
type Problem struct {
	Path   string
	Reason string
	Fatal  bool
}

// ValidationReport collects every problem found while staging, plus the
// size and count totals the UI layer consumes for estimates.
type ValidationReport struct {
	Problems   []Problem
	TotalBytes int64
	FileCount  int
}

// Fatal returns the first fatal problem, or nil.
func (r *ValidationReport) Fatal() *Problem {
	for i := range r.Problems {
		if r.Problems[i].Fatal {
			return &r.Problems[i]
		}
	}
	return nil
}

func (r *ValidationReport) addProblem(path, reason string, fatal bool) {
	r.Problems = append(r.Problems, Problem{Path: path, Reason: reason, Fatal: fatal})
}

// Entry describes one file staged into the archive.
type Entry struct {
	RelPath string
	Size    int64
	Mode    fs.FileMode
	Hash    string // sha256 of file content, hex
}

// Archive is the staged byte stream. It lives in a temp file and is not
// persisted beyond the encryption step; callers must Remove it.
type Archive struct {
	Path       string
	Entries    []Entry
	TotalBytes int64
}

// Open returns a reader over the staged tar bytes.
func (a *Archive) Open() (io.ReadCloser, error) {
	return os.Open(a.Path)
}

// Remove deletes the staged temp file.
func (a *Archive) Remove() error {
	if a.Path == "" {
		return nil
	}
	return os.Remove(a.Path)
}

// stagedFile is one file resolved from the selection before writing.
type stagedFile struct {
	absPath string
	relPath string
	size    int64
	mode    fs.FileMode
}

// Stage validates the selected paths and writes them into a
// deterministic tar stream. Selections may be files or directories; a
// directory contributes its tree under its own name. Every per-path
// problem is collected, but a selection outside allowedRoot is fatal
// and aborts the whole staging.
func Stage(ctx context.Context, selections []string, allowedRoot string) (*Archive, *ValidationReport, error) {
	report := &ValidationReport{}

	absRoot, err := filepath.Abs(allowedRoot)
	if err != nil {
		return nil, report, fmt.Errorf("failed to resolve allowed root: %w", err)
	}

	var files []stagedFile
	seen := make(map[string]string) // rel path -> selection that claimed it

	for _, selection := range selections {
		if err := ctx.Err(); err != nil {
			return nil, report, err
		}

		absSel, err := filepath.Abs(selection)
		if err != nil {
			report.addProblem(selection, "cannot resolve path", false)
			continue
		}

		if !within(absRoot, absSel) {
			report.addProblem(selection, "outside allowed root", true)
			continue
		}

		info, err := os.Lstat(absSel)
		if err != nil {
			report.addProblem(selection, "cannot access", false)
			continue
		}

		switch {
		case info.Mode()&fs.ModeSymlink != 0:
			collectSymlink(absRoot, absSel, filepath.Base(absSel), info, report, &files, seen)
		case info.IsDir():
			collectDir(ctx, absRoot, absSel, report, &files, seen)
		default:
			collectFile(absSel, filepath.Base(absSel), info, report, &files, seen)
		}
	}

	if fatal := report.Fatal(); fatal != nil {
		return nil, report, fmt.Errorf("fatal validation problem: %s: %s", fatal.Path, fatal.Reason)
	}
	if len(files) == 0 {
		return nil, report, ErrNothingToStage
	}

	// Sort by relative path so archive content is deterministic.
	sort.Slice(files, func(i, j int) bool { return files[i].relPath < files[j].relPath })

	archive, err := writeTar(ctx, files)
	if err != nil {
		return nil, report, err
	}
	report.TotalBytes = archive.TotalBytes
	report.FileCount = len(archive.Entries)
	return archive, report, nil
}

func collectDir(ctx context.Context, absRoot, dir string, report *ValidationReport, files *[]stagedFile, seen map[string]string) {
	base := filepath.Base(dir)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			report.addProblem(path, "cannot access", false)
			return nil
		}
		if d.IsDir() {
			return nil
		}

		rel, relErr := filepath.Rel(dir, path)
		if relErr != nil {
			report.addProblem(path, "cannot resolve path", false)
			return nil
		}
		relPath := filepath.ToSlash(filepath.Join(base, rel))

		info, infoErr := d.Info()
		if infoErr != nil {
			report.addProblem(path, "cannot stat", false)
			return nil
		}
		if info.Mode()&fs.ModeSymlink != 0 {
			collectSymlink(absRoot, path, relPath, info, report, files, seen)
			return nil
		}
		collectFile(path, relPath, info, report, files, seen)
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		report.addProblem(dir, "walk failed: "+err.Error(), false)
	}
}

func collectFile(absPath, relPath string, info fs.FileInfo, report *ValidationReport, files *[]stagedFile, seen map[string]string) {
	if !info.Mode().IsRegular() {
		report.addProblem(absPath, "not a regular file", false)
		return
	}
	if prev, dup := seen[relPath]; dup {
		report.addProblem(absPath, "destination overlaps with "+prev, false)
		return
	}
	seen[relPath] = absPath
	*files = append(*files, stagedFile{
		absPath: absPath,
		relPath: relPath,
		size:    info.Size(),
		mode:    info.Mode(),
	})
}

// collectSymlink resolves a symlink and stages its target only when the
// target stays inside the allowed root; an escaping link is rejected.
func collectSymlink(absRoot, absPath, relPath string, _ fs.FileInfo, report *ValidationReport, files *[]stagedFile, seen map[string]string) {
	target, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		report.addProblem(absPath, "broken symlink", false)
		return
	}
	if !within(absRoot, target) {
		report.addProblem(absPath, "symlink escapes allowed root", false)
		return
	}
	info, err := os.Stat(target)
	if err != nil {
		report.addProblem(absPath, "cannot stat symlink target", false)
		return
	}
	if info.IsDir() {
		report.addProblem(absPath, "symlinked directories are not staged", false)
		return
	}
	collectFile(target, relPath, info, report, files, seen)
}

// writeTar streams the staged files into a temp tar file, hashing each
// file as it goes. Headers are normalized so the stream depends only on
// paths, modes and content.
func writeTar(ctx context.Context, files []stagedFile) (*Archive, error) {
	tmp, err := os.CreateTemp("", "coffre-stage-*.tar")
	if err != nil {
		return nil, fmt.Errorf("failed to create staging file: %w", err)
	}

	archive := &Archive{Path: tmp.Name()}
	tw := tar.NewWriter(tmp)

	cleanup := func() {
		tw.Close()
		tmp.Close()
		os.Remove(tmp.Name())
	}

	for _, file := range files {
		if err := ctx.Err(); err != nil {
			cleanup()
			return nil, err
		}

		hdr := &tar.Header{
			Name:   file.relPath,
			Size:   file.size,
			Mode:   int64(file.mode.Perm()),
			Format: tar.FormatPAX,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			cleanup()
			return nil, fmt.Errorf("failed to write header for %s: %w", file.relPath, err)
		}

		src, err := os.Open(file.absPath)
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("failed to open %s: %w", file.relPath, err)
		}

		hasher := sha256.New()
		n, err := io.Copy(io.MultiWriter(tw, hasher), src)
		src.Close()
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("failed to stage %s: %w", file.relPath, err)
		}
		if n != file.size {
			cleanup()
			return nil, fmt.Errorf("file %s changed size during staging", file.relPath)
		}

		archive.Entries = append(archive.Entries, Entry{
			RelPath: file.relPath,
			Size:    file.size,
			Mode:    file.mode.Perm(),
			Hash:    hex.EncodeToString(hasher.Sum(nil)),
		})
		archive.TotalBytes += file.size
	}

	if err := tw.Close(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("failed to finalize archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("failed to close staging file: %w", err)
	}
	return archive, nil
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}
