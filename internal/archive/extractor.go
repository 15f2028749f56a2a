// Package archive unpacks uploaded ZIP archives into workload directories.
package archive

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/narvanalabs/botpanel/internal/validation"
)

// Limits bounds what a single archive may expand to.
type Limits struct {
	MaxEntries    int
	MaxTotalBytes int64
}

// DefaultLimits returns limits suitable for small bot projects that may still
// ship a vendored node_modules directory.
func DefaultLimits() Limits {
	return Limits{
		MaxEntries:    50000,
		MaxTotalBytes: 1 << 30,
	}
}

// Result describes a completed extraction.
type Result struct {
	Dir   string
	Files int
	Bytes int64
	// StrippedPrefix is the single top-level folder removed from every entry
	// when the whole archive was nested inside one directory.
	StrippedPrefix string
}

// Extractor validates and unpacks archives.
type Extractor struct {
	limits Limits
	logger *slog.Logger
}

// NewExtractor creates a new extractor.
func NewExtractor(limits Limits, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	if limits.MaxEntries <= 0 {
		limits.MaxEntries = DefaultLimits().MaxEntries
	}
	if limits.MaxTotalBytes <= 0 {
		limits.MaxTotalBytes = DefaultLimits().MaxTotalBytes
	}
	return &Extractor{limits: limits, logger: logger}
}

// plannedEntry is an archive member that passed validation.
type plannedEntry struct {
	file *zip.File
	rel  string
	dir  bool
}

// Extract unpacks the archive read from r into dest and checks that entryPoint
// exists as a regular file afterwards. Every entry is validated before anything
// is written. On any failure dest and everything under it is removed before the
// error is returned, so no partial tree survives.
func (e *Extractor) Extract(ctx context.Context, r io.ReaderAt, size int64, dest, entryPoint string) (res *Result, err error) {
	defer func() {
		if err != nil {
			if rmErr := os.RemoveAll(dest); rmErr != nil {
				e.logger.Error("failed to clean up after extraction failure",
					"dir", dest,
					"error", rmErr,
				)
			}
		}
	}()

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return nil, fmt.Errorf("creating target directory: %w", err)
	}

	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, openError(err)
	}

	entries, prefix, err := e.plan(zr.File, entryPoint, true)
	if err != nil {
		return nil, err
	}

	res, err = e.write(ctx, entries, dest, nil)
	if err != nil {
		return nil, err
	}
	res.StrippedPrefix = prefix

	if entryPoint != "" {
		info, statErr := os.Lstat(filepath.Join(dest, filepath.FromSlash(entryPoint)))
		if statErr != nil || !info.Mode().IsRegular() {
			return nil, fmt.Errorf("%w: %s", ErrEntryPointMissing, entryPoint)
		}
	}

	e.logger.Debug("archive extracted",
		"dir", dest,
		"files", res.Files,
		"bytes", res.Bytes,
		"stripped_prefix", prefix,
	)
	return res, nil
}

// ExtractFile unpacks a ZIP file that already lives on disk into dest, which
// may already exist. Entries keep their archive paths. On failure only the
// paths created by this call are removed; pre-existing files are left alone.
func (e *Extractor) ExtractFile(ctx context.Context, archivePath, dest string) (*Result, error) {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		if zr != nil {
			zr.Close()
		}
		return nil, openError(err)
	}
	defer zr.Close()

	entries, _, err := e.plan(zr.File, "", false)
	if err != nil {
		return nil, err
	}

	var created []string
	res, err := e.write(ctx, entries, dest, &created)
	if err != nil {
		for i := len(created) - 1; i >= 0; i-- {
			os.Remove(created[i])
		}
		return nil, err
	}
	return res, nil
}

// openError classifies a failure to open an archive. The zip package reports
// non-local names itself when GODEBUG zipinsecurepath=0 is set.
func openError(err error) error {
	if errors.Is(err, zip.ErrInsecurePath) {
		return fmt.Errorf("%w: %v", ErrPathTraversal, err)
	}
	return fmt.Errorf("%w: %v", ErrMalformedArchive, err)
}

// plan validates every entry and, when strip is set, decides whether a common
// top-level folder should be removed.
func (e *Extractor) plan(files []*zip.File, entryPoint string, strip bool) ([]plannedEntry, string, error) {
	if len(files) > e.limits.MaxEntries {
		return nil, "", fmt.Errorf("%w: %d entries (limit %d)", ErrArchiveTooLarge, len(files), e.limits.MaxEntries)
	}

	var total uint64
	entries := make([]plannedEntry, 0, len(files))
	for _, f := range files {
		rel, err := cleanEntryName(f.Name)
		if err != nil {
			return nil, "", err
		}
		if rel == "" || isMetadataEntry(rel) {
			continue
		}

		mode := f.Mode()
		if mode&os.ModeSymlink != 0 || mode&(os.ModeDevice|os.ModeNamedPipe|os.ModeSocket|os.ModeCharDevice) != 0 {
			return nil, "", fmt.Errorf("%w: %s", ErrUnsupportedEntry, f.Name)
		}

		total += f.UncompressedSize64
		if total > uint64(e.limits.MaxTotalBytes) {
			return nil, "", fmt.Errorf("%w: more than %d bytes uncompressed", ErrArchiveTooLarge, e.limits.MaxTotalBytes)
		}
		entries = append(entries, plannedEntry{file: f, rel: rel, dir: f.FileInfo().IsDir()})
	}

	if !strip {
		return entries, "", nil
	}
	prefix := commonPrefix(entries)
	if prefix == "" {
		return entries, "", nil
	}
	// Keep the archive layout when the entry point was given relative to it.
	if entryPoint != "" {
		want := path.Clean(filepath.ToSlash(entryPoint))
		for _, pe := range entries {
			if pe.rel == want {
				return entries, "", nil
			}
		}
	}

	stripped := entries[:0]
	for _, pe := range entries {
		rel := strings.TrimPrefix(strings.TrimPrefix(pe.rel, prefix), "/")
		if rel == "" {
			continue
		}
		pe.rel = rel
		stripped = append(stripped, pe)
	}
	return stripped, prefix, nil
}

// write materializes planned entries under dest. When created is non-nil every
// path this call creates is appended to it.
func (e *Extractor) write(ctx context.Context, entries []plannedEntry, dest string, created *[]string) (*Result, error) {
	absDest, err := filepath.Abs(dest)
	if err != nil {
		return nil, fmt.Errorf("resolving target directory: %w", err)
	}

	res := &Result{Dir: absDest}
	remaining := e.limits.MaxTotalBytes
	for _, pe := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		target := filepath.Join(absDest, filepath.FromSlash(pe.rel))
		if !validation.IsWithin(absDest, target) {
			return nil, fmt.Errorf("%w: %s", ErrPathTraversal, pe.file.Name)
		}

		if pe.dir {
			if err := mkdirTracked(target, created); err != nil {
				return nil, fmt.Errorf("creating directory %s: %w", pe.rel, err)
			}
			continue
		}

		if err := mkdirTracked(filepath.Dir(target), created); err != nil {
			return nil, fmt.Errorf("creating directory for %s: %w", pe.rel, err)
		}
		n, err := writeEntry(pe.file, target, remaining, created)
		if err != nil {
			return nil, err
		}
		remaining -= n
		res.Files++
		res.Bytes += n
	}
	return res, nil
}

func writeEntry(f *zip.File, target string, remaining int64, created *[]string) (int64, error) {
	rc, err := f.Open()
	if err != nil {
		return 0, fmt.Errorf("%w: opening %s: %v", ErrMalformedArchive, f.Name, err)
	}
	defer rc.Close()

	_, statErr := os.Lstat(target)
	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode().Perm()|0o600)
	if err != nil {
		return 0, fmt.Errorf("creating %s: %w", f.Name, err)
	}
	if created != nil && errors.Is(statErr, os.ErrNotExist) {
		*created = append(*created, target)
	}

	// The declared size is not trusted; copy at most one byte past the budget
	// so an understated entry is still caught.
	n, err := io.Copy(out, io.LimitReader(rc, remaining+1))
	closeErr := out.Close()
	if err != nil {
		return n, fmt.Errorf("%w: reading %s: %v", ErrMalformedArchive, f.Name, err)
	}
	if closeErr != nil {
		return n, fmt.Errorf("writing %s: %w", f.Name, closeErr)
	}
	if n > remaining {
		return n, fmt.Errorf("%w: entry %s larger than declared", ErrArchiveTooLarge, f.Name)
	}
	return n, nil
}

// mkdirTracked creates dir and its parents, recording the directories it made.
func mkdirTracked(dir string, created *[]string) error {
	if created == nil {
		return os.MkdirAll(dir, 0o755)
	}
	var missing []string
	for cur := dir; ; cur = filepath.Dir(cur) {
		if _, err := os.Lstat(cur); err == nil {
			break
		}
		missing = append(missing, cur)
		if filepath.Dir(cur) == cur {
			break
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for i := len(missing) - 1; i >= 0; i-- {
		*created = append(*created, missing[i])
	}
	return nil
}

// cleanEntryName normalizes an archive member name to a slash-separated
// relative path and rejects absolute names and names that climb out of the
// root.
func cleanEntryName(name string) (string, error) {
	n := strings.ReplaceAll(name, `\`, "/")
	if strings.ContainsRune(n, 0) {
		return "", fmt.Errorf("%w: %q", ErrPathTraversal, name)
	}
	if strings.HasPrefix(n, "/") || filepath.VolumeName(n) != "" || (len(n) >= 2 && n[1] == ':') {
		return "", fmt.Errorf("%w: %s", ErrPathTraversal, name)
	}
	clean := path.Clean(n)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %s", ErrPathTraversal, name)
	}
	if clean == "." {
		return "", nil
	}
	return clean, nil
}

// isMetadataEntry reports archive noise added by desktop archivers.
func isMetadataEntry(rel string) bool {
	return rel == "__MACOSX" || strings.HasPrefix(rel, "__MACOSX/") || path.Base(rel) == ".DS_Store"
}

// commonPrefix returns the single top-level directory shared by every entry,
// or "" if entries live at the archive root or under several folders.
func commonPrefix(entries []plannedEntry) string {
	if len(entries) == 0 {
		return ""
	}
	var prefix string
	for _, pe := range entries {
		first, _, nested := strings.Cut(pe.rel, "/")
		if !nested && !pe.dir {
			return ""
		}
		if prefix == "" {
			prefix = first
		} else if first != prefix {
			return ""
		}
	}
	return prefix
}
