// Package files gives the editor sandboxed access to a workload's working
// directory. Every client path is resolved inside that directory.
package files

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/narvanalabs/botpanel/internal/archive"
	"github.com/narvanalabs/botpanel/internal/models"
	"github.com/narvanalabs/botpanel/internal/validation"
)

var (
	// ErrAccessDenied is returned for paths outside the workload directory.
	ErrAccessDenied = errors.New("access denied")
	// ErrNotFound is returned when the path does not exist.
	ErrNotFound = errors.New("file not found")
	// ErrIsDirectory is returned when a file operation targets a directory.
	ErrIsDirectory = errors.New("path is a directory")
	// ErrNotDirectory is returned when a directory operation targets a file.
	ErrNotDirectory = errors.New("path is not a directory")
	// ErrTooLarge is returned when content exceeds the configured cap.
	ErrTooLarge = errors.New("file too large")
	// ErrExists is returned when the target already exists.
	ErrExists = errors.New("file already exists")
	// ErrInvalidName is returned for unusable upload file names.
	ErrInvalidName = errors.New("invalid file name")
)

const (
	// DefaultMaxReadBytes caps files opened in the editor.
	DefaultMaxReadBytes = 2 << 20
	// DefaultMaxUploadBytes caps a single uploaded file.
	DefaultMaxUploadBytes = 100 << 20
)

// Resolver looks up a workload by name.
type Resolver interface {
	Get(name string) (*models.Workload, error)
}

// Config holds file manager limits.
type Config struct {
	MaxReadBytes   int64
	MaxUploadBytes int64
}

// Entry describes one directory entry.
type Entry struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	IsDir   bool      `json:"is_dir"`
	Symlink bool      `json:"symlink,omitempty"`
	Size    int64     `json:"size"`
	Mode    string    `json:"mode"`
	ModTime time.Time `json:"mod_time"`
}

// Manager performs file operations inside workload directories.
type Manager struct {
	resolver  Resolver
	extractor *archive.Extractor
	cfg       Config
	logger    *slog.Logger
}

// NewManager creates a file manager.
func NewManager(resolver Resolver, extractor *archive.Extractor, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxReadBytes <= 0 {
		cfg.MaxReadBytes = DefaultMaxReadBytes
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = DefaultMaxUploadBytes
	}
	return &Manager{
		resolver:  resolver,
		extractor: extractor,
		cfg:       cfg,
		logger:    logger,
	}
}

// List returns the entries of a directory, directories first.
func (m *Manager) List(name, dir string) ([]Entry, error) {
	root, target, err := m.resolve(name, dir)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(target)
	if err != nil {
		return nil, statError(err, dir)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotDirectory, dir)
	}

	dirents, err := os.ReadDir(target)
	if err != nil {
		return nil, fmt.Errorf("reading directory: %w", err)
	}
	entries := make([]Entry, 0, len(dirents))
	for _, d := range dirents {
		info, err := d.Info()
		if err != nil {
			continue
		}
		entries = append(entries, entryFor(root, filepath.Join(target, d.Name()), info))
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir != entries[j].IsDir {
			return entries[i].IsDir
		}
		return entries[i].Name < entries[j].Name
	})
	return entries, nil
}

// Read returns the content of a file up to the configured cap.
func (m *Manager) Read(name, file string) ([]byte, error) {
	_, target, err := m.resolve(name, file)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(target)
	if err != nil {
		return nil, statError(err, file)
	}
	if fi.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrIsDirectory, file)
	}
	if fi.Size() > m.cfg.MaxReadBytes {
		return nil, fmt.Errorf("%w: %s is %d bytes, limit %d", ErrTooLarge, file, fi.Size(), m.cfg.MaxReadBytes)
	}

	f, err := os.Open(target)
	if err != nil {
		return nil, statError(err, file)
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, m.cfg.MaxReadBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	if int64(len(data)) > m.cfg.MaxReadBytes {
		return nil, fmt.Errorf("%w: %s", ErrTooLarge, file)
	}
	return data, nil
}

// Write replaces a file's content atomically. The parent directory must
// exist.
func (m *Manager) Write(name, file string, data []byte) error {
	if int64(len(data)) > m.cfg.MaxUploadBytes {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}
	root, target, err := m.resolve(name, file)
	if err != nil {
		return err
	}
	if target == root {
		return fmt.Errorf("%w: %s", ErrIsDirectory, file)
	}
	mode := fs.FileMode(0o644)
	if fi, err := os.Stat(target); err == nil {
		if fi.IsDir() {
			return fmt.Errorf("%w: %s", ErrIsDirectory, file)
		}
		mode = fi.Mode().Perm()
	}
	if err := m.writeAtomic(target, mode, bytes.NewReader(data), m.cfg.MaxUploadBytes); err != nil {
		return err
	}
	m.logger.Info("file written", "workload", name, "path", relPath(root, target), "bytes", len(data))
	return nil
}

// Mkdir creates a directory and any missing parents.
func (m *Manager) Mkdir(name, dir string) error {
	root, target, err := m.resolve(name, dir)
	if err != nil {
		return err
	}
	if fi, err := os.Stat(target); err == nil && !fi.IsDir() {
		return fmt.Errorf("%w: %s", ErrExists, dir)
	}
	if err := os.MkdirAll(target, 0o755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	m.logger.Info("directory created", "workload", name, "path", relPath(root, target))
	return nil
}

// Delete removes a file or directory tree. The workload root itself cannot
// be deleted here.
func (m *Manager) Delete(name, p string) error {
	root, target, err := m.resolve(name, p)
	if err != nil {
		return err
	}
	if target == root {
		return fmt.Errorf("%w: the workload directory can only be removed by deleting the workload", ErrAccessDenied)
	}
	if _, err := os.Lstat(target); err != nil {
		return statError(err, p)
	}
	if err := os.RemoveAll(target); err != nil {
		return fmt.Errorf("removing %s: %w", p, err)
	}
	m.logger.Info("path deleted", "workload", name, "path", relPath(root, target))
	return nil
}

// Upload stores r as dir/filename, replacing an existing file.
func (m *Manager) Upload(name, dir, filename string, r io.Reader) (*Entry, error) {
	base, err := cleanFileName(filename)
	if err != nil {
		return nil, err
	}
	root, target, err := m.resolve(name, path.Join(filepath.ToSlash(dir), base))
	if err != nil {
		return nil, err
	}
	parent := filepath.Dir(target)
	if fi, err := os.Stat(parent); err != nil {
		return nil, statError(err, dir)
	} else if !fi.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotDirectory, dir)
	}
	if fi, err := os.Stat(target); err == nil && fi.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrIsDirectory, base)
	}

	if err := m.writeAtomic(target, 0o644, r, m.cfg.MaxUploadBytes); err != nil {
		return nil, err
	}
	fi, err := os.Stat(target)
	if err != nil {
		return nil, fmt.Errorf("stat upload: %w", err)
	}
	e := entryFor(root, target, fi)
	m.logger.Info("file uploaded", "workload", name, "path", e.Path, "bytes", e.Size)
	return &e, nil
}

// Extract unpacks a ZIP file that already sits in the workload directory
// into the directory containing it.
func (m *Manager) Extract(ctx context.Context, name, zipFile string) (*archive.Result, error) {
	root, target, err := m.resolve(name, zipFile)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(target)
	if err != nil {
		return nil, statError(err, zipFile)
	}
	if fi.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrIsDirectory, zipFile)
	}

	res, err := m.extractor.ExtractFile(ctx, target, filepath.Dir(target))
	if err != nil {
		if errors.Is(err, archive.ErrPathTraversal) {
			return nil, fmt.Errorf("%w: %v", ErrAccessDenied, err)
		}
		return nil, err
	}
	m.logger.Info("archive extracted", "workload", name, "path", relPath(root, target), "files", res.Files)
	return res, nil
}

// resolve returns the workload root and the sandboxed absolute target.
func (m *Manager) resolve(name, rel string) (string, string, error) {
	w, err := m.resolver.Get(name)
	if err != nil {
		return "", "", err
	}
	root, err := filepath.Abs(w.WorkDir)
	if err != nil {
		return "", "", fmt.Errorf("resolving root: %w", err)
	}
	target, err := validation.ResolveInSandbox(root, rel)
	if err != nil {
		if errors.Is(err, validation.ErrPathEscapesSandbox) {
			return "", "", fmt.Errorf("%w: %s", ErrAccessDenied, rel)
		}
		return "", "", err
	}
	return root, target, nil
}

// writeAtomic writes r to a temp file next to target and renames it into
// place.
func (m *Manager) writeAtomic(target string, mode fs.FileMode, r io.Reader, limit int64) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(target), ".botpanel-*")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: parent directory", ErrNotFound)
		}
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	n, err := io.Copy(tmp, io.LimitReader(r, limit+1))
	if err != nil {
		return fmt.Errorf("writing file: %w", err)
	}
	if n > limit {
		return fmt.Errorf("%w: limit %d bytes", ErrTooLarge, limit)
	}
	if err = tmp.Chmod(mode); err != nil {
		return fmt.Errorf("setting mode: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("closing file: %w", err)
	}
	if err = os.Rename(tmp.Name(), target); err != nil {
		return fmt.Errorf("replacing file: %w", err)
	}
	return nil
}

func cleanFileName(filename string) (string, error) {
	base := path.Base(strings.ReplaceAll(filename, `\`, "/"))
	if base == "" || base == "." || base == ".." || base == "/" || strings.ContainsRune(base, 0) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, filename)
	}
	return base, nil
}

func entryFor(root, abs string, fi fs.FileInfo) Entry {
	return Entry{
		Name:    fi.Name(),
		Path:    relPath(root, abs),
		IsDir:   fi.IsDir(),
		Symlink: fi.Mode()&fs.ModeSymlink != 0,
		Size:    fi.Size(),
		Mode:    fi.Mode().String(),
		ModTime: fi.ModTime(),
	}
}

func relPath(root, abs string) string {
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return ""
	}
	return filepath.ToSlash(rel)
}

func statError(err error, p string) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	if errors.Is(err, fs.ErrPermission) {
		return fmt.Errorf("%w: %s", ErrAccessDenied, p)
	}
	return err
}
