package validation

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/narvanalabs/botpanel/internal/models"
)

// ErrPathEscapesSandbox is returned when a path resolves outside its root.
var ErrPathEscapesSandbox = errors.New("path escapes workload directory")

// ResolveInSandbox joins a client-supplied relative path onto root and returns
// the absolute result, rejecting anything that would land outside root. A
// leading slash is read as relative to root. Symlinks inside root are resolved
// so a link pointing elsewhere cannot be used to reach files outside it.
func ResolveInSandbox(root, rel string) (string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolving root: %w", err)
	}
	if strings.ContainsRune(rel, 0) {
		return "", ErrPathEscapesSandbox
	}

	rel = filepath.FromSlash(strings.TrimLeft(rel, `/\`))
	target := filepath.Join(absRoot, rel)
	if !IsWithin(absRoot, target) {
		return "", ErrPathEscapesSandbox
	}

	realRoot, err := filepath.EvalSymlinks(absRoot)
	if err != nil {
		return "", fmt.Errorf("resolving root: %w", err)
	}
	realTarget, err := evalExistingPrefix(target)
	if err != nil {
		return "", err
	}
	if !IsWithin(realRoot, realTarget) {
		return "", ErrPathEscapesSandbox
	}
	return target, nil
}

// IsWithin reports whether target is root or a descendant of root. Both paths
// are compared in cleaned form.
func IsWithin(root, target string) bool {
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(target))
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel))
}

// evalExistingPrefix resolves symlinks on the longest existing prefix of path and
// re-appends the parts that do not exist yet.
func evalExistingPrefix(path string) (string, error) {
	var missing []string
	cur := path
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			for i := len(missing) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, missing[i])
			}
			return resolved, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("resolving path: %w", err)
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return path, nil
		}
		missing = append(missing, filepath.Base(cur))
		cur = parent
	}
}

// ValidateEntryPoint checks that an entry point is a clean relative path that
// stays inside the working directory. Existence is checked after extraction.
func ValidateEntryPoint(entry string) error {
	if strings.TrimSpace(entry) == "" {
		return &models.ValidationError{Field: "entry_file", Message: "entry file is required"}
	}
	if filepath.IsAbs(entry) || strings.HasPrefix(entry, "/") || strings.ContainsRune(entry, 0) {
		return &models.ValidationError{Field: "entry_file", Message: "entry file must be a relative path"}
	}
	clean := filepath.Clean(filepath.FromSlash(entry))
	if clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(os.PathSeparator)) {
		return &models.ValidationError{Field: "entry_file", Message: "entry file must stay inside the workload directory"}
	}
	return nil
}
