package publish

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ErrEscape is returned for a path that would land outside the root.
var ErrEscape = errors.New("publish: path escapes root")

// SafeRoot confines file writes to one directory. Symlinks are resolved
// before every write, so a link planted inside the root cannot redirect a
// write outside it.
type SafeRoot struct {
	root string // absolute, symlinks resolved
}

// NewSafeRoot opens dir, which must exist.
func NewSafeRoot(dir string) (*SafeRoot, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("publish: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("publish: %w", err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return nil, fmt.Errorf("publish: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("publish: %s is not a directory", dir)
	}
	return &SafeRoot{root: resolved}, nil
}

// Dir returns the resolved root directory.
func (s *SafeRoot) Dir() string { return s.root }

// Resolve maps a relative forward-slash path to an absolute path under the
// root.
func (s *SafeRoot) Resolve(rel string) (string, error) {
	if rel == "" || strings.HasPrefix(rel, "/") || strings.Contains(rel, "\\") || filepath.IsAbs(rel) || filepath.VolumeName(rel) != "" {
		return "", fmt.Errorf("%w: %q", ErrEscape, rel)
	}
	for _, seg := range strings.Split(rel, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: %q", ErrEscape, rel)
		}
	}
	clean := path.Clean(rel)
	if clean == "." {
		return "", fmt.Errorf("%w: %q", ErrEscape, rel)
	}

	full := filepath.Join(s.root, filepath.FromSlash(clean))
	if !s.within(full) {
		return "", fmt.Errorf("%w: %q", ErrEscape, rel)
	}

	// Resolve the deepest existing ancestor; a symlink there must still point
	// inside the root.
	existing := full
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			break
		}
		existing = parent
	}
	resolved, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return "", fmt.Errorf("publish: %w", err)
	}
	if !s.within(resolved) {
		return "", fmt.Errorf("%w: %q resolves to %s", ErrEscape, rel, resolved)
	}
	return full, nil
}

func (s *SafeRoot) within(p string) bool {
	if p == s.root {
		return true
	}
	return strings.HasPrefix(p, s.root+string(filepath.Separator))
}

// WriteFile writes data to rel, creating parent directories, and fsyncs the
// file before returning.
func (s *SafeRoot) WriteFile(rel string, data []byte, perm os.FileMode) error {
	full, err := s.Resolve(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("publish: failed to create directory: %w", err)
	}
	// Re-check after MkdirAll: a directory created concurrently could be a
	// symlink.
	if _, err := s.Resolve(rel); err != nil {
		return err
	}

	f, err := os.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("publish: failed to create file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("publish: failed to write %s: %w", rel, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("publish: failed to sync %s: %w", rel, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("publish: failed to close %s: %w", rel, err)
	}
	return nil
}

// syncDir fsyncs a directory so renames inside it are durable.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) {
		return err
	}
	return nil
}
