// Package cachevfs scopes the on-disk cache backend to a root directory,
// rejecting any path that would escape it: a validated absolute directory,
// nothing more.
package cachevfs

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Root is a directory boundary: paths requested under it are validated to
// ensure they cannot traverse outside.
type Root struct {
	abs string
}

// NewRoot resolves dir to an absolute path, creates it if missing, and
// returns a Root scoped to it.
func NewRoot(dir string) (*Root, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cachevfs: invalid root path: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("cachevfs: failed to create root: %w", err)
	}
	return &Root{abs: abs}, nil
}

// Path returns the absolute path for parts joined under the root, rejecting
// any attempt to traverse outside it.
func (r *Root) Path(parts ...string) (string, error) {
	rel := filepath.Join(parts...)
	if strings.Contains(rel, "..") {
		return "", fmt.Errorf("cachevfs: path traversal not allowed: %s", rel)
	}

	abs := filepath.Clean(filepath.Join(r.abs, rel))
	if !strings.HasPrefix(abs, r.abs) {
		return "", fmt.Errorf("cachevfs: path escapes root: %s", rel)
	}
	return abs, nil
}

// String returns the root's absolute directory.
func (r *Root) String() string { return r.abs }
