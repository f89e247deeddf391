// Package workspace confines file paths to the permitted working tree.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/stellarlinkco/clawcore/internal/fault"
)

// ErrOutsideRoot is returned for any path that resolves outside the tree.
var ErrOutsideRoot = errors.New("path escapes the working tree")

// Root is a canonical working-tree root.
type Root struct {
	dir string
}

// New canonicalizes dir (absolute, cleaned, symlinks resolved). The directory
// must exist.
func New(dir string) (*Root, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("workspace: empty root")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("workspace: abs root: %w", err)
	}
	canon, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("workspace: resolve root: %w", err)
	}
	info, err := os.Stat(canon)
	if err != nil {
		return nil, fmt.Errorf("workspace: stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace: root is not a directory: %s", canon)
	}
	return &Root{dir: canon}, nil
}

// Dir returns the canonical root directory.
func (r *Root) Dir() string { return r.dir }

// Resolve maps path (absolute or relative to the root) to a canonical absolute
// path inside the root. Symlinks on the existing part of the path are
// followed and must land inside the root too. Escapes are rejected, never
// truncated.
func (r *Root) Resolve(path string) (string, error) {
	clean, err := Lexical(r.dir, path)
	if err != nil {
		return "", err
	}

	existing, rest := clean, ""
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			break
		}
		rest = filepath.Join(filepath.Base(existing), rest)
		existing = parent
	}
	canon, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return "", fmt.Errorf("workspace: resolve %q: %w", path, err)
	}
	resolved := filepath.Join(canon, rest)
	if !within(r.dir, resolved) {
		return "", fault.Wrap(fault.ToolInvocationError, fmt.Errorf("%w: %s", ErrOutsideRoot, path))
	}
	return resolved, nil
}

// Rel returns path relative to the root, for display.
func (r *Root) Rel(path string) string {
	rel, err := filepath.Rel(r.dir, path)
	if err != nil {
		return path
	}
	return rel
}

// Lexical canonicalizes path against root without touching the filesystem.
func Lexical(root, path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", fault.New(fault.ToolInvocationError, "empty path")
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	clean := filepath.Clean(path)
	if !within(root, clean) {
		return "", fault.Wrap(fault.ToolInvocationError, fmt.Errorf("%w: %s", ErrOutsideRoot, path))
	}
	return clean, nil
}

func within(root, path string) bool {
	root = filepath.Clean(root)
	path = filepath.Clean(path)
	if path == root {
		return true
	}
	if root == string(filepath.Separator) {
		return true
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}
