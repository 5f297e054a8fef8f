// Package datadir confines caller-supplied file paths to the engine's data
// directory. The HTTP bridge forwards uploaded-file paths from an untrusted
// transport; every such path is resolved and checked here before it is used
// or echoed anywhere.
package datadir

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Guard validates that file paths stay inside one root directory.
type Guard struct {
	root string
}

// NewGuard creates a guard rooted at dir. The root is made absolute and
// cleaned; it does not need to exist yet.
func NewGuard(dir string) (*Guard, error) {
	if dir == "" {
		return nil, fmt.Errorf("data directory cannot be empty")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory: %w", err)
	}
	return &Guard{root: filepath.Clean(abs)}, nil
}

// Root returns the absolute data directory.
func (g *Guard) Root() string {
	return g.root
}

// Resolve turns a caller-supplied path into an absolute path under the data
// directory, or fails if the path escapes it. Relative paths are taken as
// relative to the root; absolute paths must already be inside it.
func (g *Guard) Resolve(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path cannot be empty")
	}
	if strings.HasPrefix(path, "~") {
		return "", fmt.Errorf("path %q is outside the data directory", path)
	}

	abs := filepath.Clean(path)
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(g.root, abs)
	}

	if !g.contains(abs) {
		return "", fmt.Errorf("path %q is outside the data directory", path)
	}
	return abs, nil
}

// Check reports whether the path resolves inside the data directory.
func (g *Guard) Check(path string) error {
	_, err := g.Resolve(path)
	return err
}

func (g *Guard) contains(abs string) bool {
	if abs == g.root {
		return true
	}
	return strings.HasPrefix(abs, g.root+string(filepath.Separator))
}
