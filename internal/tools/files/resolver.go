package files

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// errEscape is returned for paths that land outside the root.
var errEscape = errors.New("path escapes the project root")

// Resolver confines tool-supplied paths to a root directory. Relative
// paths resolve against the root; absolute ones are accepted only when
// they already sit inside it.
type Resolver struct {
	Root string
}

// Resolve normalizes path and reports where it lands on disk.
func (r Resolver) Resolve(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", errors.New("path is required")
	}

	root := strings.TrimSpace(r.Root)
	if root == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("resolve root: %w", err)
		}
		root = cwd
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve root: %w", err)
	}

	target := trimmed
	if !filepath.IsAbs(target) {
		target = filepath.Join(root, target)
	}
	target = filepath.Clean(target)

	if !within(root, target) {
		return "", errEscape
	}
	return target, nil
}

// within reports whether target is root itself or one of its
// descendants.
func within(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator))
}
