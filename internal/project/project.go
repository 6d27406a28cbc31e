// Package project locates the project root and derives the stable key
// that groups a project's sessions under the storage directory.
package project

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
)

// Info describes the project a run executes in.
type Info struct {
	// Root is the nearest ancestor containing .git, or Cwd when the
	// directory is not under version control.
	Root string

	// Cwd is the directory the run started from.
	Cwd string
}

// Find walks up from dir looking for a .git entry (directory or worktree
// file) and returns the project info. When no repository is found the
// directory itself becomes the root, so sessions still group somewhere
// stable.
func Find(dir string) Info {
	abs, err := filepath.Abs(dir)
	if err != nil {
		abs = filepath.Clean(dir)
	}

	for cur := abs; ; {
		if _, err := os.Stat(filepath.Join(cur, ".git")); err == nil {
			return Info{Root: cur, Cwd: abs}
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return Info{Root: abs, Cwd: abs}
		}
		cur = parent
	}
}

// Hash returns the 12-character hex key for a project root. Equal roots
// always map to the same key, so every run in a project lands in the same
// storage subtree.
func Hash(root string) string {
	sum := sha256.Sum256([]byte(root))
	return hex.EncodeToString(sum[:])[:12]
}
