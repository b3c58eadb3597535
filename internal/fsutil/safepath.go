package fsutil

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

var ErrPathTraversal = errors.New("path escapes root")

// ResolveWithinRoot maps a user-provided path to a path under root on the
// given filesystem. It rejects any traversal outside root, including via
// existing symlinks.
func ResolveWithinRoot(fsys afero.Fs, root, userPath string) (string, error) {
	if root == "" {
		return "", errors.New("root is required")
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	rootAbs = filepath.Clean(rootAbs)

	// Force relative paths.
	p := strings.TrimLeft(userPath, "/\\")
	joined := filepath.Join(rootAbs, filepath.FromSlash(p))
	joined = filepath.Clean(joined)

	if !isWithin(rootAbs, joined) {
		return "", ErrPathTraversal
	}
	// Deny symlink traversal: if any existing component under root is a symlink, reject.
	if hasSymlinkComponent(fsys, rootAbs, joined) {
		return "", ErrPathTraversal
	}
	return joined, nil
}

func hasSymlinkComponent(fsys afero.Fs, rootAbs, fullPath string) bool {
	rel, err := filepath.Rel(rootAbs, fullPath)
	if err != nil {
		return true
	}
	rel = filepath.Clean(rel)
	if rel == "." {
		return false
	}
	cur := rootAbs
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if part == "" || part == "." {
			continue
		}
		cur = filepath.Join(cur, part)
		st, err := lstat(fsys, cur)
		if err != nil {
			// Component doesn't exist (yet): no symlink to traverse.
			return false
		}
		if st.Mode()&os.ModeSymlink != 0 {
			return true
		}
	}
	return false
}

// lstat inspects the component itself, not its target, when the filesystem
// supports it. Filesystems without symlinks fall back to Stat.
func lstat(fsys afero.Fs, name string) (os.FileInfo, error) {
	if l, ok := fsys.(afero.Lstater); ok {
		st, _, err := l.LstatIfPossible(name)
		return st, err
	}
	return fsys.Stat(name)
}

func isWithin(root, candidate string) bool {
	root = filepath.Clean(root)
	candidate = filepath.Clean(candidate)
	if root == candidate {
		return true
	}
	sep := string(filepath.Separator)
	if !strings.HasSuffix(root, sep) {
		root += sep
	}
	return strings.HasPrefix(candidate, root)
}
