// Package fsutil tests validate path traversal protections and filename sanitizing.
package fsutil

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/spf13/afero"
)

// TestResolveWithinRootRejectsTraversal blocks obvious .. escapes.
func TestResolveWithinRootRejectsTraversal(t *testing.T) {
	root := t.TempDir()
	if _, err := ResolveWithinRoot(afero.NewOsFs(), root, "../etc/passwd"); err == nil {
		t.Fatalf("expected traversal to be rejected")
	}
	if _, err := ResolveWithinRoot(afero.NewOsFs(), root, "/../etc/passwd"); err == nil {
		t.Fatalf("expected traversal to be rejected")
	}
	if _, err := ResolveWithinRoot(afero.NewOsFs(), root, "a/../../b"); err == nil {
		t.Fatalf("expected traversal to be rejected")
	}
}

// TestResolveWithinRootAcceptsRelative resolves plain relative paths.
func TestResolveWithinRootAcceptsRelative(t *testing.T) {
	root := t.TempDir()
	got, err := ResolveWithinRoot(afero.NewOsFs(), root, "sub/file.mp3")
	if err != nil {
		t.Fatalf("ResolveWithinRoot: %v", err)
	}
	want := filepath.Join(root, "sub", "file.mp3")
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

// TestResolveWithinRootRejectsSymlinkEscape blocks symlink-based escapes.
func TestResolveWithinRootRejectsSymlinkEscape(t *testing.T) {
	if runtime.GOOS == "windows" {
		// Symlink creation may require privileges.
		t.Skip("symlink behavior varies on windows")
	}
	root := t.TempDir()
	outside := t.TempDir()

	// root/link -> outside
	if err := os.Symlink(outside, filepath.Join(root, "link")); err != nil {
		t.Skipf("symlink not supported: %v", err)
	}

	if _, err := ResolveWithinRoot(afero.NewOsFs(), root, "link/escape.txt"); err == nil {
		t.Fatalf("expected symlink escape to be rejected")
	}
}

// TestResolveWithinRootOnMemoryFs resolves against the injected filesystem,
// not the host one.
func TestResolveWithinRootOnMemoryFs(t *testing.T) {
	fsys := afero.NewMemMapFs()
	if err := afero.WriteFile(fsys, "/root/sub/file.mp3", []byte("x"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ResolveWithinRoot(fsys, "/root", "sub/file.mp3")
	if err != nil {
		t.Fatalf("ResolveWithinRoot: %v", err)
	}
	if got != filepath.Join("/root", "sub", "file.mp3") {
		t.Fatalf("got %q", got)
	}
	if _, err := ResolveWithinRoot(fsys, "/root", "../other/file.mp3"); err == nil {
		t.Fatalf("expected traversal to be rejected")
	}
}

// TestSanitizeFilename strips traversal and unsafe characters.
func TestSanitizeFilename(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"../../etc/passwd", "passwd"},
		{"..\\..\\windows\\system32", "system32"},
		{"recording.mp3", "recording.mp3"},
		{"mein interview (final).mp4", "mein_interview__final_.mp4"},
		{".hidden", "f.hidden"},
		{"...", "file"},
		{"", "file"},
		{"a\x00b\x1f.wav", "ab.wav"},
		{"/", "file"},
	}
	for _, c := range cases {
		got := SanitizeFilename(c.in)
		if got != c.want {
			t.Fatalf("SanitizeFilename(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

// TestSanitizeFilenameStaysInRoot joins results into a root without escaping.
func TestSanitizeFilenameStaysInRoot(t *testing.T) {
	root := t.TempDir()
	for _, in := range []string{"../../etc/passwd", "a/b/../c", "..", "con\x00trol"} {
		name := SanitizeFilename(in)
		if strings.ContainsAny(name, "/\\") || name == ".." {
			t.Fatalf("unsafe name %q from %q", name, in)
		}
		if _, err := ResolveWithinRoot(afero.NewOsFs(), root, name); err != nil {
			t.Fatalf("sanitized name %q escapes root: %v", name, err)
		}
	}
}

// TestSanitizeFilenameBoundsLength clamps long names but keeps the extension.
func TestSanitizeFilenameBoundsLength(t *testing.T) {
	long := strings.Repeat("a", 500) + ".mp3"
	got := SanitizeFilename(long)
	if len(got) > maxNameLen {
		t.Fatalf("length %d exceeds bound", len(got))
	}
	if filepath.Ext(got) != ".mp3" {
		t.Fatalf("extension lost: %q", got)
	}
}
