// Package storage tests run against an in-memory filesystem.
package storage

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(afero.NewMemMapFs(), "/data")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

// TestSaveUploadDeduplicatesNames suffixes colliding filenames.
func TestSaveUploadDeduplicatesNames(t *testing.T) {
	s := newTestStore(t)
	first, err := s.SaveUpload("user1", "talk.mp3", strings.NewReader("a"))
	if err != nil {
		t.Fatalf("SaveUpload: %v", err)
	}
	if first != "talk.mp3" {
		t.Fatalf("first name = %q", first)
	}
	second, err := s.SaveUpload("user1", "talk.mp3", strings.NewReader("b"))
	if err != nil {
		t.Fatalf("SaveUpload: %v", err)
	}
	if second != "talk_1.mp3" {
		t.Fatalf("second name = %q", second)
	}
}

// TestSaveUploadSanitizesName strips traversal from upload names.
func TestSaveUploadSanitizesName(t *testing.T) {
	s := newTestStore(t)
	name, err := s.SaveUpload("user1", "../../etc/passwd", strings.NewReader("x"))
	if err != nil {
		t.Fatalf("SaveUpload: %v", err)
	}
	if strings.Contains(name, "..") || strings.ContainsAny(name, "/\\") {
		t.Fatalf("unsafe stored name %q", name)
	}
	if _, err := s.fs.Stat(filepath.Join("/data/in/user1", name)); err != nil {
		t.Fatalf("stored file missing: %v", err)
	}
}

// TestRejectsBadSubject refuses subjects that are not plain identifiers.
func TestRejectsBadSubject(t *testing.T) {
	s := newTestStore(t)
	for _, sub := range []string{"", "..", "a/b", "a b", strings.Repeat("x", 65)} {
		if err := s.EnsureSubject(sub); !errors.Is(err, ErrBadSubject) {
			t.Fatalf("subject %q: expected ErrBadSubject, got %v", sub, err)
		}
	}
}

// TestResolveResult finds result files and rejects escapes.
func TestResolveResult(t *testing.T) {
	s := newTestStore(t)
	if err := s.EnsureSubject("user1"); err != nil {
		t.Fatalf("EnsureSubject: %v", err)
	}
	if err := afero.WriteFile(s.fs, "/data/out/user1/result.txt", []byte("hi"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	p, err := s.ResolveResult("user1", "result.txt")
	if err != nil {
		t.Fatalf("ResolveResult: %v", err)
	}
	if p != "/data/out/user1/result.txt" {
		t.Fatalf("path = %q", p)
	}

	if _, err := s.ResolveResult("user1", "../user2/result.txt"); err == nil {
		t.Fatalf("expected escape to be rejected")
	}
	if _, err := s.ResolveResult("user1", "missing.txt"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// TestSubjectsSkipsReserved excludes the local subject from snapshots.
func TestSubjectsSkipsReserved(t *testing.T) {
	s := newTestStore(t)
	for _, sub := range []string{"alpha", "beta"} {
		if err := s.EnsureSubject(sub); err != nil {
			t.Fatalf("EnsureSubject: %v", err)
		}
	}
	if err := s.fs.MkdirAll("/data/in/local", 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	subs, err := s.Subjects()
	if err != nil {
		t.Fatalf("Subjects: %v", err)
	}
	if len(subs) != 2 || subs[0] != "alpha" || subs[1] != "beta" {
		t.Fatalf("subjects = %v", subs)
	}
}

// TestLastActivityUsesNewestMtime picks the newest file across trees.
func TestLastActivityUsesNewestMtime(t *testing.T) {
	s := newTestStore(t)
	if err := s.EnsureSubject("user1"); err != nil {
		t.Fatalf("EnsureSubject: %v", err)
	}
	old := time.Now().Add(-72 * time.Hour)
	recent := time.Now().Add(-1 * time.Hour)
	if err := afero.WriteFile(s.fs, "/data/in/user1/a.mp3", []byte("a"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := afero.WriteFile(s.fs, "/data/out/user1/a.txt", []byte("b"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = s.fs.Chtimes("/data/in/user1/a.mp3", old, old)
	_ = s.fs.Chtimes("/data/out/user1/a.txt", recent, recent)
	_ = s.fs.Chtimes("/data/in/user1", old, old)
	_ = s.fs.Chtimes("/data/out/user1", old, old)

	got, err := s.LastActivity("user1")
	if err != nil {
		t.Fatalf("LastActivity: %v", err)
	}
	if got.Before(recent.Add(-time.Second)) {
		t.Fatalf("LastActivity = %v, want >= %v", got, recent)
	}
}

// TestRemoveSubject deletes every tree for the subject.
func TestRemoveSubject(t *testing.T) {
	s := newTestStore(t)
	if err := s.EnsureSubject("user1"); err != nil {
		t.Fatalf("EnsureSubject: %v", err)
	}
	if err := afero.WriteFile(s.fs, "/data/error/user1/fail.txt", []byte("x"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := s.RemoveSubject("user1"); err != nil {
		t.Fatalf("RemoveSubject: %v", err)
	}
	subs, err := s.Subjects()
	if err != nil {
		t.Fatalf("Subjects: %v", err)
	}
	if len(subs) != 0 {
		t.Fatalf("subjects = %v", subs)
	}
}
