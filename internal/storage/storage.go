// Package storage manages the per-subject directory trees.
//
// Each subject owns three trees under the data directory: in/<subject> for
// uploads, out/<subject> for transcription results, error/<subject> for
// failure reports. Activity is tracked through file modification times, so
// the cleanup sweeper needs no extra bookkeeping state.
package storage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/ericr-stein/VoiceScript/internal/fsutil"
	"github.com/spf13/afero"
)

// baseDirs are the per-subject tree roots, relative to the data directory.
var baseDirs = []string{"in", "out", "error"}

// reservedSubject is the offline/local session; the sweeper never touches it.
const reservedSubject = "local"

var subjectRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

var (
	ErrBadSubject = errors.New("invalid subject")
	ErrNotFound   = errors.New("file not found")
)

// maxNameCollisions bounds the unique-name suffix search.
const maxNameCollisions = 10000

// Store is the filesystem-backed storage layer. The afero.Fs is injected so
// tests run against an in-memory filesystem.
type Store struct {
	fs      afero.Fs
	dataDir string
	now     func() time.Time
}

// New returns a store rooted at dataDir on the given filesystem.
func New(fsys afero.Fs, dataDir string) (*Store, error) {
	if strings.TrimSpace(dataDir) == "" {
		return nil, errors.New("data dir is required")
	}
	return &Store{fs: fsys, dataDir: filepath.Clean(dataDir), now: time.Now}, nil
}

// WithNow overrides the clock. Tests only.
func (s *Store) WithNow(now func() time.Time) *Store {
	s.now = now
	return s
}

// Fs exposes the underlying filesystem for streaming reads.
func (s *Store) Fs() afero.Fs { return s.fs }

// InDir returns the upload tree for subject.
func (s *Store) InDir(subject string) string {
	return filepath.Join(s.dataDir, "in", subject)
}

// OutDir returns the results tree for subject.
func (s *Store) OutDir(subject string) string {
	return filepath.Join(s.dataDir, "out", subject)
}

func checkSubject(subject string) error {
	if !subjectRe.MatchString(subject) {
		return ErrBadSubject
	}
	return nil
}

// EnsureSubject creates the subject's in and out trees.
func (s *Store) EnsureSubject(subject string) error {
	if err := checkSubject(subject); err != nil {
		return err
	}
	for _, d := range []string{s.InDir(subject), s.OutDir(subject)} {
		if err := s.fs.MkdirAll(d, 0o700); err != nil {
			return err
		}
	}
	return nil
}

// SaveUpload writes an upload into in/<subject>, deduplicating the name with
// a _N suffix on collision. It returns the stored filename.
func (s *Store) SaveUpload(subject, name string, r io.Reader) (string, error) {
	if err := s.EnsureSubject(subject); err != nil {
		return "", err
	}
	name = fsutil.SanitizeFilename(name)
	stored := name
	for i := 1; ; i++ {
		if _, err := s.fs.Stat(filepath.Join(s.InDir(subject), stored)); err != nil {
			break
		}
		if i > maxNameCollisions {
			return "", errors.New("too many files with the same name")
		}
		ext := filepath.Ext(name)
		stored = fmt.Sprintf("%s_%d%s", strings.TrimSuffix(name, ext), i, ext)
	}
	f, err := s.fs.OpenFile(filepath.Join(s.InDir(subject), stored), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		return "", err
	}
	return stored, nil
}

// ResolveResult maps a user-provided relative path to a file inside the
// subject's results tree, rejecting escapes.
func (s *Store) ResolveResult(subject, rel string) (string, error) {
	if err := checkSubject(subject); err != nil {
		return "", err
	}
	p, err := fsutil.ResolveWithinRoot(s.fs, s.OutDir(subject), rel)
	if err != nil {
		return "", err
	}
	st, err := s.fs.Stat(p)
	if err != nil || st.IsDir() {
		return "", ErrNotFound
	}
	return p, nil
}

// Entry describes one stored file.
type Entry struct {
	Name    string `json:"name"`
	Size    int64  `json:"size"`
	ModTime int64  `json:"mod_time"`
}

// ListResults returns the subject's result files sorted by name.
func (s *Store) ListResults(subject string) ([]Entry, error) {
	if err := checkSubject(subject); err != nil {
		return nil, err
	}
	infos, err := afero.ReadDir(s.fs, s.OutDir(subject))
	if err != nil {
		if os.IsNotExist(err) {
			return []Entry{}, nil
		}
		return nil, err
	}
	out := make([]Entry, 0, len(infos))
	for _, fi := range infos {
		if fi.IsDir() {
			continue
		}
		out = append(out, Entry{Name: fi.Name(), Size: fi.Size(), ModTime: fi.ModTime().Unix()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Touch records activity for subject by bumping its upload tree mtime.
func (s *Store) Touch(subject string) error {
	if err := s.EnsureSubject(subject); err != nil {
		return err
	}
	now := s.now()
	return s.fs.Chtimes(s.InDir(subject), now, now)
}

// LastActivity returns the most recent modification time across the
// subject's trees, falling back to the tree directory itself.
func (s *Store) LastActivity(subject string) (time.Time, error) {
	if err := checkSubject(subject); err != nil {
		return time.Time{}, err
	}
	var latest time.Time
	found := false
	for _, base := range baseDirs {
		root := filepath.Join(s.dataDir, base, subject)
		err := afero.Walk(s.fs, root, func(_ string, info fs.FileInfo, err error) error {
			if err != nil {
				return nil // unreadable entries don't abort the scan
			}
			found = true
			if info.ModTime().After(latest) {
				latest = info.ModTime()
			}
			return nil
		})
		if err != nil && !os.IsNotExist(err) {
			return time.Time{}, err
		}
	}
	if !found {
		return time.Time{}, ErrNotFound
	}
	return latest, nil
}

// Subjects snapshots all subject ids across the trees, skipping the
// reserved local subject.
func (s *Store) Subjects() ([]string, error) {
	seen := map[string]bool{}
	for _, base := range baseDirs {
		infos, err := afero.ReadDir(s.fs, filepath.Join(s.dataDir, base))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		for _, fi := range infos {
			if !fi.IsDir() || fi.Name() == reservedSubject {
				continue
			}
			seen[fi.Name()] = true
		}
	}
	out := make([]string, 0, len(seen))
	for sub := range seen {
		out = append(out, sub)
	}
	sort.Strings(out)
	return out, nil
}

// RemoveSubject deletes every tree belonging to subject.
func (s *Store) RemoveSubject(subject string) error {
	if err := checkSubject(subject); err != nil {
		return err
	}
	var firstErr error
	for _, base := range baseDirs {
		if err := s.fs.RemoveAll(filepath.Join(s.dataDir, base, subject)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
