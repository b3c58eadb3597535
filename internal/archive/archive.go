// Package archive inspects uploaded zip archives before extraction.
//
// Validation runs against archive metadata only; no entry bytes touch disk
// until every check has passed. Extraction is staged and discarded whole on
// any failure, so a rejected archive never leaves partial output behind.
package archive

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// Reason identifies why an archive was rejected. It is reported to the
// uploader verbatim, the one error class that is user-actionable.
type Reason string

const (
	ReasonTooManyEntries  Reason = "too_many_entries"
	ReasonBomb            Reason = "zip_bomb"
	ReasonPathTraversal   Reason = "path_traversal"
	ReasonUnsupportedType Reason = "unsupported_type"
)

// RejectedError reports a failed safety check.
type RejectedError struct {
	Reason Reason
	Entry  string
}

func (e *RejectedError) Error() string {
	if e.Entry == "" {
		return fmt.Sprintf("archive rejected: %s", e.Reason)
	}
	return fmt.Sprintf("archive rejected: %s (%s)", e.Reason, e.Entry)
}

// Limits are the safety ceilings applied to every archive.
type Limits struct {
	MaxEntries    int
	MaxRatio      int64
	MaxTotalBytes int64
}

// DefaultLimits returns the production ceilings.
func DefaultLimits() Limits {
	return Limits{
		MaxEntries:    1000,
		MaxRatio:      100,
		MaxTotalBytes: 10 << 30,
	}
}

// allowedExtensions is the audio/video allow-list for archive entries and
// direct uploads. Nested archives are not allowed.
var allowedExtensions = map[string]bool{
	".mp3": true, ".wav": true, ".m4a": true, ".aac": true, ".flac": true,
	".ogg": true, ".opus": true, ".wma": true, ".aiff": true,
	".mp4": true, ".mov": true, ".mkv": true, ".avi": true, ".webm": true,
	".mpeg": true, ".mpg": true, ".wmv": true, ".m4v": true, ".3gp": true,
}

// AllowedMediaName reports whether a filename carries an allow-listed
// audio/video extension.
func AllowedMediaName(name string) bool {
	return allowedExtensions[strings.ToLower(filepath.Ext(name))]
}

// Validate runs the safety checks against archive metadata, in order:
// entry count, compression ratios, path safety, content types. The first
// failure wins.
func Validate(r *zip.Reader, lim Limits) error {
	if len(r.File) > lim.MaxEntries {
		return &RejectedError{Reason: ReasonTooManyEntries}
	}

	var total int64
	for _, f := range r.File {
		compressed := int64(f.CompressedSize64)
		if compressed < 1 {
			compressed = 1
		}
		if int64(f.UncompressedSize64)/compressed > lim.MaxRatio {
			return &RejectedError{Reason: ReasonBomb, Entry: f.Name}
		}
		total += int64(f.UncompressedSize64)
		if total > lim.MaxTotalBytes {
			return &RejectedError{Reason: ReasonBomb}
		}
	}

	for _, f := range r.File {
		if _, ok := safeEntryPath(f.Name); !ok {
			return &RejectedError{Reason: ReasonPathTraversal, Entry: f.Name}
		}
	}

	for _, f := range r.File {
		if isDirEntry(f) {
			continue
		}
		if !AllowedMediaName(f.Name) {
			return &RejectedError{Reason: ReasonUnsupportedType, Entry: f.Name}
		}
	}
	return nil
}

// ValidateFile opens the archive on the given filesystem and validates it.
func ValidateFile(fsys afero.Fs, zipPath string, lim Limits) error {
	r, done, err := openZip(fsys, zipPath)
	if err != nil {
		return err
	}
	defer done()
	return Validate(r, lim)
}

// Extract validates the archive and unpacks its entries into destRoot.
// Entries are staged in a scratch directory and moved in only after every
// entry was written, so a mid-extraction failure discards all output.
func Extract(fsys afero.Fs, zipPath, destRoot string, lim Limits) error {
	r, done, err := openZip(fsys, zipPath)
	if err != nil {
		return err
	}
	defer done()

	if err := Validate(r, lim); err != nil {
		return err
	}

	staging := filepath.Join(destRoot, ".extract-"+uuid.NewString())
	if err := fsys.MkdirAll(staging, 0o700); err != nil {
		return err
	}
	if err := extractAll(fsys, r, staging); err != nil {
		_ = fsys.RemoveAll(staging)
		return err
	}

	// Promote staged entries into the destination. Names that collide with
	// files already stored there get the same _N suffix the upload path
	// uses; nothing pre-existing is overwritten.
	infos, err := afero.ReadDir(fsys, staging)
	if err != nil {
		_ = fsys.RemoveAll(staging)
		return err
	}
	for _, fi := range infos {
		src := filepath.Join(staging, fi.Name())
		dst, err := collisionFreePath(fsys, destRoot, fi.Name())
		if err != nil {
			_ = fsys.RemoveAll(staging)
			return err
		}
		if err := fsys.Rename(src, dst); err != nil {
			_ = fsys.RemoveAll(staging)
			return err
		}
	}
	return fsys.RemoveAll(staging)
}

// maxPromoteCollisions bounds the unique-name suffix search.
const maxPromoteCollisions = 10000

func collisionFreePath(fsys afero.Fs, destRoot, name string) (string, error) {
	candidate := name
	for i := 1; ; i++ {
		p := filepath.Join(destRoot, candidate)
		if _, err := fsys.Stat(p); err != nil {
			return p, nil
		}
		if i > maxPromoteCollisions {
			return "", fmt.Errorf("too many files named %q", name)
		}
		ext := filepath.Ext(name)
		candidate = fmt.Sprintf("%s_%d%s", strings.TrimSuffix(name, ext), i, ext)
	}
}

func extractAll(fsys afero.Fs, r *zip.Reader, staging string) error {
	for _, f := range r.File {
		rel, ok := safeEntryPath(f.Name)
		if !ok {
			return &RejectedError{Reason: ReasonPathTraversal, Entry: f.Name}
		}
		dst := filepath.Join(staging, filepath.FromSlash(rel))
		if isDirEntry(f) {
			if err := fsys.MkdirAll(dst, 0o700); err != nil {
				return err
			}
			continue
		}
		if err := fsys.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
			return err
		}
		if err := writeEntry(fsys, f, dst); err != nil {
			return err
		}
	}
	return nil
}

func writeEntry(fsys afero.Fs, f *zip.File, dst string) error {
	src, err := f.Open()
	if err != nil {
		return err
	}
	defer src.Close()
	w, err := fsys.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer w.Close()
	// Validation checked the declared size; an entry that keeps producing
	// bytes past it lied about its metadata.
	declared := int64(f.UncompressedSize64)
	n, err := io.Copy(w, io.LimitReader(src, declared+1))
	if err != nil {
		return err
	}
	if n > declared {
		return &RejectedError{Reason: ReasonBomb, Entry: f.Name}
	}
	return nil
}

// safeEntryPath normalizes a stored entry path and reports whether it stays
// strictly inside the extraction root.
func safeEntryPath(name string) (string, bool) {
	if name == "" {
		return "", false
	}
	n := strings.ReplaceAll(name, "\\", "/")
	if strings.ContainsRune(n, 0) {
		return "", false
	}
	if strings.HasPrefix(n, "/") || len(n) > 1 && n[1] == ':' {
		return "", false
	}
	clean := path.Clean(n)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", false
	}
	return clean, true
}

func isDirEntry(f *zip.File) bool {
	return strings.HasSuffix(f.Name, "/") || f.FileInfo().IsDir()
}

func openZip(fsys afero.Fs, zipPath string) (*zip.Reader, func() error, error) {
	f, err := fsys.Open(zipPath)
	if err != nil {
		return nil, nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	r, err := zip.NewReader(f, st.Size())
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return r, f.Close, nil
}
