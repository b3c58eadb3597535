package fsutil

import (
	"path"
	"path/filepath"
	"strings"
)

// maxNameLen bounds sanitized filenames; long names keep their extension.
const maxNameLen = 128

// fallbackName is returned when nothing usable remains after sanitizing.
const fallbackName = "file"

// SanitizeFilename normalizes an untrusted filename to a safe storage name.
// It strips directory components, maps everything outside [A-Za-z0-9._-] to
// underscores, refuses leading dots, and bounds the length while keeping a
// recognizable extension. The result joined with any root stays inside it.
func SanitizeFilename(raw string) string {
	// Drop directory components from either path flavor.
	name := path.Base(strings.ReplaceAll(raw, "\\", "/"))
	name = filepath.Base(name)

	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == '_' || r == '-':
			b.WriteRune(r)
		case r < 0x20 || r == 0x7f:
			// Control bytes and NUL are dropped outright.
		default:
			b.WriteByte('_')
		}
	}
	name = b.String()

	// All-dot or empty names carry no usable content.
	if strings.Trim(name, "._-") == "" {
		return fallbackName
	}
	// Hidden files would vanish from listings; prefix instead.
	if name[0] == '.' {
		name = "f" + name
	}
	if len(name) > maxNameLen {
		ext := filepath.Ext(name)
		if len(ext) > 16 {
			ext = ""
		}
		name = name[:maxNameLen-len(ext)] + ext
	}
	return name
}
