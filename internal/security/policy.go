package security

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/haldric/courselib/internal/config"
)

// fileTypeByExtension maps lowercase extensions to coarse display types.
var fileTypeByExtension = map[string]string{
	".pdf":  "pdf",
	".mp4":  "video",
	".mkv":  "video",
	".avi":  "video",
	".mov":  "video",
	".webm": "video",
	".mp3":  "audio",
	".m4a":  "audio",
	".flac": "audio",
	".wav":  "audio",
	".ogg":  "audio",
	".jpg":  "image",
	".jpeg": "image",
	".png":  "image",
	".gif":  "image",
	".webp": "image",
	".svg":  "image",
	".txt":  "text",
	".md":   "text",
	".srt":  "text",
	".docx": "text",
	".epub": "epub",
}

// Policy decides which files a scan is allowed to record. Checks are
// pure so the same policy can be shared across concurrent scans.
type Policy struct {
	allowedExtensions map[string]bool
	maxFileSize       int64
}

// NewPolicy builds a policy from an explicit extension allow-list and a
// size limit in bytes. Extensions are normalized to lowercase with a
// leading dot. A non-positive size limit falls back to the default, and
// anything above the ceiling is clamped down to it.
func NewPolicy(extensions []string, maxFileSize int64) *Policy {
	allowed := make(map[string]bool, len(extensions))
	for _, ext := range extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		allowed[ext] = true
	}
	if maxFileSize <= 0 {
		maxFileSize = 100 * 1024 * 1024
	}
	if maxFileSize > config.MaxFileSizeCeiling {
		maxFileSize = config.MaxFileSizeCeiling
	}
	return &Policy{allowedExtensions: allowed, maxFileSize: maxFileSize}
}

// PolicyFromConfig builds a policy from the loaded configuration.
func PolicyFromConfig(cfg *config.Config) *Policy {
	return NewPolicy(cfg.AllowedExtensions, cfg.MaxFileSize)
}

// MaxFileSize returns the effective size limit in bytes.
func (p *Policy) MaxFileSize() int64 {
	return p.maxFileSize
}

// ValidateExtension reports whether the file's extension is on the
// allow-list. Files without an extension are always rejected.
func (p *Policy) ValidateExtension(path string) error {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == "" {
		return fmt.Errorf("file has no extension: %s", filepath.Base(path))
	}
	if !p.allowedExtensions[ext] {
		return fmt.Errorf("extension %s is not allowed", ext)
	}
	return nil
}

// ValidateFileSize rejects files larger than the configured limit.
func (p *Policy) ValidateFileSize(size int64) error {
	if size > p.maxFileSize {
		return fmt.Errorf("file size %d exceeds limit of %d bytes", size, p.maxFileSize)
	}
	return nil
}

// ValidatePath verifies that path resolves to a location inside root.
// Both sides are resolved through symlinks, so a symlink pointing
// outside the library is rejected even though its own path looks
// contained.
func ValidatePath(path, root string) error {
	resolvedRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return fmt.Errorf("cannot resolve root: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return fmt.Errorf("cannot resolve path: %w", err)
	}
	rel, err := filepath.Rel(resolvedRoot, resolved)
	if err != nil {
		return fmt.Errorf("path %s is outside the library root", path)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("path %s is outside the library root", path)
	}
	return nil
}

// maxFilenameBase bounds the stem of a stored display name; longer
// names are truncated with the extension kept intact.
const maxFilenameBase = 250

// SanitizeFilename normalizes a display name before it is persisted:
// path separators become underscores, null bytes are dropped,
// surrounding dots and spaces are trimmed, and overlong names are
// truncated preserving the extension.
func SanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	name = strings.ReplaceAll(name, "\x00", "")
	name = strings.Trim(name, ". ")
	if ext := filepath.Ext(name); len(name)-len(ext) > maxFilenameBase {
		name = name[:maxFilenameBase] + ext
	}
	if name == "" {
		return "unnamed"
	}
	return name
}

// FileTypeFor returns the coarse display type for a path. Directories
// are always "folder"; unrecognized extensions map to "unknown".
func FileTypeFor(path string, isDir bool) string {
	if isDir {
		return "folder"
	}
	if t, ok := fileTypeByExtension[strings.ToLower(filepath.Ext(path))]; ok {
		return t
	}
	return "unknown"
}
