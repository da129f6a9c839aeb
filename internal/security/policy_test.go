package security

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPolicy() *Policy {
	return NewPolicy([]string{".pdf", "mp4", ".TXT"}, 1024)
}

func TestValidateExtension(t *testing.T) {
	p := testPolicy()

	assert.NoError(t, p.ValidateExtension("/lib/course/notes.pdf"))
	assert.NoError(t, p.ValidateExtension("/lib/course/lecture.MP4"), "extension check is case-insensitive")
	assert.NoError(t, p.ValidateExtension("/lib/course/readme.txt"), "allow-list entries are normalized")

	assert.Error(t, p.ValidateExtension("/lib/course/shell.sh"))
	assert.Error(t, p.ValidateExtension("/lib/course/Makefile"), "files without extension are rejected")
}

func TestValidateFileSize(t *testing.T) {
	p := testPolicy()

	assert.NoError(t, p.ValidateFileSize(1024))
	assert.Error(t, p.ValidateFileSize(1025))
}

func TestNewPolicy_ClampsSize(t *testing.T) {
	p := NewPolicy(nil, 100*1024*1024*1024)
	assert.Equal(t, int64(5*1024*1024*1024), p.MaxFileSize())

	p = NewPolicy(nil, 0)
	assert.Equal(t, int64(100*1024*1024), p.MaxFileSize())
}

func TestValidatePath_Contained(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "course", "week1")
	require.NoError(t, os.MkdirAll(sub, 0o755))

	assert.NoError(t, ValidatePath(sub, root))
	assert.NoError(t, ValidatePath(root, root), "root itself is contained")
}

func TestValidatePath_Escape(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()

	assert.Error(t, ValidatePath(outside, root))
}

func TestValidatePath_SymlinkEscape(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	link := filepath.Join(root, "sneaky")
	require.NoError(t, os.Symlink(outside, link))

	err := ValidatePath(link, root)
	assert.Error(t, err, "symlink pointing outside the root must be rejected")
}

func TestSanitizeFilename(t *testing.T) {
	assert.Equal(t, "notes.pdf", SanitizeFilename("notes.pdf"))
	assert.Equal(t, "_.._etc_passwd", SanitizeFilename("../../etc/passwd"))
	assert.Equal(t, "_.._evil.txt", SanitizeFilename(`..\..\evil.txt`))
	assert.Equal(t, "unnamed", SanitizeFilename(""))
	assert.Equal(t, "unnamed", SanitizeFilename("..."))
}

func TestSanitizeFilename_StripsNullBytes(t *testing.T) {
	assert.Equal(t, "file.pdf", SanitizeFilename("file\x00.pdf"))
}

func TestSanitizeFilename_TrimsDotsAndSpaces(t *testing.T) {
	assert.Equal(t, "notes", SanitizeFilename("notes. "))
	assert.Equal(t, "notes.txt", SanitizeFilename(" .notes.txt."))
}

func TestSanitizeFilename_TruncatesLongNames(t *testing.T) {
	long := strings.Repeat("a", 300) + ".pdf"
	got := SanitizeFilename(long)
	assert.Len(t, got, maxFilenameBase+len(".pdf"))
	assert.True(t, strings.HasSuffix(got, ".pdf"), "truncation keeps the extension")

	short := strings.Repeat("b", 100) + ".pdf"
	assert.Equal(t, short, SanitizeFilename(short))
}

func TestFileTypeFor(t *testing.T) {
	assert.Equal(t, "folder", FileTypeFor("/lib/course", true))
	assert.Equal(t, "pdf", FileTypeFor("notes.PDF", false))
	assert.Equal(t, "video", FileTypeFor("lecture.mkv", false))
	assert.Equal(t, "audio", FileTypeFor("podcast.mp3", false))
	assert.Equal(t, "image", FileTypeFor("diagram.png", false))
	assert.Equal(t, "text", FileTypeFor("README.md", false))
	assert.Equal(t, "epub", FileTypeFor("book.epub", false))
	assert.Equal(t, "unknown", FileTypeFor("archive.zip", false))
}
