package nameallocator

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocateFromHint(t *testing.T) {
	dir := t.TempDir()
	a := New(1)
	path, err := a.Allocate(dir, Hints{Hint: "report.pdf"})
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "report.pdf"), path)
}

func TestAllocateCollisionGetsSuffix(t *testing.T) {
	dir := t.TempDir()
	a := New(7)

	first, err := a.Allocate(dir, Hints{Hint: "report.pdf"})
	require.NoError(t, err)

	second, err := a.Allocate(dir, Hints{Hint: "report.pdf"})
	require.NoError(t, err)

	require.NotEqual(t, first, second)
	require.Equal(t, filepath.Base(first), "report.pdf")
	require.Contains(t, filepath.Base(second), "report-")
}

func TestContentDispositionWins(t *testing.T) {
	dir := t.TempDir()
	a := New(1)
	path, err := a.Allocate(dir, Hints{ContentDisposition: `attachment; filename="real-name.bin"`})
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "real-name.bin"), path)
}

func TestMimeDerivesExtensionWhenMissing(t *testing.T) {
	dir := t.TempDir()
	a := New(1)
	path, err := a.Allocate(dir, Hints{URL: "https://example.com/download", MimeType: "application/pdf"})
	require.NoError(t, err)
	require.Equal(t, ".pdf", filepath.Ext(path))
}

func TestDefaultNameWhenNoHints(t *testing.T) {
	dir := t.TempDir()
	a := New(1)
	path, err := a.Allocate(dir, Hints{})
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "downloadfile.bin"), path)
}

func TestSanitizeInvalidCharacters(t *testing.T) {
	dir := t.TempDir()
	a := New(1)
	path, err := a.Allocate(dir, Hints{Hint: "bad:name*.txt"})
	require.NoError(t, err)
	require.NotContains(t, filepath.Base(path), ":")
	require.NotContains(t, filepath.Base(path), "*")
}

func TestCategory(t *testing.T) {
	require.Equal(t, "Images", Category("/x/photo.png"))
	require.Equal(t, "Others", Category("/x/file.xyz"))
}
