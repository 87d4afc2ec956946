package cmd

import (
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectPDFsSingleFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.pdf")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	files, err := collectPDFs(path, false)
	require.NoError(t, err)
	assert.Equal(t, []string{path}, files)
}

func TestCollectPDFsDirectoryNonRecursive(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.pdf"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("x"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "c.pdf"), []byte("x"), 0o644))

	files, err := collectPDFs(dir, false)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "a.pdf")}, files)
}

func TestCollectPDFsDirectoryRecursive(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.pdf"), []byte("x"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "c.pdf"), []byte("x"), 0o644))

	files, err := collectPDFs(dir, true)
	require.NoError(t, err)
	sort.Strings(files)
	assert.Equal(t, []string{
		filepath.Join(dir, "a.pdf"),
		filepath.Join(dir, "sub", "c.pdf"),
	}, files)
}

func TestCollectPDFsMissingPath(t *testing.T) {
	_, err := collectPDFs(filepath.Join(t.TempDir(), "missing.pdf"), false)
	assert.Error(t, err)
}
