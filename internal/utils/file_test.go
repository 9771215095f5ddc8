package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListImageFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"bob.PNG", "alice.jpg", "notes.txt", "carol.webp"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.jpg"), 0o755))

	files, err := ListImageFiles(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "alice.jpg"),
		filepath.Join(dir, "bob.PNG"),
		filepath.Join(dir, "carol.webp"),
	}, files)

	_, err = ListImageFiles(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestFileStem(t *testing.T) {
	assert.Equal(t, "alice", FileStem("/refs/alice.jpg"))
	assert.Equal(t, "mary.jane", FileStem("mary.jane.png"))
	assert.Equal(t, "noext", FileStem("noext"))
}

func TestOutputPath(t *testing.T) {
	assert.Equal(t, filepath.Join("out", "a_b.png"), OutputPath("out", "a/b", ""))
	assert.Equal(t, filepath.Join("out", "annotated.jpg"), OutputPath("out", "annotated", "jpg"))
}

func TestEnsureDirAndDirExists(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")
	assert.False(t, DirExists(dir))
	require.NoError(t, EnsureDir(dir))
	assert.True(t, DirExists(dir))
	require.NoError(t, EnsureDir(dir))
}
