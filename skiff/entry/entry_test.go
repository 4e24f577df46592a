package entry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_FileAttributes(t *testing.T) {
	tempDir := t.TempDir()
	path := filepath.Join(tempDir, "Notes.TXT")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	info, err := os.Lstat(path)
	require.NoError(t, err)

	e := New(path, info)
	assert.Equal(t, path, e.Path)
	assert.Equal(t, "Notes.TXT", e.Name)
	assert.Equal(t, File, e.Kind)
	assert.Equal(t, int64(5), e.Size)
	assert.False(t, e.IsHidden)
	assert.Equal(t, ".txt", e.Ext())
}

func TestNew_DirectoryAndHidden(t *testing.T) {
	tempDir := t.TempDir()
	path := filepath.Join(tempDir, ".config")
	require.NoError(t, os.Mkdir(path, 0o755))

	info, err := os.Lstat(path)
	require.NoError(t, err)

	e := New(path, info)
	assert.Equal(t, Directory, e.Kind)
	assert.True(t, e.IsHidden)
	assert.Empty(t, e.Ext(), "directories have no extension")
}

func TestNew_Symlink(t *testing.T) {
	tempDir := t.TempDir()
	target := filepath.Join(tempDir, "target")
	require.NoError(t, os.WriteFile(target, nil, 0o644))
	link := filepath.Join(tempDir, "link")
	require.NoError(t, os.Symlink(target, link))

	info, err := os.Lstat(link)
	require.NoError(t, err)

	e := New(link, info)
	assert.Equal(t, Symlink, e.Kind)
}

func TestNewUnreadable(t *testing.T) {
	e := NewUnreadable("/restricted/.secrets")
	assert.Equal(t, Unreadable, e.Kind)
	assert.Equal(t, ".secrets", e.Name)
	assert.True(t, e.IsHidden)
	assert.Empty(t, e.Ext())
}

func TestChangeConstructors(t *testing.T) {
	e := Entry{Path: "/tmp/a.txt", Name: "a.txt", Kind: File}

	add := Add(e)
	assert.Equal(t, Added, add.Kind)
	assert.Equal(t, e.Path, add.Path)
	assert.Equal(t, e, add.Entry)

	rm := Remove("/tmp/a.txt")
	assert.Equal(t, Removed, rm.Kind)
	assert.Equal(t, Entry{}, rm.Entry)

	mod := Modify(e)
	assert.Equal(t, Modified, mod.Kind)
	assert.Equal(t, e, mod.Entry)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "file", File.String())
	assert.Equal(t, "directory", Directory.String())
	assert.Equal(t, "symlink", Symlink.String())
	assert.Equal(t, "unreadable", Unreadable.String())
}
