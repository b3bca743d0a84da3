package paths

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLayoutRoundTrip(t *testing.T) {
	root := t.TempDir()
	l := NewLayout(root)

	file := l.File("/objects/notes")
	assert.Equal(t, filepath.Join(root, "objects", "notes.js"), file)

	p, err := l.ObjectPath(file)
	require.NoError(t, err)
	assert.Equal(t, "/objects/notes", p)
}

func TestLayoutRejectsForeignFiles(t *testing.T) {
	l := NewLayout(t.TempDir())

	_, err := l.ObjectPath(filepath.Join(l.Root, "..", "elsewhere.js"))
	assert.Error(t, err)

	_, err = l.ObjectPath(filepath.Join(l.Root, "objects", "readme.txt"))
	assert.Error(t, err)
}

func TestIsLibraryPath(t *testing.T) {
	assert.True(t, IsLibraryPath("/lib/math"))
	assert.False(t, IsLibraryPath("/objects/lib"))
}
