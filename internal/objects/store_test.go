package objects

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/scripthost/internal/shared/utils"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), utils.NewHasher(utils.BLAKE2b), zap.NewNop())
	require.NoError(t, err)
	return s
}

func TestStorePutLoad(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	put, err := s.Put(ctx, "objects/notes", "function f() {}")
	require.NoError(t, err)
	assert.Equal(t, "/objects/notes", put.Path)
	assert.Equal(t, "notes", put.Filename())
	assert.True(t, strings.HasPrefix(put.Digest, "blake2b:"))

	got, err := s.Load(ctx, "/objects/notes")
	require.NoError(t, err)
	assert.Equal(t, "function f() {}", got.Source)
	assert.Equal(t, put.Digest, got.Digest)
	assert.Equal(t, int64(15), got.Size)

	_, err = os.Stat(filepath.Join(s.Root(), "objects", "notes.js"))
	assert.NoError(t, err)
}

func TestStoreModTimeAdvances(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.Put(ctx, "/objects/a", "var v = 1;")
	require.NoError(t, err)
	second, err := s.Put(ctx, "/objects/a", "var v = 2;")
	require.NoError(t, err)

	assert.True(t, second.LastModified.After(first.LastModified))
	assert.NotEqual(t, first.Digest, second.Digest)

	mtime, err := s.ModTime(ctx, "/objects/a")
	require.NoError(t, err)
	assert.True(t, mtime.Equal(second.LastModified))
}

func TestStoreNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Load(ctx, "/objects/missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.ModTime(ctx, "/objects/missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, "/objects/missing"), ErrNotFound)
}

func TestStoreRejectsEscapes(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Load(context.Background(), "/../../etc/passwd")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestStoreList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, p := range []string{"/objects/a", "/objects/deep/b", "/lib/math"} {
		_, err := s.Put(ctx, p, "1;")
		require.NoError(t, err)
	}
	require.NoError(t, os.WriteFile(filepath.Join(s.Root(), "objects", "readme.txt"), []byte("x"), 0o644))

	all, err := s.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"/lib/math", "/objects/a", "/objects/deep/b"}, all)

	objs, err := s.List(ctx, "/objects/**")
	require.NoError(t, err)
	assert.Equal(t, []string{"/objects/a", "/objects/deep/b"}, objs)

	top, err := s.List(ctx, "objects/*")
	require.NoError(t, err)
	assert.Equal(t, []string{"/objects/a"}, top)

	_, err = s.List(ctx, "objects/[")
	assert.Error(t, err)
}

func TestStoreDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Put(ctx, "/objects/gone", "1;")
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, "/objects/gone"))

	_, err = s.Load(ctx, "/objects/gone")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreCancelledContext(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Load(ctx, "/objects/a")
	assert.ErrorIs(t, err, context.Canceled)
}
