package gormstore_test

import (
	"context"
	"path/filepath"
	"testing"

	authkit "github.com/chimerakang/authkit-go"
	"github.com/chimerakang/authkit-go/store"
	"github.com/chimerakang/authkit-go/store/gormstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBackend(t *testing.T) (*gormstore.Backend, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "authkit.db")
	db, err := gormstore.OpenSQLite(path)
	require.NoError(t, err)
	b, err := gormstore.New(db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b, path
}

func TestBackend_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	b, _ := newBackend(t)

	_, ok, err := b.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, b.Put(ctx, "a", []byte("1")))
	require.NoError(t, b.Put(ctx, "a", []byte("2")))
	require.NoError(t, b.Put(ctx, "b", []byte("3")))

	v, ok, err := b.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("2"), v)

	require.NoError(t, b.Delete(ctx, "a", "b"))
	_, ok, _ = b.Get(ctx, "a")
	assert.False(t, ok)
	_, ok, _ = b.Get(ctx, "b")
	assert.False(t, ok)

	require.NoError(t, b.Delete(ctx))
}

func TestBackend_SessionSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	b, path := newBackend(t)

	s := store.New(b)
	s.Set(ctx, authkit.TokenPair{AccessToken: "a1", RefreshToken: "r1"})
	s.SaveIdentity(ctx, authkit.Identity{ID: "u1", Origin: authkit.OriginCredentials})
	require.NoError(t, b.Close())

	db, err := gormstore.OpenSQLite(path)
	require.NoError(t, err)
	reopened, err := gormstore.New(db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	s2 := store.New(reopened)
	got, _, ok := s2.Get(ctx)
	require.True(t, ok)
	assert.Equal(t, "a1", got.AccessToken)
	assert.Equal(t, "r1", got.RefreshToken)

	id, ok := s2.LoadIdentity(ctx)
	require.True(t, ok)
	assert.Equal(t, "u1", id.ID)
}
