package redisstore_test

import (
	"context"
	"os"
	"testing"

	"github.com/chimerakang/authkit-go/store/redisstore"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Requires a running Redis; set REDIS_URL=redis://localhost:6379/0 to enable.
func newBackend(t *testing.T) *redisstore.Backend {
	t.Helper()
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	b, err := redisstore.Dial(context.Background(), url, "authkit-test:"+uuid.NewString()+":")
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestBackend_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)

	_, ok, err := b.Get(ctx, "tokens")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, b.Put(ctx, "tokens", []byte(`{"access_token":"a"}`)))
	require.NoError(t, b.Put(ctx, "identity", []byte(`{"id":"u1"}`)))

	v, ok, err := b.Get(ctx, "tokens")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"access_token":"a"}`, string(v))

	require.NoError(t, b.Delete(ctx, "tokens", "identity"))
	_, ok, _ = b.Get(ctx, "tokens")
	assert.False(t, ok)
	_, ok, _ = b.Get(ctx, "identity")
	assert.False(t, ok)
}

func TestDial_BadURL(t *testing.T) {
	_, err := redisstore.Dial(context.Background(), "not-a-url", "")
	require.Error(t, err)
}
