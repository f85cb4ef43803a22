package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/ggoodman/publisher-gateway/storage"
	"github.com/ggoodman/publisher-gateway/storage/storagetest"
)

func newStorage(t *testing.T) (*Storage, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := New(Config{Client: redis.NewClient(&redis.Options{Addr: mr.Addr()})})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestRedisStorage(t *testing.T) {
	storagetest.RunStorageTests(t, func(t *testing.T) (storage.Storage, func(time.Duration)) {
		s, mr := newStorage(t)
		return s, mr.FastForward
	})
}

func TestKeyPrefix(t *testing.T) {
	s, mr := newStorage(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "projects/home", []byte("{}")))
	require.True(t, mr.Exists("publisher:storage:projects/home"))
}

func TestListEscapesGlob(t *testing.T) {
	s, _ := newStorage(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "a*b/one", []byte("1")))
	require.NoError(t, s.Set(ctx, "axb/two", []byte("2")))

	keys, err := s.List(ctx, "a*b/")
	require.NoError(t, err)
	require.Equal(t, []string{"a*b/one"}, keys)
}

func TestNewRequiresClient(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}
