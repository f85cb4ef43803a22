// Package storagetest is a conformance suite shared by storage backends.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ggoodman/publisher-gateway/storage"
)

// Factory creates a fresh store for one subtest together with a function
// that moves the store's notion of time forward.
type Factory func(t *testing.T) (s storage.Storage, advance func(time.Duration))

// RunStorageTests runs the suite against stores made by factory.
func RunStorageTests(t *testing.T, factory Factory) {
	t.Run("SetAndGet", func(t *testing.T) { testSetAndGet(t, factory) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, factory) })
	t.Run("Overwrite", func(t *testing.T) { testOverwrite(t, factory) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, factory) })
	t.Run("ListPrefix", func(t *testing.T) { testListPrefix(t, factory) })
	t.Run("TTL", func(t *testing.T) { testTTL(t, factory) })
	t.Run("InvalidKeys", func(t *testing.T) { testInvalidKeys(t, factory) })
}

func testSetAndGet(t *testing.T, factory Factory) {
	s, _ := factory(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "projects/home", []byte(`{"name":"home"}`)))
	item, err := s.Get(ctx, "projects/home")
	require.NoError(t, err)
	require.NotNil(t, item)
	require.JSONEq(t, `{"name":"home"}`, string(item.Data))
	require.Nil(t, item.ExpiresAt)
	require.False(t, item.CreatedAt.IsZero())
}

func testGetMissing(t *testing.T, factory Factory) {
	s, _ := factory(t)
	item, err := s.Get(context.Background(), "projects/nope")
	require.NoError(t, err)
	require.Nil(t, item)
}

func testOverwrite(t *testing.T, factory Factory) {
	s, _ := factory(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", []byte("one")))
	require.NoError(t, s.Set(ctx, "k", []byte("two")))
	item, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "two", string(item.Data))
}

func testDelete(t *testing.T, factory Factory) {
	s, _ := factory(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", []byte("v")))
	require.NoError(t, s.Delete(ctx, "k"))
	item, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.Nil(t, item)

	require.NoError(t, s.Delete(ctx, "k"), "deleting a missing key")
}

func testListPrefix(t *testing.T, factory Factory) {
	s, _ := factory(t)
	ctx := context.Background()

	for _, k := range []string{
		"projects/home/packages/ecommerce",
		"projects/home/packages/analytics",
		"projects/home",
		"projects/homework",
		"projects/other/packages/x",
	} {
		require.NoError(t, s.Set(ctx, k, []byte("{}")))
	}

	keys, err := s.List(ctx, "projects/home/packages/")
	require.NoError(t, err)
	require.Equal(t, []string{
		"projects/home/packages/analytics",
		"projects/home/packages/ecommerce",
	}, keys)

	keys, err = s.List(ctx, "projects/nothing/")
	require.NoError(t, err)
	require.Empty(t, keys)
}

func testTTL(t *testing.T, factory Factory) {
	s, advance := factory(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "cache/q1", []byte("rows"), storage.WithTTL(time.Minute)))
	item, err := s.Get(ctx, "cache/q1")
	require.NoError(t, err)
	require.NotNil(t, item)
	require.NotNil(t, item.ExpiresAt)

	advance(2 * time.Minute)

	item, err = s.Get(ctx, "cache/q1")
	require.NoError(t, err)
	require.Nil(t, item)
	keys, err := s.List(ctx, "cache/")
	require.NoError(t, err)
	require.Empty(t, keys)
}

func testInvalidKeys(t *testing.T, factory Factory) {
	s, _ := factory(t)
	ctx := context.Background()

	for _, k := range []string{"", "/lead", "trail/", "a//b"} {
		require.ErrorIs(t, s.Set(ctx, k, []byte("x")), storage.ErrInvalidKey, "key %q", k)
		_, err := s.Get(ctx, k)
		require.ErrorIs(t, err, storage.ErrInvalidKey, "key %q", k)
	}
}
