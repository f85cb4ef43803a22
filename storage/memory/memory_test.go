package memory

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/ggoodman/publisher-gateway/storage"
	"github.com/ggoodman/publisher-gateway/storage/storagetest"
)

func TestMemoryStorage(t *testing.T) {
	storagetest.RunStorageTests(t, func(t *testing.T) (storage.Storage, func(time.Duration)) {
		clock := clockwork.NewFakeClock()
		s := New(WithClock(clock))
		t.Cleanup(func() { _ = s.Close() })
		return s, clock.Advance
	})
}

func TestGetReturnsCopy(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", []byte("abc")))
	item, err := s.Get(ctx, "k")
	require.NoError(t, err)
	item.Data[0] = 'z'

	again, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "abc", string(again.Data))
}

func TestClosed(t *testing.T) {
	s := New()
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.Get(context.Background(), "k")
	require.ErrorIs(t, err, storage.ErrClosed)
	require.ErrorIs(t, s.Set(context.Background(), "k", nil), storage.ErrClosed)
}
