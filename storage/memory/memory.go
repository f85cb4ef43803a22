// Package memory provides an in-memory implementation of storage.Storage.
package memory

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/ggoodman/publisher-gateway/storage"
)

// Storage implements the storage.Storage interface using in-memory storage.
type Storage struct {
	clock clockwork.Clock

	mu     sync.RWMutex
	items  map[string]*storage.Item
	closed bool
	stop   chan struct{}
}

// Option configures a memory Storage.
type Option func(*Storage)

// WithClock sets the clock used for expiry. Defaults to the real clock.
func WithClock(c clockwork.Clock) Option {
	return func(s *Storage) { s.clock = c }
}

// New creates a new in-memory storage implementation. Expired items are
// purged every sweep interval until Close.
func New(opts ...Option) *Storage {
	s := &Storage{
		clock: clockwork.NewRealClock(),
		items: make(map[string]*storage.Item),
		stop:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.cleanupExpired(5 * time.Minute)
	return s
}

func (s *Storage) Get(ctx context.Context, key string) (*storage.Item, error) {
	if err := storage.ValidateKey(key); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrClosed
	}
	item, ok := s.items[key]
	if !ok || item.ExpiredAt(s.clock.Now()) {
		return nil, nil
	}
	out := *item
	out.Data = slices.Clone(item.Data)
	return &out, nil
}

func (s *Storage) Set(ctx context.Context, key string, data []byte, opts ...storage.Option) error {
	if err := storage.ValidateKey(key); err != nil {
		return err
	}
	o := storage.ApplyOptions(opts...)
	now := s.clock.Now()
	item := &storage.Item{Data: slices.Clone(data), CreatedAt: now}
	if o.TTL > 0 {
		exp := now.Add(o.TTL)
		item.ExpiresAt = &exp
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	s.items[key] = item
	return nil
}

func (s *Storage) Delete(ctx context.Context, key string) error {
	if err := storage.ValidateKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	delete(s.items, key)
	return nil
}

func (s *Storage) List(ctx context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrClosed
	}
	now := s.clock.Now()
	var keys []string
	for k, item := range s.items {
		if strings.HasPrefix(k, prefix) && !item.ExpiredAt(now) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys, nil
}

// Close drops every item. Further calls fail with storage.ErrClosed.
func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.items = nil
		close(s.stop)
	}
	return nil
}

func (s *Storage) cleanupExpired(every time.Duration) {
	ticker := s.clock.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.Chan():
			s.mu.Lock()
			now := s.clock.Now()
			for k, item := range s.items {
				if item.ExpiredAt(now) {
					delete(s.items, k)
				}
			}
			s.mu.Unlock()
		}
	}
}

var _ storage.Storage = (*Storage)(nil)
