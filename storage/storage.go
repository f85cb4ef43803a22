// Package storage is the key-value layer under the catalog. Keys are
// slash-separated paths, so a prefix listing enumerates one subtree.
package storage

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Storage defines the primary interface for catalog data storage.
type Storage interface {
	// Get retrieves data for key. It returns a nil Item if the key doesn't
	// exist or has expired, and an error only for storage system failures.
	Get(ctx context.Context, key string) (*Item, error)

	// Set stores data under key, replacing any previous value.
	Set(ctx context.Context, key string, data []byte, opts ...Option) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns the keys beginning with prefix in ascending order.
	List(ctx context.Context, prefix string) ([]string, error)

	// Close closes the storage backend and releases resources.
	Close() error
}

// Item represents a stored piece of data with metadata.
type Item struct {
	Data      []byte     // The stored data
	CreatedAt time.Time  // When the item was created
	ExpiresAt *time.Time // When the item expires (nil = no expiration)
}

// ExpiredAt reports whether the item has expired at now.
func (it *Item) ExpiredAt(now time.Time) bool {
	return it.ExpiresAt != nil && !now.Before(*it.ExpiresAt)
}

// Option configures Set.
type Option func(*Options)

// Options contains configuration for Set.
type Options struct {
	TTL time.Duration // zero means no expiration
}

// WithTTL sets a time-to-live for the stored data.
func WithTTL(ttl time.Duration) Option {
	return func(opts *Options) {
		opts.TTL = ttl
	}
}

// ApplyOptions folds opts into an Options value.
func ApplyOptions(opts ...Option) Options {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

var (
	// ErrInvalidKey is returned for empty keys and keys with empty segments.
	ErrInvalidKey = errors.New("storage: invalid key")
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("storage: closed")
)

// ValidateKey rejects keys that cannot address a single entry.
func ValidateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.HasSuffix(key, "/") || strings.Contains(key, "//") {
		return ErrInvalidKey
	}
	return nil
}

// Key joins path segments into a key.
func Key(segments ...string) string {
	return strings.Join(segments, "/")
}
