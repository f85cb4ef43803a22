// Package redis provides a broker backed by Redis Streams, so every gateway
// replica sharing the Redis instance sees every broadcast.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ggoodman/publisher-gateway/broker"
	"github.com/ggoodman/publisher-gateway/internal/jsonrpc"
)

// Broker implements broker.Broker with one stream per topic.
type Broker struct {
	client    redis.UniversalClient
	keyPrefix string
	maxLen    int64
	block     time.Duration
}

// Config contains configuration options for the Redis broker.
type Config struct {
	// Client is the Redis client to use. If nil, a client for
	// localhost:6379 is created.
	Client redis.UniversalClient
	// KeyPrefix is prepended to all keys. Defaults to "publisher:broker:".
	KeyPrefix string
	// MaxLen approximately caps each stream. Defaults to 1000.
	MaxLen int64
	// Block bounds each XREAD so cancellation is noticed. Defaults to 1s.
	Block time.Duration
}

// New creates a Redis-backed broker.
func New(config Config) *Broker {
	b := &Broker{
		client:    config.Client,
		keyPrefix: config.KeyPrefix,
		maxLen:    config.MaxLen,
		block:     config.Block,
	}
	if b.client == nil {
		b.client = redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	}
	if b.keyPrefix == "" {
		b.keyPrefix = "publisher:broker:"
	}
	if b.maxLen <= 0 {
		b.maxLen = 1000
	}
	if b.block <= 0 {
		b.block = time.Second
	}
	return b
}

// Close closes the Redis connection.
func (b *Broker) Close() error {
	return b.client.Close()
}

// Publish implements broker.Broker.
func (b *Broker) Publish(ctx context.Context, topic string, message jsonrpc.Message) (string, error) {
	streamKey := b.streamKey(topic)
	eventID, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey,
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]any{"data": []byte(message)},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to publish message to stream %s: %w", streamKey, err)
	}
	return eventID, nil
}

// Subscribe implements broker.Broker.
func (b *Broker) Subscribe(ctx context.Context, topic string, lastEventID string, handler broker.MessageHandler) error {
	streamKey := b.streamKey(topic)

	startID := lastEventID
	if startID == "" {
		// Pin the starting point now; "$" in a loop would skip messages
		// published between reads.
		last, err := b.client.XRevRangeN(ctx, streamKey, "+", "-", 1).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("failed to read stream %s: %w", streamKey, err)
		}
		startID = "0-0"
		if len(last) > 0 {
			startID = last[0].ID
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		streams, err := b.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{streamKey, startID},
			Count:   16,
			Block:   b.block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("failed to read from stream %s: %w", streamKey, err)
		}

		for _, stream := range streams {
			for _, message := range stream.Messages {
				startID = message.ID
				data, ok := message.Values["data"].(string)
				if !ok {
					continue
				}
				if err := handler(ctx, broker.MessageEnvelope{ID: message.ID, Data: []byte(data)}); err != nil {
					return err
				}
			}
		}
	}
}

// Cleanup implements broker.Broker.
func (b *Broker) Cleanup(ctx context.Context, topic string) error {
	if err := b.client.Del(ctx, b.streamKey(topic)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to cleanup topic %s: %w", topic, err)
	}
	return nil
}

func (b *Broker) streamKey(topic string) string {
	return b.keyPrefix + "stream:" + topic
}

var _ broker.Broker = (*Broker)(nil)
