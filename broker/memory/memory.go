// Package memory provides an in-process broker for single-replica
// deployments and tests.
package memory

import (
	"context"
	"strconv"
	"sync"

	"github.com/ggoodman/publisher-gateway/broker"
	"github.com/ggoodman/publisher-gateway/internal/jsonrpc"
)

const defaultRetain = 256

// Broker implements broker.Broker with per-topic history and channels.
type Broker struct {
	retain int

	mu     sync.Mutex
	topics map[string]*topic
}

type topic struct {
	lastID   int64
	messages []broker.MessageEnvelope
	subs     map[chan broker.MessageEnvelope]struct{}
}

// Option configures a Broker.
type Option func(*Broker)

// WithRetain bounds how many messages each topic keeps for resumption.
func WithRetain(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.retain = n
		}
	}
}

// New returns an empty broker.
func New(opts ...Option) *Broker {
	b := &Broker{retain: defaultRetain, topics: make(map[string]*topic)}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Broker) topic(name string) *topic {
	t, ok := b.topics[name]
	if !ok {
		t = &topic{subs: make(map[chan broker.MessageEnvelope]struct{})}
		b.topics[name] = t
	}
	return t
}

// Publish implements broker.Broker.
func (b *Broker) Publish(ctx context.Context, name string, message jsonrpc.Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topic(name)
	t.lastID++
	env := broker.MessageEnvelope{ID: strconv.FormatInt(t.lastID, 10), Data: append([]byte(nil), message...)}
	t.messages = append(t.messages, env)
	if len(t.messages) > b.retain {
		t.messages = t.messages[len(t.messages)-b.retain:]
	}
	for ch := range t.subs {
		select {
		case ch <- env:
		default:
			// Slow subscriber; it resumes from history on its next read.
		}
	}
	return env.ID, nil
}

// Subscribe implements broker.Broker.
func (b *Broker) Subscribe(ctx context.Context, name string, lastEventID string, handler broker.MessageHandler) error {
	ch := make(chan broker.MessageEnvelope, 64)

	b.mu.Lock()
	t := b.topic(name)
	t.subs[ch] = struct{}{}
	var cursor int64
	if lastEventID != "" {
		cursor, _ = strconv.ParseInt(lastEventID, 10, 64)
	} else {
		cursor = t.lastID
	}
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(t.subs, ch)
		b.mu.Unlock()
	}()

	for {
		for _, env := range b.since(t, cursor) {
			if err := handler(ctx, env); err != nil {
				return err
			}
			cursor, _ = strconv.ParseInt(env.ID, 10, 64)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env := <-ch:
			id, _ := strconv.ParseInt(env.ID, 10, 64)
			if id <= cursor {
				continue
			}
			if id == cursor+1 {
				if err := handler(ctx, env); err != nil {
					return err
				}
				cursor = id
			}
			// A gap means messages were dropped from the channel; the
			// history replay at the top of the loop fills it.
		}
	}
}

// since returns retained messages with ids after cursor.
func (b *Broker) since(t *topic, cursor int64) []broker.MessageEnvelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []broker.MessageEnvelope
	for _, env := range t.messages {
		if id, _ := strconv.ParseInt(env.ID, 10, 64); id > cursor {
			out = append(out, env)
		}
	}
	return out
}

// Cleanup implements broker.Broker. Event ids keep increasing afterwards.
func (b *Broker) Cleanup(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	if t, ok := b.topics[name]; ok {
		t.messages = nil
	}
	b.mu.Unlock()
	return nil
}

var _ broker.Broker = (*Broker)(nil)
