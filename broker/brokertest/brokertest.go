// Package brokertest is a conformance suite shared by broker implementations.
package brokertest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/publisher-gateway/broker"
	"github.com/ggoodman/publisher-gateway/internal/jsonrpc"
)

// BrokerFactory creates a fresh broker for one subtest.
type BrokerFactory func(t *testing.T) broker.Broker

// RunBrokerTests runs the suite against brokers made by factory.
func RunBrokerTests(t *testing.T, factory BrokerFactory) {
	t.Run("SubscribeSeesLaterMessages", func(t *testing.T) {
		testSubscribeSeesLaterMessages(t, factory)
	})
	t.Run("ResumeFromLastEventID", func(t *testing.T) {
		testResumeFromLastEventID(t, factory)
	})
	t.Run("TopicIsolation", func(t *testing.T) {
		testTopicIsolation(t, factory)
	})
	t.Run("HandlerErrorStopsSubscription", func(t *testing.T) {
		testHandlerErrorStopsSubscription(t, factory)
	})
	t.Run("FanOutToEverySubscriber", func(t *testing.T) {
		testFanOut(t, factory)
	})
}

func notification(t *testing.T, method string) jsonrpc.Message {
	t.Helper()
	env, err := jsonrpc.NewNotification(method, nil)
	if err != nil {
		t.Fatalf("build notification: %v", err)
	}
	return jsonrpc.Encode(env)
}

type collector struct {
	mu   sync.Mutex
	got  []broker.MessageEnvelope
	want int
	done chan struct{}
}

func newCollector(want int) *collector {
	return &collector{want: want, done: make(chan struct{})}
}

func (c *collector) handle(_ context.Context, env broker.MessageEnvelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, env)
	if len(c.got) == c.want {
		close(c.done)
	}
	return nil
}

func (c *collector) wait(t *testing.T) []broker.MessageEnvelope {
	t.Helper()
	select {
	case <-c.done:
	case <-time.After(3 * time.Second):
		c.mu.Lock()
		defer c.mu.Unlock()
		t.Fatalf("expected %d messages, got %d", c.want, len(c.got))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]broker.MessageEnvelope(nil), c.got...)
}

func methodOf(t *testing.T, env broker.MessageEnvelope) string {
	t.Helper()
	decoded, err := jsonrpc.Decode(env.Data)
	if err != nil {
		t.Fatalf("decode delivered message: %v", err)
	}
	return decoded.Method
}

func subscribe(t *testing.T, b broker.Broker, topic, last string, h broker.MessageHandler) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- b.Subscribe(ctx, topic, last, h) }()
	t.Cleanup(cancel)
	// Let the subscription establish its starting point.
	time.Sleep(100 * time.Millisecond)
	return cancel, errc
}

func testSubscribeSeesLaterMessages(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ctx := context.Background()

	if _, err := b.Publish(ctx, "t1", notification(t, "before")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	c := newCollector(1)
	cancel, errc := subscribe(t, b, "t1", "", c.handle)

	id, err := b.Publish(ctx, "t1", notification(t, "after"))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	got := c.wait(t)
	if got[0].ID != id {
		t.Fatalf("expected event id %s, got %s", id, got[0].ID)
	}
	if want, m := "after", methodOf(t, got[0]); want != m {
		t.Fatalf("expected %q, got %q", want, m)
	}

	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func testResumeFromLastEventID(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ctx := context.Background()

	first, err := b.Publish(ctx, "t2", notification(t, "one"))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := b.Publish(ctx, "t2", notification(t, "two")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := b.Publish(ctx, "t2", notification(t, "three")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	c := newCollector(2)
	subscribe(t, b, "t2", first, c.handle)
	got := c.wait(t)
	if methodOf(t, got[0]) != "two" || methodOf(t, got[1]) != "three" {
		t.Fatalf("expected two then three, got %s then %s", methodOf(t, got[0]), methodOf(t, got[1]))
	}
}

func testTopicIsolation(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ctx := context.Background()

	c := newCollector(1)
	subscribe(t, b, "mine", "", c.handle)

	if _, err := b.Publish(ctx, "theirs", notification(t, "theirs")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := b.Publish(ctx, "mine", notification(t, "mine")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	got := c.wait(t)
	if want, m := "mine", methodOf(t, got[0]); want != m {
		t.Fatalf("expected %q, got %q", want, m)
	}
}

func testHandlerErrorStopsSubscription(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	stop := errors.New("stop")

	_, errc := subscribe(t, b, "t3", "", func(context.Context, broker.MessageEnvelope) error { return stop })
	if _, err := b.Publish(context.Background(), "t3", notification(t, "x")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case err := <-errc:
		if !errors.Is(err, stop) {
			t.Fatalf("expected handler error, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("subscription did not stop")
	}
}

func testFanOut(t *testing.T, factory BrokerFactory) {
	b := factory(t)

	a, c := newCollector(1), newCollector(1)
	subscribe(t, b, "t4", "", a.handle)
	subscribe(t, b, "t4", "", c.handle)

	if _, err := b.Publish(context.Background(), "t4", notification(t, "all")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	a.wait(t)
	c.wait(t)
}
