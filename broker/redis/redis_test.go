package redis

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ggoodman/publisher-gateway/broker"
	"github.com/ggoodman/publisher-gateway/broker/brokertest"
)

func TestRedisBroker(t *testing.T) {
	brokertest.RunBrokerTests(t, func(t *testing.T) broker.Broker {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		return New(Config{
			Client:    client,
			KeyPrefix: "test:broker:",
			Block:     50 * time.Millisecond,
		})
	})
}
