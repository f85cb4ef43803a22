// Package broker carries gateway-wide notifications between gateway
// replicas. A notification published on a topic reaches every subscriber of
// that topic, each of which fans it out to its own connections.
package broker

import (
	"context"

	"github.com/ggoodman/publisher-gateway/internal/jsonrpc"
)

// BroadcastTopic carries notifications for every connection of every replica.
const BroadcastTopic = "broadcast"

// Broker publishes encoded envelopes to topics.
type Broker interface {
	// Publish appends message to topic and returns its event id. Event ids
	// increase monotonically within a topic.
	Publish(ctx context.Context, topic string, message jsonrpc.Message) (eventID string, err error)

	// Subscribe delivers topic messages to handler until ctx ends or handler
	// returns an error, which Subscribe then returns. An empty lastEventID
	// starts with the next published message; otherwise delivery resumes
	// after that id.
	Subscribe(ctx context.Context, topic string, lastEventID string, handler MessageHandler) error

	// Cleanup discards the retained history of topic.
	Cleanup(ctx context.Context, topic string) error
}

// MessageHandler consumes one delivered message.
type MessageHandler func(ctx context.Context, envelope MessageEnvelope) error

// MessageEnvelope is a published message with its event id.
type MessageEnvelope struct {
	ID   string `json:"id"`
	Data []byte `json:"data"`
}
