package transport

import (
	"context"
	"errors"

	"github.com/dreamware/spine/internal/cluster"
)

var (
	// ErrClosed is returned by operations on a closed connection or broker.
	ErrClosed = errors.New("transport closed")
	// ErrConnect is returned when the remote broker cannot be reached within
	// the reconnect budget.
	ErrConnect = errors.New("transport connect failed")
)

// Topic names a channel on the broker. Durable topics retain messages
// published while nobody listens and hand them to the first subscriber.
type Topic struct {
	Name    string `json:"name"`
	Durable bool   `json:"durable,omitempty"`
}

// TopicFor returns the topic carrying the given kind.
func TopicFor(kind cluster.Kind) Topic {
	return Topic{Name: kind.Topic(), Durable: kind.Durable()}
}

// Handler receives envelopes published on a subscribed topic. Each
// subscription has its own delivery goroutine, so a handler may block
// without stalling other subscriptions.
type Handler func(env cluster.Envelope)

// Subscription is a registered listener that can be removed.
type Subscription interface {
	Unsubscribe() error
}

// Transport is the publish/subscribe contract the coordination layer needs.
// Implementations must be safe for concurrent use.
type Transport interface {
	// Publish sends env to every current subscriber of topic.
	Publish(ctx context.Context, topic Topic, env cluster.Envelope) error

	// Subscribe registers h for messages published on topic.
	Subscribe(topic Topic, h Handler) (Subscription, error)

	// Close tears down the connection and all its subscriptions.
	Close() error
}
