// Package broker defines the boundary between nodebus and the message
// broker: a process-wide Bus over a Driver, topic pattern matching and a
// registry of driver builders. Each driver lives in its own sub-package and
// registers itself on import.
package broker

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// MetadataRoutingKey is set by every driver on publish so consumers can
// recover the routing key a message was sent with.
const MetadataRoutingKey = "nodebus_route_key"

// Channel publishes messages by routing key. A Channel is used by a single
// goroutine.
type Channel interface {
	Publish(routingKey string, msg *message.Message) error
	Close() error
}

// Driver is a connected broker with topic-exchange semantics: a message
// published with a routing key reaches every queue bound with a pattern
// matching that key, once per queue.
type Driver interface {
	// OpenChannel returns a new publishing channel on the shared connection.
	OpenChannel() (Channel, error)
	// Subscribe binds queue to patterns and streams its messages until ctx
	// is cancelled.
	Subscribe(ctx context.Context, queue string, patterns []string) (<-chan *message.Message, error)
	// Close releases the connection.
	Close() error
}

// Builder creates a Driver from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Driver, error)

// Config provides the values drivers need without depending on the full
// config package.
type Config interface {
	// GetBroker returns the driver name.
	GetBroker() string

	// RabbitMQ
	GetRabbitMQURL() string
	// GetExchange names the exchange (RabbitMQ) or subject/topic prefix
	// (NATS, Kafka).
	GetExchange() string

	// NATS
	GetNATSURL() string

	// Kafka
	GetKafkaBrokers() []string
}
