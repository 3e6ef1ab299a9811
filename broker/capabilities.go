package broker

// Capabilities describes how a driver realises topic routing.
type Capabilities struct {
	// Name is the registered driver name.
	Name string

	// NativeWildcards indicates the broker evaluates "*" bindings itself.
	// When false the driver filters on MetadataRoutingKey client-side.
	NativeWildcards bool

	// SharedQueue indicates all patterns of a node feed one broker queue,
	// so overlapping patterns never duplicate a delivery.
	SharedQueue bool

	// Durable indicates queues survive a broker restart.
	Durable bool

	// Ordering indicates messages from one channel reach a queue in publish
	// order.
	Ordering bool

	// ChannelPerPublisher indicates OpenChannel creates a broker channel
	// rather than sharing one publisher.
	ChannelPerPublisher bool

	// MaxMessageSize is the maximum message size in bytes (0 = unknown).
	MaxMessageSize int64
}

var (
	MemoryCapabilities = Capabilities{
		Name:            "memory",
		NativeWildcards: false,
		SharedQueue:     true,
		Ordering:        true,
	}

	RabbitMQCapabilities = Capabilities{
		Name:                "rabbitmq",
		NativeWildcards:     true,
		SharedQueue:         true,
		Durable:             true,
		Ordering:            true,
		ChannelPerPublisher: true,
	}

	NATSCapabilities = Capabilities{
		Name:            "nats",
		NativeWildcards: true,
		MaxMessageSize:  1048576,
	}

	KafkaCapabilities = Capabilities{
		Name:           "kafka",
		Durable:        true,
		Ordering:       true,
		MaxMessageSize: 1048576,
	}
)
