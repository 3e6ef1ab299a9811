// Package nats provides a NATS Core driver for nodebus. Routing keys map to
// subjects under the exchange prefix, where "*" is a native single-token
// wildcard.
package nats

import (
	"context"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	nc "github.com/nats-io/nats.go"

	"github.com/drblury/nodebus/broker"
)

// DriverName is the name used to register this driver.
const DriverName = "nats"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return nats.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return nats.NewSubscriber(cfg, logger)
}

func init() {
	broker.Register(DriverName, Build, broker.NATSCapabilities)
}

// Capabilities returns the capabilities of this driver.
func Capabilities() broker.Capabilities {
	return broker.NATSCapabilities
}

// Driver shares one publisher across channels and creates a queue-group
// subscriber per binding.
type Driver struct {
	url       string
	prefix    string
	publisher message.Publisher
	logger    watermill.LoggerAdapter
	marshaler *nats.NATSMarshaler

	mu          sync.Mutex
	subscribers []message.Subscriber
}

func connectOptions(name string) []nc.Option {
	return []nc.Option{
		nc.Name(name),
		nc.MaxReconnects(-1),
	}
}

// Build connects the shared publisher.
func Build(ctx context.Context, cfg broker.Config, logger watermill.LoggerAdapter) (broker.Driver, error) {
	url := cfg.GetNATSURL()
	marshaler := &nats.NATSMarshaler{}

	publisher, err := PublisherFactory(
		nats.PublisherConfig{
			URL:         url,
			NatsOptions: connectOptions(cfg.GetExchange() + "-publisher"),
			Marshaler:   marshaler,
			JetStream:   nats.JetStreamConfig{Disabled: true},
		},
		logger,
	)
	if err != nil {
		return nil, err
	}

	return &Driver{
		url:       url,
		prefix:    cfg.GetExchange(),
		publisher: publisher,
		logger:    logger,
		marshaler: marshaler,
	}, nil
}

// Subject maps a routing key or pattern to its NATS subject.
func (d *Driver) Subject(key string) string {
	if d.prefix == "" {
		return key
	}
	return d.prefix + broker.Separator + key
}

// Subscribe subscribes to the collapsed patterns so nested patterns do not
// deliver a message twice. Instances of the same node share a queue group.
func (d *Driver) Subscribe(ctx context.Context, queue string, patterns []string) (<-chan *message.Message, error) {
	sub, err := SubscriberFactory(
		nats.SubscriberConfig{
			URL:              d.url,
			QueueGroupPrefix: d.prefix + "_" + queue,
			NatsOptions:      connectOptions(d.prefix + "-" + queue),
			Unmarshaler:      d.marshaler,
			JetStream:        nats.JetStreamConfig{Disabled: true},
		},
		d.logger,
	)
	if err != nil {
		return nil, err
	}

	collapsed := broker.Collapse(patterns)
	streams := make([]<-chan *message.Message, 0, len(collapsed))
	for _, pattern := range collapsed {
		msgs, err := sub.Subscribe(ctx, d.Subject(pattern))
		if err != nil {
			_ = sub.Close()
			return nil, fmt.Errorf("nats: subscribe %s: %w", pattern, err)
		}
		streams = append(streams, msgs)
	}

	d.mu.Lock()
	d.subscribers = append(d.subscribers, sub)
	d.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = sub.Close()
	}()
	return broker.Merge(ctx, nil, streams...), nil
}

// OpenChannel returns a channel over the shared publisher.
func (d *Driver) OpenChannel() (broker.Channel, error) {
	return &channel{driver: d}, nil
}

func (d *Driver) Close() error {
	d.mu.Lock()
	subs := d.subscribers
	d.subscribers = nil
	d.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}
	return d.publisher.Close()
}

type channel struct {
	driver *Driver
}

func (c *channel) Publish(routingKey string, msg *message.Message) error {
	msg.Metadata.Set(broker.MetadataRoutingKey, routingKey)
	return c.driver.publisher.Publish(c.driver.Subject(routingKey), msg)
}

// Close is a no-op; the publisher is owned by the driver.
func (c *channel) Close() error { return nil }
