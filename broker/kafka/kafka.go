// Package kafka provides a Kafka driver for nodebus. Each destination node
// owns one topic; wildcard source segments are filtered client-side.
package kafka

import (
	"context"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/nodebus/broker"
)

// DriverName is the name used to register this driver.
const DriverName = "kafka"

// ErrWildcardDestination is returned for patterns whose destination segment
// is a wildcard, since they cannot be mapped to a single topic.
var ErrWildcardDestination = fmt.Errorf("kafka: wildcard destination is not supported")

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return kafka.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return kafka.NewSubscriber(cfg, logger)
}

func init() {
	broker.Register(DriverName, Build, broker.KafkaCapabilities)
}

// Capabilities returns the capabilities of this driver.
func Capabilities() broker.Capabilities {
	return broker.KafkaCapabilities
}

type Driver struct {
	brokers   []string
	prefix    string
	publisher message.Publisher
	logger    watermill.LoggerAdapter

	mu          sync.Mutex
	subscribers []message.Subscriber
}

// Build creates the shared publisher.
func Build(ctx context.Context, cfg broker.Config, logger watermill.LoggerAdapter) (broker.Driver, error) {
	brokers := cfg.GetKafkaBrokers()
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka: no brokers configured")
	}

	publisher, err := PublisherFactory(
		kafka.PublisherConfig{
			Brokers:   brokers,
			Marshaler: kafka.DefaultMarshaler{},
		},
		logger,
	)
	if err != nil {
		return nil, err
	}

	return &Driver{
		brokers:   brokers,
		prefix:    cfg.GetExchange(),
		publisher: publisher,
		logger:    logger,
	}, nil
}

// Topic returns the topic holding messages for destination.
func (d *Driver) Topic(destination string) string {
	if d.prefix == "" {
		return destination
	}
	return d.prefix + broker.Separator + destination
}

func destinationOf(key string) string {
	for i := 0; i < len(key); i++ {
		if key[i] == broker.Separator[0] {
			return key[:i]
		}
	}
	return key
}

// Topics maps patterns to the distinct destination topics they read.
func (d *Driver) Topics(patterns []string) ([]string, error) {
	seen := make(map[string]bool, len(patterns))
	var topics []string
	for _, pattern := range broker.Collapse(patterns) {
		dest := destinationOf(pattern)
		if dest == broker.Wildcard {
			return nil, fmt.Errorf("%w: %s", ErrWildcardDestination, pattern)
		}
		topic := d.Topic(dest)
		if !seen[topic] {
			seen[topic] = true
			topics = append(topics, topic)
		}
	}
	return topics, nil
}

// Subscribe joins the consumer group of queue on every destination topic
// and drops messages none of the patterns match.
func (d *Driver) Subscribe(ctx context.Context, queue string, patterns []string) (<-chan *message.Message, error) {
	topics, err := d.Topics(patterns)
	if err != nil {
		return nil, err
	}

	sub, err := SubscriberFactory(
		kafka.SubscriberConfig{
			Brokers:       d.brokers,
			Unmarshaler:   kafka.DefaultMarshaler{},
			ConsumerGroup: d.Topic(queue),
		},
		d.logger,
	)
	if err != nil {
		return nil, err
	}

	streams := make([]<-chan *message.Message, 0, len(topics))
	for _, topic := range topics {
		msgs, err := sub.Subscribe(ctx, topic)
		if err != nil {
			_ = sub.Close()
			return nil, fmt.Errorf("kafka: subscribe %s: %w", topic, err)
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
	return broker.Merge(ctx, broker.KeepMatching(patterns), streams...), nil
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
	dest := destinationOf(routingKey)
	if dest == "" || dest == broker.Wildcard {
		return fmt.Errorf("kafka: invalid routing key %q", routingKey)
	}
	msg.Metadata.Set(broker.MetadataRoutingKey, routingKey)
	return c.driver.publisher.Publish(c.driver.Topic(dest), msg)
}

// Close is a no-op; the publisher is owned by the driver.
func (c *channel) Close() error { return nil }
