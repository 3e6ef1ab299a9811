// Package rabbitmq provides a RabbitMQ/AMQP driver for nodebus. All nodes
// share one topic exchange; each node owns one durable queue bound once per
// subscription pattern.
package rabbitmq

import (
	"context"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/nodebus/broker"
)

// DriverName is the name used to register this driver.
const DriverName = "rabbitmq"

// ConnectionFactory allows overriding the connection creation for testing.
var ConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
	return amqp.NewConnection(cfg, logger)
}

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Publisher, error) {
	return amqp.NewPublisherWithConnection(cfg, logger, conn)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Subscriber, error) {
	return amqp.NewSubscriberWithConnection(cfg, logger, conn)
}

// CloseConnection allows overriding how the shared connection is released.
var CloseConnection = func(conn *amqp.ConnectionWrapper) error {
	return conn.Close()
}

func init() {
	broker.Register(DriverName, Build, broker.RabbitMQCapabilities)
}

// Capabilities returns the capabilities of this driver.
func Capabilities() broker.Capabilities {
	return broker.RabbitMQCapabilities
}

// Driver holds the shared AMQP connection.
type Driver struct {
	conn     *amqp.ConnectionWrapper
	url      string
	exchange string
	logger   watermill.LoggerAdapter

	mu          sync.Mutex
	subscribers []message.Subscriber
}

// Build connects to RabbitMQ.
func Build(ctx context.Context, cfg broker.Config, logger watermill.LoggerAdapter) (broker.Driver, error) {
	url := cfg.GetRabbitMQURL()

	conn, err := ConnectionFactory(amqp.ConnectionConfig{
		AmqpURI:   url,
		TLSConfig: nil,
		Reconnect: amqp.DefaultReconnectConfig(),
	}, logger)
	if err != nil {
		return nil, err
	}

	return &Driver{
		conn:     conn,
		url:      url,
		exchange: cfg.GetExchange(),
		logger:   logger,
	}, nil
}

// Config returns the AMQP config used for queue: a durable topic exchange
// named after the configured exchange, a queue named after the node and
// routing keys passed through unchanged.
func (d *Driver) Config(queue string) amqp.Config {
	cfg := amqp.NewDurablePubSubConfig(d.url, func(topic string) string { return queue })
	cfg.Exchange.GenerateName = func(topic string) string { return d.exchange }
	cfg.Exchange.Type = "topic"
	cfg.QueueBind.GenerateRoutingKey = func(topic string) string { return topic }
	cfg.Publish.GenerateRoutingKey = func(topic string) string { return topic }
	return cfg
}

// Subscribe binds queue once per pattern. Every binding consumes the same
// queue, so a message matching several patterns is still delivered once.
func (d *Driver) Subscribe(ctx context.Context, queue string, patterns []string) (<-chan *message.Message, error) {
	cfg := d.Config(queue)
	streams := make([]<-chan *message.Message, 0, len(patterns))
	subs := make([]message.Subscriber, 0, len(patterns))

	for _, pattern := range patterns {
		sub, err := SubscriberFactory(cfg, d.logger, d.conn)
		if err != nil {
			closeAll(subs)
			return nil, err
		}
		subs = append(subs, sub)

		msgs, err := sub.Subscribe(ctx, pattern)
		if err != nil {
			closeAll(subs)
			return nil, fmt.Errorf("rabbitmq: bind %s to %s: %w", queue, pattern, err)
		}
		streams = append(streams, msgs)
	}

	d.mu.Lock()
	d.subscribers = append(d.subscribers, subs...)
	d.mu.Unlock()

	go func() {
		<-ctx.Done()
		closeAll(subs)
	}()
	return broker.Merge(ctx, nil, streams...), nil
}

// OpenChannel creates a publisher on the shared connection.
func (d *Driver) OpenChannel() (broker.Channel, error) {
	pub, err := PublisherFactory(d.Config(""), d.logger, d.conn)
	if err != nil {
		return nil, err
	}
	return &channel{publisher: pub}, nil
}

func (d *Driver) Close() error {
	d.mu.Lock()
	subs := d.subscribers
	d.subscribers = nil
	d.mu.Unlock()

	closeAll(subs)
	if d.conn == nil {
		return nil
	}
	return CloseConnection(d.conn)
}

func closeAll(subs []message.Subscriber) {
	for _, sub := range subs {
		_ = sub.Close()
	}
}

type channel struct {
	publisher message.Publisher
}

func (c *channel) Publish(routingKey string, msg *message.Message) error {
	msg.Metadata.Set(broker.MetadataRoutingKey, routingKey)
	return c.publisher.Publish(routingKey, msg)
}

func (c *channel) Close() error {
	return c.publisher.Close()
}
