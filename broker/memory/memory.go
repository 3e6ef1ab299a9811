// Package memory provides an in-process topic exchange for nodebus built on
// Watermill's gochannel. It is the default driver and the one used by tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/nodebus/broker"
)

// DriverName is the name used to register this driver.
const DriverName = "memory"

// ErrChannelClosed is returned when publishing on a closed channel.
var ErrChannelClosed = errors.New("memory: channel closed")

// Factory allows overriding the gochannel creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) *gochannel.GoChannel {
	return gochannel.NewGoChannel(cfg, logger)
}

func init() {
	broker.Register(DriverName, Build, broker.MemoryCapabilities)
}

// Build creates a new in-memory driver.
func Build(ctx context.Context, cfg broker.Config, logger watermill.LoggerAdapter) (broker.Driver, error) {
	return New(logger), nil
}

// Capabilities returns the capabilities of this driver.
func Capabilities() broker.Capabilities {
	return broker.MemoryCapabilities
}

// Driver emulates a topic exchange: each bound queue is a gochannel topic and
// publishing copies the message once into every queue with a matching
// pattern.
type Driver struct {
	pubsub *gochannel.GoChannel

	mu     sync.RWMutex
	queues map[string][]string
}

// New creates a driver with its own gochannel.
func New(logger watermill.LoggerAdapter) *Driver {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Driver{
		// Blocking until ack keeps per-queue FIFO; the bus acks on receipt.
		pubsub: Factory(gochannel.Config{BlockPublishUntilSubscriberAck: true}, logger),
		queues: make(map[string][]string),
	}
}

func queueTopic(queue string) string {
	return "q." + queue
}

func (d *Driver) Subscribe(ctx context.Context, queue string, patterns []string) (<-chan *message.Message, error) {
	d.mu.Lock()
	if _, bound := d.queues[queue]; bound {
		d.mu.Unlock()
		return nil, fmt.Errorf("memory: queue %q already bound", queue)
	}
	d.queues[queue] = broker.Collapse(patterns)
	d.mu.Unlock()

	msgs, err := d.pubsub.Subscribe(ctx, queueTopic(queue))
	if err != nil {
		d.unbind(queue)
		return nil, err
	}

	go func() {
		<-ctx.Done()
		d.unbind(queue)
	}()
	return msgs, nil
}

func (d *Driver) unbind(queue string) {
	d.mu.Lock()
	delete(d.queues, queue)
	d.mu.Unlock()
}

// route lists the queues with at least one pattern matching key.
func (d *Driver) route(key string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []string
	for queue, patterns := range d.queues {
		if broker.MatchAny(patterns, key) {
			out = append(out, queue)
		}
	}
	return out
}

func (d *Driver) OpenChannel() (broker.Channel, error) {
	return &channel{driver: d}, nil
}

func (d *Driver) Close() error {
	return d.pubsub.Close()
}

type channel struct {
	driver *Driver
	closed bool
}

func (c *channel) Publish(routingKey string, msg *message.Message) error {
	if c.closed {
		return ErrChannelClosed
	}
	msg.Metadata.Set(broker.MetadataRoutingKey, routingKey)
	for _, queue := range c.driver.route(routingKey) {
		if err := c.driver.pubsub.Publish(queueTopic(queue), msg.Copy()); err != nil {
			return fmt.Errorf("memory: publish to %s: %w", queue, err)
		}
	}
	return nil
}

func (c *channel) Close() error {
	c.closed = true
	return nil
}
