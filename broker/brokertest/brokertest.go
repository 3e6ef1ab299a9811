// Package brokertest provides an in-memory broker.Driver that records every
// call, for tests of the layers above the broker.
package brokertest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/nodebus/broker"
)

// ErrChannelClosed is returned when publishing on a closed channel.
var ErrChannelClosed = errors.New("brokertest: channel closed")

// Published is one recorded publish call.
type Published struct {
	RoutingKey string
	Message    *message.Message
	At         time.Time
}

// Driver records publishes, bindings and closes. With Loopback enabled a
// publish is also delivered to every bound queue with a matching pattern.
type Driver struct {
	mu sync.Mutex

	published      []Published
	bindings       map[string][]string
	queues         map[string]chan *message.Message
	channelsOpened int
	channelsClosed int
	closeCount     int
	loopback       bool

	publishErr   error
	openErr      error
	subscribeErr error
	publishHook  func(routingKey string, msg *message.Message) error
}

// New returns an empty recording driver.
func New() *Driver {
	return &Driver{
		bindings: make(map[string][]string),
		queues:   make(map[string]chan *message.Message),
	}
}

// NewLoopback returns a driver that routes publishes back to bound queues.
func NewLoopback() *Driver {
	d := New()
	d.loopback = true
	return d
}

// SetPublishError makes every publish fail with err until reset with nil.
func (d *Driver) SetPublishError(err error) {
	d.mu.Lock()
	d.publishErr = err
	d.mu.Unlock()
}

// SetOpenError makes OpenChannel fail with err until reset with nil.
func (d *Driver) SetOpenError(err error) {
	d.mu.Lock()
	d.openErr = err
	d.mu.Unlock()
}

// SetSubscribeError makes Subscribe fail with err until reset with nil.
func (d *Driver) SetSubscribeError(err error) {
	d.mu.Lock()
	d.subscribeErr = err
	d.mu.Unlock()
}

// SetPublishHook installs fn, called before a publish is recorded. A
// non-nil return fails the publish. fn may block.
func (d *Driver) SetPublishHook(fn func(routingKey string, msg *message.Message) error) {
	d.mu.Lock()
	d.publishHook = fn
	d.mu.Unlock()
}

func (d *Driver) OpenChannel() (broker.Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.openErr != nil {
		return nil, d.openErr
	}
	d.channelsOpened++
	return &channel{driver: d}, nil
}

func (d *Driver) Subscribe(ctx context.Context, queue string, patterns []string) (<-chan *message.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.subscribeErr != nil {
		return nil, d.subscribeErr
	}
	if _, ok := d.queues[queue]; ok {
		return nil, errors.New("brokertest: queue " + queue + " already bound")
	}
	ch := make(chan *message.Message, 256)
	d.queues[queue] = ch
	d.bindings[queue] = append([]string(nil), patterns...)

	go func() {
		<-ctx.Done()
		d.mu.Lock()
		delete(d.queues, queue)
		d.mu.Unlock()
	}()
	return ch, nil
}

func (d *Driver) Close() error {
	d.mu.Lock()
	d.closeCount++
	d.mu.Unlock()
	return nil
}

// Deliver pushes msg into queue as if the broker had routed it there.
func (d *Driver) Deliver(queue string, msg *message.Message) bool {
	d.mu.Lock()
	ch, ok := d.queues[queue]
	d.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- msg:
		return true
	default:
		return false
	}
}

func (d *Driver) publish(routingKey string, msg *message.Message) error {
	d.mu.Lock()
	hook := d.publishHook
	d.mu.Unlock()
	if hook != nil {
		if err := hook(routingKey, msg); err != nil {
			return err
		}
	}

	d.mu.Lock()
	if d.publishErr != nil {
		err := d.publishErr
		d.mu.Unlock()
		return err
	}
	msg.Metadata.Set(broker.MetadataRoutingKey, routingKey)
	d.published = append(d.published, Published{RoutingKey: routingKey, Message: msg, At: time.Now()})

	var targets []chan *message.Message
	if d.loopback {
		for queue, patterns := range d.bindings {
			ch, live := d.queues[queue]
			if live && broker.MatchAny(patterns, routingKey) {
				targets = append(targets, ch)
			}
		}
	}
	d.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- msg.Copy():
		default:
		}
	}
	return nil
}

// Published returns a copy of every recorded publish, in order.
func (d *Driver) Published() []Published {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Published(nil), d.published...)
}

// PublishedCount is len(Published()).
func (d *Driver) PublishedCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.published)
}

// Bindings returns the patterns each queue was bound with.
func (d *Driver) Bindings() map[string][]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string][]string, len(d.bindings))
	for q, p := range d.bindings {
		out[q] = append([]string(nil), p...)
	}
	return out
}

// Bound reports whether queue currently has a live subscription.
func (d *Driver) Bound(queue string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.queues[queue]
	return ok
}

// CloseCount is the number of Close calls on the driver.
func (d *Driver) CloseCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closeCount
}

// ChannelsOpened and ChannelsClosed count channel lifecycle calls.
func (d *Driver) ChannelsOpened() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.channelsOpened
}

func (d *Driver) ChannelsClosed() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.channelsClosed
}

type channel struct {
	driver *Driver
	mu     sync.Mutex
	closed bool
}

func (c *channel) Publish(routingKey string, msg *message.Message) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrChannelClosed
	}
	return c.driver.publish(routingKey, msg)
}

func (c *channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.driver.mu.Lock()
	c.driver.channelsClosed++
	c.driver.mu.Unlock()
	return nil
}
