// Package endpoint implements the per-node messaging facility: a bounded
// outbound queue drained by one dedicated worker, a direct inbound handler
// bound to the broker, and running latency statistics.
package endpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gopkg.in/tomb.v2"

	"github.com/drblury/nodebus/broker"
	"github.com/drblury/nodebus/internal/runtime/envelope"
	errspkg "github.com/drblury/nodebus/internal/runtime/errors"
	"github.com/drblury/nodebus/internal/runtime/logging"
	"github.com/drblury/nodebus/internal/runtime/metrics"
	"github.com/drblury/nodebus/internal/runtime/topology"
)

const (
	DefaultTimeout  = 256 * time.Millisecond
	DefaultCapacity = 64

	tracerName = "nodebus-endpoint"
)

// DisposeWait bounds how long Dispose waits for the drain worker.
var DisposeWait = time.Second

// Bus is the part of the broker connection an endpoint needs.
type Bus interface {
	OpenChannel() (broker.Channel, error)
	BindQueue(ctx context.Context, queue string, patterns []string, handler broker.Handler) (*broker.Binding, error)
}

// Handler receives inbound envelopes once stats have been recorded.
type Handler func(ctx context.Context, env *envelope.Envelope)

// Options configures an Endpoint. Zero Timeout and Capacity fall back to
// the defaults.
type Options struct {
	Node     topology.NodeID
	Bindings topology.Bindings
	Bus      Bus
	Handler  Handler
	Timeout  time.Duration
	Capacity int
	Logger   logging.ServiceLogger
	Metrics  *metrics.Metrics
}

// Endpoint owns one outbound queue and its drain worker.
type Endpoint struct {
	node     topology.NodeID
	bindings topology.Bindings
	bus      Bus
	handler  Handler
	timeout  time.Duration
	logger   logging.ServiceLogger
	metrics  *metrics.Metrics
	tracer   trace.Tracer

	queue  chan *envelope.Envelope
	stats  envelope.Stats
	ctx    context.Context
	cancel context.CancelFunc
	tomb   *tomb.Tomb

	binding *broker.Binding

	disposeOnce sync.Once
	disposeErr  error
}

// New binds the node's subscribe patterns and starts the drain worker. The
// endpoint stops when ctx is cancelled or Dispose is called. A node without
// subscribe patterns is isolated: nothing is bound and the call succeeds.
func New(ctx context.Context, opts Options) (*Endpoint, error) {
	if opts.Bus == nil {
		return nil, errspkg.ErrBusRequired
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}

	e := &Endpoint{
		node:     opts.Node,
		bindings: opts.Bindings,
		bus:      opts.Bus,
		handler:  opts.Handler,
		timeout:  opts.Timeout,
		logger:   logging.OrDiscard(opts.Logger).With(logging.LogFields{"node": opts.Node.String()}),
		metrics:  opts.Metrics,
		tracer:   otel.Tracer(tracerName),
		queue:    make(chan *envelope.Envelope, opts.Capacity),
	}
	e.ctx, e.cancel = context.WithCancel(ctx)

	if len(opts.Bindings.Subscribe) == 0 {
		e.logger.Info("Node has no route bindings", logging.CodeUnknownRoute.Fields(e.node.String(), nil))
	} else {
		patterns := make([]string, len(opts.Bindings.Subscribe))
		for i, p := range opts.Bindings.Subscribe {
			patterns[i] = p.String()
		}
		binding, err := e.bus.BindQueue(e.ctx, e.node.String(), patterns, e.receive)
		if err != nil {
			e.cancel()
			return nil, fmt.Errorf("endpoint %s: %w", e.node, err)
		}
		e.binding = binding
	}

	e.tomb, _ = tomb.WithContext(e.ctx)
	e.tomb.Go(e.drain)
	return e, nil
}

// Node returns the node this endpoint sends as.
func (e *Endpoint) Node() topology.NodeID { return e.node }

// PublishKeys returns the route keys this node publishes to.
func (e *Endpoint) PublishKeys() []topology.RouteKey {
	return append([]topology.RouteKey(nil), e.bindings.Publish...)
}

// SubscribePatterns returns the patterns bound for this node.
func (e *Endpoint) SubscribePatterns() []topology.RouteKey {
	return append([]topology.RouteKey(nil), e.bindings.Subscribe...)
}

// Stats returns the current counters.
func (e *Endpoint) Stats() envelope.StatsSnapshot { return e.stats.Snapshot() }

// Pending returns the number of queued envelopes.
func (e *Endpoint) Pending() int { return len(e.queue) }

// Done is closed once the drain worker has exited.
func (e *Endpoint) Done() <-chan struct{} { return e.tomb.Dead() }

// Send enqueues payload for dest.
func (e *Endpoint) Send(dest topology.RouteKey, payload envelope.Payload) error {
	return e.Enqueue(envelope.New(dest, payload))
}

// Enqueue stamps a copy of env with this node and the current time and
// places it on the outbound queue. A full queue is retried every Timeout
// until it accepts the envelope or the endpoint stops, in which case
// ErrEndpointStopping is returned. Envelopes whose destination is missing or
// unknown are rejected without retry.
func (e *Endpoint) Enqueue(env *envelope.Envelope) error {
	if env == nil || env.Payload == nil {
		return errspkg.ErrPayloadRequired
	}
	if _, err := env.Destination.Destination(); err != nil {
		e.reject(env, err)
		return err
	}
	if e.ctx.Err() != nil {
		return errspkg.ErrEndpointStopping
	}

	out := env.Clone()
	out.Stamp(e.node, time.Now())

	timer := time.NewTimer(e.timeout)
	defer timer.Stop()
	for {
		select {
		case e.queue <- out:
			return nil
		case <-e.ctx.Done():
			e.metrics.Dropped(e.node.String(), metrics.ReasonStopping)
			return errspkg.ErrEndpointStopping
		case <-timer.C:
			e.logger.Trace("Outbound queue full, retrying", logging.LogFields{"pending": len(e.queue)})
			timer.Reset(e.timeout)
		}
	}
}

func (e *Endpoint) reject(env *envelope.Envelope, err error) {
	if errors.Is(err, errspkg.ErrNoDestination) {
		e.metrics.Dropped(e.node.String(), metrics.ReasonNoDestination)
		e.logger.Error("Envelope has no route key", err,
			logging.CodeNoRouteKey.Fields(e.node.String(), logging.LogFields{"kind": env.Kind().String()}))
		return
	}
	e.metrics.Dropped(e.node.String(), metrics.ReasonUnknownDestination)
	e.logger.Error("Routing failed", err,
		logging.CodeRoutingFailed.Fields(e.node.String(), logging.LogFields{
			"kind":      env.Kind().String(),
			"route_key": env.Destination.String(),
		}))
}

// drain moves envelopes from the queue to the broker in FIFO order until
// the endpoint stops.
func (e *Endpoint) drain() error {
	var ch broker.Channel
	defer func() {
		if ch != nil {
			if err := ch.Close(); err != nil {
				e.logger.Debug("Channel close failed", logging.LogFields{"error": err.Error()})
			}
		}
		snapshot := e.stats.Snapshot()
		e.logger.Info("Drain worker stopped", logging.CodeDrainStopped.Fields(e.node.String(), logging.LogFields{
			"stats":   snapshot.String(),
			"pending": len(e.queue),
		}))
	}()

	dying := e.tomb.Dying()
	timer := time.NewTimer(e.timeout)
	defer timer.Stop()
	for {
		select {
		case <-dying:
			return nil
		case env := <-e.queue:
			if e.ctx.Err() != nil {
				e.metrics.Dropped(e.node.String(), metrics.ReasonStopping)
				return nil
			}
			ch = e.publish(ch, env)
		case <-timer.C:
			timer.Reset(e.timeout)
		}
	}
}

// publish sends env on ch, acquiring a channel first when ch is nil. It
// returns the channel to reuse for the next envelope.
func (e *Endpoint) publish(ch broker.Channel, env *envelope.Envelope) broker.Channel {
	if ch == nil {
		var err error
		ch, err = e.bus.OpenChannel()
		if err != nil {
			e.metrics.Dropped(e.node.String(), metrics.ReasonPublishFailed)
			e.logger.Error("Channel acquisition failed", err, logging.CodeChannelFailed.Fields(e.node.String(), nil))
			return nil
		}
	}

	msg, err := envelope.ToMessage(env)
	if err != nil {
		e.metrics.Dropped(e.node.String(), metrics.ReasonEncodeFailed)
		e.logger.Error("Envelope encoding failed", err, logging.LogFields{"kind": env.Kind().String()})
		return ch
	}

	ctx, span := e.tracer.Start(e.ctx, "Publish", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()
	span.SetAttributes(
		attribute.String("message.uuid", msg.UUID),
		attribute.String("nodebus.route_key", env.Destination.String()),
		attribute.String("nodebus.kind", env.Kind().String()),
	)
	msg.SetContext(ctx)

	if err := ch.Publish(env.Destination.String(), msg); err != nil {
		span.RecordError(err)
		e.metrics.Dropped(e.node.String(), metrics.ReasonPublishFailed)
		e.logger.Error("Publish failed", err, logging.CodePublishFailed.Fields(e.node.String(), logging.LogFields{
			"route_key":    env.Destination.String(),
			"message_uuid": msg.UUID,
		}))
		return ch
	}

	latency := env.Latency(time.Now())
	e.stats.RecordOutgoing(latency)
	e.metrics.ObserveMessage(e.node.String(), metrics.DirectionOut, latency)
	return ch
}

// receive is the broker handler. It runs once per delivery, concurrently.
func (e *Endpoint) receive(ctx context.Context, msg *message.Message) {
	ctx, span := e.tracer.Start(ctx, "Receive", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()
	span.SetAttributes(attribute.String("message.uuid", msg.UUID))

	env, err := envelope.FromMessage(msg)
	if err != nil {
		span.RecordError(err)
		e.metrics.Dropped(e.node.String(), metrics.ReasonDecodeFailed)
		e.logger.Error("Inbound message decoding failed", err, logging.LogFields{"message_uuid": msg.UUID})
		return
	}
	span.SetAttributes(
		attribute.String("nodebus.route_key", env.Destination.String()),
		attribute.String("nodebus.origin", env.Origin.String()),
	)

	latency := env.Latency(time.Now())
	e.stats.RecordIncoming(latency)
	e.metrics.ObserveMessage(e.node.String(), metrics.DirectionIn, latency)

	if e.handler != nil {
		e.handler(ctx, env)
	}
}

// Dispose stops the drain worker and releases the broker binding. Queued
// envelopes are discarded. It is idempotent.
func (e *Endpoint) Dispose() error {
	e.disposeOnce.Do(func() {
		e.cancel()
		e.tomb.Kill(nil)

		var errs []error
		select {
		case <-e.tomb.Dead():
		case <-time.After(DisposeWait):
			errs = append(errs, fmt.Errorf("endpoint %s: drain worker still running after %s", e.node, DisposeWait))
		}
		if e.binding != nil {
			if err := e.binding.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		e.disposeErr = errors.Join(errs...)
	})
	return e.disposeErr
}
