package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/nodebus/internal/runtime/errors"
	"github.com/drblury/nodebus/internal/runtime/logging"
)

// Handler receives one inbound message. It runs on its own goroutine; the
// message has already been acknowledged.
type Handler func(ctx context.Context, msg *message.Message)

// DefaultBindingCloseTimeout bounds how long Binding.Close waits for
// in-flight handlers.
var DefaultBindingCloseTimeout = time.Second

var errNoPatterns = errors.New("broker: at least one binding pattern is required")

// Bus is the process-wide broker connection. It is connected once before any
// node starts and disconnected once after every node has stopped. Channel
// acquisition is serialized; publishing on an acquired channel is not.
type Bus struct {
	driver Driver
	caps   Capabilities
	logger logging.ServiceLogger

	channelMu sync.Mutex
	closed    atomic.Bool

	disconnectOnce sync.Once
	disconnectErr  error

	bindingsMu sync.Mutex
	bindings   map[*Binding]struct{}
}

// Connect builds the driver selected by cfg from the default registry.
func Connect(ctx context.Context, cfg Config, logger logging.ServiceLogger) (*Bus, error) {
	if cfg == nil {
		return nil, errspkg.ErrConfigRequired
	}
	logger = logging.OrDiscard(logger)
	driver, err := Build(ctx, cfg, logging.NewWatermillAdapter(logger))
	if err != nil {
		return nil, fmt.Errorf("connect %s broker: %w", cfg.GetBroker(), err)
	}
	bus, err := NewBus(driver, logger)
	if err != nil {
		return nil, err
	}
	bus.caps = GetCapabilities(cfg.GetBroker())
	logger.Info("Broker connected", logging.LogFields{"broker": cfg.GetBroker()})
	return bus, nil
}

// NewBus wraps an already connected driver.
func NewBus(driver Driver, logger logging.ServiceLogger) (*Bus, error) {
	if driver == nil {
		return nil, errspkg.ErrDriverRequired
	}
	return &Bus{
		driver:   driver,
		logger:   logging.OrDiscard(logger),
		bindings: make(map[*Binding]struct{}),
	}, nil
}

// Capabilities of the underlying driver, when known.
func (b *Bus) Capabilities() Capabilities { return b.caps }

// Closed reports whether Disconnect has been called.
func (b *Bus) Closed() bool { return b.closed.Load() }

// OpenChannel acquires a publishing channel. Calls are serialized.
func (b *Bus) OpenChannel() (Channel, error) {
	b.channelMu.Lock()
	defer b.channelMu.Unlock()

	if b.closed.Load() {
		return nil, errspkg.ErrBusClosed
	}
	return b.driver.OpenChannel()
}

// BindQueue binds queue to patterns and dispatches every delivery to handler
// until ctx is cancelled or the returned Binding is closed.
func (b *Bus) BindQueue(ctx context.Context, queue string, patterns []string, handler Handler) (*Binding, error) {
	if b.closed.Load() {
		return nil, errspkg.ErrBusClosed
	}
	if len(patterns) == 0 {
		return nil, errNoPatterns
	}
	for _, p := range patterns {
		if err := ValidatePattern(p); err != nil {
			return nil, err
		}
	}

	subCtx, cancel := context.WithCancel(ctx)
	msgs, err := b.driver.Subscribe(subCtx, queue, patterns)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("bind queue %s: %w", queue, err)
	}

	binding := &Binding{
		Queue:    queue,
		Patterns: append([]string(nil), patterns...),
		bus:      b,
		cancel:   cancel,
		done:     make(chan struct{}),
		logger:   b.logger.With(logging.LogFields{"queue": queue}),
	}

	b.bindingsMu.Lock()
	b.bindings[binding] = struct{}{}
	b.bindingsMu.Unlock()

	go binding.consume(subCtx, msgs, handler)
	return binding, nil
}

// Disconnect closes every live binding concurrently, then the driver. Only the first call
// has an effect; later calls return the first result.
func (b *Bus) Disconnect() error {
	b.disconnectOnce.Do(func() {
		b.closed.Store(true)

		b.bindingsMu.Lock()
		live := make([]*Binding, 0, len(b.bindings))
		for binding := range b.bindings {
			live = append(live, binding)
		}
		b.bindingsMu.Unlock()

		var wg sync.WaitGroup
		for _, binding := range live {
			wg.Add(1)
			go func(bd *Binding) {
				defer wg.Done()
				_ = bd.Close()
			}(binding)
		}
		wg.Wait()

		b.channelMu.Lock()
		b.disconnectErr = b.driver.Close()
		b.channelMu.Unlock()
		b.logger.Info("Broker disconnected", nil)
	})
	return b.disconnectErr
}

func (b *Bus) forget(binding *Binding) {
	b.bindingsMu.Lock()
	delete(b.bindings, binding)
	b.bindingsMu.Unlock()
}

// Binding is a live queue subscription.
type Binding struct {
	Queue    string
	Patterns []string

	bus      *Bus
	cancel   context.CancelFunc
	done     chan struct{}
	inflight sync.WaitGroup
	logger   logging.ServiceLogger

	closeOnce sync.Once
	closeErr  error
}

func (bd *Binding) consume(ctx context.Context, msgs <-chan *message.Message, handler Handler) {
	defer close(bd.done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			msg.Ack()
			bd.inflight.Add(1)
			go bd.dispatch(ctx, msg, handler)
		}
	}
}

func (bd *Binding) dispatch(ctx context.Context, msg *message.Message, handler Handler) {
	defer bd.inflight.Done()
	defer func() {
		if r := recover(); r != nil {
			bd.logger.Error("Inbound handler panicked", fmt.Errorf("panic: %v", r),
				logging.CodeWorkerFault.Fields("", logging.LogFields{"message_uuid": msg.UUID}))
		}
	}()
	handler(ctx, msg)
}

// Done is closed once the binding stops consuming.
func (bd *Binding) Done() <-chan struct{} { return bd.done }

// Close stops consuming and waits, bounded by DefaultBindingCloseTimeout,
// for in-flight handlers. It is idempotent.
func (bd *Binding) Close() error {
	bd.closeOnce.Do(func() {
		bd.cancel()
		bd.bus.forget(bd)

		finished := make(chan struct{})
		go func() {
			<-bd.done
			bd.inflight.Wait()
			close(finished)
		}()

		select {
		case <-finished:
		case <-time.After(DefaultBindingCloseTimeout):
			bd.closeErr = fmt.Errorf("binding %s: handlers still running after %s", bd.Queue, DefaultBindingCloseTimeout)
		}
	})
	return bd.closeErr
}
