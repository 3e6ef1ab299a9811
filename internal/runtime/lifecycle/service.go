// Package lifecycle defines the contract every node service follows:
// configure, run, stop and dispose, with a one-shot completion signal
// telling the supervisor the node has finished.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/drblury/nodebus/internal/runtime/endpoint"
	"github.com/drblury/nodebus/internal/runtime/envelope"
	errspkg "github.com/drblury/nodebus/internal/runtime/errors"
	"github.com/drblury/nodebus/internal/runtime/logging"
	"github.com/drblury/nodebus/internal/runtime/metrics"
	"github.com/drblury/nodebus/internal/runtime/topology"
)

// DefaultStopSettle is how long Stop waits after cancelling before it
// raises the completion signal.
const DefaultStopSettle = 25 * time.Millisecond

// Worker is the work loop of a node. Run must return promptly once ctx is
// cancelled; returning early is treated as an unplanned stop.
type Worker interface {
	Run(ctx context.Context, ep *endpoint.Endpoint) error
}

// EnvelopeHandler is implemented by workers that consume inbound envelopes.
// It may be called concurrently.
type EnvelopeHandler interface {
	HandleEnvelope(ctx context.Context, env *envelope.Envelope)
}

// WorkerFunc adapts a function to Worker.
type WorkerFunc func(ctx context.Context, ep *endpoint.Endpoint) error

func (f WorkerFunc) Run(ctx context.Context, ep *endpoint.Endpoint) error { return f(ctx, ep) }

// Options carries what a service needs to build its endpoint.
type Options struct {
	Bus        endpoint.Bus
	Table      *topology.Table
	Timeout    time.Duration
	Capacity   int
	StopSettle time.Duration
	Logger     logging.ServiceLogger
	Metrics    *metrics.Metrics
}

// Service runs one Worker for one node and owns that node's cancellation
// source and Endpoint.
type Service struct {
	node   topology.NodeID
	worker Worker
	opts   Options
	logger logging.ServiceLogger

	mu          sync.Mutex
	state       State
	configuring bool
	running     bool
	runs        int
	ctx         context.Context
	cancel      context.CancelFunc
	signal      *Signal
	endpoint    *endpoint.Endpoint

	stopOnce    sync.Once
	disposeOnce sync.Once
	disposeErr  error
}

// New returns a Service in StateCreated.
func New(node topology.NodeID, worker Worker, opts Options) (*Service, error) {
	if worker == nil {
		return nil, errspkg.ErrWorkerRequired
	}
	if opts.Table == nil {
		opts.Table = topology.DefaultTable()
	}
	switch {
	case opts.StopSettle == 0:
		opts.StopSettle = DefaultStopSettle
	case opts.StopSettle < 0:
		opts.StopSettle = 0
	}
	return &Service{
		node:   node,
		worker: worker,
		opts:   opts,
		logger: logging.OrDiscard(opts.Logger).With(logging.LogFields{"node": node.String()}),
	}, nil
}

func (s *Service) Node() topology.NodeID { return s.node }

func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Runs counts how many times the work loop has been launched.
func (s *Service) Runs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs
}

// Endpoint returns the endpoint built by Configure, or nil.
func (s *Service) Endpoint() *endpoint.Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endpoint
}

// Signal returns the completion signal passed to Configure, or nil.
func (s *Service) Signal() *Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signal
}

// Configure derives the node's cancellation source from controller, builds
// its endpoint from the topology table and binds inbound handling. It
// reports false, after logging, when the service cannot be started.
func (s *Service) Configure(controller context.Context, signal *Signal) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Service configuration panicked", fmt.Errorf("panic: %v", r),
				logging.CodeServiceConfigFailed.Fields(s.node.String(), nil))
			ok = false
		}
	}()

	s.mu.Lock()
	if s.state != StateCreated || s.configuring {
		s.mu.Unlock()
		s.logger.Error("Service configuration failed", errspkg.ErrAlreadyConfigured,
			logging.CodeServiceConfigFailed.Fields(s.node.String(), nil))
		return false
	}
	s.configuring = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.configuring = false
		s.mu.Unlock()
	}()

	// The endpoint binds on the broker; build it without holding s.mu.
	ctx, cancel := context.WithCancel(controller)
	opts := endpoint.Options{
		Node:     s.node,
		Bindings: s.opts.Table.BindingsFor(s.node),
		Bus:      s.opts.Bus,
		Timeout:  s.opts.Timeout,
		Capacity: s.opts.Capacity,
		Logger:   s.opts.Logger,
		Metrics:  s.opts.Metrics,
	}
	if h, ok := s.worker.(EnvelopeHandler); ok {
		opts.Handler = h.HandleEnvelope
	}

	ep, err := endpoint.New(ctx, opts)
	if err != nil {
		cancel()
		s.logger.Error("Service configuration failed", err, logging.CodeServiceConfigFailed.Fields(s.node.String(), nil))
		return false
	}

	s.mu.Lock()
	if state := s.state; state != StateCreated {
		s.mu.Unlock()
		cancel()
		_ = ep.Dispose()
		s.logger.Error("Service configuration failed", errspkg.ErrNotConfigured,
			logging.CodeServiceConfigFailed.Fields(s.node.String(), logging.LogFields{"state": state.String()}))
		return false
	}
	s.ctx, s.cancel = ctx, cancel
	s.signal = signal
	s.endpoint = ep
	s.state = StateConfigured
	s.mu.Unlock()

	s.logger.Info("Service configured", logging.CodeServiceConfigured.Fields(s.node.String(), logging.LogFields{
		"publish":   len(opts.Bindings.Publish),
		"subscribe": len(opts.Bindings.Subscribe),
	}))
	return true
}

// Run executes the work loop on the caller's goroutine. It may be called
// again after the loop has returned, as long as no stop was requested.
// Panics are recovered and returned as errors.
func (s *Service) Run() (err error) {
	s.mu.Lock()
	switch {
	case s.state == StateCreated:
		s.mu.Unlock()
		return errspkg.ErrNotConfigured
	case s.state.Stopping():
		s.mu.Unlock()
		return nil
	}
	s.state = StateRunning
	s.running = true
	s.runs++
	ctx, ep := s.ctx, s.endpoint
	s.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.logger.Error("Worker panicked", err, logging.CodeWorkerFault.Fields(s.node.String(), nil))
		}

		s.mu.Lock()
		s.running = false
		if s.state == StateStopRequested {
			s.state = StateStopped
		}
		s.mu.Unlock()

		fields := logging.CodeWorkerEnded.Fields(s.node.String(), nil)
		if err != nil {
			fields["error"] = err.Error()
		}
		s.logger.Info("Worker ended", fields)
	}()

	return s.worker.Run(ctx, ep)
}

// Cancel cancels the node's own context without waiting.
func (s *Service) Cancel() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Stop cancels the node, waits briefly for in-flight work to notice and
// raises the completion signal. The signal is raised even when stopping
// faults. Only the first call has an effect.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		signal := s.signal
		if !s.state.Stopping() {
			s.state = StateStopRequested
		}
		if !s.running {
			s.state = StateStopped
		}
		cancel := s.cancel
		s.mu.Unlock()

		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("Service stop faulted", fmt.Errorf("panic: %v", r),
					logging.CodeStopFault.Fields(s.node.String(), nil))
			}
			if signal != nil {
				signal.Raise()
			}
		}()

		if cancel != nil {
			cancel()
		}
		if s.opts.StopSettle > 0 {
			time.Sleep(s.opts.StopSettle)
		}
	})
}

// Dispose releases the endpoint. It is idempotent.
func (s *Service) Dispose() error {
	s.disposeOnce.Do(func() {
		s.Cancel()
		if ep := s.Endpoint(); ep != nil {
			s.disposeErr = ep.Dispose()
		}
	})
	return s.disposeErr
}
