// Package supervisor starts the configured node services, restarts workers
// that end unexpectedly and drives the two-phase shutdown.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gopkg.in/tomb.v2"

	"github.com/drblury/nodebus/internal/runtime/lifecycle"
	"github.com/drblury/nodebus/internal/runtime/logging"
	"github.com/drblury/nodebus/internal/runtime/metrics"
)

const (
	DefaultPoll            = 100 * time.Millisecond
	DefaultShutdownTimeout = 8 * 256 * time.Millisecond
)

// Disconnecter releases the shared broker connection.
type Disconnecter interface {
	Disconnect() error
}

// Options tunes the supervisor. Zero durations use the defaults; Warmup and
// Grace default to no wait.
type Options struct {
	Poll            time.Duration
	Warmup          time.Duration
	Grace           time.Duration
	ShutdownTimeout time.Duration
	Logger          logging.ServiceLogger
	Metrics         *metrics.Metrics
}

type slot struct {
	svc      *lifecycle.Service
	signal   *lifecycle.Signal
	worker   *tomb.Tomb
	restarts int
}

// Supervisor exclusively owns its services and their workers.
type Supervisor struct {
	bus     Disconnecter
	opts    Options
	logger  logging.ServiceLogger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	slots []*slot

	shutdownOnce sync.Once
	shutdownOK   bool
}

// New returns a Supervisor that disconnects bus at the end of Shutdown.
func New(bus Disconnecter, opts Options) *Supervisor {
	if opts.Poll <= 0 {
		opts.Poll = DefaultPoll
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		bus:     bus,
		opts:    opts,
		logger:  logging.OrDiscard(opts.Logger),
		metrics: opts.Metrics,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start configures services in order and launches a worker for each one
// that configured. A service that fails is logged and left out; the rest
// still start. It returns the number of services started.
func (s *Supervisor) Start(services []*lifecycle.Service) int {
	s.logger.Info("Controller starting", logging.CodeControllerStartup.Fields("", logging.LogFields{
		"services": len(services),
	}))

	started := 0
	for _, svc := range services {
		if s.startOne(svc) {
			started++
		}
	}
	return started
}

func (s *Supervisor) startOne(svc *lifecycle.Service) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Controller failed to start service", fmt.Errorf("panic: %v", r),
				logging.CodeControllerFault.Fields(svc.Node().String(), nil))
			ok = false
		}
	}()

	signal := lifecycle.NewSignal()
	if !svc.Configure(s.ctx, signal) {
		s.logger.Error("Configure node service failed", nil, logging.CodeConfigureFailed.Fields(svc.Node().String(), nil))
		return false
	}

	sl := &slot{svc: svc, signal: signal}
	s.launch(sl)

	s.mu.Lock()
	s.slots = append(s.slots, sl)
	s.mu.Unlock()
	return true
}

// launch runs the service on a fresh worker. A tomb that has died cannot be
// reused, so every launch gets a new one.
func (s *Supervisor) launch(sl *slot) {
	t := &tomb.Tomb{}
	s.metrics.ServiceStarted()
	t.Go(func() error {
		defer s.metrics.ServiceStopped()
		return sl.svc.Run()
	})
	sl.worker = t
}

// MonitorFor polls every worker until d has elapsed or ctx is done. A worker
// that has ended while its service was not asked to stop is replaced with a
// fresh one for the same node. It always returns within d.
func (s *Supervisor) MonitorFor(ctx context.Context, d time.Duration) {
	deadline := time.NewTimer(d)
	defer deadline.Stop()

	if s.opts.Warmup > 0 {
		select {
		case <-time.After(s.opts.Warmup):
		case <-deadline.C:
			return
		case <-ctx.Done():
			return
		}
	}

	ticker := time.NewTicker(s.opts.Poll)
	defer ticker.Stop()
	for {
		select {
		case <-deadline.C:
			return
		case <-ctx.Done():
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.poll()
		}
	}
}

func (s *Supervisor) poll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sl := range s.slots {
		select {
		case <-sl.worker.Dead():
		default:
			continue
		}
		if sl.svc.State().Stopping() || s.ctx.Err() != nil {
			continue
		}

		sl.restarts++
		fields := logging.CodeWorkerRestarted.Fields(sl.svc.Node().String(), logging.LogFields{"restarts": sl.restarts})
		if err := sl.worker.Err(); err != nil {
			fields["error"] = err.Error()
		}
		s.logger.Info("Worker restarted", fields)
		s.metrics.Restarted(sl.svc.Node().String())
		s.launch(sl)
	}
}

// Restarts returns how often the service at index i has been restarted.
func (s *Supervisor) Restarts(i int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.slots) {
		return 0
	}
	return s.slots[i].restarts
}

// Services returns the started services in start order.
func (s *Supervisor) Services() []*lifecycle.Service {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*lifecycle.Service, len(s.slots))
	for i, sl := range s.slots {
		out[i] = sl.svc
	}
	return out
}

// Shutdown cancels every service and stops them concurrently, then waits for
// their completion signals. Endpoints are released concurrently and the
// broker connection last, whether or not every signal arrived. The signal
// wait and the endpoint release share one ShutdownTimeout deadline. It
// reports whether all services signalled in time. Only the first call has
// an effect.
func (s *Supervisor) Shutdown() bool {
	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		slots := append([]*slot(nil), s.slots...)
		s.mu.Unlock()

		for _, sl := range slots {
			sl.svc.Cancel()
			go sl.svc.Stop()
		}
		if s.opts.Grace > 0 {
			time.Sleep(s.opts.Grace)
		}

		signals := make([]*lifecycle.Signal, len(slots))
		for i, sl := range slots {
			signals[i] = sl.signal
		}
		deadline := time.Now().Add(s.opts.ShutdownTimeout)
		s.shutdownOK = lifecycle.WaitAll(s.opts.ShutdownTimeout, signals...)
		if s.shutdownOK {
			s.logger.Info("Controller shutdown complete", logging.CodeShutdownComplete.Fields("", nil))
		} else {
			s.logger.Info("Controller shutdown timed out", logging.CodeShutdownTimeout.Fields("", logging.LogFields{
				"timeout": s.opts.ShutdownTimeout.String(),
			}))
		}

		s.disposeAll(slots, time.Until(deadline))
		if s.bus != nil {
			if err := s.bus.Disconnect(); err != nil {
				s.logger.Error("Broker disconnect failed", err, nil)
			}
		}
		s.cancel()
	})
	return s.shutdownOK
}

// disposeAll releases every endpoint concurrently and waits at most budget.
// Disposals still running afterwards finish in the background.
func (s *Supervisor) disposeAll(slots []*slot, budget time.Duration) {
	var wg sync.WaitGroup
	for _, sl := range slots {
		wg.Add(1)
		go func(svc *lifecycle.Service) {
			defer wg.Done()
			if err := svc.Dispose(); err != nil {
				s.logger.Error("Service dispose failed", err, logging.LogFields{"node": svc.Node().String()})
			}
		}(sl.svc)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(max(budget, 0))
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		s.logger.Error("Service dispose timed out", errors.New("endpoints still releasing at shutdown deadline"), nil)
	}
}
