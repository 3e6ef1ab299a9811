// Package scheduler implements the delayed-delivery collaborator. It binds
// the scheduler node's queue, stores every Schedule request it receives and
// republishes the wrapped message verbatim once its wake time has passed.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"gopkg.in/tomb.v2"

	"github.com/drblury/nodebus/broker"
	"github.com/drblury/nodebus/internal/runtime/endpoint"
	"github.com/drblury/nodebus/internal/runtime/envelope"
	errspkg "github.com/drblury/nodebus/internal/runtime/errors"
	"github.com/drblury/nodebus/internal/runtime/logging"
	"github.com/drblury/nodebus/internal/runtime/metrics"
	"github.com/drblury/nodebus/internal/runtime/topology"
)

const (
	DefaultPublishInterval = time.Second
	DefaultPurgeInterval   = time.Minute
	DefaultPurgeBatchSize  = 100
	DefaultMaxPerPoll      = 100
	DefaultPurgeDelay      = 24 * time.Hour
)

// Options tunes the scheduler loops. Zero values use the defaults.
type Options struct {
	PublishInterval time.Duration
	PurgeInterval   time.Duration
	PurgeBatchSize  int
	MaxPerPoll      int
	PurgeDelay      time.Duration
	Logger          logging.ServiceLogger
	Metrics         *metrics.Metrics
}

func (o Options) withDefaults() Options {
	if o.PublishInterval <= 0 {
		o.PublishInterval = DefaultPublishInterval
	}
	if o.PurgeInterval <= 0 {
		o.PurgeInterval = DefaultPurgeInterval
	}
	if o.PurgeBatchSize <= 0 {
		o.PurgeBatchSize = DefaultPurgeBatchSize
	}
	if o.MaxPerPoll <= 0 {
		o.MaxPerPoll = DefaultMaxPerPoll
	}
	if o.PurgeDelay <= 0 {
		o.PurgeDelay = DefaultPurgeDelay
	}
	return o
}

// Scheduler stores and republishes delayed messages.
type Scheduler struct {
	store   Store
	bus     endpoint.Bus
	opts    Options
	logger  logging.ServiceLogger
	metrics *metrics.Metrics
	now     func() time.Time

	mu      sync.Mutex
	tomb    *tomb.Tomb
	channel broker.Channel
	binding *broker.Binding

	stopOnce sync.Once
	stopErr  error
}

func New(store Store, bus endpoint.Bus, opts Options) (*Scheduler, error) {
	if store == nil {
		return nil, errspkg.ErrStoreRequired
	}
	if bus == nil {
		return nil, errspkg.ErrBusRequired
	}
	opts = opts.withDefaults()
	return &Scheduler{
		store:   store,
		bus:     bus,
		opts:    opts,
		logger:  logging.OrDiscard(opts.Logger).With(logging.LogFields{"node": topology.Scheduler.String()}),
		metrics: opts.Metrics,
		now:     time.Now,
	}, nil
}

// Start opens the publishing channel, binds "Scheduler.*" and launches the
// publish and purge loops. They run until ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	ch, err := s.bus.OpenChannel()
	if err != nil {
		return fmt.Errorf("scheduler channel: %w", err)
	}

	t, tctx := tomb.WithContext(ctx)
	pattern := topology.SelfPattern(topology.Scheduler).String()
	binding, err := s.bus.BindQueue(tctx, topology.Scheduler.String(), []string{pattern}, s.receive)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("scheduler binding: %w", err)
	}

	s.mu.Lock()
	s.tomb, s.channel, s.binding = t, ch, binding
	s.mu.Unlock()

	t.Go(func() error { return s.loop(t, s.opts.PublishInterval, s.publishTick) })
	t.Go(func() error { return s.loop(t, s.opts.PurgeInterval, s.purgeTick) })

	s.logger.Info("Scheduler started", logging.CodeSchedulerStarted.Fields(topology.Scheduler.String(), logging.LogFields{
		"publish_interval": s.opts.PublishInterval.String(),
		"purge_interval":   s.opts.PurgeInterval.String(),
	}))
	return nil
}

func (s *Scheduler) loop(t *tomb.Tomb, interval time.Duration, tick func(context.Context)) error {
	ctx := t.Context(nil)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.Dying():
			return nil
		case <-ticker.C:
			tick(ctx)
		}
	}
}

func (s *Scheduler) publishTick(ctx context.Context) {
	if _, err := s.PublishDue(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("Publishing due messages failed", err, nil)
	}
}

func (s *Scheduler) purgeTick(ctx context.Context) {
	if _, err := s.PurgeExpired(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("Purging published messages failed", err, nil)
	}
}

// receive stores one Schedule request.
func (s *Scheduler) receive(ctx context.Context, msg *message.Message) {
	env, err := envelope.FromMessage(msg)
	if err != nil {
		s.logger.Error("Schedule request decoding failed", err, logging.LogFields{"message_uuid": msg.UUID})
		return
	}
	req, ok := env.Payload.(envelope.Schedule)
	if !ok {
		s.logger.Info("Ignoring non-schedule envelope", logging.LogFields{
			"origin": env.Origin.String(),
			"kind":   env.Kind().String(),
		})
		return
	}
	if _, err := s.Schedule(ctx, req); err != nil {
		s.logger.Error("Schedule request rejected", err, logging.LogFields{
			"origin":    env.Origin.String(),
			"route_key": req.RouteKey.String(),
		})
	}
}

// Schedule validates req and stores it.
func (s *Scheduler) Schedule(ctx context.Context, req envelope.Schedule) (int64, error) {
	if _, err := req.RouteKey.Destination(); err != nil {
		return 0, err
	}
	inner, err := envelope.UnmarshalMessage(req.Inner)
	if err != nil {
		return 0, fmt.Errorf("decode inner message: %w", err)
	}

	id, err := s.store.Save(ctx, Record{
		UUID:      inner.UUID,
		RouteKey:  req.RouteKey.String(),
		WakeAt:    req.WakeTime,
		Message:   req.Inner,
		CreatedAt: s.now(),
	})
	if err != nil {
		return 0, err
	}
	s.metrics.Schedule(metrics.EventStored, 1)
	s.logger.Info("Scheduled message stored", logging.CodeScheduleStored.Fields(topology.Scheduler.String(), logging.LogFields{
		"id":        id,
		"route_key": req.RouteKey.String(),
		"wake_at":   req.WakeTime.Format(time.RFC3339Nano),
	}))
	return id, nil
}

// PublishDue republishes every due record, up to MaxPerPoll. A record whose
// publish fails stays pending for the next tick.
func (s *Scheduler) PublishDue(ctx context.Context) (int, error) {
	s.mu.Lock()
	ch := s.channel
	s.mu.Unlock()
	if ch == nil {
		return 0, errspkg.ErrNotConfigured
	}

	now := s.now()
	due, err := s.store.Due(ctx, now, s.opts.MaxPerPoll)
	if err != nil {
		return 0, err
	}

	published := 0
	var errs []error
	for _, rec := range due {
		msg, err := envelope.UnmarshalMessage(rec.Message)
		if err != nil {
			// Undecodable records are retired so they do not block the queue.
			errs = append(errs, fmt.Errorf("record %d: %w", rec.ID, err))
			_ = s.store.MarkPublished(ctx, rec.ID, now, now)
			continue
		}
		if err := ch.Publish(rec.RouteKey, msg); err != nil {
			s.logger.Error("Scheduled publish failed", err, logging.CodePublishFailed.Fields(topology.Scheduler.String(), logging.LogFields{
				"id":        rec.ID,
				"route_key": rec.RouteKey,
			}))
			continue
		}
		if err := s.store.MarkPublished(ctx, rec.ID, now, now.Add(s.opts.PurgeDelay)); err != nil {
			errs = append(errs, err)
			continue
		}
		published++
		s.logger.Info("Scheduled message published", logging.CodeSchedulePublished.Fields(topology.Scheduler.String(), logging.LogFields{
			"id":        rec.ID,
			"route_key": rec.RouteKey,
			"late":      now.Sub(rec.WakeAt).String(),
		}))
	}
	s.metrics.Schedule(metrics.EventPublished, published)
	return published, errors.Join(errs...)
}

// PurgeExpired deletes up to PurgeBatchSize records past their purge time.
func (s *Scheduler) PurgeExpired(ctx context.Context) (int64, error) {
	n, err := s.store.Purge(ctx, s.now(), s.opts.PurgeBatchSize)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.metrics.Schedule(metrics.EventPurged, int(n))
		s.logger.Debug("Purged published messages", logging.LogFields{"count": n})
	}
	return n, nil
}

// Stop ends the loops and releases the binding and channel. The store is
// left open. Only the first call has an effect.
func (s *Scheduler) Stop() error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		t, ch, binding := s.tomb, s.channel, s.binding
		s.channel = nil
		s.mu.Unlock()
		if t == nil {
			return
		}

		t.Kill(nil)
		var errs []error
		if err := t.Wait(); err != nil {
			errs = append(errs, err)
		}
		if err := binding.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := ch.Close(); err != nil {
			errs = append(errs, err)
		}
		s.stopErr = errors.Join(errs...)
		s.logger.Info("Scheduler stopped", logging.CodeSchedulerStopped.Fields(topology.Scheduler.String(), nil))
	})
	return s.stopErr
}
