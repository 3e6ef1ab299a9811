// Package services contains the concrete node workers shipped with nodebus.
package services

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/drblury/nodebus/internal/runtime/endpoint"
	"github.com/drblury/nodebus/internal/runtime/envelope"
	errspkg "github.com/drblury/nodebus/internal/runtime/errors"
	"github.com/drblury/nodebus/internal/runtime/logging"
)

// DefaultTrafficInterval paces Generic heartbeats.
const DefaultTrafficInterval = 512 * time.Millisecond

// Generic sends a heartbeat to every publish key of its node at a fixed pace
// and counts what it receives.
type Generic struct {
	interval time.Duration
	logger   logging.ServiceLogger

	sent     atomic.Uint64
	received atomic.Uint64
	sequence atomic.Uint64
}

// NewGeneric returns a Generic worker. A non-positive interval uses
// DefaultTrafficInterval.
func NewGeneric(interval time.Duration, logger logging.ServiceLogger) *Generic {
	if interval <= 0 {
		interval = DefaultTrafficInterval
	}
	return &Generic{interval: interval, logger: logging.OrDiscard(logger)}
}

func (g *Generic) Run(ctx context.Context, ep *endpoint.Endpoint) error {
	keys := ep.PublishKeys()
	if len(keys) == 0 {
		<-ctx.Done()
		return nil
	}

	limiter := rate.NewLimiter(rate.Every(g.interval), 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			// Wait fails once ctx is done or its deadline would be exceeded.
			return nil
		}
		seq := g.sequence.Add(1)
		for _, key := range keys {
			err := ep.Send(key, envelope.HeartBeat{Sequence: seq})
			switch {
			case err == nil:
				g.sent.Add(1)
			case errors.Is(err, errspkg.ErrEndpointStopping):
				return nil
			default:
				g.logger.Error("Heartbeat not sent", err, logging.LogFields{
					"node":      ep.Node().String(),
					"route_key": key.String(),
				})
			}
		}
	}
}

func (g *Generic) HandleEnvelope(ctx context.Context, env *envelope.Envelope) {
	g.received.Add(1)
	g.logger.Trace("Envelope received", logging.LogFields{
		"origin": env.Origin.String(),
		"kind":   env.Kind().String(),
	})
}

// Sent is the number of heartbeats enqueued so far.
func (g *Generic) Sent() uint64 { return g.sent.Load() }

// Received is the number of envelopes handled so far.
func (g *Generic) Received() uint64 { return g.received.Load() }
