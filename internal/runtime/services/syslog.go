package services

import (
	"context"

	"github.com/drblury/nodebus/internal/runtime/endpoint"
	"github.com/drblury/nodebus/internal/runtime/envelope"
	"github.com/drblury/nodebus/internal/runtime/logging"
)

// Syslog only listens; every envelope it receives is written to the log.
type Syslog struct {
	logger logging.ServiceLogger
}

func NewSyslog(logger logging.ServiceLogger) *Syslog {
	return &Syslog{logger: logging.OrDiscard(logger)}
}

func (s *Syslog) Run(ctx context.Context, _ *endpoint.Endpoint) error {
	<-ctx.Done()
	return nil
}

func (s *Syslog) HandleEnvelope(_ context.Context, env *envelope.Envelope) {
	s.logger.Info("Envelope", logging.LogFields{
		"id":        env.ID,
		"origin":    env.Origin.String(),
		"route_key": env.Destination.String(),
		"kind":      env.Kind().String(),
		"status":    env.Status.String(),
	})
}
