package services

import (
	"time"

	"github.com/drblury/nodebus/internal/runtime/lifecycle"
	"github.com/drblury/nodebus/internal/runtime/logging"
	"github.com/drblury/nodebus/internal/runtime/topology"
)

// For returns the worker that runs node: Syslog for the syslog node and
// Generic for everything else.
func For(node topology.NodeID, trafficInterval time.Duration, logger logging.ServiceLogger) lifecycle.Worker {
	logger = logging.OrDiscard(logger).With(logging.LogFields{"node": node.String()})
	if node == topology.Syslog {
		return NewSyslog(logger)
	}
	return NewGeneric(trafficInterval, logger)
}

// Build creates one unconfigured service per node, in order.
func Build(nodes []topology.NodeID, trafficInterval time.Duration, opts lifecycle.Options) ([]*lifecycle.Service, error) {
	out := make([]*lifecycle.Service, 0, len(nodes))
	for _, node := range nodes {
		svc, err := lifecycle.New(node, For(node, trafficInterval, opts.Logger), opts)
		if err != nil {
			return nil, err
		}
		out = append(out, svc)
	}
	return out, nil
}
