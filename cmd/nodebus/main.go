// nodebus runs the controller: it connects the broker, starts one service
// per configured node, keeps them running and shuts them down on SIGINT or
// SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/drblury/nodebus/broker"
	_ "github.com/drblury/nodebus/broker/drivers"
	"github.com/drblury/nodebus/internal/runtime/config"
	errspkg "github.com/drblury/nodebus/internal/runtime/errors"
	"github.com/drblury/nodebus/internal/runtime/lifecycle"
	"github.com/drblury/nodebus/internal/runtime/logging"
	"github.com/drblury/nodebus/internal/runtime/metrics"
	"github.com/drblury/nodebus/internal/runtime/services"
	"github.com/drblury/nodebus/internal/runtime/supervisor"
	"github.com/drblury/nodebus/internal/runtime/topology"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flagSet := pflag.NewFlagSet("nodebus", pflag.ContinueOnError)
	flags := config.NewFlags(flagSet)
	var duration time.Duration
	flagSet.DurationVar(&duration, "duration", 0, "stop after this long (0 runs until interrupted)")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := flags.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return errspkg.NewConfigValidationError(err)
	}

	logger := logging.NewTextServiceLogger(os.Stderr, cfg.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if duration <= 0 {
		duration = time.Duration(math.MaxInt64)
	}
	return runController(ctx, cfg, logger, duration)
}

func runController(ctx context.Context, cfg *config.Config, logger logging.ServiceLogger, duration time.Duration) error {
	logger.Info("Starting controller", logging.LogFields{"config": cfg.String()})

	table, err := topology.LoadTable(cfg.TopologyFile)
	if err != nil {
		return err
	}
	nodes := resolveNodes(cfg.Nodes, table, logger)

	var m *metrics.Metrics
	if cfg.MetricsEnabled {
		m = metrics.New(nil)
		if err := m.Register(); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		srv := serveMetrics(cfg.MetricsPort, logger)
		defer shutdownMetrics(srv, logger)
	}

	bus, err := broker.Connect(ctx, cfg, logger)
	if err != nil {
		return err
	}

	svcs, err := services.Build(nodes, cfg.TrafficInterval, lifecycle.Options{
		Bus:        bus,
		Table:      table,
		Timeout:    cfg.LocalTimeout,
		Capacity:   cfg.QueueCapacity,
		StopSettle: cfg.StopSettle,
		Logger:     logger,
		Metrics:    m,
	})
	if err != nil {
		_ = bus.Disconnect()
		return err
	}

	sup := supervisor.New(bus, supervisor.Options{
		Poll:            cfg.MonitorPoll,
		Warmup:          cfg.MonitorWarmup,
		Grace:           cfg.ShutdownGrace,
		ShutdownTimeout: cfg.ShutdownTimeout(),
		Logger:          logger,
		Metrics:         m,
	})
	started := sup.Start(svcs)
	logger.Info("Controller running", logging.LogFields{"started": started, "configured": len(svcs)})

	sup.MonitorFor(ctx, duration)
	sup.Shutdown()
	return nil
}

// resolveNodes parses the configured node names. Unknown names become
// Unidentified and run isolated. An empty list selects every node of table.
func resolveNodes(names []string, table *topology.Table, logger logging.ServiceLogger) []topology.NodeID {
	if len(names) == 0 {
		return table.Nodes()
	}
	nodes := make([]topology.NodeID, 0, len(names))
	for _, name := range names {
		node, ok := topology.ParseNodeID(name)
		if !ok {
			logger.Info("Unknown node name", logging.CodeUnknownRoute.Fields(topology.Unidentified.String(), logging.LogFields{"name": name}))
		}
		nodes = append(nodes, node)
	}
	return nodes
}
