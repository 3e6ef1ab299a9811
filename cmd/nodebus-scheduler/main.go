// nodebus-scheduler runs the delayed-delivery scheduler. It stores every
// Schedule request addressed to the Scheduler node and republishes the
// wrapped message once its wake time has passed.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/drblury/nodebus/broker"
	_ "github.com/drblury/nodebus/broker/drivers"
	"github.com/drblury/nodebus/internal/runtime/config"
	errspkg "github.com/drblury/nodebus/internal/runtime/errors"
	"github.com/drblury/nodebus/internal/runtime/logging"
	"github.com/drblury/nodebus/internal/runtime/metrics"
	"github.com/drblury/nodebus/internal/runtime/scheduler"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flagSet := pflag.NewFlagSet("nodebus-scheduler", pflag.ContinueOnError)
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
	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}
	return runScheduler(ctx, cfg, logger)
}

func runScheduler(ctx context.Context, cfg *config.Config, logger logging.ServiceLogger) (err error) {
	logger.Info("Starting scheduler", logging.LogFields{"config": cfg.String()})

	store, err := scheduler.OpenStore(cfg.SchedulerStore, cfg.SQLiteFile, cfg.PostgresURL)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, store.Close()) }()

	var m *metrics.Metrics
	if cfg.MetricsEnabled {
		m = metrics.New(nil)
		if err := m.Register(); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
	}

	bus, err := broker.Connect(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, bus.Disconnect()) }()

	sched, err := scheduler.New(store, bus, scheduler.Options{
		PublishInterval: cfg.PublishInterval,
		PurgeInterval:   cfg.PurgeInterval,
		PurgeBatchSize:  cfg.PurgeBatchSize,
		MaxPerPoll:      cfg.MaxScheduledPerPoll,
		PurgeDelay:      cfg.PurgeDelay,
		Logger:          logger,
		Metrics:         m,
	})
	if err != nil {
		return err
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	return sched.Stop()
}
