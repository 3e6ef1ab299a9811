package nodebus

import (
	"context"
	"log/slog"
	"time"

	"github.com/drblury/nodebus/broker"
	_ "github.com/drblury/nodebus/broker/drivers"
	configpkg "github.com/drblury/nodebus/internal/runtime/config"
	"github.com/drblury/nodebus/internal/runtime/endpoint"
	"github.com/drblury/nodebus/internal/runtime/envelope"
	errspkg "github.com/drblury/nodebus/internal/runtime/errors"
	idspkg "github.com/drblury/nodebus/internal/runtime/ids"
	"github.com/drblury/nodebus/internal/runtime/lifecycle"
	loggingpkg "github.com/drblury/nodebus/internal/runtime/logging"
	metricspkg "github.com/drblury/nodebus/internal/runtime/metrics"
	"github.com/drblury/nodebus/internal/runtime/scheduler"
	"github.com/drblury/nodebus/internal/runtime/services"
	"github.com/drblury/nodebus/internal/runtime/supervisor"
	"github.com/drblury/nodebus/internal/runtime/topology"
)

type (
	Config                = configpkg.Config
	ConfigValidationError = errspkg.ConfigValidationError

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger
	LogCode       = loggingpkg.Code

	Metrics = metricspkg.Metrics

	NodeID   = topology.NodeID
	RouteKey = topology.RouteKey
	Table    = topology.Table
	Bindings = topology.Bindings

	Envelope      = envelope.Envelope
	Headers       = envelope.Headers
	Payload       = envelope.Payload
	Kind          = envelope.Kind
	Status        = envelope.Status
	StatsSnapshot = envelope.StatsSnapshot

	HeartBeat         = envelope.HeartBeat
	SpeechRecognition = envelope.SpeechRecognition
	RecognitionResult = envelope.RecognitionResult
	SpeechSynthesis   = envelope.SpeechSynthesis
	Reset             = envelope.Reset
	Cancel            = envelope.Cancel
	Generic           = envelope.Generic
	Schedule          = envelope.Schedule

	Bus          = broker.Bus
	Capabilities = broker.Capabilities

	Endpoint        = endpoint.Endpoint
	Service         = lifecycle.Service
	ServiceOptions  = lifecycle.Options
	State           = lifecycle.State
	Signal          = lifecycle.Signal
	Worker          = lifecycle.Worker
	WorkerFunc      = lifecycle.WorkerFunc
	EnvelopeHandler = lifecycle.EnvelopeHandler

	Supervisor        = supervisor.Supervisor
	SupervisorOptions = supervisor.Options

	Scheduler        = scheduler.Scheduler
	SchedulerOptions = scheduler.Options
	ScheduleStore    = scheduler.Store
)

const (
	Unidentified  = topology.Unidentified
	Controller    = topology.Controller
	Environment   = topology.Environment
	Memory        = topology.Memory
	Speech        = topology.Speech
	Audio         = topology.Audio
	Video         = topology.Video
	I2C           = topology.I2C
	Console       = topology.Console
	Syslog        = topology.Syslog
	SchedulerNode = topology.Scheduler
	Broadcast     = topology.Broadcast
)

var (
	LoadConfig     = configpkg.Load
	DefaultConfig  = configpkg.Default
	ValidateConfig = configpkg.ValidateConfig

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewTextServiceLogger = loggingpkg.NewTextServiceLogger

	// NewMetrics builds the nodebus collectors; Register exposes them. A nil
	// registerer uses the Prometheus default registry.
	NewMetrics = metricspkg.New

	ParseNodeID  = topology.ParseNodeID
	NewRouteKey  = topology.NewRouteKey
	NewTable     = topology.NewTable
	DefaultTable = topology.DefaultTable
	LoadTable    = topology.LoadTable
	ParseTable   = topology.ParseTable

	NewEnvelope       = envelope.New
	NewGenericPayload = envelope.NewGeneric
	NewScheduled      = envelope.NewScheduled
	EnvelopeToMessage = envelope.ToMessage
	MessageToEnvelope = envelope.FromMessage

	GetCapabilities = broker.GetCapabilities

	NewService    = lifecycle.New
	NewSignal     = lifecycle.NewSignal
	WaitAll       = lifecycle.WaitAll
	BuildServices = services.Build

	NewSupervisor = supervisor.New

	NewScheduler      = scheduler.New
	OpenScheduleStore = scheduler.OpenStore
	NewSQLiteStore    = scheduler.NewSQLiteStore
	NewPostgresStore  = scheduler.NewPostgresStore

	CreateULID = idspkg.CreateULID

	ErrNoDestination      = errspkg.ErrNoDestination
	ErrUnknownDestination = errspkg.ErrUnknownDestination
	ErrEndpointStopping   = errspkg.ErrEndpointStopping
	ErrBusRequired        = errspkg.ErrBusRequired
	ErrBusClosed          = errspkg.ErrBusClosed
	ErrUnknownPayloadKind = errspkg.ErrUnknownPayloadKind
	ErrPayloadRequired    = errspkg.ErrPayloadRequired
	ErrWorkerRequired     = errspkg.ErrWorkerRequired
	ErrNotConfigured      = errspkg.ErrNotConfigured
	ErrAlreadyConfigured  = errspkg.ErrAlreadyConfigured
	ErrConfigRequired     = errspkg.ErrConfigRequired
	ErrStoreRequired      = errspkg.ErrStoreRequired
)

// Connect validates cfg and opens the broker it names.
func Connect(ctx context.Context, cfg *Config, logger ServiceLogger) (*Bus, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}
	return broker.Connect(ctx, cfg, logger)
}

// ServiceOptionsFromConfig maps the endpoint and lifecycle settings of cfg.
func ServiceOptionsFromConfig(cfg *Config, bus *Bus, table *Table, logger ServiceLogger, m *Metrics) ServiceOptions {
	return ServiceOptions{
		Bus:        bus,
		Table:      table,
		Timeout:    cfg.LocalTimeout,
		Capacity:   cfg.QueueCapacity,
		StopSettle: cfg.StopSettle,
		Logger:     logger,
		Metrics:    m,
	}
}

// SupervisorOptionsFromConfig maps the monitor and shutdown settings of cfg.
func SupervisorOptionsFromConfig(cfg *Config, logger ServiceLogger, m *Metrics) SupervisorOptions {
	return SupervisorOptions{
		Poll:            cfg.MonitorPoll,
		Warmup:          cfg.MonitorWarmup,
		Grace:           cfg.ShutdownGrace,
		ShutdownTimeout: cfg.ShutdownTimeout(),
		Logger:          logger,
		Metrics:         m,
	}
}

// RunNodes starts one service per node, supervises them for d and shuts them
// down. It reports whether every service stopped within the shutdown timeout.
func RunNodes(ctx context.Context, cfg *Config, bus *Bus, table *Table, nodes []NodeID, d time.Duration, logger *slog.Logger) (bool, error) {
	log := NewSlogServiceLogger(logger)
	svcs, err := BuildServices(nodes, cfg.TrafficInterval, ServiceOptionsFromConfig(cfg, bus, table, log, nil))
	if err != nil {
		return false, err
	}
	sup := NewSupervisor(bus, SupervisorOptionsFromConfig(cfg, log, nil))
	sup.Start(svcs)
	sup.MonitorFor(ctx, d)
	return sup.Shutdown(), nil
}
