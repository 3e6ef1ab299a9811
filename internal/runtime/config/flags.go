package config

import (
	"github.com/spf13/pflag"
)

// Flags registers command-line overrides for the most common keys. Only
// flags set explicitly override the file.
type Flags struct {
	fs *pflag.FlagSet

	path           string
	broker         string
	rabbitMQURL    string
	exchange       string
	natsURL        string
	kafkaBrokers   []string
	nodes          []string
	topologyFile   string
	logLevel       string
	metricsEnabled bool
	metricsPort    int
	schedulerStore string
	sqliteFile     string
	postgresURL    string
}

// NewFlags registers the configuration flags on fs.
func NewFlags(fs *pflag.FlagSet) *Flags {
	f := &Flags{fs: fs}
	fs.StringVarP(&f.path, "config", "c", "", "path to a YAML configuration file")
	fs.StringVar(&f.broker, "broker", DefaultBroker, "broker driver: memory, rabbitmq, nats or kafka")
	fs.StringVar(&f.rabbitMQURL, "rabbitmq-url", "", "RabbitMQ URL")
	fs.StringVar(&f.exchange, "exchange", DefaultExchange, "topic exchange or subject prefix")
	fs.StringVar(&f.natsURL, "nats-url", "", "NATS URL")
	fs.StringSliceVar(&f.kafkaBrokers, "kafka-brokers", nil, "Kafka broker addresses")
	fs.StringSliceVar(&f.nodes, "nodes", nil, "nodes to start, in order (default: every node of the topology)")
	fs.StringVar(&f.topologyFile, "topology", "", "YAML file replacing the built-in topology")
	fs.StringVar(&f.logLevel, "log-level", "info", "log level: debug, info, warn or error")
	fs.BoolVar(&f.metricsEnabled, "metrics", false, "serve Prometheus metrics")
	fs.IntVar(&f.metricsPort, "metrics-port", DefaultMetricsPort, "port for the metrics endpoint")
	fs.StringVar(&f.schedulerStore, "scheduler-store", DefaultSchedulerStore, "scheduler store: sqlite or postgres")
	fs.StringVar(&f.sqliteFile, "sqlite-file", DefaultSQLiteFile, "SQLite database file")
	fs.StringVar(&f.postgresURL, "postgres-url", "", "PostgreSQL connection string")
	return f
}

// Load reads the file named by --config and applies the flags that were set.
func (f *Flags) Load() (*Config, error) {
	cfg, err := Load(f.path)
	if err != nil {
		return nil, err
	}
	f.Apply(cfg)
	return cfg, nil
}

// Apply copies every explicitly set flag into cfg.
func (f *Flags) Apply(cfg *Config) {
	set := func(name string) bool { return f.fs.Changed(name) }

	if set("broker") {
		cfg.Broker = f.broker
	}
	if set("rabbitmq-url") {
		cfg.RabbitMQURL = f.rabbitMQURL
	}
	if set("exchange") {
		cfg.Exchange = f.exchange
	}
	if set("nats-url") {
		cfg.NATSURL = f.natsURL
	}
	if set("kafka-brokers") {
		cfg.KafkaBrokers = f.kafkaBrokers
	}
	if set("nodes") {
		cfg.Nodes = f.nodes
	}
	if set("topology") {
		cfg.TopologyFile = f.topologyFile
	}
	if set("log-level") {
		cfg.LogLevel = f.logLevel
	}
	if set("metrics") {
		cfg.MetricsEnabled = f.metricsEnabled
	}
	if set("metrics-port") {
		cfg.MetricsPort = f.metricsPort
	}
	if set("scheduler-store") {
		cfg.SchedulerStore = f.schedulerStore
	}
	if set("sqlite-file") {
		cfg.SQLiteFile = f.sqliteFile
	}
	if set("postgres-url") {
		cfg.PostgresURL = f.postgresURL
	}
}
