// Package nodebus connects a fixed set of robot subsystem nodes over a
// topic-routed message broker. Every node owns an Endpoint that publishes
// envelopes on route keys of the form "<to>.<from>" and consumes from a queue
// named after the node, bound to the patterns the routing Table assigns it.
//
// A controller builds one Service per node, configures each with a
// cancellation context derived from its own, and hands them to a Supervisor.
// The Supervisor starts the workers, replaces workers that end on their own,
// and shuts everything down in two phases: cancel and stop every service, then
// wait for their stop signals within a bounded timeout before releasing the
// broker.
//
// # Brokers
//
// Broker drivers are selected by name from Config:
//   - memory: in-process Go channels for tests and single binaries
//   - rabbitmq: AMQP topic exchange with one durable queue per node
//   - nats: core NATS subjects with queue groups
//   - kafka: one topic per destination with consumer groups
//
// Import github.com/drblury/nodebus/broker/drivers to register all of them, or
// a single driver package for a smaller binary.
//
// # Scheduling
//
// The Scheduler node stores Schedule envelopes in SQLite or PostgreSQL and
// republishes the wrapped message verbatim once its wake time passes.
// Published records are purged after a configurable delay.
//
// # Observability
//
// ServiceLogger wraps log/slog and every lifecycle event carries a numeric
// code. Prometheus counters track envelopes, drops, restarts and scheduler
// activity, and endpoints emit OpenTelemetry spans around publish and receive.
package nodebus
