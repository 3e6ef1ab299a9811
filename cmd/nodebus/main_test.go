package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/nodebus/internal/runtime/config"
	"github.com/drblury/nodebus/internal/runtime/logging"
	"github.com/drblury/nodebus/internal/runtime/topology"
)

func TestRunWithMemoryBroker(t *testing.T) {
	err := run([]string{"--duration", "150ms", "--log-level", "error", "--nodes", "Controller,Memory,Syslog"})
	assert.NoError(t, err)
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	err := run([]string{"--broker", "rabbitmq"})
	assert.ErrorContains(t, err, "rabbitmq: URL is required")
}

func TestRunHelp(t *testing.T) {
	assert.NoError(t, run([]string{"--help"}))
}

func TestRunControllerWithTopologyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "topology.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
nodes:
  Controller:
    publish: [Speech]
    subscribe: [Speech]
  Speech:
    publish: [Controller]
    subscribe: [Controller]
`), 0o600))

	cfg := config.Default()
	cfg.TopologyFile = path
	cfg.TrafficInterval = 5 * time.Millisecond
	cfg.StopSettle = time.Millisecond
	rec := logging.NewRecorder()

	require.NoError(t, runController(context.Background(), cfg, rec, 100*time.Millisecond))
	assert.Equal(t, 2, rec.CountCode(logging.CodeServiceConfigured))
	assert.True(t, rec.HasCode(logging.CodeShutdownComplete))
}

func TestResolveNodes(t *testing.T) {
	rec := logging.NewRecorder()
	table := topology.DefaultTable()

	assert.Equal(t, table.Nodes(), resolveNodes(nil, table, rec))
	assert.Equal(t, []topology.NodeID{topology.Memory, topology.Unidentified}, resolveNodes([]string{"memory", "Toaster"}, table, rec))
	assert.True(t, rec.HasCode(logging.CodeUnknownRoute))
}
