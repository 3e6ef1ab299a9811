package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/nodebus/internal/runtime/config"
	"github.com/drblury/nodebus/internal/runtime/logging"
)

func TestRunWithInMemoryStore(t *testing.T) {
	err := run([]string{"--duration", "100ms", "--sqlite-file", ":memory:", "--log-level", "error"})
	assert.NoError(t, err)
}

func TestRunRejectsUnknownStore(t *testing.T) {
	err := run([]string{"--scheduler-store", "mongo"})
	assert.ErrorContains(t, err, "unknown store")
}

func TestRunSchedulerLogsLifecycle(t *testing.T) {
	cfg := config.Default()
	cfg.SQLiteFile = ":memory:"
	rec := logging.NewRecorder()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, runScheduler(ctx, cfg, rec))
	assert.True(t, rec.HasCode(logging.CodeSchedulerStarted))
	assert.True(t, rec.HasCode(logging.CodeSchedulerStopped))
}
