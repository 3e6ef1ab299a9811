package lifecycle

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/nodebus/broker"
	"github.com/drblury/nodebus/broker/brokertest"
	"github.com/drblury/nodebus/internal/runtime/endpoint"
	"github.com/drblury/nodebus/internal/runtime/envelope"
	errspkg "github.com/drblury/nodebus/internal/runtime/errors"
	"github.com/drblury/nodebus/internal/runtime/logging"
	"github.com/drblury/nodebus/internal/runtime/topology"
)

func testOptions(t *testing.T, driver *brokertest.Driver, log logging.ServiceLogger) Options {
	t.Helper()
	bus, err := broker.NewBus(driver, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Disconnect() })
	return Options{
		Bus:        bus,
		Timeout:    10 * time.Millisecond,
		StopSettle: time.Millisecond,
		Logger:     log,
	}
}

// blockingWorker runs until cancelled.
type blockingWorker struct {
	started  atomic.Int32
	received atomic.Int32
}

func (w *blockingWorker) Run(ctx context.Context, ep *endpoint.Endpoint) error {
	w.started.Add(1)
	<-ctx.Done()
	return nil
}

func (w *blockingWorker) HandleEnvelope(ctx context.Context, env *envelope.Envelope) {
	w.received.Add(1)
}

func TestSignal(t *testing.T) {
	s := NewSignal()
	assert.False(t, s.Raised())
	s.Raise()
	s.Raise()
	assert.True(t, s.Raised())

	other := NewSignal()
	assert.True(t, WaitAll(10*time.Millisecond, s, nil))
	assert.False(t, WaitAll(10*time.Millisecond, s, other))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "StopRequested", StateStopRequested.String())
	assert.Equal(t, "State(9)", State(9).String())
	assert.True(t, StateStopped.Terminal())
	assert.True(t, StateStopRequested.Stopping())
	assert.False(t, StateRunning.Stopping())
}

func TestNewRequiresWorker(t *testing.T) {
	_, err := New(topology.Controller, nil, Options{})
	assert.ErrorIs(t, err, errspkg.ErrWorkerRequired)
}

func TestLifecycleTransitions(t *testing.T) {
	driver := brokertest.New()
	rec := logging.NewRecorder()
	worker := &blockingWorker{}
	svc, err := New(topology.Controller, worker, testOptions(t, driver, rec))
	require.NoError(t, err)
	assert.Equal(t, StateCreated, svc.State())
	assert.ErrorIs(t, svc.Run(), errspkg.ErrNotConfigured)

	signal := NewSignal()
	require.True(t, svc.Configure(context.Background(), signal))
	assert.Equal(t, StateConfigured, svc.State())
	assert.True(t, rec.HasCode(logging.CodeServiceConfigured))
	assert.Equal(t, []string{"Controller.*", "Controller.Environment", "Controller.Memory"}, driver.Bindings()["Controller"])

	assert.False(t, svc.Configure(context.Background(), NewSignal()), "configure runs once")

	done := make(chan error, 1)
	go func() { done <- svc.Run() }()
	require.Eventually(t, func() bool { return svc.State() == StateRunning }, time.Second, time.Millisecond)

	svc.Stop()
	assert.True(t, signal.Raised())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("worker did not observe cancellation")
	}
	assert.Equal(t, StateStopped, svc.State())
	assert.True(t, rec.HasCode(logging.CodeWorkerEnded))

	svc.Stop()
	require.NoError(t, svc.Dispose())
	require.NoError(t, svc.Dispose())
	assert.NoError(t, svc.Run(), "a stopped service never runs again")
	assert.Equal(t, 1, svc.Runs())
}

func TestStopAfterWorkerReturned(t *testing.T) {
	driver := brokertest.New()
	svc, err := New(topology.Memory, WorkerFunc(func(context.Context, *endpoint.Endpoint) error {
		return errors.New("sensor unplugged")
	}), testOptions(t, driver, nil))
	require.NoError(t, err)

	signal := NewSignal()
	require.True(t, svc.Configure(context.Background(), signal))
	assert.ErrorContains(t, svc.Run(), "sensor unplugged")
	assert.Equal(t, StateRunning, svc.State())

	svc.Stop()
	assert.Equal(t, StateStopped, svc.State())
	assert.True(t, signal.Raised())
}

func TestRunRecoversPanics(t *testing.T) {
	rec := logging.NewRecorder()
	svc, err := New(topology.Speech, WorkerFunc(func(context.Context, *endpoint.Endpoint) error {
		panic("boom")
	}), testOptions(t, brokertest.New(), rec))
	require.NoError(t, err)
	require.True(t, svc.Configure(context.Background(), NewSignal()))

	err = svc.Run()
	assert.ErrorContains(t, err, "boom")
	assert.True(t, rec.HasCode(logging.CodeWorkerFault))
}

func TestConfigureFailure(t *testing.T) {
	driver := brokertest.New()
	driver.SetSubscribeError(errors.New("binding refused"))
	rec := logging.NewRecorder()
	svc, err := New(topology.Controller, &blockingWorker{}, testOptions(t, driver, rec))
	require.NoError(t, err)

	assert.False(t, svc.Configure(context.Background(), NewSignal()))
	assert.Equal(t, StateCreated, svc.State())
	assert.True(t, rec.HasCode(logging.CodeServiceConfigFailed))
	assert.Nil(t, svc.Endpoint())
}

func TestControllerCancellationCascades(t *testing.T) {
	driver := brokertest.New()
	worker := &blockingWorker{}
	svc, err := New(topology.Environment, worker, testOptions(t, driver, nil))
	require.NoError(t, err)

	controller, cancel := context.WithCancel(context.Background())
	require.True(t, svc.Configure(controller, NewSignal()))

	done := make(chan error, 1)
	go func() { done <- svc.Run() }()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not observe controller cancellation")
	}
	select {
	case <-svc.Endpoint().Done():
	case <-time.After(time.Second):
		t.Fatal("drain worker did not observe controller cancellation")
	}
}

func TestSiblingCancellationIsIsolated(t *testing.T) {
	driver := brokertest.New()
	opts := testOptions(t, driver, nil)
	a, err := New(topology.Controller, &blockingWorker{}, opts)
	require.NoError(t, err)
	b, err := New(topology.Memory, &blockingWorker{}, opts)
	require.NoError(t, err)

	require.True(t, a.Configure(context.Background(), NewSignal()))
	require.True(t, b.Configure(context.Background(), NewSignal()))

	a.Stop()
	select {
	case <-b.Endpoint().Done():
		t.Fatal("stopping one node stopped its sibling")
	case <-time.After(30 * time.Millisecond):
	}
	require.NoError(t, b.Endpoint().Send(topology.NewRouteKey(topology.Controller, topology.Memory), envelope.HeartBeat{}))
	require.Eventually(t, func() bool { return driver.PublishedCount() == 1 }, time.Second, time.Millisecond)
}

func TestInboundEnvelopesReachWorker(t *testing.T) {
	driver := brokertest.New()
	worker := &blockingWorker{}
	svc, err := New(topology.Controller, worker, testOptions(t, driver, nil))
	require.NoError(t, err)
	require.True(t, svc.Configure(context.Background(), NewSignal()))
	defer svc.Stop()

	env := envelope.New(topology.NewRouteKey(topology.Controller, topology.Memory), envelope.HeartBeat{Sequence: 1})
	env.Stamp(topology.Memory, time.Now())
	msg, err := envelope.ToMessage(env)
	require.NoError(t, err)
	require.True(t, driver.Deliver("Controller", msg))

	require.Eventually(t, func() bool { return worker.received.Load() == 1 }, time.Second, time.Millisecond)
}

// slowBindBus blocks BindQueue until release is closed.
type slowBindBus struct {
	entered chan struct{}
	release chan struct{}
}

func (b *slowBindBus) OpenChannel() (broker.Channel, error) {
	return nil, errors.New("not used")
}

func (b *slowBindBus) BindQueue(ctx context.Context, _ string, _ []string, _ broker.Handler) (*broker.Binding, error) {
	close(b.entered)
	<-b.release
	return nil, nil
}

func TestConfigureDoesNotHoldStateDuringBind(t *testing.T) {
	bus := &slowBindBus{entered: make(chan struct{}), release: make(chan struct{})}
	svc, err := New(topology.Controller, &blockingWorker{}, Options{Bus: bus, StopSettle: -1})
	require.NoError(t, err)

	configured := make(chan bool, 1)
	go func() { configured <- svc.Configure(context.Background(), NewSignal()) }()
	<-bus.entered

	observed := make(chan State, 1)
	go func() { observed <- svc.State() }()
	select {
	case state := <-observed:
		assert.Equal(t, StateCreated, state)
	case <-time.After(time.Second):
		t.Fatal("State blocked while the broker bind was in progress")
	}
	assert.Zero(t, svc.Runs())
	assert.False(t, svc.Configure(context.Background(), NewSignal()), "a second Configure during the bind is rejected")

	close(bus.release)
	require.True(t, <-configured)
	assert.Equal(t, StateConfigured, svc.State())
	require.NoError(t, svc.Dispose())
}
