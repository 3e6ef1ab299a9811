package broker_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/nodebus/broker"
	"github.com/drblury/nodebus/broker/brokertest"
	errspkg "github.com/drblury/nodebus/internal/runtime/errors"
	"github.com/drblury/nodebus/internal/runtime/logging"
)

type testConfig struct{ name string }

func (c testConfig) GetBroker() string         { return c.name }
func (c testConfig) GetRabbitMQURL() string    { return "" }
func (c testConfig) GetExchange() string       { return "nodebus" }
func (c testConfig) GetNATSURL() string        { return "" }
func (c testConfig) GetKafkaBrokers() []string { return nil }

func newBus(t *testing.T, driver broker.Driver) *broker.Bus {
	t.Helper()
	bus, err := broker.NewBus(driver, logging.NewDiscardServiceLogger())
	require.NoError(t, err)
	return bus
}

func TestNewBusRequiresDriver(t *testing.T) {
	_, err := broker.NewBus(nil, nil)
	assert.ErrorIs(t, err, errspkg.ErrDriverRequired)
}

func TestConnectUsesRegistry(t *testing.T) {
	original := broker.DefaultRegistry
	t.Cleanup(func() { broker.DefaultRegistry = original })
	broker.DefaultRegistry = broker.NewRegistry()

	driver := brokertest.New()
	broker.Register("recording", func(ctx context.Context, cfg broker.Config, logger watermill.LoggerAdapter) (broker.Driver, error) {
		return driver, nil
	}, broker.Capabilities{Name: "recording", SharedQueue: true})

	bus, err := broker.Connect(context.Background(), testConfig{name: "recording"}, nil)
	require.NoError(t, err)
	assert.True(t, bus.Capabilities().SharedQueue)

	_, err = broker.Connect(context.Background(), testConfig{name: "nope"}, nil)
	assert.Error(t, err)

	_, err = broker.Connect(context.Background(), nil, nil)
	assert.ErrorIs(t, err, errspkg.ErrConfigRequired)
}

func TestDisconnectClosesDriverOnce(t *testing.T) {
	driver := brokertest.New()
	bus := newBus(t, driver)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = bus.Disconnect()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, driver.CloseCount())
	assert.True(t, bus.Closed())

	_, err := bus.OpenChannel()
	assert.ErrorIs(t, err, errspkg.ErrBusClosed)
	_, err = bus.BindQueue(context.Background(), "Memory", []string{"Memory.*"}, func(context.Context, *message.Message) {})
	assert.ErrorIs(t, err, errspkg.ErrBusClosed)
}

func TestOpenChannelIsSerialized(t *testing.T) {
	driver := brokertest.New()
	bus := newBus(t, driver)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch, err := bus.OpenChannel()
			if assert.NoError(t, err) {
				_ = ch.Close()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 20, driver.ChannelsOpened())
	assert.Equal(t, 20, driver.ChannelsClosed())
}

func TestBindQueueDispatchesAndAcks(t *testing.T) {
	driver := brokertest.New()
	bus := newBus(t, driver)

	var received atomic.Int32
	binding, err := bus.BindQueue(context.Background(), "Memory", []string{"Memory.*"}, func(ctx context.Context, msg *message.Message) {
		received.Add(1)
	})
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"Memory": {"Memory.*"}}, driver.Bindings())

	msg := message.NewMessage(watermill.NewUUID(), []byte("{}"))
	require.True(t, driver.Deliver("Memory", msg))

	require.Eventually(t, func() bool { return received.Load() == 1 }, time.Second, 5*time.Millisecond)
	select {
	case <-msg.Acked():
	default:
		t.Fatal("expected message to be acked")
	}

	require.NoError(t, binding.Close())
	require.NoError(t, binding.Close())
	<-binding.Done()
	assert.Eventually(t, func() bool { return !driver.Bound("Memory") }, time.Second, 5*time.Millisecond)
}

func TestBindQueueRecoversHandlerPanics(t *testing.T) {
	driver := brokertest.New()
	rec := logging.NewRecorder()
	bus, err := broker.NewBus(driver, rec)
	require.NoError(t, err)

	var calls atomic.Int32
	_, err = bus.BindQueue(context.Background(), "Memory", []string{"Memory.*"}, func(ctx context.Context, msg *message.Message) {
		if calls.Add(1) == 1 {
			panic("boom")
		}
	})
	require.NoError(t, err)

	driver.Deliver("Memory", message.NewMessage("1", nil))
	driver.Deliver("Memory", message.NewMessage("2", nil))

	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return rec.HasCode(logging.CodeWorkerFault) }, time.Second, 5*time.Millisecond)
}

func TestBindQueueValidation(t *testing.T) {
	driver := brokertest.New()
	bus := newBus(t, driver)
	noop := func(context.Context, *message.Message) {}

	_, err := bus.BindQueue(context.Background(), "Memory", nil, noop)
	assert.Error(t, err)

	_, err = bus.BindQueue(context.Background(), "Memory", []string{"Memory..x"}, noop)
	assert.Error(t, err)

	driver.SetSubscribeError(errors.New("refused"))
	_, err = bus.BindQueue(context.Background(), "Memory", []string{"Memory.*"}, noop)
	assert.ErrorContains(t, err, "refused")
}

func TestBindingStopsWithContext(t *testing.T) {
	driver := brokertest.New()
	bus := newBus(t, driver)
	ctx, cancel := context.WithCancel(context.Background())

	binding, err := bus.BindQueue(ctx, "Memory", []string{"Memory.*"}, func(context.Context, *message.Message) {})
	require.NoError(t, err)

	cancel()
	select {
	case <-binding.Done():
	case <-time.After(time.Second):
		t.Fatal("binding did not stop after cancellation")
	}
}

func TestDisconnectClosesLiveBindings(t *testing.T) {
	driver := brokertest.New()
	bus := newBus(t, driver)

	binding, err := bus.BindQueue(context.Background(), "Memory", []string{"Memory.*"}, func(context.Context, *message.Message) {})
	require.NoError(t, err)

	require.NoError(t, bus.Disconnect())
	select {
	case <-binding.Done():
	case <-time.After(time.Second):
		t.Fatal("binding still consuming after disconnect")
	}
}

func TestDisconnectClosesStuckBindingsTogether(t *testing.T) {
	original := broker.DefaultBindingCloseTimeout
	broker.DefaultBindingCloseTimeout = 200 * time.Millisecond
	t.Cleanup(func() { broker.DefaultBindingCloseTimeout = original })

	driver := brokertest.New()
	bus := newBus(t, driver)

	release := make(chan struct{})
	defer close(release)
	var entered atomic.Int32
	handler := func(context.Context, *message.Message) {
		entered.Add(1)
		<-release
	}

	queues := []string{"Controller", "Environment", "Memory"}
	for _, q := range queues {
		_, err := bus.BindQueue(context.Background(), q, []string{q + ".*"}, handler)
		require.NoError(t, err)
		require.True(t, driver.Deliver(q, message.NewMessage(watermill.NewUUID(), nil)))
	}
	require.Eventually(t, func() bool { return entered.Load() == int32(len(queues)) }, time.Second, 5*time.Millisecond)

	begin := time.Now()
	require.NoError(t, bus.Disconnect())
	assert.Less(t, time.Since(begin), 2*broker.DefaultBindingCloseTimeout)
	assert.Equal(t, 1, driver.CloseCount())
}
