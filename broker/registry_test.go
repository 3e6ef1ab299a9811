package broker

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/nodebus/internal/runtime/errors"
)

type mockConfig struct {
	broker string
}

func (m *mockConfig) GetBroker() string         { return m.broker }
func (m *mockConfig) GetRabbitMQURL() string    { return "" }
func (m *mockConfig) GetExchange() string       { return "nodebus" }
func (m *mockConfig) GetNATSURL() string        { return "" }
func (m *mockConfig) GetKafkaBrokers() []string { return nil }

type stubDriver struct {
	closed int
}

func (s *stubDriver) OpenChannel() (Channel, error) { return nil, errors.New("not implemented") }
func (s *stubDriver) Subscribe(ctx context.Context, queue string, patterns []string) (<-chan *message.Message, error) {
	return nil, errors.New("not implemented")
}
func (s *stubDriver) Close() error { s.closed++; return nil }

func TestRegistryRegisterAndBuild(t *testing.T) {
	reg := NewRegistry()
	driver := &stubDriver{}
	reg.Register("stub", func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Driver, error) {
		return driver, nil
	}, Capabilities{Name: "stub", SharedQueue: true})

	assert.True(t, reg.Has("stub"))
	assert.False(t, reg.Has("other"))
	assert.Equal(t, []string{"stub"}, reg.Names())
	assert.True(t, reg.GetCapabilities("stub").SharedQueue)
	assert.Equal(t, Capabilities{Name: "other"}, reg.GetCapabilities("other"))

	built, err := reg.Build(context.Background(), &mockConfig{broker: "stub"}, watermill.NopLogger{})
	require.NoError(t, err)
	assert.Same(t, driver, built)
}

func TestRegistryBuildErrors(t *testing.T) {
	reg := NewRegistry()

	_, err := reg.Build(context.Background(), nil, watermill.NopLogger{})
	assert.ErrorIs(t, err, errspkg.ErrConfigRequired)

	_, err = reg.Build(context.Background(), &mockConfig{broker: "missing"}, watermill.NopLogger{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown broker driver: "missing"`)

	boom := errors.New("boom")
	reg.Register("failing", func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Driver, error) {
		return nil, boom
	}, Capabilities{Name: "failing"})
	_, err = reg.Build(context.Background(), &mockConfig{broker: "failing"}, watermill.NopLogger{})
	assert.ErrorIs(t, err, boom)
}

func TestDefaultRegistryHelpers(t *testing.T) {
	original := DefaultRegistry
	t.Cleanup(func() { DefaultRegistry = original })
	DefaultRegistry = NewRegistry()

	Register("stub", func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Driver, error) {
		return &stubDriver{}, nil
	}, Capabilities{Name: "stub", Durable: true})

	assert.True(t, GetCapabilities("stub").Durable)
	_, err := Build(context.Background(), &mockConfig{broker: "stub"}, watermill.NopLogger{})
	assert.NoError(t, err)
}
