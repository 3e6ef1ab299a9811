package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/nodebus/broker"
)

func swapFactories(t *testing.T, pub *mockPublisher, sub *mockSubscriber) *kafka.SubscriberConfig {
	t.Helper()
	originalPub, originalSub := PublisherFactory, SubscriberFactory
	t.Cleanup(func() { PublisherFactory, SubscriberFactory = originalPub, originalSub })

	var subCfg kafka.SubscriberConfig
	PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		return pub, nil
	}
	SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		subCfg = cfg
		return sub, nil
	}
	return &subCfg
}

func TestRegistered(t *testing.T) {
	assert.True(t, broker.DefaultRegistry.Has(DriverName))
	assert.False(t, Capabilities().NativeWildcards)
}

func TestBuildRequiresBrokers(t *testing.T) {
	swapFactories(t, &mockPublisher{}, &mockSubscriber{})
	_, err := Build(context.Background(), &mockConfig{}, watermill.NopLogger{})
	assert.ErrorContains(t, err, "no brokers")
}

func TestBuildPublisherError(t *testing.T) {
	swapFactories(t, nil, nil)
	PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		return nil, errors.New("publisher error")
	}
	_, err := Build(context.Background(), &mockConfig{brokers: []string{"localhost:9092"}}, watermill.NopLogger{})
	assert.ErrorContains(t, err, "publisher error")
}

func TestTopics(t *testing.T) {
	d := &Driver{prefix: "robots"}

	topics, err := d.Topics([]string{"Memory.*", "Memory.Controller", "Audio.Speech"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"robots.Memory", "robots.Audio"}, topics)

	_, err = d.Topics([]string{"*.Controller"})
	assert.ErrorIs(t, err, ErrWildcardDestination)
}

func TestSubscribeFiltersBySourceSegment(t *testing.T) {
	sub := &mockSubscriber{streams: map[string]chan *message.Message{}}
	subCfg := swapFactories(t, &mockPublisher{}, sub)

	d, err := Build(context.Background(), &mockConfig{brokers: []string{"localhost:9092"}}, watermill.NopLogger{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out, err := d.Subscribe(ctx, "Memory", []string{"Memory.Controller"})
	require.NoError(t, err)
	assert.Equal(t, "robots.Memory", subCfg.ConsumerGroup)
	assert.Equal(t, []string{"robots.Memory"}, sub.topics)

	rejected := message.NewMessage("rejected", nil)
	rejected.Metadata.Set(broker.MetadataRoutingKey, "Memory.Audio")
	accepted := message.NewMessage("accepted", nil)
	accepted.Metadata.Set(broker.MetadataRoutingKey, "Memory.Controller")

	go func() {
		sub.streams["robots.Memory"] <- rejected
		sub.streams["robots.Memory"] <- accepted
	}()

	select {
	case msg := <-out:
		assert.Equal(t, "accepted", msg.UUID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}

	select {
	case <-rejected.Acked():
	case <-time.After(time.Second):
		t.Fatal("rejected message was not acked")
	}
}

func TestChannelPublishesToDestinationTopic(t *testing.T) {
	pub := &mockPublisher{}
	swapFactories(t, pub, &mockSubscriber{})
	d, err := Build(context.Background(), &mockConfig{brokers: []string{"localhost:9092"}}, watermill.NopLogger{})
	require.NoError(t, err)

	ch, err := d.OpenChannel()
	require.NoError(t, err)
	msg := message.NewMessage("x", nil)
	require.NoError(t, ch.Publish("Audio.Controller", msg))
	assert.Equal(t, []string{"robots.Audio"}, pub.topics)
	assert.Equal(t, "Audio.Controller", msg.Metadata.Get(broker.MetadataRoutingKey))

	assert.Error(t, ch.Publish("*.Controller", message.NewMessage("y", nil)))
	require.NoError(t, ch.Close())

	require.NoError(t, d.Close())
	assert.True(t, pub.closed)
}

type mockConfig struct {
	brokers []string
}

func (m *mockConfig) GetBroker() string         { return DriverName }
func (m *mockConfig) GetRabbitMQURL() string    { return "" }
func (m *mockConfig) GetExchange() string       { return "robots" }
func (m *mockConfig) GetNATSURL() string        { return "" }
func (m *mockConfig) GetKafkaBrokers() []string { return m.brokers }

type mockPublisher struct {
	topics []string
	closed bool
}

func (m *mockPublisher) Publish(topic string, messages ...*message.Message) error {
	m.topics = append(m.topics, topic)
	return nil
}

func (m *mockPublisher) Close() error {
	m.closed = true
	return nil
}

type mockSubscriber struct {
	topics  []string
	streams map[string]chan *message.Message
}

func (m *mockSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	m.topics = append(m.topics, topic)
	ch := make(chan *message.Message)
	if m.streams != nil {
		m.streams[topic] = ch
	}
	return ch, nil
}

func (m *mockSubscriber) Close() error { return nil }
