package sink

import (
	"testing"
	"time"

	"github.com/maxpert/tpc/cfg"
	"github.com/maxpert/tpc/publisher"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultKafkaConfig(t *testing.T) {
	config := DefaultKafkaConfig([]string{"localhost:9092", "localhost:9093"})

	assert.Len(t, config.Brokers, 2)
	assert.Equal(t, DefaultKafkaBatchSize, config.BatchSize)
	assert.Equal(t, kafka.RequireAll, config.RequiredAcks)
	assert.True(t, config.AutoCreateTopics)
}

func TestNewKafkaSink(t *testing.T) {
	sink, err := NewKafkaSink(KafkaConfig{
		Brokers:      []string{"localhost:9092"},
		BatchSize:    4,
		RequiredAcks: kafka.RequireOne,
	})
	require.NoError(t, err)
	defer sink.Close()

	assert.Equal(t, 4, sink.writer.BatchSize)
	assert.Equal(t, DefaultKafkaBatchTimeout, sink.writer.BatchTimeout)
	assert.Equal(t, kafka.RequireOne, sink.writer.RequiredAcks)
	assert.False(t, sink.writer.Async)
	assert.Equal(t, DefaultKafkaWriteTimeout, sink.writeTimeout)
}

func TestNewKafkaSinkEmptyBrokers(t *testing.T) {
	_, err := NewKafkaSink(KafkaConfig{})
	assert.ErrorContains(t, err, "at least one broker")
}

func TestKafkaSinkPublishUnreachableBroker(t *testing.T) {
	sink, err := NewKafkaSink(KafkaConfig{
		Brokers:      []string{"127.0.0.1:1"},
		WriteTimeout: 200 * time.Millisecond,
	})
	require.NoError(t, err)
	defer sink.Close()

	assert.Error(t, sink.Publish("tpc.resolutions.committed", "t1", []byte("{}")))
}

func TestKafkaFactory(t *testing.T) {
	snk, err := publisher.NewSink(cfg.SinkConfiguration{Name: "k", Type: "kafka", Brokers: []string{"localhost:9092"}, BatchSize: 8})
	require.NoError(t, err)
	defer snk.Close()

	k, ok := snk.(*KafkaSink)
	require.True(t, ok)
	assert.Equal(t, 8, k.writer.BatchSize)

	_, err = publisher.NewSink(cfg.SinkConfiguration{Name: "k", Type: "kafka"})
	assert.Error(t, err)
}
