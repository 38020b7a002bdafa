package sink

import (
	"errors"
	"testing"

	"github.com/maxpert/tpc/cfg"
	"github.com/maxpert/tpc/publisher"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockSinkRecordsAndFails(t *testing.T) {
	m := &MockSink{}

	value := []byte(`{"xid":"t1"}`)
	require.NoError(t, m.Publish("tpc.resolutions.committed", "t1", value))
	value[0] = 'X'

	msgs := m.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "t1", msgs[0].Key)
	assert.Equal(t, byte('{'), msgs[0].Value[0])

	boom := errors.New("boom")
	m.FailWith(boom)
	assert.ErrorIs(t, m.Publish("x", "t2", nil), boom)
	m.FailWith(nil)
	assert.NoError(t, m.Publish("x", "t3", nil))
	assert.Len(t, m.Messages(), 2)

	m.Reset()
	assert.Empty(t, m.Messages())

	require.NoError(t, m.Close())
	assert.True(t, m.Closed())
}

func TestMockFactory(t *testing.T) {
	snk, err := publisher.NewSink(cfg.SinkConfiguration{Name: "dry-run", Type: "mock"})
	require.NoError(t, err)
	assert.IsType(t, &MockSink{}, snk)
}
