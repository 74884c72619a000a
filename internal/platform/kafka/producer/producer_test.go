package producer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRequiresBrokers(t *testing.T) {
	_, err := New(Config{}, nil)
	assert.ErrorContains(t, err, "brokers not configured")
}

func TestToRecordOrdersHeaders(t *testing.T) {
	rec := toRecord(&Message{
		Topic:   "beacon.mgt",
		Key:     []byte("site"),
		Value:   []byte(`{}`),
		Headers: map[string]string{"kind": "user_updated", "actor": "ops", "b": "2"},
	})

	require.Len(t, rec.Headers, 3)
	assert.Equal(t, "actor", rec.Headers[0].Key)
	assert.Equal(t, "b", rec.Headers[1].Key)
	assert.Equal(t, "kind", rec.Headers[2].Key)
	assert.Equal(t, []byte("user_updated"), rec.Headers[2].Value)
	assert.Equal(t, "beacon.mgt", rec.Topic)
}

func TestClosedProducerRejectsWork(t *testing.T) {
	// Seed brokers are not dialed until the first request.
	p, err := New(Config{Brokers: []string{"127.0.0.1:1"}}, nil)
	require.NoError(t, err)
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	assert.ErrorIs(t, p.Produce(context.Background(), &Message{Topic: "t"}), ErrClosed)
	assert.ErrorIs(t, p.Check(context.Background()), ErrClosed)
}
