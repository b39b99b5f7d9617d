package redisstream

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developer-mesh/eventmesh-engine/pkg/config"
	"github.com/developer-mesh/eventmesh-engine/pkg/observability"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	c := New(observability.NewNoopLogger())
	err = c.Connect(context.Background(), config.StreamConnectionConfig{Addresses: []string{mr.Addr()}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

func TestClient_WriteThenReadRoundTrip(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	_, err := c.WriteStream(ctx, "orders", config.AutoQueue, "order_created", []byte(`{"id":1}`),
		map[string]string{"track.request_id": "r-1"}, map[string]string{"user": "alice"},
		config.CompressionNone, config.SerializationJSON, 0)
	require.NoError(t, err)

	require.NoError(t, c.EnsureConsumerGroup(ctx, "orders", "workers"))

	events, err := c.ReadStream(ctx, "orders", "workers", "consumer-1", []string{"order_created"}, []string{"track.request_id"}, 10, time.Second, time.Millisecond)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.NoError(t, events[0].Err)

	event := events[0].Event
	assert.Equal(t, []byte(`{"id":1}`), event.Payload)
	assert.Equal(t, config.AutoQueue, event.Queue)
	assert.Equal(t, "alice", event.AuthInfo["user"])
	assert.Equal(t, "r-1", event.TrackIDs["track.request_id"])
	assert.NotEmpty(t, event.TrackIDs["track.operation_id"])
	assert.Equal(t, "orders", event.TrackIDs["stream.name"])

	require.NoError(t, c.AckReadStream(ctx, "orders", "workers", event))
}

func TestClient_UnknownTypeYieldsError(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	_, err := c.WriteStream(ctx, "orders", config.AutoQueue, "unexpected_type", []byte(`{}`), nil, nil,
		config.CompressionNone, config.SerializationJSON, 0)
	require.NoError(t, err)
	require.NoError(t, c.EnsureConsumerGroup(ctx, "orders", "workers"))

	events, err := c.ReadStream(ctx, "orders", "workers", "consumer-1", []string{"order_created"}, nil, 10, time.Second, time.Millisecond)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Error(t, events[0].Err)
}

func TestClient_EmptyReadSleepsBatchInterval(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	require.NoError(t, c.EnsureConsumerGroup(ctx, "empty", "workers"))

	start := time.Now()
	events, err := c.ReadStream(ctx, "empty", "workers", "consumer-1", nil, nil, 10, 10*time.Millisecond, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}
