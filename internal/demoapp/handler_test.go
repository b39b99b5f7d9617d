package demoapp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developer-mesh/eventmesh-engine/pkg/engine"
	"github.com/developer-mesh/eventmesh-engine/pkg/resilience"
)

func drainSingle(t *testing.T, gen engine.Generator) interface{} {
	t.Helper()
	val, ok, err := gen.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, err = gen.Next(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
	return val
}

func TestDecodeWebhook_ParsesPayload(t *testing.T) {
	raw, err := json.Marshal(WebhookEvent{DeliveryID: "d1", RepoName: "r", EventType: "push"})
	require.NoError(t, err)

	gen, err := decodeWebhook(context.Background(), nil, nil, raw)
	require.NoError(t, err)
	event := drainSingle(t, gen).(WebhookEvent)
	assert.Equal(t, "d1", event.DeliveryID)
}

func TestDecodeWebhook_RejectsWrongType(t *testing.T) {
	_, err := decodeWebhook(context.Background(), nil, nil, "not bytes")
	assert.Error(t, err)
}

func TestEnrichWebhook_StampsReceivedAt(t *testing.T) {
	gen, err := enrichWebhook(context.Background(), nil, nil, WebhookEvent{DeliveryID: "d2"})
	require.NoError(t, err)
	enriched := drainSingle(t, gen).(EnrichedEvent)
	assert.Equal(t, "d2", enriched.DeliveryID)
	assert.NotEmpty(t, enriched.ReceivedAt)
}

func TestPersistEvent_CallsThroughEventStoreConnection(t *testing.T) {
	ec := &engine.EventContext{
		Connections: resilience.NewConnectionBreakers(nil, nil),
	}
	raw, err := json.Marshal(EnrichedEvent{
		WebhookEvent: WebhookEvent{DeliveryID: "d3"},
		ReceivedAt:   time.Now().UTC().Format(time.RFC3339),
	})
	require.NoError(t, err)

	gen, err := persistEvent(context.Background(), ec, nil, raw)
	require.NoError(t, err)
	_, ok, err := gen.Next(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGenerateHeartbeats_YieldsUntilCancelled(t *testing.T) {
	gen, err := generateHeartbeats(context.Background(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, ok, err := gen.Next(ctx)
	assert.Error(t, err)
	assert.False(t, ok)
}
