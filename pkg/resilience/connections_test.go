package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developer-mesh/eventmesh-engine/pkg/observability"
)

func TestConnectionBreakers_TripsAfterFailures(t *testing.T) {
	cfg := map[string]ConnectionBreakerConfig{
		"billing": {MaxRequests: 1, Interval: time.Minute, Timeout: time.Minute, FailureRatio: 0.1},
	}
	breakers := NewConnectionBreakers(cfg, observability.NewNoopLogger())

	failing := func(ctx context.Context) (interface{}, error) { return nil, errors.New("downstream down") }

	for i := 0; i < 5; i++ {
		_, err := breakers.Call(context.Background(), "billing", failing)
		require.Error(t, err)
	}

	assert.Equal(t, gobreaker.StateOpen, breakers.State("billing"))

	_, err := breakers.Call(context.Background(), "billing", failing)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
}

func TestConnectionBreakers_SucceedsAndStaysClosed(t *testing.T) {
	breakers := NewConnectionBreakers(nil, observability.NewNoopLogger())

	ok := func(ctx context.Context) (interface{}, error) { return "fine", nil }
	result, err := breakers.Call(context.Background(), "billing", ok)
	require.NoError(t, err)
	assert.Equal(t, "fine", result)
	assert.Equal(t, gobreaker.StateClosed, breakers.State("billing"))
}
