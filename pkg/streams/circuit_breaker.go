package streams

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/developer-mesh/eventmesh-engine/pkg/config"
	engineerrors "github.com/developer-mesh/eventmesh-engine/pkg/errors"
	"github.com/developer-mesh/eventmesh-engine/pkg/observability"
)

// CircuitBreaker wraps a Manager and tracks consecutive failures,
// delaying subsequent calls with exponential back-off once the failure
// count reaches numFailuresOpenCircuitBreaker.
//
// This does not reuse sony/gobreaker's half-open-probe state machine: the
// timing here (exact 1,2,4,8,8s delays driven purely by consecutive
// failure count, no cooldown-then-probe) doesn't map onto gobreaker's
// closed/open/half-open model. gobreaker is used instead for downstream
// connections in pkg/resilience, where its probe semantics are the right
// fit. Here only cenkalti/backoff's interval fields are reused, to size
// the initial/max delay the same way a retry handler would.
type CircuitBreaker struct {
	inner Manager
	log   observability.Logger

	mu         sync.Mutex
	failures   int
	threshold  int
	backoff    time.Duration
	initial    time.Duration
	max        time.Duration
}

// NewCircuitBreaker wraps inner with the back-off policy derived from cfg.
func NewCircuitBreaker(inner Manager, cfg config.StreamConnectionConfig, log observability.Logger) *CircuitBreaker {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = durationFromSeconds(cfg.InitialBackoffSeconds)
	policy.MaxInterval = durationFromSeconds(cfg.MaxBackoffSeconds)

	threshold := cfg.NumFailuresOpenCircuitBreaker
	if threshold <= 0 {
		threshold = 1
	}

	return &CircuitBreaker{
		inner:     inner,
		log:       log,
		threshold: threshold,
		initial:   policy.InitialInterval,
		max:       policy.MaxInterval,
	}
}

func durationFromSeconds(s float64) time.Duration {
	if s <= 0 {
		return time.Second
	}
	return time.Duration(s * float64(time.Second))
}

// call runs fn, applying the current back-off delay before invoking it if
// the breaker is open, then updates the failure/back-off state from the
// outcome.
func (c *CircuitBreaker) call(ctx context.Context, fn func() error) error {
	c.mu.Lock()
	sleepFor := time.Duration(0)
	if c.failures >= c.threshold {
		sleepFor = c.backoff
	}
	c.mu.Unlock()

	if sleepFor > 0 {
		select {
		case <-ctx.Done():
			return engineerrors.Cancelled("CircuitBreaker.call", "", ctx.Err())
		case <-time.After(sleepFor):
		}
	}

	err := fn()

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.failures++
		if c.failures >= c.threshold {
			if c.backoff == 0 {
				c.backoff = c.initial
			} else {
				c.backoff *= 2
				if c.backoff > c.max {
					c.backoff = c.max
				}
			}
			c.log.Warn("circuit breaker backing off", map[string]interface{}{
				"failures": c.failures,
				"backoff":  c.backoff.String(),
			})
		}
		return err
	}
	if c.failures > 0 {
		c.log.Info("circuit breaker reset", map[string]interface{}{"prior_failures": c.failures})
	}
	c.failures = 0
	c.backoff = 0
	return nil
}

func (c *CircuitBreaker) Connect(ctx context.Context, cfg config.StreamConnectionConfig) error {
	return c.call(ctx, func() error { return c.inner.Connect(ctx, cfg) })
}

func (c *CircuitBreaker) EnsureConsumerGroup(ctx context.Context, streamName, consumerGroup string) error {
	return c.call(ctx, func() error { return c.inner.EnsureConsumerGroup(ctx, streamName, consumerGroup) })
}

func (c *CircuitBreaker) ReadStream(ctx context.Context, streamName, consumerGroup, consumerID string, datatypes, trackHeaders []string, batchSize int, timeout, batchInterval time.Duration) ([]StreamEventOrError, error) {
	var result []StreamEventOrError
	err := c.call(ctx, func() error {
		var innerErr error
		result, innerErr = c.inner.ReadStream(ctx, streamName, consumerGroup, consumerID, datatypes, trackHeaders, batchSize, timeout, batchInterval)
		return innerErr
	})
	return result, err
}

func (c *CircuitBreaker) WriteStream(ctx context.Context, streamName string, queue config.Queue, eventType string, payload []byte, trackIDs map[string]string, authInfo map[string]string, compression config.Compression, serialization config.Serialization, targetMaxLen int) (WriteResult, error) {
	var result WriteResult
	err := c.call(ctx, func() error {
		var innerErr error
		result, innerErr = c.inner.WriteStream(ctx, streamName, queue, eventType, payload, trackIDs, authInfo, compression, serialization, targetMaxLen)
		return innerErr
	})
	return result, err
}

func (c *CircuitBreaker) AckReadStream(ctx context.Context, streamName, consumerGroup string, event StreamEvent) error {
	return c.call(ctx, func() error { return c.inner.AckReadStream(ctx, streamName, consumerGroup, event) })
}

func (c *CircuitBreaker) Close(ctx context.Context) error {
	return c.inner.Close(ctx)
}
