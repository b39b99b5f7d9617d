// Package resilience guards calls to the downstream services an event
// declares via its "connections", using sony/gobreaker's cooldown-then-
// probe state machine. This is a distinct role from
// pkg/streams.CircuitBreaker: that one retries the broker itself with pure
// back-off; this one trips a breaker per declared connection so a failing
// downstream doesn't get hammered by every concurrent invocation of the
// event.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/developer-mesh/eventmesh-engine/pkg/observability"
)

// ConnectionBreakerConfig tunes the gobreaker.Settings used per connection.
type ConnectionBreakerConfig struct {
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	FailureRatio float64
}

func (c ConnectionBreakerConfig) withDefaults() ConnectionBreakerConfig {
	if c.MaxRequests == 0 {
		c.MaxRequests = 5
	}
	if c.Interval == 0 {
		c.Interval = 30 * time.Second
	}
	if c.Timeout == 0 {
		c.Timeout = 60 * time.Second
	}
	if c.FailureRatio == 0 {
		c.FailureRatio = 0.5
	}
	return c
}

// ConnectionBreakers manages one gobreaker.CircuitBreaker per declared
// connection name, created lazily on first use.
type ConnectionBreakers struct {
	mu       sync.RWMutex
	breakers map[string]*gobreaker.CircuitBreaker
	configs  map[string]ConnectionBreakerConfig
	log      observability.Logger
}

// NewConnectionBreakers builds a registry seeded with per-connection
// overrides; connections absent from configs get withDefaults().
func NewConnectionBreakers(configs map[string]ConnectionBreakerConfig, log observability.Logger) *ConnectionBreakers {
	return &ConnectionBreakers{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		configs:  configs,
		log:      log,
	}
}

func (c *ConnectionBreakers) get(name string) *gobreaker.CircuitBreaker {
	c.mu.RLock()
	b, ok := c.breakers[name]
	c.mu.RUnlock()
	if ok {
		return b
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.breakers[name]; ok {
		return b
	}

	cfg := c.configs[name].withDefaults()
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && ratio >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Warn("connection breaker state change", map[string]interface{}{
				"connection": name,
				"from":       from.String(),
				"to":         to.String(),
			})
		},
	}
	b = gobreaker.NewCircuitBreaker(settings)
	c.breakers[name] = b
	return b
}

// Call runs fn through the breaker registered for connection name,
// respecting ctx cancellation while waiting for fn to return.
func (c *ConnectionBreakers) Call(ctx context.Context, name string, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	breaker := c.get(name)

	type outcome struct {
		result interface{}
		err    error
	}
	resultCh := make(chan outcome, 1)

	go func() {
		result, err := breaker.Execute(func() (interface{}, error) { return fn(ctx) })
		resultCh <- outcome{result, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case out := <-resultCh:
		return out.result, out.err
	}
}

// State reports the current breaker state for a connection, for
// diagnostics/health endpoints.
func (c *ConnectionBreakers) State(name string) gobreaker.State {
	return c.get(name).State()
}
