// Package engine implements the Application Engine: per-application
// lifecycle, event execution, the stream read/write loop, the service
// loop, and effective-events resolution.
package engine

import (
	"context"

	"github.com/developer-mesh/eventmesh-engine/pkg/config"
	"github.com/developer-mesh/eventmesh-engine/pkg/resilience"
)

// EventContext is the immutable per-invocation bundle threaded through an
// event's steps. TrackIDs and AuthInfo are carried onto any
// outbound stream write produced during the same invocation. Connections
// exposes circuit-broken calls to the downstream services this event
// declares via EventDescriptor.connections.
type EventContext struct {
	AppConfig   *config.AppConfig
	EventName   string
	Settings    config.EventSettings
	TrackIDs    map[string]string
	AuthInfo    map[string]string
	Connections *resilience.ConnectionBreakers
}

// Call invokes fn through the circuit breaker registered for the named
// connection. Steps that don't declare any connections, or run in a
// context with none wired, invoke fn directly.
func (ec *EventContext) Call(ctx context.Context, name string, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	if ec.Connections == nil {
		return fn(ctx)
	}
	return ec.Connections.Call(ctx, name, fn)
}

// WithTrackIDs returns a copy of ec carrying a new TrackIDs map, used when
// deriving a per-message or per-invocation context from a root context.
func (ec *EventContext) WithTrackIDs(trackIDs map[string]string) *EventContext {
	clone := *ec
	clone.TrackIDs = trackIDs
	return &clone
}

// WithAuthInfo returns a copy of ec carrying new AuthInfo.
func (ec *EventContext) WithAuthInfo(authInfo map[string]string) *EventContext {
	clone := *ec
	clone.AuthInfo = authInfo
	return &clone
}
