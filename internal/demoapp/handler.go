// Package demoapp is a small reference application exercising the full
// engine lifecycle: a STREAM event with a service-generator sibling, and
// a multi-stage pipeline split by a SHUFFLE marker.
package demoapp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/developer-mesh/eventmesh-engine/pkg/engine"
	"github.com/developer-mesh/eventmesh-engine/pkg/ids"
)

// WebhookEvent is the payload consumed by the "process_event" stream
// event and produced by its service-generator sibling.
type WebhookEvent struct {
	DeliveryID string `json:"delivery_id"`
	RepoName   string `json:"repo_name"`
	EventType  string `json:"event_type"`
}

// EnrichedEvent is what the first pipeline stage hands to the second.
type EnrichedEvent struct {
	WebhookEvent
	ReceivedAt string `json:"received_at"`
}

// NewHandler builds the demoapp's Handler, registering every event name
// declared in config.json.
func NewHandler() *engine.Handler {
	h := engine.NewHandler()

	h.Register("process_event", &engine.EventImpl{
		Steps: []engine.StepFunc{
			decodeWebhook,
			enrichWebhook,
		},
		ServiceGenerator: generateHeartbeats,
	})

	h.Register("process_event$stage1", &engine.EventImpl{
		Steps: []engine.StepFunc{persistEvent},
	})

	return h
}

// decodeWebhook turns the raw JSON payload into a WebhookEvent.
func decodeWebhook(ctx context.Context, ec *engine.EventContext, queryArgs map[string]string, in interface{}) (engine.Generator, error) {
	raw, ok := in.([]byte)
	if !ok {
		return nil, fmt.Errorf("process_event: expected []byte payload, got %T", in)
	}
	var event WebhookEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return nil, fmt.Errorf("process_event: decode payload: %w", err)
	}
	return engine.Single(event), nil
}

// enrichWebhook stamps a receipt timestamp before the result is written
// to the next pipeline stage's stream.
func enrichWebhook(ctx context.Context, ec *engine.EventContext, queryArgs map[string]string, in interface{}) (engine.Generator, error) {
	event, ok := in.(WebhookEvent)
	if !ok {
		return nil, fmt.Errorf("enrichWebhook: expected WebhookEvent, got %T", in)
	}
	return engine.Single(EnrichedEvent{
		WebhookEvent: event,
		ReceivedAt:   time.Now().UTC().Format(time.RFC3339),
	}), nil
}

// persistEvent is the terminal step of the pipeline's second stage. The
// actual write goes through the "event_store" connection declared on
// process_event, so a failing store trips its own breaker instead of
// blocking every concurrent message in the batch.
func persistEvent(ctx context.Context, ec *engine.EventContext, queryArgs map[string]string, in interface{}) (engine.Generator, error) {
	raw, ok := in.([]byte)
	if !ok {
		return nil, fmt.Errorf("persistEvent: expected []byte payload, got %T", in)
	}
	var event EnrichedEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return nil, fmt.Errorf("persistEvent: decode payload: %w", err)
	}
	_, err := ec.Call(ctx, "event_store", func(ctx context.Context) (interface{}, error) {
		return nil, writeToStore(ctx, event)
	})
	if err != nil {
		return nil, fmt.Errorf("persistEvent: event_store: %w", err)
	}
	return engine.Empty(), nil
}

// writeToStore stands in for a real storage write, which is out of this
// engine's scope.
func writeToStore(ctx context.Context, event EnrichedEvent) error {
	return nil
}

// generateHeartbeats is the service-generator hook for "process_event":
// it yields one synthetic WebhookEvent every tick, letting the engine's
// service loop drive the same event the stream consumer drives.
func generateHeartbeats(ctx context.Context, ec *engine.EventContext) (engine.Generator, error) {
	ch := make(chan interface{})
	errCh := make(chan error, 1)

	go func() {
		defer close(ch)
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				payload, err := json.Marshal(WebhookEvent{
					DeliveryID: ids.New(),
					RepoName:   "heartbeat",
					EventType:  "heartbeat",
				})
				if err != nil {
					errCh <- err
					return
				}
				select {
				case ch <- payload:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return engine.NewChanGenerator(ch, errCh), nil
}
