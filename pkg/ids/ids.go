// Package ids provides the id generation and naming helpers the engine
// needs for trackIds, consumer identities, and effective-event names.
package ids

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
)

// New generates a fresh random id, used for request_id/operation_id
// trackIds.
func New() string {
	return uuid.NewString()
}

// ConsumerID builds a process-unique consumer identity for a stream
// consumer group, combining hostname and a random suffix so that
// concurrent replicas of the same app never collide on a consumer name.
func ConsumerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}

// StageName builds the effective-event name for a pipeline stage split:
// "<event>$<stage>".
func StageName(eventName, stage string) string {
	return fmt.Sprintf("%s$%s", eventName, stage)
}

// ServiceSiblingName builds the auto-derived SERVICE sibling name for a
// STREAM event whose handler exposes a service generator hook:
// "<event>$__service__".
func ServiceSiblingName(eventName string) string {
	return fmt.Sprintf("%s$__service__", eventName)
}

// NowISO returns the current UTC time formatted as ISO-8601, the format
// used for submit_ts/event_ts/read_ts wire fields.
func NowISO() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
