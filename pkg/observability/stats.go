package observability

import (
	"sync"
	"time"
)

// StreamStats accumulates processed/errored counts for one read_stream
// cycle loop, emitted periodically via the logger.
type StreamStats struct {
	mu      sync.Mutex
	start   time.Time
	started bool
	count   int
	errors  int
}

// EnsureStart marks the first message seen in the current stats window,
// so Calc can report an accurate elapsed-time rate.
func (s *StreamStats) EnsureStart() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		s.start = time.Now()
		s.started = true
	}
}

// Inc records one processed message, optionally marking it as an error.
func (s *StreamStats) Inc(isError bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count++
	if isError {
		s.errors++
	}
}

// Calc returns a snapshot suitable for structured logging.
func (s *StreamStats) Calc() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	elapsed := time.Since(s.start).Seconds()
	rate := 0.0
	if elapsed > 0 {
		rate = float64(s.count) / elapsed
	}
	return map[string]interface{}{
		"count":  s.count,
		"errors": s.errors,
		"rate":   rate,
	}
}

// Start logs the beginning of an event invocation.
func Start(logger Logger, eventName string, fields map[string]interface{}) {
	logger.Info("start", withEvent(eventName, fields))
}

// Done logs the successful completion of an event invocation.
func Done(logger Logger, eventName string, fields map[string]interface{}) {
	logger.Info("done", withEvent(eventName, fields))
}

// Failed logs the failed completion of an event invocation.
func Failed(logger Logger, eventName string, fields map[string]interface{}) {
	logger.Error("failed", withEvent(eventName, fields))
}

// Stats logs a periodic stats snapshot for a stream/service loop.
func Stats(logger Logger, eventName string, fields map[string]interface{}) {
	logger.Info("stats", withEvent(eventName, fields))
}

func withEvent(eventName string, fields map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out["event_name"] = eventName
	return out
}
