package streams

import (
	"context"
	"time"

	"github.com/developer-mesh/eventmesh-engine/pkg/config"
)

// Manager is the Stream Manager abstraction: wire-level
// broker operations, independent of any concrete broker. The engine talks
// to streams only through this interface; CircuitBreaker wraps it, and
// redisstream.Client implements it against Redis Streams.
type Manager interface {
	// Connect establishes the broker connection(s). Implementations keep
	// separate read/write pools so a blocking read never blocks a write
	// or ack.
	Connect(ctx context.Context, cfg config.StreamConnectionConfig) error

	// EnsureConsumerGroup creates the named consumer group on streamName
	// if it does not already exist.
	EnsureConsumerGroup(ctx context.Context, streamName, consumerGroup string) error

	// ReadStream reads up to batchSize new messages (never delivered to
	// the consumer group). datatypes is the set of message type names the
	// caller can handle; any message whose declared type is not in this
	// set yields a *TypeError-shaped entry in the returned slice rather
	// than aborting the whole batch. An empty datatypes set accepts every
	// type.
	// When the broker returns nothing, implementations sleep
	// batchInterval before returning, to avoid pool starvation.
	ReadStream(ctx context.Context, streamName, consumerGroup, consumerID string, datatypes []string, trackHeaders []string, batchSize int, timeout, batchInterval time.Duration) ([]StreamEventOrError, error)

	// WriteStream appends payload to streamName under queue, optionally
	// trimming approximately to targetMaxLen. eventType is the
	// declared message type name, used by a downstream ReadStream's
	// datatypes filter.
	WriteStream(ctx context.Context, streamName string, queue config.Queue, eventType string, payload []byte, trackIDs map[string]string, authInfo map[string]string, compression config.Compression, serialization config.Serialization, targetMaxLen int) (WriteResult, error)

	// AckReadStream acknowledges exactly one message.
	AckReadStream(ctx context.Context, streamName, consumerGroup string, event StreamEvent) error

	// Close releases broker resources.
	Close(ctx context.Context) error
}

// StreamEventOrError is one entry of a ReadStream batch: either a decoded
// StreamEvent, or a non-nil Err when the message failed to decode (e.g.
// an unknown type), mirroring the Python engine's list of StreamEvent or
// Exception.
type StreamEventOrError struct {
	Event StreamEvent
	Err   error
}

// NoopManager is a Manager that never connects to a real broker. It is the
// default binding for applications with no readStream/writeStream events,
// so the engine never has to special-case "no streams configured".
type NoopManager struct{}

func (NoopManager) Connect(context.Context, config.StreamConnectionConfig) error { return nil }

func (NoopManager) EnsureConsumerGroup(context.Context, string, string) error { return nil }

func (NoopManager) ReadStream(ctx context.Context, _, _, _ string, _, _ []string, _ int, _, batchInterval time.Duration) ([]StreamEventOrError, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(batchInterval):
	}
	return nil, nil
}

func (NoopManager) WriteStream(context.Context, string, config.Queue, string, []byte, map[string]string, map[string]string, config.Compression, config.Serialization, int) (WriteResult, error) {
	return WriteResult{}, nil
}

func (NoopManager) AckReadStream(context.Context, string, string, StreamEvent) error { return nil }

func (NoopManager) Close(context.Context) error { return nil }
