// Package streams defines the Stream Manager abstraction, the
// wire-level StreamEvent type, and the circuit-breaking wrapper
// that every broker binding is driven through.
package streams

import (
	"github.com/developer-mesh/eventmesh-engine/pkg/config"
)

// StreamEvent is a message read from the broker.
type StreamEvent struct {
	MsgID     string
	Payload   []byte
	Queue     config.Queue
	TrackIDs  map[string]string
	AuthInfo  map[string]string
	EventType string
}

// WriteResult is what a single writeStream call reports back, used by the
// batching writer to count outbound messages.
type WriteResult struct {
	MsgID string
}

// ReadStreamName applies the inbound naming rule: the base stream name,
// suffixed with ".<queue>" when queue is not AUTO.
func ReadStreamName(base string, queue config.Queue) string {
	if queue == config.AutoQueue {
		return base
	}
	return base + "." + queue
}

// EffectiveStreamName computes the outbound stream name's queue suffix:
//
//	base                                    when configuredQueue == AUTO
//	base.<upstreamQueue>                     when configuredQueue == AUTO, upstreamQueue != AUTO, strategy == PROPAGATE
//	base.<configuredQueue>                   when configuredQueue != AUTO and strategy == PROPAGATE
//	base.<configuredQueue>                   when strategy == DROP and configuredQueue != AUTO
//	base                                     when strategy == DROP and configuredQueue == AUTO
func EffectiveStreamName(base string, configuredQueue, upstreamQueue config.Queue, strategy config.QueueStrategy) string {
	if strategy == config.QueueDrop {
		if configuredQueue == config.AutoQueue {
			return base
		}
		return base + "." + configuredQueue
	}
	// PROPAGATE
	if configuredQueue == config.AutoQueue {
		if upstreamQueue == config.AutoQueue {
			return base
		}
		return base + "." + upstreamQueue
	}
	return base + "." + configuredQueue
}

// OutboundQueueLabel computes the queue label carried on an outbound
// message: PROPAGATE keeps the upstream
// queue label; DROP uses the configured queue label.
func OutboundQueueLabel(configuredQueue, upstreamQueue config.Queue, strategy config.QueueStrategy) config.Queue {
	if strategy == config.QueueDrop {
		return configuredQueue
	}
	return upstreamQueue
}
