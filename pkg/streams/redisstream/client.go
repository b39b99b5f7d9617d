// Package redisstream is the reference Stream Manager binding, implementing
// pkg/streams.Manager against Redis Streams.
package redisstream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/developer-mesh/eventmesh-engine/pkg/config"
	engineerrors "github.com/developer-mesh/eventmesh-engine/pkg/errors"
	"github.com/developer-mesh/eventmesh-engine/pkg/ids"
	"github.com/developer-mesh/eventmesh-engine/pkg/observability"
	"github.com/developer-mesh/eventmesh-engine/pkg/streams"
)

// Client binds pkg/streams.Manager to Redis Streams. It keeps separate
// read and write connections so a blocking XREADGROUP never stalls a
// write or ack.
type Client struct {
	read  redis.UniversalClient
	write redis.UniversalClient
	log   observability.Logger
}

// New constructs an unconnected Client. Call Connect before use.
func New(log observability.Logger) *Client {
	return &Client{log: log}
}

func (c *Client) Connect(ctx context.Context, cfg config.StreamConnectionConfig) error {
	opts := &redis.UniversalOptions{
		Addrs:       cfg.Addresses,
		Username:    cfg.Username,
		Password:    cfg.Password,
		DialTimeout: cfg.DialTimeout,
	}
	c.read = redis.NewUniversalClient(opts)
	c.write = redis.NewUniversalClient(opts)

	if err := c.read.Ping(ctx).Err(); err != nil {
		return engineerrors.StreamOS("Connect", err)
	}
	if err := c.write.Ping(ctx).Err(); err != nil {
		return engineerrors.StreamOS("Connect", err)
	}
	return nil
}

func (c *Client) Close(context.Context) error {
	var firstErr error
	if c.read != nil {
		firstErr = c.read.Close()
	}
	if c.write != nil {
		if err := c.write.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// EnsureConsumerGroup creates the group at id "0" with MKSTREAM, matching
// the Python binding's "start reading from the beginning of an existing
// or newly created stream" semantics.
func (c *Client) EnsureConsumerGroup(ctx context.Context, streamName, consumerGroup string) error {
	err := c.read.XGroupCreateMkStream(ctx, streamName, consumerGroup, "0").Err()
	if err != nil && !isBusyGroupErr(err) {
		return engineerrors.StreamOS("EnsureConsumerGroup", err)
	}
	return nil
}

func isBusyGroupErr(err error) bool {
	return err != nil && (err.Error() == "BUSYGROUP Consumer Group name already exists")
}

const (
	fieldID        = "id"
	fieldType      = "type"
	fieldSubmitTS  = "submit_ts"
	fieldEventTS   = "event_ts"
	fieldAuthInfo  = "auth_info"
	fieldSer       = "ser"
	fieldComp      = "comp"
	fieldPayload   = "payload"
	fieldQueue     = "queue"
)

// WriteStream appends payload as a Redis stream entry, with the field
// layout mirrored from the Python binding's _encode_message.
func (c *Client) WriteStream(ctx context.Context, streamName string, queue config.Queue, eventType string, payload []byte, trackIDs map[string]string, authInfo map[string]string, compression config.Compression, serialization config.Serialization, targetMaxLen int) (streams.WriteResult, error) {
	authJSON, err := json.Marshal(authInfo)
	if err != nil {
		return streams.WriteResult{}, engineerrors.StreamOS("WriteStream", err)
	}

	values := map[string]interface{}{
		fieldID:       ids.New(),
		fieldType:     eventType,
		fieldSubmitTS: ids.NowISO(),
		fieldEventTS:  "",
		fieldAuthInfo: base64.StdEncoding.EncodeToString(authJSON),
		fieldSer:      string(serialization),
		fieldComp:     string(compression),
		fieldPayload:  payload,
		fieldQueue:    queue,
	}
	for k, v := range trackIDs {
		if v == "" {
			continue
		}
		values[k] = v
	}

	args := &redis.XAddArgs{Stream: streamName, Values: values}
	if targetMaxLen > 0 {
		args.Approx = true
		args.MaxLen = int64(targetMaxLen)
	}

	res, err := c.write.XAdd(ctx, args).Result()
	if err != nil {
		return streams.WriteResult{}, engineerrors.StreamOS("WriteStream", err)
	}
	return streams.WriteResult{MsgID: res}, nil
}

// ReadStream reads via XREADGROUP, decoding each entry with decodeMessage.
// An entry that fails to decode is returned as a StreamEventOrError with a
// non-nil Err, rather than aborting the batch.
// On an empty result the call sleeps batchInterval before returning, to
// avoid a tight poll loop starving the connection pool.
func (c *Client) ReadStream(ctx context.Context, streamName, consumerGroup, consumerID string, datatypes, trackHeaders []string, batchSize int, timeout, batchInterval time.Duration) ([]streams.StreamEventOrError, error) {
	res, err := c.read.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    consumerGroup,
		Consumer: consumerID,
		Streams:  []string{streamName, ">"},
		Count:    int64(batchSize),
		Block:    timeout,
	}).Result()

	if err == redis.Nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(batchInterval):
		}
		return nil, nil
	}
	if err != nil {
		return nil, engineerrors.StreamOS("ReadStream", err)
	}

	readTS := ids.NowISO()
	allowed := make(map[string]bool, len(datatypes))
	for _, dt := range datatypes {
		allowed[dt] = true
	}

	var out []streams.StreamEventOrError
	for _, stream := range res {
		for _, msg := range stream.Messages {
			event, decodeErr := decodeMessage(streamName, msg, consumerGroup, trackHeaders, readTS)
			if decodeErr == nil && len(allowed) > 0 && !allowed[event.EventType] {
				decodeErr = fmt.Errorf("unknown message type %q for message %s", event.EventType, msg.ID)
			}
			out = append(out, streams.StreamEventOrError{Event: event, Err: decodeErr})
		}
	}
	return out, nil
}

// AckReadStream acknowledges exactly one message id.
func (c *Client) AckReadStream(ctx context.Context, streamName, consumerGroup string, event streams.StreamEvent) error {
	n, err := c.write.XAck(ctx, streamName, consumerGroup, event.MsgID).Result()
	if err != nil {
		return engineerrors.StreamOS("AckReadStream", err)
	}
	if n != 1 {
		return engineerrors.StreamOS("AckReadStream", fmt.Errorf("expected to ack exactly one message, acked %d", n))
	}
	return nil
}

func decodeMessage(streamName string, msg redis.XMessage, consumerGroup string, trackHeaders []string, readTS string) (streams.StreamEvent, error) {
	raw, ok := msg.Values[fieldType]
	if !ok {
		return streams.StreamEvent{}, fmt.Errorf("message %s missing %q field", msg.ID, fieldType)
	}
	eventType, _ := raw.(string)
	if eventType == "" {
		return streams.StreamEvent{}, fmt.Errorf("message %s has empty %q field", msg.ID, fieldType)
	}

	payload, _ := msg.Values[fieldPayload].(string)

	authRaw, _ := msg.Values[fieldAuthInfo].(string)
	authInfo := map[string]string{}
	if authRaw != "" {
		if decoded, err := base64.StdEncoding.DecodeString(authRaw); err == nil {
			_ = json.Unmarshal(decoded, &authInfo)
		}
	}

	queue, _ := msg.Values[fieldQueue].(string)
	if queue == "" {
		queue = config.AutoQueue
	}

	trackIDs := map[string]string{
		"stream.name":           streamName,
		"stream.msg_id":         msg.ID,
		"stream.consumer_group": consumerGroup,
		"stream.submit_ts":      stringValue(msg.Values, fieldSubmitTS),
		"stream.event_ts":       stringValue(msg.Values, fieldEventTS),
		"stream.event_id":       stringValue(msg.Values, fieldID),
		"stream.read_ts":        readTS,
		"track.operation_id":    ids.New(),
	}
	for _, header := range trackHeaders {
		trackIDs[header] = stringValue(msg.Values, header)
	}

	return streams.StreamEvent{
		MsgID:     msg.ID,
		Payload:   []byte(payload),
		Queue:     queue,
		TrackIDs:  trackIDs,
		AuthInfo:  authInfo,
		EventType: eventType,
	}, nil
}

func stringValue(values map[string]interface{}, key string) string {
	v, _ := values[key].(string)
	return v
}
