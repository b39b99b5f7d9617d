// Package config defines the declarative configuration data model
// and the textual substitution pass applied to it.
package config

import "time"

// EventType is the declared kind of an event.
type EventType string

const (
	EventGET       EventType = "GET"
	EventPOST      EventType = "POST"
	EventMULTIPART EventType = "MULTIPART"
	EventSTREAM    EventType = "STREAM"
	EventSERVICE   EventType = "SERVICE"
	EventSETUP     EventType = "SETUP"
)

// IsContinuous reports whether events of this type run their own driver
// loop and therefore need an exclusive token.
func (t EventType) IsContinuous() bool {
	return t == EventSTREAM || t == EventSERVICE
}

// Queue is a stream sub-partition label. AutoQueue is the sentinel for
// "no suffix / default partition".
type Queue = string

const AutoQueue Queue = "AUTO"

// QueueStrategy controls how an outbound message's queue label is derived
// from the queue the inbound message was read from.
type QueueStrategy string

const (
	QueuePropagate QueueStrategy = "PROPAGATE"
	QueueDrop      QueueStrategy = "DROP"
)

// Compression identifies the wire compression codec. The engine
// treats these as opaque codes handed to the configured codec plugin;
// concrete (de)compression is out of this engine's scope.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionGzip Compression = "gzip"
)

// Serialization identifies the wire serialization codec.
type Serialization string

const (
	SerializationJSON Serialization = "json"
)

// DefaultGroup is the scheduling group every event belongs to unless it
// declares otherwise.
const DefaultGroup = "DEFAULT"

// ReadStreamDescriptor declares an inbound stream binding.
type ReadStreamDescriptor struct {
	Name          string   `mapstructure:"name"`
	ConsumerGroup string   `mapstructure:"consumer_group"`
	Queues        []Queue  `mapstructure:"queues"`
	// Datatypes is the set of message type names this stream consumer
	// can handle; a message declaring any other type yields a decode
	// error rather than aborting the read batch. An empty list disables
	// the check: messages of every type are accepted.
	Datatypes []string `mapstructure:"datatypes"`
}

// WriteStreamDescriptor declares an outbound stream binding.
type WriteStreamDescriptor struct {
	Name          string        `mapstructure:"name"`
	Queues        []Queue       `mapstructure:"queues"`
	QueueStrategy QueueStrategy `mapstructure:"queue_strategy"`
}

// ConnectionRef references a downstream service an event's steps may call.
// Connection lifecycle (dialing, pooling) is the transport adapter's
// concern; the engine only tracks the declared name so it can apply
// circuit breaking per connection.
type ConnectionRef struct {
	Name string `mapstructure:"name"`
	Type string `mapstructure:"type"`
}

// AuthRef declares the auth policy applied to a request event. Token
// issuance/validation itself is out of scope; the engine only
// threads AuthInfo through contexts and the wire format.
type AuthRef struct {
	AllowUnsecured bool `mapstructure:"allow_unsecured"`
}

// StreamSettings are the per-event settings governing stream I/O.
type StreamSettings struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	BatchSize     int           `mapstructure:"batch_size"`
	TargetMaxLen  int           `mapstructure:"target_max_len"`
	Throttle      time.Duration `mapstructure:"throttle"`
	Delay         time.Duration `mapstructure:"delay"`
	Compression   Compression   `mapstructure:"compression"`
	Serialization Serialization `mapstructure:"serialization"`
}

// EventSettings is the fully-resolved settings bundle carried on an
// EventContext.
type EventSettings struct {
	ResponseTimeout time.Duration  `mapstructure:"response_timeout"`
	Stream          StreamSettings `mapstructure:"stream"`
	LoggingFields   []string       `mapstructure:"logging_fields"`
}

// EventDescriptor is a declared event.
type EventDescriptor struct {
	Type        EventType              `mapstructure:"type"`
	ReadStream  *ReadStreamDescriptor  `mapstructure:"read_stream"`
	WriteStream *WriteStreamDescriptor `mapstructure:"write_stream"`
	Connections []ConnectionRef        `mapstructure:"connections"`
	Auth        AuthRef                `mapstructure:"auth"`
	Group       string                 `mapstructure:"group"`
	Impl        string                 `mapstructure:"impl"`
	Settings    EventSettings          `mapstructure:"settings"`
	// Steps is the declared ordered step-name list for this event. The
	// literal entry "SHUFFLE" marks a pipeline stage boundary; step names
	// otherwise only matter to the handler registry that binds them to
	// Go functions.
	Steps []string `mapstructure:"steps"`
}

// EffectiveGroup returns e.Group, defaulting to DefaultGroup when unset.
func (e *EventDescriptor) EffectiveGroup() string {
	if e.Group == "" {
		return DefaultGroup
	}
	return e.Group
}

// EngineSettings are application-wide engine tunables.
type EngineSettings struct {
	ReadStreamTimeout  time.Duration `mapstructure:"read_stream_timeout"`
	ReadStreamInterval time.Duration `mapstructure:"read_stream_interval"`
	TrackHeaders       []string      `mapstructure:"track_headers"`
}

// StreamConnectionConfig configures the broker connection used by the
// reference Stream Manager binding.
type StreamConnectionConfig struct {
	Addresses                   []string      `mapstructure:"addresses"`
	Username                     string        `mapstructure:"username"`
	Password                     string        `mapstructure:"password"`
	DelayAutoStartSeconds        int           `mapstructure:"delay_auto_start_seconds"`
	InitialBackoffSeconds        float64       `mapstructure:"initial_backoff_seconds"`
	MaxBackoffSeconds            float64       `mapstructure:"max_backoff_seconds"`
	NumFailuresOpenCircuitBreaker int          `mapstructure:"num_failures_open_circuit_breaker"`
	DialTimeout                  time.Duration `mapstructure:"dial_timeout"`
}

// ServerSettings is the per-application server configuration.
type ServerSettings struct {
	Streams StreamConnectionConfig `mapstructure:"streams"`
}

// PluginRef references another AppConfig this application depends on.
type PluginRef struct {
	Name    string `mapstructure:"name"`
	Version string `mapstructure:"version"`
}

// AppConfig is a declared application.
type AppConfig struct {
	Name    string                      `mapstructure:"name"`
	Version string                      `mapstructure:"version"`
	Engine  EngineSettings              `mapstructure:"engine"`
	Server  ServerSettings              `mapstructure:"server"`
	Plugins []PluginRef                 `mapstructure:"plugins"`
	Events  map[string]*EventDescriptor `mapstructure:"events"`
}

// AppKey is the registration key used by the Server:
// "<name>.<version>".
func (c *AppConfig) AppKey() string {
	return c.Name + "." + c.Version
}
