package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/developer-mesh/eventmesh-engine/pkg/config"
	engineerrors "github.com/developer-mesh/eventmesh-engine/pkg/errors"
	"github.com/developer-mesh/eventmesh-engine/pkg/ids"
	"github.com/developer-mesh/eventmesh-engine/pkg/observability"
	"github.com/developer-mesh/eventmesh-engine/pkg/resilience"
	"github.com/developer-mesh/eventmesh-engine/pkg/streams"
	"github.com/developer-mesh/eventmesh-engine/pkg/streams/redisstream"
)

// eventToken is the per-event exclusive token for a continuous (STREAM or
// SERVICE) event, the Go analogue of the Python engine's
// asyncio.Lock-per-event. Acquire fails if already held;
// Release signals the running loop to stop by closing the returned
// channel, rather than by directly cancelling a goroutine.
type eventToken struct {
	mu     sync.Mutex
	held   bool
	stopCh chan struct{}
}

func newEventToken() *eventToken { return &eventToken{} }

func (t *eventToken) Acquire() (<-chan struct{}, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.held {
		return nil, fmt.Errorf("event already running")
	}
	t.held = true
	t.stopCh = make(chan struct{})
	return t.stopCh, nil
}

func (t *eventToken) Release() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.held {
		return fmt.Errorf("cannot stop non running event")
	}
	close(t.stopCh)
	t.held = false
	return nil
}

func (t *eventToken) Locked() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.held
}

// AppEngine owns the runtime of one application: event execution, the
// stream read/write loop, and the service loop.
type AppEngine struct {
	appConfig       *config.AppConfig
	plugins         []*config.AppConfig
	effectiveEvents map[string]*config.EventDescriptor
	handler         *Handler
	log             observability.Logger
	consumerID      string

	streamsEnabled bool
	streamManager  streams.Manager
	connBreakers   *resilience.ConnectionBreakers

	running map[string]*eventToken
}

// New builds an AppEngine for appConfig. handler must already have every
// event's implementation registered, since ResolveEffectiveEvents needs
// to know which STREAM events expose a service generator hook. Call Start before Execute/ReadStream/ServiceLoop.
func New(appConfig *config.AppConfig, plugins []*config.AppConfig, enabledGroups []string, handler *Handler, log observability.Logger) *AppEngine {
	effective := ResolveEffectiveEvents(appConfig, enabledGroups, handler)
	running := make(map[string]*eventToken, len(effective))
	for name, ev := range effective {
		if ev.Type.IsContinuous() {
			running[name] = newEventToken()
		}
	}
	return &AppEngine{
		appConfig:       appConfig,
		plugins:         plugins,
		effectiveEvents: effective,
		handler:         handler,
		log:             log.WithPrefix(appConfig.AppKey()),
		consumerID:      ids.ConsumerID(),
		streamsEnabled:  true,
		running:         running,
	}
}

// EffectiveEvents exposes the resolved event set, mainly for the Server
// and tests.
func (e *AppEngine) EffectiveEvents() map[string]*config.EventDescriptor {
	return e.effectiveEvents
}

// AppConfigRef returns the AppConfig this engine was started with, so a
// dependent app can be started with it listed as a plugin.
func (e *AppEngine) AppConfigRef() *config.AppConfig {
	return e.appConfig
}

// SetStreamManagerForTest presets the Stream Manager, so tests can
// exercise the read/write loop against a fake Manager instead of a real
// broker. Call it before Start: Start keeps a preset Manager instead of
// constructing and connecting one.
func (e *AppEngine) SetStreamManagerForTest(mgr streams.Manager) {
	e.streamManager = mgr
}

// Start constructs the Stream Manager (wrapped in a circuit breaker) when
// any effective event declares readStream or writeStream, connects it,
// and prepares the downstream connection breaker registry").
func (e *AppEngine) Start(ctx context.Context) error {
	streamsPresent := false
	for _, ev := range e.effectiveEvents {
		if ev.Type == config.EventSTREAM || ev.WriteStream != nil {
			streamsPresent = true
			break
		}
	}

	if e.streamManager != nil {
		// Preset via SetStreamManagerForTest; used as is.
	} else if streamsPresent && e.streamsEnabled {
		mgr := redisstream.New(e.log)
		if err := mgr.Connect(ctx, e.appConfig.Server.Streams); err != nil {
			return err
		}
		e.streamManager = streams.NewCircuitBreaker(mgr, e.appConfig.Server.Streams, e.log)
	} else {
		e.streamManager = streams.NoopManager{}
	}

	connCfgs := make(map[string]resilience.ConnectionBreakerConfig)
	e.connBreakers = resilience.NewConnectionBreakers(connCfgs, e.log)
	return nil
}

// Stop signals every running continuous event to stop, waits out the
// read-stream grace period so in-flight reads return naturally, then
// closes the Stream Manager").
func (e *AppEngine) Stop(ctx context.Context) error {
	e.log.Info("stopping app", map[string]interface{}{"app_key": e.appConfig.AppKey()})
	for name, t := range e.running {
		if t.Locked() {
			if err := e.StopEvent(name); err != nil {
				return err
			}
		}
	}
	if e.streamManager != nil {
		grace := e.appConfig.Engine.ReadStreamTimeout + 5*time.Second
		select {
		case <-ctx.Done():
		case <-time.After(grace):
		}
		if err := e.streamManager.Close(ctx); err != nil {
			return err
		}
	}
	e.log.Info("stopped app", map[string]interface{}{"app_key": e.appConfig.AppKey()})
	return nil
}

// IsRunning reports whether eventName's continuous loop currently holds
// its token.
func (e *AppEngine) IsRunning(eventName string) bool {
	t, ok := e.running[eventName]
	return ok && t.Locked()
}

// StopEvent signals a continuous-running event to stop.
func (e *AppEngine) StopEvent(eventName string) error {
	t, ok := e.running[eventName]
	if !ok {
		return fmt.Errorf("event %s is not a continuous event", eventName)
	}
	return t.Release()
}

type executeOutcome struct {
	result interface{}
	err    error
}

// Execute drives a single request event and returns its last non-nil
// yielded result, failing with a Timeout error once
// ec.Settings.ResponseTimeout elapses.
func (e *AppEngine) Execute(ctx context.Context, ec *EventContext, queryArgs map[string]string, payload interface{}) (interface{}, error) {
	timeout := ec.Settings.ResponseTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	outcomeCh := make(chan executeOutcome, 1)
	go func() {
		result, err := e.executeEvent(timeoutCtx, ec, queryArgs, payload, config.AutoQueue)
		outcomeCh <- executeOutcome{result, err}
	}()

	select {
	case <-timeoutCtx.Done():
		return nil, engineerrors.Timeout("Execute", ec.EventName, fmt.Errorf("response timeout exceeded seconds=%v", timeout))
	case out := <-outcomeCh:
		return out.result, out.err
	}
}

// Preprocess / Postprocess pass through to the Event Handler's hook
// surface.
func (e *AppEngine) Preprocess(ctx context.Context, ec *EventContext, queryArgs map[string]string, payload interface{}, request PreprocessHook) (interface{}, error) {
	return e.handler.Preprocess(ctx, ec, queryArgs, payload, request)
}

func (e *AppEngine) Postprocess(ctx context.Context, ec *EventContext, payload interface{}, response PostprocessHook) (interface{}, error) {
	return e.handler.Postprocess(ctx, ec, payload, response)
}

// executeEvent drives the handler as a lazy sequence, batching up to
// ec.Settings.Stream.BatchSize results and flushing to writeStream
// concurrently; any trailing partial batch is flushed once the handler
// stops yielding.
func (e *AppEngine) executeEvent(ctx context.Context, ec *EventContext, queryArgs map[string]string, payload interface{}, queue config.Queue) (interface{}, error) {
	ev, ok := e.effectiveEvents[ec.EventName]
	if !ok {
		return nil, engineerrors.Config("executeEvent", ec.EventName, fmt.Errorf("unknown effective event"))
	}

	gen, err := e.handler.HandleEvent(ctx, ec, queryArgs, payload)
	if err != nil {
		return nil, err
	}

	batchSize := ec.Settings.Stream.BatchSize
	if batchSize <= 0 {
		batchSize = 1
	}

	var batch []interface{}
	var lastResult interface{}
	for {
		v, ok, err := gen.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		if v == nil {
			continue
		}
		lastResult = v
		batch = append(batch, v)
		if len(batch) >= batchSize && ev.WriteStream != nil {
			if err := e.writeStreamBatch(ctx, ec, ev, batch, queue); err != nil {
				return nil, err
			}
			batch = batch[:0]
		}
	}
	if len(batch) > 0 && ev.WriteStream != nil {
		if err := e.writeStreamBatch(ctx, ec, ev, batch, queue); err != nil {
			return nil, err
		}
	}
	return lastResult, nil
}

// writeStreamBatch fans batch items out concurrently.
func (e *AppEngine) writeStreamBatch(ctx context.Context, ec *EventContext, ev *config.EventDescriptor, batch []interface{}, upstreamQueue config.Queue) error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(batch))
	for _, item := range batch {
		wg.Add(1)
		go func(item interface{}) {
			defer wg.Done()
			if err := e.writeStream(ctx, ec, ev, item, upstreamQueue); err != nil {
				errCh <- err
			}
		}(item)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			return err
		}
	}
	return nil
}

// writeStream publishes payload to every configured queue of ev's
// writeStream, computing the effective stream name and outbound queue
// label with streams.EffectiveStreamName and streams.OutboundQueueLabel.
func (e *AppEngine) writeStream(ctx context.Context, ec *EventContext, ev *config.EventDescriptor, payload interface{}, upstreamQueue config.Queue) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return engineerrors.Handler(ec.EventName, err)
	}

	for _, configuredQueue := range ev.WriteStream.Queues {
		streamName := streams.EffectiveStreamName(ev.WriteStream.Name, configuredQueue, upstreamQueue, ev.WriteStream.QueueStrategy)
		queueLabel := streams.OutboundQueueLabel(configuredQueue, upstreamQueue, ev.WriteStream.QueueStrategy)

		_, err := e.streamManager.WriteStream(ctx, streamName, queueLabel, ec.EventName, data,
			ec.TrackIDs, ec.AuthInfo, ec.Settings.Stream.Compression, ec.Settings.Stream.Serialization, ec.Settings.Stream.TargetMaxLen)
		if err != nil {
			return err
		}
	}
	return nil
}

// ReadStream is the continuous stream-consumer loop for one event. In test mode it releases the token after the first successful
// cycle and returns that cycle's outcome.
func (e *AppEngine) ReadStream(ctx context.Context, eventName string, testMode bool) (interface{}, error) {
	t, ok := e.running[eventName]
	if !ok {
		return nil, fmt.Errorf("event %s is not a continuous event", eventName)
	}
	stopCh, err := t.Acquire()
	if err != nil {
		return nil, err
	}

	ev, ok := e.effectiveEvents[eventName]
	if !ok || ev.ReadStream == nil {
		_ = t.Release()
		return nil, engineerrors.Config("ReadStream", eventName, fmt.Errorf("no read_stream configured"))
	}

	e.applyStartupDelay(ctx, "stream")

	settings := defaultSettings(ev.Settings)

	for _, queue := range ev.ReadStream.Queues {
		streamName := streams.ReadStreamName(ev.ReadStream.Name, queue)
		for {
			select {
			case <-stopCh:
				return nil, nil
			default:
			}
			err := e.streamManager.EnsureConsumerGroup(ctx, streamName, ev.ReadStream.ConsumerGroup)
			if err == nil {
				break
			}
			if !engineerrors.Is(err, engineerrors.KindStreamOS) {
				_ = t.Release()
				return nil, err
			}
			// retry forever; the circuit breaker already paced this
			// attempt with back-off.
		}
	}

	e.log.Info("consuming stream", map[string]interface{}{"event_name": eventName, "stream": ev.ReadStream.Name})

	stats := &observability.StreamStats{}
	var lastResult interface{}
	var lastErr error
	for {
		select {
		case <-stopCh:
			e.log.Info("stopped read_stream", map[string]interface{}{"event_name": eventName})
			return lastResult, nil
		default:
		}

		res, cycleErr := e.readStreamCycle(ctx, eventName, ev, settings, stats)
		if cycleErr != nil {
			if !engineerrors.Is(cycleErr, engineerrors.KindStreamOS) {
				_ = t.Release()
				return lastResult, cycleErr
			}
			lastErr = cycleErr
			continue
		}
		if lastErr != nil {
			e.log.Warn("recovered read stream", map[string]interface{}{"event_name": eventName})
			lastErr = nil
		}
		if res != nil {
			lastResult = res
		}

		if testMode {
			_ = t.Release()
			return lastResult, nil
		}
	}
}

// readStreamCycle issues one readStream batch request per declared
// queue, processes every discovered message concurrently, and emits
// periodic stats.
func (e *AppEngine) readStreamCycle(ctx context.Context, eventName string, ev *config.EventDescriptor, settings config.EventSettings, stats *observability.StreamStats) (interface{}, error) {
	var wg sync.WaitGroup
	var mu sync.Mutex
	var lastResult interface{}
	var cycleErr error

	for _, queue := range ev.ReadStream.Queues {
		streamName := streams.ReadStreamName(ev.ReadStream.Name, queue)

		batch, err := e.streamManager.ReadStream(ctx, streamName, ev.ReadStream.ConsumerGroup, e.consumerID,
			ev.ReadStream.Datatypes, e.appConfig.Engine.TrackHeaders, settings.Stream.BatchSize,
			e.appConfig.Engine.ReadStreamTimeout, e.appConfig.Engine.ReadStreamInterval)
		if err != nil {
			cycleErr = err
			break
		}

		for _, item := range batch {
			stats.EnsureStart()
			wg.Add(1)
			go func(item streams.StreamEventOrError, streamName string) {
				defer wg.Done()
				if item.Err != nil {
					e.log.Error("stream message decode error", map[string]interface{}{
						"event_name": eventName, "error": item.Err.Error(),
					})
					stats.Inc(true)
					return
				}
				ec := &EventContext{
					AppConfig:   e.appConfig,
					EventName:   eventName,
					Settings:    settings,
					TrackIDs:    item.Event.TrackIDs,
					AuthInfo:    item.Event.AuthInfo,
					Connections: e.connBreakers,
				}
				res := e.processStreamEventWithTimeout(ctx, ev, streamName, item.Event, ec, stats)
				mu.Lock()
				lastResult = res
				mu.Unlock()
			}(item, streamName)
		}
	}

	wg.Wait()
	observability.Stats(e.log, eventName, stats.Calc())
	return lastResult, cycleErr
}

// processStreamEventWithTimeout bounds processStreamEvent by
// ec.Settings.Stream.Timeout, returning a Timeout value on expiry without
// acknowledging the message.
func (e *AppEngine) processStreamEventWithTimeout(ctx context.Context, ev *config.EventDescriptor, streamName string, event streams.StreamEvent, ec *EventContext, stats *observability.StreamStats) interface{} {
	timeout := ec.Settings.Stream.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resultCh := make(chan interface{}, 1)
	go func() {
		resultCh <- e.processStreamEvent(timeoutCtx, ev, streamName, event, ec, stats)
	}()

	select {
	case <-timeoutCtx.Done():
		terr := engineerrors.Timeout("processStreamEvent", ec.EventName, fmt.Errorf("stream processing timeout exceeded seconds=%v", timeout))
		e.log.Error("stream processing timeout", map[string]interface{}{
			"event_name": ec.EventName, "stream": streamName,
		})
		stats.Inc(true)
		return terr
	case res := <-resultCh:
		return res
	}
}

// processStreamEvent executes the event with the message's payload,
// acknowledging on success and leaving the message unacknowledged on any
// failure. It never returns an error value for the caller
// to propagate; failures are returned as the result itself.
func (e *AppEngine) processStreamEvent(ctx context.Context, ev *config.EventDescriptor, streamName string, event streams.StreamEvent, ec *EventContext, stats *observability.StreamStats) interface{} {
	result, err := e.executeEvent(ctx, ec, nil, event.Payload, event.Queue)
	if err != nil {
		fields := map[string]interface{}{"event_name": ec.EventName, "stream": streamName, "queue": event.Queue}
		if engineerrors.Is(err, engineerrors.KindCancelled) || ctx.Err() != nil {
			e.log.Error("stream event cancelled", fields)
		} else {
			fields["error"] = err.Error()
			e.log.Error("stream event failed", fields)
		}
		observability.Failed(e.log, ec.EventName, fields)
		stats.Inc(true)
		return err
	}

	if err := e.streamManager.AckReadStream(ctx, streamName, ev.ReadStream.ConsumerGroup, event); err != nil {
		e.log.Error("ack failed", map[string]interface{}{"event_name": ec.EventName, "error": err.Error()})
		stats.Inc(true)
		return err
	}

	observability.Done(e.log, ec.EventName, map[string]interface{}{"stream": streamName, "queue": event.Queue})
	stats.Inc(false)
	return result
}

// ServiceLoop is the continuous service-generator loop for one event.
// Every SERVICE event must have a registered ServiceGenerator; its
// absence is a fatal configuration error.
func (e *AppEngine) ServiceLoop(ctx context.Context, eventName string, testMode bool) (interface{}, error) {
	t, ok := e.running[eventName]
	if !ok {
		return nil, fmt.Errorf("event %s is not a continuous event", eventName)
	}
	stopCh, err := t.Acquire()
	if err != nil {
		return nil, err
	}

	e.applyStartupDelay(ctx, "service")

	// The "$__service__" sibling has no registration of its own: it shares
	// the implementation registered under its originating event name.
	implName, _ := strings.CutSuffix(eventName, "$__service__")
	impl, ok := e.handler.Lookup(implName)
	if !ok || impl.ServiceGenerator == nil {
		_ = t.Release()
		return nil, engineerrors.Config("ServiceLoop", eventName,
			fmt.Errorf("%s must implement a service generator to run as a service", eventName))
	}

	settings := defaultSettings(e.effectiveEvents[eventName].Settings)
	rootCtx := e.serviceEventContext(eventName, settings, nil)

	gen, err := impl.ServiceGenerator(ctx, rootCtx)
	if err != nil {
		_ = t.Release()
		return nil, err
	}

	prevTrackIDs := rootCtx.TrackIDs
	var lastResult interface{}
	for {
		select {
		case <-stopCh:
			return lastResult, nil
		default:
		}

		payload, ok, err := gen.Next(ctx)
		if err != nil {
			e.log.Error("service generator error", map[string]interface{}{"event_name": eventName, "error": err.Error()})
			lastResult = err
			break
		}
		if !ok {
			break
		}

		ec := e.serviceEventContext(eventName, settings, prevTrackIDs)
		prevTrackIDs = ec.TrackIDs

		observability.Start(e.log, eventName, nil)
		res, execErr := e.Execute(ctx, ec, nil, payload)
		if execErr != nil {
			observability.Failed(e.log, eventName, nil)
			lastResult = execErr
		} else {
			observability.Done(e.log, eventName, nil)
			lastResult = res
		}

		if testMode {
			_ = t.Release()
			return lastResult, nil
		}
	}

	_ = t.Release()
	return lastResult, nil
}

func (e *AppEngine) serviceEventContext(eventName string, settings config.EventSettings, previous map[string]string) *EventContext {
	var trackIDs map[string]string
	if previous == nil {
		trackIDs = map[string]string{
			"track.request_id": ids.New(),
			"track.request_ts": ids.NowISO(),
		}
	} else {
		trackIDs = make(map[string]string, len(previous)+1)
		for k, v := range previous {
			trackIDs[k] = v
		}
	}
	trackIDs["track.operation_id"] = ids.New()
	return &EventContext{
		AppConfig:   e.appConfig,
		EventName:   eventName,
		Settings:    settings,
		TrackIDs:    trackIDs,
		AuthInfo:    map[string]string{},
		Connections: e.connBreakers,
	}
}

// applyStartupDelay sleeps a randomized delay in
// [delay/2 .. delay+delay/2) seconds, to desynchronize replicas during a
// fleet rollout.
func (e *AppEngine) applyStartupDelay(ctx context.Context, kind string) {
	delaySeconds := e.appConfig.Server.Streams.DelayAutoStartSeconds
	if delaySeconds <= 0 {
		return
	}
	lo := delaySeconds / 2
	wait := time.Duration(lo+rand.Intn(delaySeconds)) * time.Second
	e.log.Info(fmt.Sprintf("starting %s: waiting", kind), map[string]interface{}{"wait": wait.String()})
	select {
	case <-ctx.Done():
	case <-time.After(wait):
	}
}

// defaultSettings fills in sensible defaults when an event's declared
// settings leave a field at its zero value.
func defaultSettings(s config.EventSettings) config.EventSettings {
	if s.ResponseTimeout <= 0 {
		s.ResponseTimeout = 30 * time.Second
	}
	if s.Stream.BatchSize <= 0 {
		s.Stream.BatchSize = 1
	}
	if s.Stream.Timeout <= 0 {
		s.Stream.Timeout = 30 * time.Second
	}
	if s.Stream.Serialization == "" {
		s.Stream.Serialization = config.SerializationJSON
	}
	if s.Stream.Compression == "" {
		s.Stream.Compression = config.CompressionNone
	}
	return s
}
