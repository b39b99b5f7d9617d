package engine

import (
	"context"
	"fmt"
	"strings"

	engineerrors "github.com/developer-mesh/eventmesh-engine/pkg/errors"
)

// Generator is a pull-based iterator over zero or more step outputs.
type Generator interface {
	Next(ctx context.Context) (value interface{}, ok bool, err error)
}

// StepFunc is a single step in an event's pipeline: given one input
// value, it produces a lazy sequence of output values. A "value→value"
// step returns Single(v); a "value→sequence" step returns Slice(...) or a
// channel-backed Generator; a terminal step typically returns Empty()
// after a side effect.
type StepFunc func(ctx context.Context, ec *EventContext, queryArgs map[string]string, in interface{}) (Generator, error)

// Single yields exactly one value then stops.
func Single(value interface{}) Generator { return &singleGen{value: value} }

type singleGen struct {
	value   interface{}
	yielded bool
}

func (g *singleGen) Next(context.Context) (interface{}, bool, error) {
	if g.yielded {
		return nil, false, nil
	}
	g.yielded = true
	return g.value, true, nil
}

// Empty yields nothing, used by terminal steps whose result was already
// delivered as a side effect.
func Empty() Generator { return emptyGen{} }

type emptyGen struct{}

func (emptyGen) Next(context.Context) (interface{}, bool, error) { return nil, false, nil }

// Slice yields each element of values in order, for steps that build
// their whole output set eagerly.
func Slice(values ...interface{}) Generator { return &sliceGen{values: values} }

type sliceGen struct {
	values []interface{}
	pos    int
}

func (g *sliceGen) Next(context.Context) (interface{}, bool, error) {
	if g.pos >= len(g.values) {
		return nil, false, nil
	}
	v := g.values[g.pos]
	g.pos++
	return v, true, nil
}

// ChanGenerator adapts a channel-based producer — e.g. a service
// generator hook running in its own goroutine — to the pull-based
// Generator surface. Send a single error on errCh (or close it
// without sending) when the producer goroutine finishes; ch must be
// closed by the producer when done.
type ChanGenerator struct {
	ch  <-chan interface{}
	err <-chan error
}

// NewChanGenerator builds a ChanGenerator over ch/errCh.
func NewChanGenerator(ch <-chan interface{}, errCh <-chan error) *ChanGenerator {
	return &ChanGenerator{ch: ch, err: errCh}
}

func (g *ChanGenerator) Next(ctx context.Context) (interface{}, bool, error) {
	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case v, ok := <-g.ch:
		if !ok {
			select {
			case err, ok := <-g.err:
				if ok && err != nil {
					return nil, false, err
				}
			default:
			}
			return nil, false, nil
		}
		return v, true, nil
	}
}

// chainGen flattens "outer" through "step", i.e. flatMap: for each value
// produced by outer, step is invoked to produce an inner sequence which is
// drained before the next outer value is pulled.
type chainGen struct {
	step      StepFunc
	ec        *EventContext
	queryArgs map[string]string
	outer     Generator
	inner     Generator
}

func chain(step StepFunc, ec *EventContext, queryArgs map[string]string, outer Generator) Generator {
	return &chainGen{step: step, ec: ec, queryArgs: queryArgs, outer: outer}
}

func (g *chainGen) Next(ctx context.Context) (interface{}, bool, error) {
	for {
		if g.inner != nil {
			v, ok, err := g.inner.Next(ctx)
			if err != nil {
				return nil, false, err
			}
			if ok {
				return v, true, nil
			}
			g.inner = nil
		}
		outerVal, ok, err := g.outer.Next(ctx)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, false, nil
		}
		inner, err := g.step(ctx, g.ec, g.queryArgs, outerVal)
		if err != nil {
			return nil, false, err
		}
		g.inner = inner
	}
}

// PreprocessHook and PostprocessHook are opaque transport-level request/
// response carriers. Their concrete shape belongs to the HTTP adapter,
// out of this engine's scope; the engine only forwards them through to the
// registered hooks.
type PreprocessHook interface{}
type PostprocessHook interface{}

// PreprocessFunc / PostprocessFunc are the request-event hook surface.
type PreprocessFunc func(ctx context.Context, ec *EventContext, queryArgs map[string]string, payload interface{}, request PreprocessHook) (interface{}, error)
type PostprocessFunc func(ctx context.Context, ec *EventContext, payload interface{}, response PostprocessHook) (interface{}, error)

// ServiceFunc is the service-generator hook every SERVICE event must
// expose: given a root context, it produces the lazy
// sequence of payloads to execute the event with.
type ServiceFunc func(ctx context.Context, ec *EventContext) (Generator, error)

// EventImpl is a host-registered implementation for one effective event
// name: its ordered steps, optional hooks, and optional service
// generator. Handler/schema discovery — resolving "impl" strings from
// config into Go code via reflection — is out of this engine's scope,
// so registration is explicit: the host application wires EventImpl
// values onto a Handler before starting the engine.
type EventImpl struct {
	Steps            []StepFunc
	Preprocess       PreprocessFunc
	Postprocess      PostprocessFunc
	ServiceGenerator ServiceFunc
}

// Handler is the Event Handler: a registry of EventImpl
// values keyed by effective event name, plus the composition logic that
// turns an event's ordered steps into one flattened Generator.
type Handler struct {
	impls map[string]*EventImpl
}

// NewHandler constructs an empty Handler ready for registration.
func NewHandler() *Handler {
	return &Handler{impls: make(map[string]*EventImpl)}
}

// Register binds impl to eventName (an effective event name, e.g.
// "my_event" or "my_event$stage1" or "my_event$__service__").
func (h *Handler) Register(eventName string, impl *EventImpl) {
	h.impls[eventName] = impl
}

// Lookup returns the EventImpl registered for eventName, if any.
func (h *Handler) Lookup(eventName string) (*EventImpl, bool) {
	impl, ok := h.impls[eventName]
	return impl, ok
}

// HandleEvent composes ec.EventName's registered steps into a single
// flattened Generator over payload. The handler tolerates
// nil results from any step; they simply flow through as nil values and
// are filtered out by the batching caller. A "$__service__" sibling with
// no registration of its own runs the steps registered under its
// originating event name.
func (h *Handler) HandleEvent(ctx context.Context, ec *EventContext, queryArgs map[string]string, payload interface{}) (Generator, error) {
	impl, ok := h.impls[ec.EventName]
	if !ok {
		if base, cut := strings.CutSuffix(ec.EventName, "$__service__"); cut {
			impl, ok = h.impls[base]
		}
	}
	if !ok {
		return nil, engineerrors.Config("HandleEvent", ec.EventName, fmt.Errorf("no handler registered for event"))
	}
	var gen Generator = Single(payload)
	for _, step := range impl.Steps {
		gen = chain(step, ec, queryArgs, gen)
	}
	return gen, nil
}

// Preprocess invokes the registered preprocess hook for ec.EventName, if
// any; otherwise it returns payload unchanged.
func (h *Handler) Preprocess(ctx context.Context, ec *EventContext, queryArgs map[string]string, payload interface{}, request PreprocessHook) (interface{}, error) {
	impl, ok := h.impls[ec.EventName]
	if !ok || impl.Preprocess == nil {
		return payload, nil
	}
	return impl.Preprocess(ctx, ec, queryArgs, payload, request)
}

// Postprocess invokes the registered postprocess hook for ec.EventName,
// if any; otherwise it returns payload unchanged.
func (h *Handler) Postprocess(ctx context.Context, ec *EventContext, payload interface{}, response PostprocessHook) (interface{}, error) {
	impl, ok := h.impls[ec.EventName]
	if !ok || impl.Postprocess == nil {
		return payload, nil
	}
	return impl.Postprocess(ctx, ec, payload, response)
}
