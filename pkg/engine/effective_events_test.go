package engine_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developer-mesh/eventmesh-engine/pkg/config"
	"github.com/developer-mesh/eventmesh-engine/pkg/engine"
)

func TestResolveEffectiveEvents_NoSplitWhenNoShuffle(t *testing.T) {
	appConfig := &config.AppConfig{
		Name:    "app",
		Version: "1x0",
		Events: map[string]*config.EventDescriptor{
			"simple": {Type: config.EventGET, Steps: []string{"a", "b"}},
		},
	}
	h := engine.NewHandler()

	effective := engine.ResolveEffectiveEvents(appConfig, nil, h)

	require.Len(t, effective, 1)
	assert.Contains(t, effective, "simple")
}

func TestResolveEffectiveEvents_SplitsOnShuffle(t *testing.T) {
	appConfig := &config.AppConfig{
		Name:    "app",
		Version: "1x0",
		Events: map[string]*config.EventDescriptor{
			"pipeline": {
				Type:  config.EventSTREAM,
				Steps: []string{"decode", "SHUFFLE", "persist"},
				ReadStream: &config.ReadStreamDescriptor{
					Name: "pipeline.in", ConsumerGroup: "pipeline", Queues: []config.Queue{config.AutoQueue},
				},
			},
		},
	}
	h := engine.NewHandler()

	effective := engine.ResolveEffectiveEvents(appConfig, nil, h)

	require.Contains(t, effective, "pipeline")
	require.Contains(t, effective, "pipeline$stage1")
	assert.Len(t, effective, 2)

	stage0 := effective["pipeline"]
	assert.Equal(t, []string{"decode"}, stage0.Steps)
	require.NotNil(t, stage0.WriteStream)
	assert.Equal(t, "__internal.pipeline.stage1", stage0.WriteStream.Name)

	stage1 := effective["pipeline$stage1"]
	assert.Equal(t, []string{"persist"}, stage1.Steps)
	require.NotNil(t, stage1.ReadStream)
	assert.Equal(t, "__internal.pipeline.stage1", stage1.ReadStream.Name)
	assert.Nil(t, stage1.WriteStream)
}

func TestResolveEffectiveEvents_AddsServiceSiblingWhenRegistered(t *testing.T) {
	appConfig := &config.AppConfig{
		Name:    "app",
		Version: "1x0",
		Events: map[string]*config.EventDescriptor{
			"stream_event": {
				Type: config.EventSTREAM,
				ReadStream: &config.ReadStreamDescriptor{
					Name: "stream.in", ConsumerGroup: "g", Queues: []config.Queue{config.AutoQueue},
				},
			},
		},
	}
	h := engine.NewHandler()
	h.Register("stream_event", &engine.EventImpl{
		ServiceGenerator: func(ctx context.Context, ec *engine.EventContext) (engine.Generator, error) {
			return engine.Empty(), nil
		},
	})

	effective := engine.ResolveEffectiveEvents(appConfig, nil, h)

	require.Contains(t, effective, "stream_event$__service__")
	assert.Equal(t, config.EventSERVICE, effective["stream_event$__service__"].Type)
}

func TestResolveEffectiveEvents_NoServiceSiblingWithoutGenerator(t *testing.T) {
	appConfig := &config.AppConfig{
		Name:    "app",
		Version: "1x0",
		Events: map[string]*config.EventDescriptor{
			"stream_event": {
				Type: config.EventSTREAM,
				ReadStream: &config.ReadStreamDescriptor{
					Name: "stream.in", ConsumerGroup: "g", Queues: []config.Queue{config.AutoQueue},
				},
			},
		},
	}
	h := engine.NewHandler()
	h.Register("stream_event", &engine.EventImpl{})

	effective := engine.ResolveEffectiveEvents(appConfig, nil, h)

	assert.NotContains(t, effective, "stream_event$__service__")
}

func TestResolveEffectiveEvents_FiltersByGroup(t *testing.T) {
	appConfig := &config.AppConfig{
		Name:    "app",
		Version: "1x0",
		Events: map[string]*config.EventDescriptor{
			"default_event": {Type: config.EventGET},
			"extra_event":   {Type: config.EventGET, Group: "EXTRA"},
		},
	}
	h := engine.NewHandler()

	effective := engine.ResolveEffectiveEvents(appConfig, []string{"OTHER"}, h)

	assert.Contains(t, effective, "default_event")
	assert.NotContains(t, effective, "extra_event")

	effective = engine.ResolveEffectiveEvents(appConfig, []string{"EXTRA"}, h)
	assert.Contains(t, effective, "extra_event")
}
