package server_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developer-mesh/eventmesh-engine/pkg/config"
	"github.com/developer-mesh/eventmesh-engine/pkg/engine"
	"github.com/developer-mesh/eventmesh-engine/pkg/observability"
	"github.com/developer-mesh/eventmesh-engine/pkg/server"
)

func testAppConfig(name string) *config.AppConfig {
	return &config.AppConfig{
		Name:    name,
		Version: "1x0",
		Events: map[string]*config.EventDescriptor{
			"ping": {Type: config.EventGET},
		},
	}
}

func TestServer_StartAppRegistersByAppKey(t *testing.T) {
	s := server.New(observability.NewNoopLogger())
	handler := engine.NewHandler()
	handler.Register("ping", &engine.EventImpl{Steps: []engine.StepFunc{
		func(ctx context.Context, ec *engine.EventContext, queryArgs map[string]string, in interface{}) (engine.Generator, error) {
			return engine.Single(in), nil
		},
	}})

	appEngine, err := s.StartApp(context.Background(), testAppConfig("pingapp"), nil, handler)
	require.NoError(t, err)
	require.NotNil(t, appEngine)

	found, err := s.AppEngine("pingapp.1x0")
	require.NoError(t, err)
	assert.Same(t, appEngine, found)
}

func TestServer_AppEngineUnknownKeyErrors(t *testing.T) {
	s := server.New(observability.NewNoopLogger())
	_, err := s.AppEngine("missing.1x0")
	assert.Error(t, err)
}

func TestServer_StartAppMissingPluginErrors(t *testing.T) {
	s := server.New(observability.NewNoopLogger())
	handler := engine.NewHandler()

	dependent := testAppConfig("dependent")
	dependent.Plugins = []config.PluginRef{{Name: "base", Version: "1x0"}}

	_, err := s.StartApp(context.Background(), dependent, nil, handler)
	assert.Error(t, err)
}

func TestServer_StopStopsEveryApp(t *testing.T) {
	s := server.New(observability.NewNoopLogger())
	handler := engine.NewHandler()

	_, err := s.StartApp(context.Background(), testAppConfig("appone"), nil, handler)
	require.NoError(t, err)
	_, err = s.StartApp(context.Background(), testAppConfig("apptwo"), nil, handler)
	require.NoError(t, err)

	// Stop's grace sleep exits early on context cancellation; a short
	// deadline keeps this test fast without changing Stop's behavior.
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.NoError(t, s.Stop(stopCtx))
}
