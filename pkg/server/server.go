// Package server hosts the Server: the process-wide registry of running
// AppEngines.
package server

import (
	"context"
	"fmt"
	"sync"

	"github.com/developer-mesh/eventmesh-engine/pkg/config"
	"github.com/developer-mesh/eventmesh-engine/pkg/engine"
	"github.com/developer-mesh/eventmesh-engine/pkg/observability"
)

// Server owns every running application in one process: start individual
// apps with StartApp, stop all of them with Stop.
type Server struct {
	mu         sync.RWMutex
	appEngines map[string]*engine.AppEngine
	log        observability.Logger
}

// New constructs an empty Server.
func New(log observability.Logger) *Server {
	if log == nil {
		log = observability.NewLogger("server")
	}
	return &Server{
		appEngines: make(map[string]*engine.AppEngine),
		log:        log,
	}
}

// StartApp resolves appConfig's declared plugins against already-started
// apps, constructs an AppEngine, starts it, and registers it under
// "<name>.<version>". Plugin AppConfigs must already be registered via a
// prior StartApp call; parsing and packaging plugin/host config files is
// out of this engine's scope.
func (s *Server) StartApp(ctx context.Context, appConfig *config.AppConfig, enabledGroups []string, handler *engine.Handler) (*engine.AppEngine, error) {
	s.log.Info("starting app", map[string]interface{}{"app_key": appConfig.AppKey()})

	plugins := make([]*config.AppConfig, 0, len(appConfig.Plugins))
	for _, ref := range appConfig.Plugins {
		pluginEngine, err := s.AppEngine(ref.Name + "." + ref.Version)
		if err != nil {
			return nil, fmt.Errorf("starting app=%s: plugin %s.%s not started: %w", appConfig.AppKey(), ref.Name, ref.Version, err)
		}
		plugins = append(plugins, pluginEngine.AppConfigRef())
	}

	appEngine := engine.New(appConfig, plugins, enabledGroups, handler, s.log)
	if err := appEngine.Start(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.appEngines[appConfig.AppKey()] = appEngine
	s.mu.Unlock()

	s.log.Info("app started", map[string]interface{}{"app_key": appConfig.AppKey()})
	return appEngine, nil
}

// AppEngine looks up a previously started app by its "<name>.<version>" key.
func (s *Server) AppEngine(appKey string) (*engine.AppEngine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	appEngine, ok := s.appEngines[appKey]
	if !ok {
		return nil, fmt.Errorf("app %s is not started", appKey)
	}
	return appEngine, nil
}

// Stop stops every registered AppEngine.
func (s *Server) Stop(ctx context.Context) error {
	s.log.Info("stopping server", nil)
	s.mu.RLock()
	engines := make([]*engine.AppEngine, 0, len(s.appEngines))
	for _, e := range s.appEngines {
		engines = append(engines, e)
	}
	s.mu.RUnlock()

	for _, e := range engines {
		if err := e.Stop(ctx); err != nil {
			return err
		}
	}
	s.log.Info("server stopped", nil)
	return nil
}
