// Command engineserver is a reference host process: it loads an
// AppConfig, registers the demo application's handlers, starts the
// Server, and runs until an interrupt signal triggers graceful shutdown.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/developer-mesh/eventmesh-engine/internal/demoapp"
	"github.com/developer-mesh/eventmesh-engine/pkg/config"
	"github.com/developer-mesh/eventmesh-engine/pkg/observability"
	"github.com/developer-mesh/eventmesh-engine/pkg/server"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := observability.NewLogger("engineserver")

	configPath := os.Getenv("ENGINESERVER_CONFIG")
	if configPath == "" {
		configPath = "internal/demoapp/config.json"
	}

	raw, err := os.ReadFile(configPath)
	if err != nil {
		log.Fatalf("failed to read config %s: %v", configPath, err)
	}

	appConfig, err := config.Load(raw, "json")
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	handler := demoapp.NewHandler()

	srv := server.New(logger)
	appEngine, err := srv.StartApp(ctx, appConfig, nil, handler)
	if err != nil {
		log.Fatalf("failed to start app: %v", err)
	}

	for eventName, ev := range appEngine.EffectiveEvents() {
		switch ev.Type {
		case config.EventSTREAM:
			go func(name string) {
				if _, err := appEngine.ReadStream(ctx, name, false); err != nil {
					logger.Error("read_stream loop exited", map[string]interface{}{"event_name": name, "error": err.Error()})
				}
			}(eventName)
		case config.EventSERVICE:
			go func(name string) {
				if _, err := appEngine.ServiceLoop(ctx, name, false); err != nil {
					logger.Error("service loop exited", map[string]interface{}{"event_name": name, "error": err.Error()})
				}
			}(eventName)
		}
	}

	logger.Info("engineserver ready", map[string]interface{}{"app_key": appConfig.AppKey()})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("received shutdown signal", nil)

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 30*time.Second)
	defer shutdownCancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error("server shutdown error", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
	logger.Info("engineserver stopped", nil)
}
