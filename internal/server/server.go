// Package server assembles the HTTP surface: the event bus, the
// module system, and the router.
package server

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/educast/studio/internal/config"
	"github.com/educast/studio/internal/database"
	"github.com/educast/studio/internal/events"
	"github.com/educast/studio/internal/logger"
	"github.com/educast/studio/internal/metrics"
	"github.com/educast/studio/internal/modules/modulemanager"
	"github.com/educast/studio/internal/modules/studiomodule"

	// Import all modules to trigger their registration
	_ "github.com/educast/studio/internal/modules/eventsmodule"
)

var (
	systemBus         *events.Bus
	moduleInitialized bool
)

// SetupRouter configures and returns the main router
func SetupRouter() (*gin.Engine, error) {
	cfg := config.Get()
	r := gin.Default()

	if cfg.Server.EnableCORS {
		r.Use(corsMiddleware())
	}

	if err := initializeEventBus(); err != nil {
		return nil, err
	}
	for _, id := range cfg.Modules.Disabled {
		modulemanager.DisableModule(id)
	}
	if err := initializeModules(); err != nil {
		return nil, err
	}

	setupRoutes(r)
	modulemanager.RegisterRoutes(r)

	if module, ok := modulemanager.GetModule(studiomodule.ModuleID); ok {
		if studio, ok := module.(*studiomodule.Module); ok && studio.Engine() != nil {
			metrics.Register(studio.Engine())
			r.GET("/metrics", metrics.Handler())
		}
	}

	systemBus.Publish(events.Event{
		Type:    events.EventSystemStarted,
		Source:  "server",
		Message: "studio backend started",
	})
	return r, nil
}

// corsMiddleware allows the authoring UI to talk to the API during
// development.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}

// initializeEventBus sets up the system-wide event bus with database
// persistence.
func initializeEventBus() error {
	if systemBus != nil {
		return nil
	}
	storage, err := events.NewStorage(database.GetDB())
	if err != nil {
		return err
	}
	systemBus = events.NewBus(events.DefaultBusConfig(), storage)
	if err := systemBus.Start(context.Background()); err != nil {
		return err
	}
	events.SetGlobalBus(systemBus)
	logger.Info("Event bus initialized and started")
	return nil
}

// initializeModules loads all registered modules
func initializeModules() error {
	if moduleInitialized {
		return nil
	}
	if err := modulemanager.LoadAll(database.GetDB()); err != nil {
		return err
	}
	moduleInitialized = true
	logger.Info("Module system initialized with %d modules", len(modulemanager.ListModules()))
	return nil
}

// GetEventBus returns the global event bus instance
func GetEventBus() *events.Bus {
	return systemBus
}

// Shutdown stops modules and the event bus gracefully
func Shutdown(ctx context.Context) error {
	modulemanager.DisposeAll()
	if systemBus != nil {
		systemBus.Publish(events.Event{
			Type:    events.EventSystemStopped,
			Source:  "server",
			Message: "studio backend shutting down",
		})
		// Give the stop event a moment to drain to subscribers.
		time.Sleep(50 * time.Millisecond)
		return systemBus.Stop(ctx)
	}
	return nil
}
