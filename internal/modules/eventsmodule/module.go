// Package eventsmodule exposes the engine event bus over the API:
// recent event queries and a WebSocket feed the authoring UI follows
// for recorder state, upload progress, and source health.
package eventsmodule

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/educast/studio/internal/events"
	"github.com/educast/studio/internal/modules/modulemanager"
)

// Auto-register the module when imported
func init() {
	Register()
}

const (
	ModuleID   = "system.events"
	ModuleName = "Event Feed"
)

// Module serves the event API and WebSocket feed
type Module struct {
	id          string
	name        string
	core        bool
	bus         *events.Bus
	feed        *Feed
	initialized bool
}

// Register registers this module with the module system
func Register() {
	modulemanager.Register(&Module{
		id:   ModuleID,
		name: ModuleName,
		core: true,
	})
}

// ID returns the module ID
func (m *Module) ID() string { return m.id }

// Name returns the module name
func (m *Module) Name() string { return m.name }

// Core returns whether this is a core module
func (m *Module) Core() bool { return m.core }

// Migrate is a no-op; event persistence is migrated by the bus storage
func (m *Module) Migrate(db *gorm.DB) error {
	return nil
}

// Init wires the module to the global bus
func (m *Module) Init() error {
	if m.initialized {
		return nil
	}
	m.bus = events.GetGlobalBus()
	if m.bus == nil {
		return fmt.Errorf("global event bus not initialized")
	}
	m.feed = NewFeed(m.bus)
	m.initialized = true
	return nil
}

// RegisterRoutes registers the event API
func (m *Module) RegisterRoutes(router *gin.Engine) {
	if !m.initialized {
		return
	}
	api := router.Group("/api/v1/events")
	{
		api.GET("", m.getRecent)
		api.GET("/ws", m.feed.Serve)
		api.GET("/health", m.getHealth)
	}
}

// getRecent returns stored events, filtered by query parameters
func (m *Module) getRecent(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			limit = v
		}
	}
	filter := filterFromQuery(c)
	recent := m.bus.Recent(filter, limit)
	c.JSON(http.StatusOK, gin.H{"events": recent, "total": len(recent)})
}

// getHealth provides a health check for the event bus
func (m *Module) getHealth(c *gin.Context) {
	if err := m.bus.Health(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"healthy": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"healthy": true})
}

// filterFromQuery builds an event filter from ?type=&source=&session_id=
func filterFromQuery(c *gin.Context) events.EventFilter {
	var filter events.EventFilter
	for _, t := range c.QueryArray("type") {
		filter.Types = append(filter.Types, events.EventType(t))
	}
	for _, s := range c.QueryArray("source") {
		filter.Sources = append(filter.Sources, s)
	}
	filter.SessionID = c.Query("session_id")
	return filter
}
