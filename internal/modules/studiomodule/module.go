// Package studiomodule exposes the recording engine over the REST
// API: source acquisition, recording control, layout and cue
// operations, stored session management, trimming, and upload.
package studiomodule

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-hclog"
	"gorm.io/gorm"

	"github.com/educast/studio/internal/config"
	"github.com/educast/studio/internal/engine"
	"github.com/educast/studio/internal/events"
	"github.com/educast/studio/internal/modules/modulemanager"
	"github.com/educast/studio/internal/sessionstore"
	"github.com/educast/studio/internal/upload"
)

// Auto-register the module when imported
func init() {
	Register()
}

const (
	ModuleID   = "studio.recording"
	ModuleName = "Recording Studio"
)

// Module owns the recording engine and its HTTP surface
type Module struct {
	id          string
	name        string
	core        bool
	db          *gorm.DB
	initialized bool

	engine  *engine.Engine
	store   *sessionstore.Store
	handler *Handler
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

// Migrate records the database handle; the session store migrates its
// own schema during Init.
func (m *Module) Migrate(db *gorm.DB) error {
	m.db = db
	return nil
}

// Init builds the engine and its supporting services
func (m *Module) Init() error {
	if m.initialized {
		return nil
	}
	bus := events.GetGlobalBus()
	if bus == nil {
		return fmt.Errorf("global event bus not initialized")
	}
	cfg := config.Get()

	logLevel := hclog.LevelFromString(cfg.Logging.Level)
	if logLevel == hclog.NoLevel {
		logLevel = hclog.Info
	}
	log := hclog.New(&hclog.LoggerOptions{Name: "studio", Level: logLevel})

	store, err := sessionstore.NewStore(log, m.db, cfg.Studio.DataDir)
	if err != nil {
		return fmt.Errorf("create session store: %w", err)
	}
	m.store = store

	client := upload.NewClient(log, cfg.Upload.BaseURL)
	watcher := upload.NewStatusWatcher(log, client, upload.WatcherConfig{
		InitialBackoff:  cfg.Upload.InitialBackoff,
		MaxBackoff:      cfg.Upload.MaxBackoff,
		MaxPollAttempts: cfg.Upload.MaxPollAttempts,
	})
	uploader := upload.NewCoordinator(log, client, watcher, bus, upload.RetryPolicy{
		MaxRetries:     cfg.Upload.MaxRetries,
		InitialBackoff: cfg.Upload.InitialBackoff,
		MaxBackoff:     cfg.Upload.MaxBackoff,
	})

	m.engine = engine.New(log, cfg, bus, newOpener(cfg), store, uploader)
	m.handler = NewHandler(log, m.engine, store, uploader)
	m.initialized = true
	return nil
}

// Engine returns the recording engine, nil before Init
func (m *Module) Engine() *engine.Engine {
	return m.engine
}

// RegisterRoutes registers the studio API
func (m *Module) RegisterRoutes(router *gin.Engine) {
	if !m.initialized {
		return
	}
	api := router.Group("/api/v1/studio")
	{
		api.GET("/sources", m.handler.ListSources)
		api.POST("/sources/:kind", m.handler.AcquireSource)
		api.DELETE("/sources/:kind", m.handler.ReleaseSource)

		api.POST("/recording/start", m.handler.StartRecording)
		api.POST("/recording/pause", m.handler.PauseRecording)
		api.POST("/recording/resume", m.handler.ResumeRecording)
		api.POST("/recording/stop", m.handler.StopRecording)
		api.POST("/recording/layout", m.handler.SetLayout)
		api.POST("/recording/cue", m.handler.MarkSlide)
		api.POST("/recording/gain", m.handler.SetGain)
		api.POST("/recording/mute", m.handler.SetMuted)
		api.GET("/recording/stats", m.handler.Stats)

		api.GET("/sessions", m.handler.ListSessions)
		api.GET("/sessions/:id", m.handler.GetSession)
		api.DELETE("/sessions/:id", m.handler.DeleteSession)
		api.GET("/sessions/:id/export", m.handler.ExportSession)
		api.POST("/sessions/:id/trim", m.handler.TrimSession)
		api.POST("/sessions/:id/upload", m.handler.UploadSession)

		api.GET("/upload/progress", m.handler.UploadProgress)
		api.POST("/upload/cancel", m.handler.CancelUpload)
	}
}

// Dispose releases the engine and every held source
func (m *Module) Dispose() {
	if m.engine != nil {
		m.engine.Dispose()
	}
}
