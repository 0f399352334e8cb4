package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/educast/studio/internal/config"
	"github.com/educast/studio/internal/database"
	"github.com/educast/studio/internal/logger"
	"github.com/educast/studio/internal/server"
)

func main() {
	cfg := config.Get()
	logger.SetLevel(cfg.Logging.Level)

	if err := database.Initialize(cfg); err != nil {
		logger.Error("Failed to initialize database: %v", err)
		os.Exit(1)
	}

	router, err := server.SetupRouter()
	if err != nil {
		logger.Error("Failed to set up server: %v", err)
		os.Exit(1)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("Starting studio server on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Server error: %v", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Warn("Module shutdown: %v", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Forced shutdown: %v", err)
	}
	logger.Info("Server stopped")
}
