// Package config loads the service configuration from an optional
// YAML file with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server" json:"server"`
	Database DatabaseConfig `yaml:"database" json:"database"`
	Studio   StudioConfig   `yaml:"studio" json:"studio"`
	Upload   UploadConfig   `yaml:"upload" json:"upload"`
	Modules  ModulesConfig  `yaml:"modules" json:"modules"`
	Logging  LoggingConfig  `yaml:"logging" json:"logging"`
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Host         string        `yaml:"host" json:"host"`
	Port         int           `yaml:"port" json:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
	EnableCORS   bool          `yaml:"enable_cors" json:"enable_cors"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Type     string `yaml:"type" json:"type"` // sqlite or postgres
	URL      string `yaml:"url" json:"url"`
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
	Database string `yaml:"database" json:"database"`
	DataDir  string `yaml:"data_dir" json:"data_dir"`
}

// StudioConfig holds recording engine configuration
type StudioConfig struct {
	DataDir        string `yaml:"data_dir" json:"data_dir"`
	QualityProfile string `yaml:"quality_profile" json:"quality_profile"`
	// Encoder selects the video encoder: "vpx" (ffmpeg) or "raw"
	// (in-process, demo mode).
	Encoder       string `yaml:"encoder" json:"encoder"`
	AudioRate     int    `yaml:"audio_rate" json:"audio_rate"`
	AudioChannels int    `yaml:"audio_channels" json:"audio_channels"`
}

// UploadConfig holds upload coordinator configuration
type UploadConfig struct {
	BaseURL        string        `yaml:"base_url" json:"base_url"`
	MaxRetries     int           `yaml:"max_retries" json:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff" json:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff" json:"max_backoff"`
	// MaxPollAttempts caps the status polling fallback when the
	// progress channel closes unexpectedly.
	MaxPollAttempts int `yaml:"max_poll_attempts" json:"max_poll_attempts"`
}

// ModulesConfig controls the module registry. Core modules ignore the
// disabled list.
type ModulesConfig struct {
	Disabled []string `yaml:"disabled" json:"disabled"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level string `yaml:"level" json:"level"`
}

var (
	instance *Config
	once     sync.Once
)

// Get returns the global configuration, loading it on first use
func Get() *Config {
	once.Do(func() {
		instance = load()
	})
	return instance
}

// Default returns the built-in defaults
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			EnableCORS:   true,
		},
		Database: DatabaseConfig{
			Type:     "sqlite",
			Host:     "localhost",
			Port:     5432,
			Username: "studio",
			Database: "studio",
			DataDir:  "./data",
		},
		Studio: StudioConfig{
			DataDir:        "./data/recordings",
			QualityProfile: "HD-720p",
			Encoder:        "vpx",
			AudioRate:      48000,
			AudioChannels:  2,
		},
		Upload: UploadConfig{
			BaseURL:         "http://localhost:9000",
			MaxRetries:      3,
			InitialBackoff:  time.Second,
			MaxBackoff:      30 * time.Second,
			MaxPollAttempts: 10,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// load reads the config file named by STUDIO_CONFIG (if present) and
// applies environment overrides on top of the defaults.
func load() *Config {
	cfg := Default()
	if path := os.Getenv("STUDIO_CONFIG"); path != "" {
		if err := loadFile(cfg, path); err != nil {
			fmt.Fprintf(os.Stderr, "config: %v, using defaults\n", err)
		}
	}
	applyEnv(cfg)
	return cfg
}

func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// applyEnv overrides config fields from the environment
func applyEnv(cfg *Config) {
	if v := os.Getenv("STUDIO_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("STUDIO_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("DATABASE_TYPE"); v != "" {
		cfg.Database.Type = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("STUDIO_DATA_DIR"); v != "" {
		cfg.Database.DataDir = v
		cfg.Studio.DataDir = v + "/recordings"
	}
	if v := os.Getenv("STUDIO_ENCODER"); v != "" {
		cfg.Studio.Encoder = v
	}
	if v := os.Getenv("STUDIO_UPLOAD_BASE_URL"); v != "" {
		cfg.Upload.BaseURL = v
	}
	if v := os.Getenv("STUDIO_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}
