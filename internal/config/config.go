// Package config provides configuration management for scribe.
// Settings come from an optional YAML file (SCRIBE_CONFIG path) seeded with
// defaults, with environment variables using the SCRIBE_ prefix taking
// precedence over both.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration settings for the scribe backend.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	AI      AIConfig      `yaml:"ai"`
	Ingest  IngestConfig  `yaml:"ingest"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Host string `yaml:"host"` // default 0.0.0.0
	Port int    `yaml:"port"` // default 8484
}

// StorageConfig contains database configuration.
type StorageConfig struct {
	Engine      string `yaml:"engine"`       // postgres or sqlite (default: sqlite)
	PostgresDSN string `yaml:"postgres_dsn"` // used when Engine is postgres
	DataPath    string `yaml:"data_path"`    // sqlite file path (default: ./data/scribe.db)
}

// AIConfig contains embedding and extraction provider configuration.
// An empty APIKey disables both and puts the system in lexical-only mode.
type AIConfig struct {
	APIKey              string        `yaml:"api_key"`
	BaseURL             string        `yaml:"base_url"` // override for OpenAI-compatible providers
	EmbeddingModel      string        `yaml:"embedding_model"`
	EmbeddingDimensions int           `yaml:"embedding_dimensions"` // default 1536
	ExtractionModel     string        `yaml:"extraction_model"`
	RequestTimeout      time.Duration `yaml:"request_timeout"`  // default 30s
	RequestsPerSec      int           `yaml:"requests_per_sec"` // default 10
}

// IngestConfig contains ingestion pipeline settings.
type IngestConfig struct {
	MaxNoteLength int    `yaml:"max_note_length"` // default 10000
	DefaultOwner  string `yaml:"default_owner"`   // default "default"
	WatchDir      string `yaml:"watch_dir"`       // optional watch-folder import directory
}

// Load builds the configuration: defaults, then the YAML file named by
// SCRIBE_CONFIG (if set), then SCRIBE_-prefixed environment variables.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("SCRIBE_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if cfg.Storage.Engine != "postgres" && cfg.Storage.Engine != "sqlite" {
		return nil, fmt.Errorf("config: unknown storage engine %q", cfg.Storage.Engine)
	}
	if cfg.Storage.Engine == "postgres" && cfg.Storage.PostgresDSN == "" {
		return nil, fmt.Errorf("config: storage engine postgres requires a DSN")
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8484,
		},
		Storage: StorageConfig{
			Engine:   "sqlite",
			DataPath: "./data/scribe.db",
		},
		AI: AIConfig{
			EmbeddingModel:      "text-embedding-3-small",
			EmbeddingDimensions: 1536,
			ExtractionModel:     "gpt-4o-mini",
			RequestTimeout:      30 * time.Second,
			RequestsPerSec:      10,
		},
		Ingest: IngestConfig{
			MaxNoteLength: 10000,
			DefaultOwner:  "default",
		},
	}
}

func applyEnv(cfg *Config) {
	cfg.Server.Host = getEnv("SCRIBE_HOST", cfg.Server.Host)
	cfg.Server.Port = getEnvInt("SCRIBE_PORT", cfg.Server.Port)

	cfg.Storage.Engine = getEnv("SCRIBE_STORAGE_ENGINE", cfg.Storage.Engine)
	cfg.Storage.PostgresDSN = getEnv("SCRIBE_POSTGRES_DSN", cfg.Storage.PostgresDSN)
	cfg.Storage.DataPath = getEnv("SCRIBE_DATA_PATH", cfg.Storage.DataPath)

	cfg.AI.APIKey = getEnv("SCRIBE_OPENAI_API_KEY", cfg.AI.APIKey)
	cfg.AI.BaseURL = getEnv("SCRIBE_OPENAI_BASE_URL", cfg.AI.BaseURL)
	cfg.AI.EmbeddingModel = getEnv("SCRIBE_EMBEDDING_MODEL", cfg.AI.EmbeddingModel)
	cfg.AI.EmbeddingDimensions = getEnvInt("SCRIBE_EMBEDDING_DIMENSIONS", cfg.AI.EmbeddingDimensions)
	cfg.AI.ExtractionModel = getEnv("SCRIBE_EXTRACTION_MODEL", cfg.AI.ExtractionModel)
	cfg.AI.RequestTimeout = getEnvDuration("SCRIBE_REQUEST_TIMEOUT", cfg.AI.RequestTimeout)
	cfg.AI.RequestsPerSec = getEnvInt("SCRIBE_REQUESTS_PER_SEC", cfg.AI.RequestsPerSec)

	cfg.Ingest.MaxNoteLength = getEnvInt("SCRIBE_MAX_NOTE_LENGTH", cfg.Ingest.MaxNoteLength)
	cfg.Ingest.DefaultOwner = getEnv("SCRIBE_DEFAULT_OWNER", cfg.Ingest.DefaultOwner)
	cfg.Ingest.WatchDir = getEnv("SCRIBE_WATCH_DIR", cfg.Ingest.WatchDir)
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default
// value. Unparseable values fall back to the default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvDuration retrieves a duration environment variable ("30s", "1m") or
// returns a default value.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
