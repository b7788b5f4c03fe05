// Package config holds the process configuration passed to every tier at startup.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config is the root configuration object.
type Config struct {
	Server       ServerConfig       `mapstructure:"server" yaml:"server"`
	Database     DatabaseConfig     `mapstructure:"database" yaml:"database"`
	Cache        CacheConfig        `mapstructure:"cache" yaml:"cache"`
	Conversation ConversationConfig `mapstructure:"conversation" yaml:"conversation"`
	Entity       EntityConfig       `mapstructure:"entity" yaml:"entity"`
	Working      WorkingConfig      `mapstructure:"working" yaml:"working"`
	Reduction    ReductionConfig    `mapstructure:"reduction" yaml:"reduction"`
	Search       SearchConfig       `mapstructure:"search" yaml:"search"`
	Log          LogConfig          `mapstructure:"log" yaml:"log"`
}

// ServerConfig configures the HTTP transport.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// DatabaseConfig selects the durable store.
type DatabaseConfig struct {
	Driver       string `mapstructure:"driver" yaml:"driver"`
	DSN          string `mapstructure:"dsn" yaml:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns" yaml:"max_open_conns"`
}

// CacheConfig selects and sizes the volatile tier.
type CacheConfig struct {
	Backend       string        `mapstructure:"backend" yaml:"backend"`
	MaxTTL        time.Duration `mapstructure:"max_ttl" yaml:"max_ttl"`
	MaxCost       int64         `mapstructure:"max_cost" yaml:"max_cost"`
	NumCounters   int64         `mapstructure:"num_counters" yaml:"num_counters"`
	RedisAddr     string        `mapstructure:"redis_addr" yaml:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password" yaml:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db" yaml:"redis_db"`
	KeyPrefix     string        `mapstructure:"key_prefix" yaml:"key_prefix"`
}

// ConversationConfig bounds conversation log reads.
type ConversationConfig struct {
	DefaultLimit      int     `mapstructure:"default_limit" yaml:"default_limit"`
	MaxLimit          int     `mapstructure:"max_limit" yaml:"max_limit"`
	DefaultImportance float64 `mapstructure:"default_importance" yaml:"default_importance"`
}

// EntityConfig bounds the merge retry loop.
type EntityConfig struct {
	MaxRetries int `mapstructure:"max_retries" yaml:"max_retries"`
}

// WorkingConfig sets slot expiry.
type WorkingConfig struct {
	DefaultTTL    time.Duration `mapstructure:"default_ttl" yaml:"default_ttl"`
	MaxTTL        time.Duration `mapstructure:"max_ttl" yaml:"max_ttl"`
	SweepSchedule string        `mapstructure:"sweep_schedule" yaml:"sweep_schedule"`
}

// ReductionConfig tunes the background reduction pass.
type ReductionConfig struct {
	Enabled           bool          `mapstructure:"enabled" yaml:"enabled"`
	Schedule          string        `mapstructure:"schedule" yaml:"schedule"`
	Retention         time.Duration `mapstructure:"retention" yaml:"retention"`
	ImportanceFloor   float64       `mapstructure:"importance_floor" yaml:"importance_floor"`
	BatchSize         int           `mapstructure:"batch_size" yaml:"batch_size"`
	EntityInactivity  time.Duration `mapstructure:"entity_inactivity" yaml:"entity_inactivity"`
	EntityMinMentions int           `mapstructure:"entity_min_mentions" yaml:"entity_min_mentions"`
	ArchiveImportance float64       `mapstructure:"archive_importance" yaml:"archive_importance"`
	Summarize         bool          `mapstructure:"summarize" yaml:"summarize"`
	SummaryMaxChars   int           `mapstructure:"summary_max_chars" yaml:"summary_max_chars"`
}

// SearchConfig configures conversation search and the optional embedder.
type SearchConfig struct {
	DefaultLimit  int    `mapstructure:"default_limit" yaml:"default_limit"`
	DefaultBudget int    `mapstructure:"default_budget" yaml:"default_budget"`
	Embedder      string `mapstructure:"embedder" yaml:"embedder"`
	Model         string `mapstructure:"model" yaml:"model"`
	OllamaHost    string `mapstructure:"ollama_host" yaml:"ollama_host"`
	OpenAIKey     string `mapstructure:"openai_key" yaml:"openai_key"`
}

// LogConfig sets the logger level and output format.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// DefaultDSN returns the default SQLite database path under the user's home.
func DefaultDSN() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".agent-context", "context.db")
}

// Default returns a configuration with every field set to its default.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8085",
			RequestTimeout:  10 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:       "sqlite",
			DSN:          DefaultDSN(),
			MaxOpenConns: 10,
		},
		Cache: CacheConfig{
			Backend:     "memory",
			MaxTTL:      24 * time.Hour,
			MaxCost:     64 << 20,
			NumCounters: 1e6,
			RedisAddr:   "localhost:6379",
			KeyPrefix:   "agent-context:",
		},
		Conversation: ConversationConfig{
			DefaultLimit:      50,
			MaxLimit:          1000,
			DefaultImportance: 0.5,
		},
		Entity: EntityConfig{
			MaxRetries: 10,
		},
		Working: WorkingConfig{
			DefaultTTL:    time.Hour,
			MaxTTL:        168 * time.Hour,
			SweepSchedule: "@every 5m",
		},
		Reduction: ReductionConfig{
			Enabled:           true,
			Schedule:          "@every 1h",
			Retention:         2160 * time.Hour,
			ImportanceFloor:   0.2,
			BatchSize:         500,
			EntityInactivity:  2160 * time.Hour,
			EntityMinMentions: 2,
			ArchiveImportance: 0.1,
			Summarize:         true,
			SummaryMaxChars:   2000,
		},
		Search: SearchConfig{
			DefaultLimit:  20,
			DefaultBudget: 2000,
			Embedder:      "none",
			OllamaHost:    "http://localhost:11434",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate checks the configuration for values no component can run with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	switch c.Cache.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("cache.backend must be memory or redis, got %q", c.Cache.Backend)
	}
	if c.Cache.MaxTTL <= 0 {
		return fmt.Errorf("cache.max_ttl must be positive")
	}
	if c.Conversation.DefaultLimit <= 0 || c.Conversation.MaxLimit < c.Conversation.DefaultLimit {
		return fmt.Errorf("conversation limits invalid: default=%d max=%d", c.Conversation.DefaultLimit, c.Conversation.MaxLimit)
	}
	if !unit(c.Conversation.DefaultImportance) {
		return fmt.Errorf("conversation.default_importance must be within [0,1]")
	}
	if c.Entity.MaxRetries < 1 {
		return fmt.Errorf("entity.max_retries must be at least 1")
	}
	if c.Working.DefaultTTL <= 0 || c.Working.MaxTTL < c.Working.DefaultTTL {
		return fmt.Errorf("working ttl invalid: default=%s max=%s", c.Working.DefaultTTL, c.Working.MaxTTL)
	}
	r := c.Reduction
	if r.Retention <= 0 || r.EntityInactivity <= 0 {
		return fmt.Errorf("reduction windows must be positive")
	}
	if !unit(r.ImportanceFloor) || !unit(r.ArchiveImportance) {
		return fmt.Errorf("reduction importance values must be within [0,1]")
	}
	if r.BatchSize <= 0 {
		return fmt.Errorf("reduction.batch_size must be positive")
	}
	switch c.Search.Embedder {
	case "", "none", "ollama", "openai":
	default:
		return fmt.Errorf("search.embedder must be none, ollama or openai, got %q", c.Search.Embedder)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be json or console, got %q", c.Log.Format)
	}
	return nil
}

func unit(v float64) bool {
	return v >= 0 && v <= 1
}
