package config

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override, e.g. AGENT_CONTEXT_DATABASE_DSN.
const EnvPrefix = "AGENT_CONTEXT"

// Load builds the effective configuration from defaults, an optional YAML
// file, AGENT_CONTEXT_* environment variables and explicitly set flags, in
// increasing precedence. flags maps config keys such as "database.dsn" to
// the command-line flag that overrides them.
func Load(path string, flags map[string]*pflag.Flag) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	for key, f := range flags {
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return nil, fmt.Errorf("failed to bind flag %s: %w", f.Name, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// setDefaults registers every key so that AutomaticEnv can override it.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.request_timeout", d.Server.RequestTimeout)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)

	v.SetDefault("database.driver", d.Database.Driver)
	v.SetDefault("database.dsn", d.Database.DSN)
	v.SetDefault("database.max_open_conns", d.Database.MaxOpenConns)

	v.SetDefault("cache.backend", d.Cache.Backend)
	v.SetDefault("cache.max_ttl", d.Cache.MaxTTL)
	v.SetDefault("cache.max_cost", d.Cache.MaxCost)
	v.SetDefault("cache.num_counters", d.Cache.NumCounters)
	v.SetDefault("cache.redis_addr", d.Cache.RedisAddr)
	v.SetDefault("cache.redis_password", d.Cache.RedisPassword)
	v.SetDefault("cache.redis_db", d.Cache.RedisDB)
	v.SetDefault("cache.key_prefix", d.Cache.KeyPrefix)

	v.SetDefault("conversation.default_limit", d.Conversation.DefaultLimit)
	v.SetDefault("conversation.max_limit", d.Conversation.MaxLimit)
	v.SetDefault("conversation.default_importance", d.Conversation.DefaultImportance)

	v.SetDefault("entity.max_retries", d.Entity.MaxRetries)

	v.SetDefault("working.default_ttl", d.Working.DefaultTTL)
	v.SetDefault("working.max_ttl", d.Working.MaxTTL)
	v.SetDefault("working.sweep_schedule", d.Working.SweepSchedule)

	v.SetDefault("reduction.enabled", d.Reduction.Enabled)
	v.SetDefault("reduction.schedule", d.Reduction.Schedule)
	v.SetDefault("reduction.retention", d.Reduction.Retention)
	v.SetDefault("reduction.importance_floor", d.Reduction.ImportanceFloor)
	v.SetDefault("reduction.batch_size", d.Reduction.BatchSize)
	v.SetDefault("reduction.entity_inactivity", d.Reduction.EntityInactivity)
	v.SetDefault("reduction.entity_min_mentions", d.Reduction.EntityMinMentions)
	v.SetDefault("reduction.archive_importance", d.Reduction.ArchiveImportance)
	v.SetDefault("reduction.summarize", d.Reduction.Summarize)
	v.SetDefault("reduction.summary_max_chars", d.Reduction.SummaryMaxChars)

	v.SetDefault("search.default_limit", d.Search.DefaultLimit)
	v.SetDefault("search.default_budget", d.Search.DefaultBudget)
	v.SetDefault("search.embedder", d.Search.Embedder)
	v.SetDefault("search.model", d.Search.Model)
	v.SetDefault("search.ollama_host", d.Search.OllamaHost)
	v.SetDefault("search.openai_key", d.Search.OpenAIKey)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// YAML renders the configuration as YAML, with secrets masked.
func (c *Config) YAML() ([]byte, error) {
	out := *c
	if out.Cache.RedisPassword != "" {
		out.Cache.RedisPassword = "***"
	}
	if out.Search.OpenAIKey != "" {
		out.Search.OpenAIKey = "***"
	}
	return yaml.Marshal(&out)
}
