// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Nemesis Contributors

package config

import (
	"errors"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	nemerr "github.com/nemesis-dev/nemesis/pkg/errors"
)

// Config is the top-level Nemesis configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Index     IndexConfig     `mapstructure:"index"`
	Retention RetentionConfig `mapstructure:"retention"`
	Feedback  FeedbackConfig  `mapstructure:"feedback"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Sessions  SessionsConfig  `mapstructure:"sessions"`
	Providers ProvidersConfig `mapstructure:"providers"`
}

// ServerConfig controls how Nemesis listens for connections.
type ServerConfig struct {
	Listen      string   `mapstructure:"listen"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

// StorageConfig selects the storage backend.
type StorageConfig struct {
	Backend string `mapstructure:"backend"`
	Path    string `mapstructure:"path"`
}

// IndexConfig tunes retrieval.
type IndexConfig struct {
	FlatMaxEntries     int `mapstructure:"flat_max_entries"`
	HNSWM              int `mapstructure:"hnsw_m"`
	HNSWEfConstruction int `mapstructure:"hnsw_ef_construction"`
	HNSWEfSearch       int `mapstructure:"hnsw_ef_search"`
	Overfetch          int `mapstructure:"overfetch"`
}

// RetentionConfig tunes compaction.
type RetentionConfig struct {
	MutationThreshold int     `mapstructure:"mutation_threshold"`
	MinEffectiveness  float64 `mapstructure:"min_effectiveness"`
}

// FeedbackConfig tunes outcome aggregation.
type FeedbackConfig struct {
	InsertThreshold float64 `mapstructure:"insert_threshold"`
	WindowSize      int     `mapstructure:"window_size"`
	ShortWindow     int     `mapstructure:"short_window"`
	TrendEpsilon    float64 `mapstructure:"trend_epsilon"`
}

// DispatchConfig tunes the request coordinator.
type DispatchConfig struct {
	Workers        int           `mapstructure:"workers"`
	QueueSize      int           `mapstructure:"queue_size"`
	DefaultTopK    int           `mapstructure:"default_top_k"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
}

// CacheConfig sizes the response cache.
type CacheConfig struct {
	MaxEntries int64         `mapstructure:"max_entries"`
	TTL        time.Duration `mapstructure:"ttl"`
}

// SessionsConfig controls connection liveness.
type SessionsConfig struct {
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	MaxIdle       time.Duration `mapstructure:"max_idle"`
}

// ProvidersConfig holds credentials and endpoints for the model
// providers.
type ProvidersConfig struct {
	OpenAI    OpenAIConfig    `mapstructure:"openai"`
	Anthropic AnthropicConfig `mapstructure:"anthropic"`
}

// OpenAIConfig configures the embedding provider.
type OpenAIConfig struct {
	APIKey    string `mapstructure:"api_key"`
	Endpoint  string `mapstructure:"endpoint"`
	Model     string `mapstructure:"model"`
	Dimension int    `mapstructure:"dimension"`
}

// AnthropicConfig configures the directive generator.
type AnthropicConfig struct {
	APIKey    string `mapstructure:"api_key"`
	Endpoint  string `mapstructure:"endpoint"`
	Model     string `mapstructure:"model"`
	MaxTokens int    `mapstructure:"max_tokens"`
}

// Load reads configuration from the given path (or defaults) with
// environment variable overrides (prefix NEMESIS_).
func Load(path string) (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.listen", "127.0.0.1:18650")
	v.SetDefault("storage.backend", "sqlite")
	v.SetDefault("storage.path", "nemesis.db")
	v.SetDefault("index.flat_max_entries", 200000)
	v.SetDefault("index.hnsw_m", 16)
	v.SetDefault("index.hnsw_ef_construction", 200)
	v.SetDefault("index.hnsw_ef_search", 64)
	v.SetDefault("index.overfetch", 3)
	v.SetDefault("retention.mutation_threshold", 100)
	v.SetDefault("retention.min_effectiveness", 0.3)
	v.SetDefault("feedback.insert_threshold", 0.3)
	v.SetDefault("feedback.window_size", 100)
	v.SetDefault("feedback.short_window", 10)
	v.SetDefault("feedback.trend_epsilon", 0.02)
	v.SetDefault("dispatch.workers", 4)
	v.SetDefault("dispatch.queue_size", 256)
	v.SetDefault("dispatch.default_top_k", 5)
	v.SetDefault("dispatch.default_timeout", "10s")
	v.SetDefault("dispatch.sweep_interval", "5s")
	v.SetDefault("cache.max_entries", 10000)
	v.SetDefault("cache.ttl", "5m")
	v.SetDefault("sessions.sweep_interval", "60s")
	v.SetDefault("sessions.max_idle", "2m")
	v.SetDefault("providers.openai.model", "text-embedding-ada-002")
	v.SetDefault("providers.openai.dimension", 1536)
	v.SetDefault("providers.anthropic.model", "claude-haiku-4-5")
	v.SetDefault("providers.anthropic.max_tokens", 1024)

	// Environment
	v.SetEnvPrefix("NEMESIS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// File
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, nemerr.Errorf(nemerr.CodeConfigLoadReadFailure, "reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nemerr.Errorf(nemerr.CodeConfigValidateInvalidValue, "unmarshalling config: %w", err)
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, nemerr.Errorf(nemerr.CodeConfigValidateInvalidValue, "validating config: %w", errors.Join(errs...))
	}

	return &cfg, nil
}

// Validate checks the configuration for logical errors. It returns all
// validation errors found rather than stopping at the first one.
func (c *Config) Validate() []error {
	var errs []error

	errs = append(errs, c.validateServer()...)
	errs = append(errs, c.validateStorage()...)
	errs = append(errs, c.validateIndex()...)
	errs = append(errs, c.validateScores()...)
	errs = append(errs, c.validateDispatch()...)

	return errs
}

func (c *Config) validateServer() []error {
	var errs []error

	if c.Server.Listen == "" {
		errs = append(errs, nemerr.Errorf(nemerr.CodeConfigValidateInvalidValue,
			"config: server.listen must not be empty"))
		return errs
	}
	_, portStr, err := net.SplitHostPort(c.Server.Listen)
	if err != nil {
		errs = append(errs, nemerr.Errorf(nemerr.CodeConfigValidateInvalidValue,
			"config: server.listen must be a valid host:port address, got %q: %w",
			c.Server.Listen, err,
		))
		return errs
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		errs = append(errs, nemerr.Errorf(nemerr.CodeConfigValidateInvalidValue,
			"config: server.listen port must be a number, got %q", portStr))
	} else if port < 1 || port > 65535 {
		errs = append(errs, nemerr.Errorf(nemerr.CodeConfigValidateInvalidValue,
			"config: server.listen port must be between 1 and 65535, got %d", port))
	}

	return errs
}

func (c *Config) validateStorage() []error {
	var errs []error

	validBackends := map[string]bool{"sqlite": true}
	if !validBackends[c.Storage.Backend] {
		errs = append(errs, nemerr.Errorf(nemerr.CodeConfigValidateInvalidValue,
			"config: storage.backend must be one of [sqlite], got %q",
			c.Storage.Backend,
		))
	}
	if c.Storage.Path == "" {
		errs = append(errs, nemerr.Errorf(nemerr.CodeConfigValidateInvalidValue,
			"config: storage.path must not be empty"))
	}

	return errs
}

func (c *Config) validateIndex() []error {
	var errs []error

	if c.Index.FlatMaxEntries <= 0 {
		errs = append(errs, nemerr.Errorf(nemerr.CodeConfigValidateInvalidValue,
			"config: index.flat_max_entries must be greater than 0, got %d",
			c.Index.FlatMaxEntries,
		))
	}
	if c.Index.HNSWM <= 1 {
		errs = append(errs, nemerr.Errorf(nemerr.CodeConfigValidateInvalidValue,
			"config: index.hnsw_m must be greater than 1, got %d", c.Index.HNSWM))
	}
	if c.Index.HNSWEfConstruction < c.Index.HNSWM {
		errs = append(errs, nemerr.Errorf(nemerr.CodeConfigValidateInvalidValue,
			"config: index.hnsw_ef_construction must be at least index.hnsw_m, got %d",
			c.Index.HNSWEfConstruction,
		))
	}
	if c.Index.Overfetch < 1 {
		errs = append(errs, nemerr.Errorf(nemerr.CodeConfigValidateInvalidValue,
			"config: index.overfetch must be at least 1, got %d", c.Index.Overfetch))
	}

	return errs
}

func (c *Config) validateScores() []error {
	var errs []error

	if c.Retention.MinEffectiveness < 0 || c.Retention.MinEffectiveness > 1 {
		errs = append(errs, nemerr.Errorf(nemerr.CodeConfigValidateInvalidValue,
			"config: retention.min_effectiveness must be in [0, 1], got %g",
			c.Retention.MinEffectiveness,
		))
	}
	if c.Retention.MutationThreshold <= 0 {
		errs = append(errs, nemerr.Errorf(nemerr.CodeConfigValidateInvalidValue,
			"config: retention.mutation_threshold must be greater than 0, got %d",
			c.Retention.MutationThreshold,
		))
	}
	if c.Feedback.InsertThreshold < 0 || c.Feedback.InsertThreshold > 1 {
		errs = append(errs, nemerr.Errorf(nemerr.CodeConfigValidateInvalidValue,
			"config: feedback.insert_threshold must be in [0, 1], got %g",
			c.Feedback.InsertThreshold,
		))
	}
	if c.Feedback.WindowSize <= 0 {
		errs = append(errs, nemerr.Errorf(nemerr.CodeConfigValidateInvalidValue,
			"config: feedback.window_size must be greater than 0, got %d",
			c.Feedback.WindowSize,
		))
	}
	if c.Feedback.ShortWindow <= 0 || c.Feedback.ShortWindow > c.Feedback.WindowSize {
		errs = append(errs, nemerr.Errorf(nemerr.CodeConfigValidateInvalidValue,
			"config: feedback.short_window must be in [1, window_size], got %d",
			c.Feedback.ShortWindow,
		))
	}
	if c.Feedback.TrendEpsilon < 0 || c.Feedback.TrendEpsilon > 1 {
		errs = append(errs, nemerr.Errorf(nemerr.CodeConfigValidateInvalidValue,
			"config: feedback.trend_epsilon must be in [0, 1], got %g",
			c.Feedback.TrendEpsilon,
		))
	}

	return errs
}

func (c *Config) validateDispatch() []error {
	var errs []error

	if c.Dispatch.Workers <= 0 {
		errs = append(errs, nemerr.Errorf(nemerr.CodeConfigValidateInvalidValue,
			"config: dispatch.workers must be greater than 0, got %d", c.Dispatch.Workers))
	}
	if c.Dispatch.QueueSize <= 0 {
		errs = append(errs, nemerr.Errorf(nemerr.CodeConfigValidateInvalidValue,
			"config: dispatch.queue_size must be greater than 0, got %d", c.Dispatch.QueueSize))
	}
	if c.Dispatch.DefaultTimeout <= 0 {
		errs = append(errs, nemerr.Errorf(nemerr.CodeConfigValidateInvalidValue,
			"config: dispatch.default_timeout must be positive, got %s", c.Dispatch.DefaultTimeout))
	}
	if c.Dispatch.SweepInterval <= 0 || c.Dispatch.SweepInterval > 5*time.Second {
		errs = append(errs, nemerr.Errorf(nemerr.CodeConfigValidateInvalidValue,
			"config: dispatch.sweep_interval must be in (0, 5s], got %s", c.Dispatch.SweepInterval))
	}

	return errs
}
