// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Nemesis Contributors

package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/nemesis-dev/nemesis/internal/config"
)

// writeConfig marshals doc to a temp YAML file and returns its path.
func writeConfig(t *testing.T, doc map[string]any) string {
	t.Helper()
	raw, err := yaml.Marshal(doc)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "nemesis.yaml")
	require.NoError(t, os.WriteFile(path, raw, 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:18650", cfg.Server.Listen)
	assert.Equal(t, "sqlite", cfg.Storage.Backend)
	assert.Equal(t, 200000, cfg.Index.FlatMaxEntries)
	assert.Equal(t, 16, cfg.Index.HNSWM)
	assert.Equal(t, 100, cfg.Retention.MutationThreshold)
	assert.InDelta(t, 0.3, cfg.Retention.MinEffectiveness, 1e-9)
	assert.InDelta(t, 0.3, cfg.Feedback.InsertThreshold, 1e-9)
	assert.Equal(t, 100, cfg.Feedback.WindowSize)
	assert.Equal(t, 10, cfg.Feedback.ShortWindow)
	assert.InDelta(t, 0.02, cfg.Feedback.TrendEpsilon, 1e-9)
	assert.Equal(t, 10*time.Second, cfg.Dispatch.DefaultTimeout)
	assert.Equal(t, 5*time.Second, cfg.Dispatch.SweepInterval)
	assert.Equal(t, 5*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, 1536, cfg.Providers.OpenAI.Dimension)
	assert.Equal(t, "claude-haiku-4-5", cfg.Providers.Anthropic.Model)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, map[string]any{
		"server": map[string]any{
			"listen": "0.0.0.0:9000",
		},
		"retention": map[string]any{
			"mutation_threshold": 50,
			"min_effectiveness":  0.5,
		},
		"dispatch": map[string]any{
			"default_timeout": "20s",
		},
		"providers": map[string]any{
			"anthropic": map[string]any{
				"api_key": "sk-test",
				"model":   "claude-sonnet-4-5",
			},
		},
	})

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Listen)
	assert.Equal(t, 50, cfg.Retention.MutationThreshold)
	assert.InDelta(t, 0.5, cfg.Retention.MinEffectiveness, 1e-9)
	assert.Equal(t, 20*time.Second, cfg.Dispatch.DefaultTimeout)
	assert.Equal(t, "claude-sonnet-4-5", cfg.Providers.Anthropic.Model)

	// Untouched keys keep their defaults.
	assert.Equal(t, "sqlite", cfg.Storage.Backend)
	assert.Equal(t, 4, cfg.Dispatch.Workers)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("NEMESIS_SERVER_LISTEN", "127.0.0.1:7777")

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7777", cfg.Server.Listen)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	path := writeConfig(t, map[string]any{
		"server": map[string]any{
			"listen": "not-an-address",
		},
		"storage": map[string]any{
			"backend": "postgres",
		},
		"retention": map[string]any{
			"min_effectiveness": 1.5,
		},
	})

	_, err := config.Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.listen")
	assert.Contains(t, err.Error(), "storage.backend")
	assert.Contains(t, err.Error(), "retention.min_effectiveness")
}

func TestValidate_Ranges(t *testing.T) {
	tests := []struct {
		name string
		doc  map[string]any
		want string
	}{
		{
			name: "zero workers",
			doc:  map[string]any{"dispatch": map[string]any{"workers": 0}},
			want: "dispatch.workers",
		},
		{
			name: "sweep interval above cap",
			doc:  map[string]any{"dispatch": map[string]any{"sweep_interval": "10s"}},
			want: "dispatch.sweep_interval",
		},
		{
			name: "insert threshold out of range",
			doc:  map[string]any{"feedback": map[string]any{"insert_threshold": -0.1}},
			want: "feedback.insert_threshold",
		},
		{
			name: "short window wider than window",
			doc:  map[string]any{"feedback": map[string]any{"window_size": 5, "short_window": 10}},
			want: "feedback.short_window",
		},
		{
			name: "trend epsilon out of range",
			doc:  map[string]any{"feedback": map[string]any{"trend_epsilon": 1.5}},
			want: "feedback.trend_epsilon",
		},
		{
			name: "port out of range",
			doc:  map[string]any{"server": map[string]any{"listen": "127.0.0.1:70000"}},
			want: "server.listen port",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Load(writeConfig(t, tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
