package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 18800
  host: localhost
session:
  default_model: "2"
  temperature: 0
  context_window: 10
store:
  backend: memory
inference:
  timeout: 45s
  engines:
    - name: local
      type: ollama
      url: http://localhost:11434
  models:
    - {id: "1", name: qwen3:14b, engine: local, think_toggle: true}
    - {id: "2", name: dolphin3:8b, engine: local}
    - {id: "3", name: qwen3-vl:8b, engine: local, multimodal: true}
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 18800, cfg.Server.Port)
	assert.Equal(t, "2", cfg.Session.DefaultModel)
	assert.Equal(t, 0.0, cfg.Session.GetTemperature())
	assert.Equal(t, 10, cfg.Session.ContextWindow)
	assert.Equal(t, 45*time.Second, cfg.Inference.GetTimeout())
	assert.Len(t, cfg.Inference.Models, 3)
	assert.True(t, cfg.Inference.Models[0].ThinkToggle)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "1", cfg.Session.DefaultModel)
	assert.InDelta(t, 0.7, cfg.Session.GetTemperature(), 1e-9)
	assert.Equal(t, 21, cfg.Session.ContextWindow)
	assert.Equal(t, "sqlite", cfg.Store.Backend)
	assert.Equal(t, "text, watermark, low quality", cfg.ImageGen.NegativePrompt)
	assert.Equal(t, 300*time.Second, cfg.ImageGen.GetTimeout())
	assert.Equal(t, "Euler a", cfg.ImageGen.Sampler)
	require.Len(t, cfg.Inference.Models, 3)
	assert.True(t, cfg.Inference.Models[2].Multimodal)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CHATGATE_PORT", "19000")
	t.Setenv("CHATGATE_SECRET", "abc")
	t.Setenv("TELEGRAM_TOKEN", "tg-token")
	t.Setenv("OLLAMA_URL", "http://gpu:11434")
	t.Setenv("SD_URL", "http://sd:7860")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 19000, cfg.Server.Port)
	assert.Equal(t, "abc", cfg.Auth.Secret)
	assert.Equal(t, "tg-token", cfg.Channels.Telegram.Token)
	assert.Equal(t, "http://gpu:11434", cfg.Inference.Engines[0].URL)
	assert.Equal(t, "http://sd:7860", cfg.ImageGen.URL)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"invalid port", func(c *Config) { c.Server.Port = -1 }},
		{"unknown backend", func(c *Config) { c.Store.Backend = "etcd" }},
		{"window too small", func(c *Config) { c.Session.ContextWindow = 1 }},
		{"window too large", func(c *Config) { c.Session.ContextWindow = 51 }},
		{"unknown default model", func(c *Config) { c.Session.DefaultModel = "9" }},
		{"unknown engine", func(c *Config) { c.Inference.Models[0].Engine = "nope" }},
		{"duplicate id", func(c *Config) { c.Inference.Models[1].ID = "1" }},
		{"no multimodal model", func(c *Config) { c.Inference.Models[2].Multimodal = false }},
		{"telegram without token", func(c *Config) { c.Channels.Telegram.Enabled = true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
