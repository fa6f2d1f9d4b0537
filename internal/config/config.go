package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for chatgate
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Session   SessionConfig   `yaml:"session"`
	Store     StoreConfig     `yaml:"store"`
	Redis     RedisConfig     `yaml:"redis"`
	Inference InferenceConfig `yaml:"inference"`
	STT       STTConfig       `yaml:"stt"`
	ImageGen  ImageGenConfig  `yaml:"imagegen"`
	Journal   JournalConfig   `yaml:"journal"`
	Health    HealthConfig    `yaml:"health"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig defines the admin HTTP server settings
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// AuthConfig defines the shared-secret gate
type AuthConfig struct {
	Secret     string `yaml:"secret,omitempty"`
	SecretHash string `yaml:"secret_hash,omitempty"`
	BcryptCost int    `yaml:"bcrypt_cost,omitempty"`
}

// SessionConfig defines profile defaults for new users
type SessionConfig struct {
	DefaultModel  string   `yaml:"default_model"`
	Temperature   *float64 `yaml:"temperature,omitempty"`
	ContextWindow int      `yaml:"context_window"`
	SystemPrompt  string   `yaml:"system_prompt"`
	LockTimeout   string   `yaml:"lock_timeout"`
}

// GetTemperature returns the default temperature
func (s *SessionConfig) GetTemperature() float64 {
	if s.Temperature == nil {
		return 0.7
	}
	return *s.Temperature
}

// GetLockTimeout returns how long a turn waits for the user's lock
func (s *SessionConfig) GetLockTimeout() time.Duration {
	return parseDuration(s.LockTimeout, 10*time.Minute)
}

// StoreConfig selects the persistence backend
type StoreConfig struct {
	Backend string `yaml:"backend"` // memory, sqlite, redis
	Path    string `yaml:"path,omitempty"`
}

// RedisConfig defines the Redis connection shared by the store and journal
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password,omitempty"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix,omitempty"`
}

// EngineConfig defines an inference engine
type EngineConfig struct {
	Name   string `yaml:"name"`
	Type   string `yaml:"type"` // ollama, openai-compatible
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key,omitempty"`
}

// ModelConfig defines one selectable model
type ModelConfig struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Engine      string `yaml:"engine"`
	Multimodal  bool   `yaml:"multimodal,omitempty"`
	ThinkToggle bool   `yaml:"think_toggle,omitempty"`
}

// InferenceConfig defines the generation backends and the model catalog
type InferenceConfig struct {
	Timeout       string         `yaml:"timeout"`
	Engines       []EngineConfig `yaml:"engines"`
	Models        []ModelConfig  `yaml:"models"`
	VisionModel   string         `yaml:"vision_model,omitempty"`
	AnalyzePrompt string         `yaml:"analyze_prompt,omitempty"`
}

// GetTimeout returns the timeout as a time.Duration
func (i *InferenceConfig) GetTimeout() time.Duration {
	return parseDuration(i.Timeout, 120*time.Second)
}

// STTConfig defines the transcription service
type STTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URL      string `yaml:"url"`
	APIKey   string `yaml:"api_key,omitempty"`
	Model    string `yaml:"model"`
	Language string `yaml:"language"`
	Timeout  string `yaml:"timeout"`
}

// GetTimeout returns the timeout as a time.Duration
func (s *STTConfig) GetTimeout() time.Duration {
	return parseDuration(s.Timeout, 60*time.Second)
}

// ImageGenConfig defines the Stable Diffusion WebUI service
type ImageGenConfig struct {
	Enabled        bool   `yaml:"enabled"`
	URL            string `yaml:"url"`
	Checkpoint     string `yaml:"checkpoint"`
	NegativePrompt string `yaml:"negative_prompt"`
	Steps          int    `yaml:"steps"`
	Sampler        string `yaml:"sampler"`
	Width          int    `yaml:"width"`
	Height         int    `yaml:"height"`
	Timeout        string `yaml:"timeout"`
}

// GetTimeout returns the timeout as a time.Duration
func (g *ImageGenConfig) GetTimeout() time.Duration {
	return parseDuration(g.Timeout, 300*time.Second)
}

// JournalConfig defines the Redis Streams turn journal
type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Stream  string `yaml:"stream"`
	MaxLen  int64  `yaml:"max_len"`
}

// HealthConfig defines backend probing
type HealthConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule"`
	RingSize int    `yaml:"ring_size"`
	Timeout  string `yaml:"timeout"`
}

// GetTimeout returns the per-probe timeout
func (h *HealthConfig) GetTimeout() time.Duration {
	return parseDuration(h.Timeout, 5*time.Second)
}

// ChannelsConfig defines channel configurations
type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Discord  DiscordConfig  `yaml:"discord"`
	WebChat  WebChatConfig  `yaml:"webchat"`
}

// TelegramConfig defines Telegram channel settings
type TelegramConfig struct {
	Enabled   bool    `yaml:"enabled"`
	Token     string  `yaml:"token"`
	SendRate  float64 `yaml:"send_rate"` // messages per second
	SendBurst int     `yaml:"send_burst"`
}

// DiscordConfig defines Discord channel settings
type DiscordConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
}

// WebChatConfig defines WebChat channel settings
type WebChatConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// LoggingConfig defines logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file,omitempty"`
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// Load loads configuration from a YAML file with environment variable overrides.
// An empty path skips the file and starts from defaults.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides()

	return &cfg, nil
}

// applyDefaults fills every omitted field
func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 18810
	}
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Session.DefaultModel == "" {
		c.Session.DefaultModel = "1"
	}
	if c.Session.ContextWindow == 0 {
		c.Session.ContextWindow = 21
	}
	if c.Session.SystemPrompt == "" {
		c.Session.SystemPrompt = "You are a helpful assistant."
	}
	if c.Store.Backend == "" {
		c.Store.Backend = "sqlite"
	}
	if c.Store.Backend == "sqlite" && c.Store.Path == "" {
		c.Store.Path = "chatgate.db"
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "chatgate"
	}
	if len(c.Inference.Engines) == 0 {
		c.Inference.Engines = []EngineConfig{
			{Name: "ollama", Type: "ollama", URL: "http://localhost:11434"},
		}
	}
	if len(c.Inference.Models) == 0 {
		engine := c.Inference.Engines[0].Name
		c.Inference.Models = []ModelConfig{
			{ID: "1", Name: "qwen3:14b", Engine: engine, ThinkToggle: true},
			{ID: "2", Name: "dolphin3:8b", Engine: engine},
			{ID: "3", Name: "qwen3-vl:8b", Engine: engine, Multimodal: true},
		}
	}
	if c.Inference.AnalyzePrompt == "" {
		c.Inference.AnalyzePrompt = "Describe the image in detail and answer the user's question about it."
	}
	if c.STT.URL == "" {
		c.STT.URL = "http://localhost:8000"
	}
	if c.STT.Model == "" {
		c.STT.Model = "whisper-1"
	}
	if c.STT.Language == "" {
		c.STT.Language = "ru"
	}
	if c.ImageGen.URL == "" {
		c.ImageGen.URL = "http://127.0.0.1:7860"
	}
	if c.ImageGen.Checkpoint == "" {
		c.ImageGen.Checkpoint = "sdXL_v10VAEFix.safetensors [e6bb9ea85b]"
	}
	if c.ImageGen.NegativePrompt == "" {
		c.ImageGen.NegativePrompt = "text, watermark, low quality"
	}
	if c.ImageGen.Steps == 0 {
		c.ImageGen.Steps = 20
	}
	if c.ImageGen.Sampler == "" {
		c.ImageGen.Sampler = "Euler a"
	}
	if c.ImageGen.Width == 0 {
		c.ImageGen.Width = 1024
	}
	if c.ImageGen.Height == 0 {
		c.ImageGen.Height = 1024
	}
	if c.Journal.Stream == "" {
		c.Journal.Stream = "chatgate:turns"
	}
	if c.Journal.MaxLen == 0 {
		c.Journal.MaxLen = 10000
	}
	if c.Health.Schedule == "" {
		c.Health.Schedule = "@every 30s"
	}
	if c.Health.RingSize == 0 {
		c.Health.RingSize = 32
	}
	if c.Channels.Telegram.SendRate == 0 {
		c.Channels.Telegram.SendRate = 25
	}
	if c.Channels.Telegram.SendBurst == 0 {
		c.Channels.Telegram.SendBurst = 5
	}
	if c.Channels.WebChat.Port == 0 {
		c.Channels.WebChat.Port = 18811
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// applyEnvOverrides applies environment variable overrides to the config
func (c *Config) applyEnvOverrides() {
	if port := os.Getenv("CHATGATE_PORT"); port != "" {
		fmt.Sscanf(port, "%d", &c.Server.Port)
	}
	if token := os.Getenv("TELEGRAM_TOKEN"); token != "" {
		c.Channels.Telegram.Token = token
	}
	if token := os.Getenv("DISCORD_TOKEN"); token != "" {
		c.Channels.Discord.Token = token
	}
	if secret := os.Getenv("CHATGATE_SECRET"); secret != "" {
		c.Auth.Secret = secret
	}
	if hash := os.Getenv("CHATGATE_SECRET_HASH"); hash != "" {
		c.Auth.SecretHash = hash
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Redis.Addr = addr
	}
	if url := os.Getenv("WHISPER_URL"); url != "" {
		c.STT.URL = url
	}
	if url := os.Getenv("SD_URL"); url != "" {
		c.ImageGen.URL = url
	}
	for i := range c.Inference.Engines {
		switch c.Inference.Engines[i].Type {
		case "ollama":
			if url := os.Getenv("OLLAMA_URL"); url != "" {
				c.Inference.Engines[i].URL = url
			}
		case "openai-compatible", "openai":
			if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
				c.Inference.Engines[i].APIKey = apiKey
			}
		}
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	switch c.Store.Backend {
	case "memory", "sqlite", "redis":
	default:
		return fmt.Errorf("unknown store backend: %s", c.Store.Backend)
	}
	if c.Session.ContextWindow < 2 || c.Session.ContextWindow > 50 {
		return fmt.Errorf("session context_window must be in [2,50], got %d", c.Session.ContextWindow)
	}
	if t := c.Session.GetTemperature(); t < 0 || t > 1 {
		return fmt.Errorf("session temperature must be in [0,1], got %g", t)
	}

	engines := make(map[string]bool, len(c.Inference.Engines))
	for _, e := range c.Inference.Engines {
		if e.Name == "" || e.URL == "" {
			return fmt.Errorf("inference engine requires name and url")
		}
		engines[e.Name] = true
	}
	ids := make(map[string]bool, len(c.Inference.Models))
	vision := false
	for _, m := range c.Inference.Models {
		if m.ID == "" || m.Name == "" {
			return fmt.Errorf("model requires id and name")
		}
		if ids[m.ID] {
			return fmt.Errorf("duplicate model id: %s", m.ID)
		}
		if !engines[m.Engine] {
			return fmt.Errorf("model %s references unknown engine %s", m.ID, m.Engine)
		}
		ids[m.ID] = true
		vision = vision || m.Multimodal
	}
	if !ids[c.Session.DefaultModel] {
		return fmt.Errorf("default model %s is not in the catalog", c.Session.DefaultModel)
	}
	if c.Inference.VisionModel != "" && !ids[c.Inference.VisionModel] {
		return fmt.Errorf("vision model %s is not in the catalog", c.Inference.VisionModel)
	}
	if !vision {
		return fmt.Errorf("at least one multimodal model is required")
	}
	if c.Channels.Telegram.Enabled && c.Channels.Telegram.Token == "" {
		return fmt.Errorf("telegram token is required when telegram is enabled")
	}
	if c.Channels.Discord.Enabled && c.Channels.Discord.Token == "" {
		return fmt.Errorf("discord token is required when discord is enabled")
	}
	return nil
}
