package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/dustin/go-humanize"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v3"
)

// LLM provider names.
const (
	ProviderGemini  = "gemini"
	ProviderAIProxy = "aiproxy"
	ProviderMock    = "mock"
)

const (
	envConfigPath     = "MARKDROP_CONFIG"
	defaultConfigPath = "config.yaml"
)

// Config is the root configuration loaded from YAML and the environment.
type Config struct {
	Server ServerConfig `yaml:"server"`
	LLM    LLMConfig    `yaml:"llm"`
}

// ServerConfig holds HTTP server and runtime settings.
type ServerConfig struct {
	Addr          string        `yaml:"address" env:"MARKDROP_ADDRESS"`
	ReadTimeout   time.Duration `yaml:"readTimeout"`
	WriteTimeout  time.Duration `yaml:"writeTimeout"`
	IdleTimeout   time.Duration `yaml:"idleTimeout"`
	MaxUploadSize ByteSize      `yaml:"maxUploadSize"`
	WorkerCount   int           `yaml:"workerCount"`
	QueueCapacity int           `yaml:"queueCapacity"`
	StorageDir    string        `yaml:"storageDir" env:"MARKDROP_STORAGE_DIR"`
	ShutdownGrace time.Duration `yaml:"shutdownGrace"` // time to wait for workers before forced stop
	SessionTTL    time.Duration `yaml:"sessionTTL"`    // settled sessions untouched for longer are dropped
	CORSOrigins   []string      `yaml:"corsOrigins" env:"MARKDROP_CORS_ORIGINS"`
	LogLevel      string        `yaml:"logLevel" env:"MARKDROP_LOG_LEVEL"` // debug|info|warn|error
}

// LLMConfig selects provider and provider-specific options.
type LLMConfig struct {
	Provider       string          `yaml:"provider" env:"MARKDROP_LLM_PROVIDER"` // gemini|aiproxy|mock
	StripCodeFence bool            `yaml:"stripCodeFence"`                       // remove an outer ``` wrapper from results
	Gemini         GeminiSettings  `yaml:"gemini"`
	AIProxy        AIProxySettings `yaml:"aiproxy"`
	Mock           MockSettings    `yaml:"mock"`
}

// GeminiSettings config for the Gemini generateContent API.
type GeminiSettings struct {
	BaseURL string        `yaml:"baseUrl"`                     // default https://generativelanguage.googleapis.com
	APIKey  string        `yaml:"apiKey" env:"GEMINI_API_KEY"` // missing keys surface as remote errors
	Model   string        `yaml:"model"`                       // default gemini-2.5-flash
	Timeout time.Duration `yaml:"timeout"`                     // http client timeout
}

// AIProxySettings config for the AI Proxy (OpenAI-compatible) LLM.
type AIProxySettings struct {
	BaseURL      string        `yaml:"baseUrl"`                      // e.g. http://localhost:8900
	APIKey       string        `yaml:"apiKey" env:"AIPROXY_API_KEY"` // optional
	Model        string        `yaml:"model"`                        // e.g. gpt-5
	SystemPrompt string        `yaml:"systemPrompt"`                 // optional system message override
	Temperature  float32       `yaml:"temperature"`                  // optional
	MaxTokens    int           `yaml:"maxTokens"`                    // optional
	Timeout      time.Duration `yaml:"timeout"`
}

// MockSettings config for the mock LLM.
type MockSettings struct {
	Delay  time.Duration `yaml:"delay"`
	Prefix string        `yaml:"prefix"`
	Error  string        `yaml:"error"` // when set, every conversion fails with this message
}

// ByteSize represents a size in bytes that unmarshals from strings like "10Mi", "20MB", "512KiB", "1024".
type ByteSize uint64

// UnmarshalYAML implements yaml unmarshalling for ByteSize.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		parsed, err := ParseByteSize(value.Value)
		if err != nil {
			return err
		}
		*b = ByteSize(parsed)
		return nil
	}
	return fmt.Errorf("invalid bytesize node kind: %v", value.Kind)
}

// String renders the size in IEC units, e.g. "10 MiB".
func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

// ParseByteSize parses a string like "10Mi", "20MB", "512KiB", "1024" into bytes.
// Binary units (Ki, Mi, Gi with or without B) and decimal units (KB, MB, GB) are accepted.
func ParseByteSize(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty size")
	}
	v, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return v, nil
}

// Load reads YAML config from path, expands environment variables, applies
// environment overrides and defaults, and validates the result.
// If path is empty, MARKDROP_CONFIG is used, then "config.yaml". Only the
// implicit default file may be absent.
func Load(path string) (*Config, error) {
	explicit := true
	if path == "" {
		if p := os.Getenv(envConfigPath); p != "" {
			path = p
		} else {
			path = defaultConfigPath
			explicit = false
		}
	}

	var cfg Config
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 - reading sanitized config file path is expected
	switch {
	case err == nil:
		// Expand environment variables in file content.
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
		// Defaults and environment only.
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.Server.StorageDir, 0o750); err != nil {
		return nil, fmt.Errorf("ensure storage_dir: %w", err)
	}
	return &cfg, nil
}

// SlogLevel maps the configured log level onto slog.
func (c ServerConfig) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func applyDefaults(cfg *Config) {
	// Server defaults
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 3 * time.Minute
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = 60 * time.Second
	}
	if cfg.Server.MaxUploadSize == 0 {
		cfg.Server.MaxUploadSize = ByteSize(20 * 1024 * 1024) // 20 MiB default
	}
	if cfg.Server.WorkerCount <= 0 {
		cfg.Server.WorkerCount = 4
	}
	if cfg.Server.QueueCapacity <= 0 {
		cfg.Server.QueueCapacity = 128
	}
	if cfg.Server.StorageDir == "" {
		cfg.Server.StorageDir = "data"
	}
	if cfg.Server.ShutdownGrace == 0 {
		cfg.Server.ShutdownGrace = 15 * time.Second
	}
	if cfg.Server.SessionTTL == 0 {
		cfg.Server.SessionTTL = time.Hour
	}
	if strings.TrimSpace(cfg.Server.LogLevel) == "" {
		cfg.Server.LogLevel = "info"
	}
	cfg.Server.LogLevel = strings.ToLower(strings.TrimSpace(cfg.Server.LogLevel))

	// LLM defaults
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = ProviderGemini
	}
	cfg.LLM.Provider = strings.ToLower(strings.TrimSpace(cfg.LLM.Provider))

	if strings.TrimSpace(cfg.LLM.Gemini.BaseURL) == "" {
		cfg.LLM.Gemini.BaseURL = "https://generativelanguage.googleapis.com"
	}
	if strings.TrimSpace(cfg.LLM.Gemini.Model) == "" {
		cfg.LLM.Gemini.Model = "gemini-2.5-flash"
	}
	if cfg.LLM.Gemini.Timeout == 0 {
		cfg.LLM.Gemini.Timeout = 60 * time.Second
	}

	if strings.TrimSpace(cfg.LLM.AIProxy.BaseURL) == "" {
		cfg.LLM.AIProxy.BaseURL = "http://localhost:8900"
	}
	if strings.TrimSpace(cfg.LLM.AIProxy.Model) == "" {
		cfg.LLM.AIProxy.Model = "gpt-5"
	}
	if cfg.LLM.AIProxy.Timeout == 0 {
		cfg.LLM.AIProxy.Timeout = 60 * time.Second
	}

	if cfg.LLM.Mock.Prefix == "" {
		cfg.LLM.Mock.Prefix = "Converted by Mock"
	}
}

func validate(cfg *Config) error {
	s := &cfg.Server
	if err := validation.ValidateStruct(s,
		validation.Field(&s.Addr, validation.Required),
		validation.Field(&s.WorkerCount, validation.Min(1)),
		validation.Field(&s.QueueCapacity, validation.Min(1)),
		validation.Field(&s.StorageDir, validation.Required),
		validation.Field(&s.LogLevel, validation.In("debug", "info", "warn", "error")),
	); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	l := &cfg.LLM
	if err := validation.ValidateStruct(l,
		validation.Field(&l.Provider, validation.Required, validation.In(ProviderGemini, ProviderAIProxy, ProviderMock)),
	); err != nil {
		return fmt.Errorf("llm config: %w", err)
	}

	g := &cfg.LLM.Gemini
	if err := validation.ValidateStruct(g,
		validation.Field(&g.BaseURL, validation.When(l.Provider == ProviderGemini, validation.Required)),
		validation.Field(&g.Model, validation.When(l.Provider == ProviderGemini, validation.Required)),
	); err != nil {
		return fmt.Errorf("gemini config: %w", err)
	}
	return nil
}
