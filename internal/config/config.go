package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full service configuration: a YAML file (CONFIG_FILE,
// default config.yaml) overlaid with environment variables. Loaded once at
// startup and treated as immutable afterwards.
type Config struct {
	HTTPAddr   string        `yaml:"http_addr"`
	LogLevel   string        `yaml:"log_level"`
	SessionTTL time.Duration `yaml:"-"`

	Course        CourseConfig         `yaml:"course"`
	GenAI         GenAIConfig          `yaml:"genai"`
	Upload        UploadConfig         `yaml:"file_upload"`
	Storage       StorageConfig        `yaml:"database"`
	Security      Security             `yaml:"security"`
	Advanced      Advanced             `yaml:"advanced"`
	ModelSettings map[string]ModelRule `yaml:"model_settings"`

	// APIKey comes only from the GENAI_API_KEY environment variable,
	// never from the config file.
	APIKey string `yaml:"-"`
}

type CourseConfig struct {
	Name          string `yaml:"name"`
	AssistantName string `yaml:"assistant_name"`
}

type GenAIConfig struct {
	BaseURL     string  `yaml:"base_url"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`

	TimeoutSeconds           int `yaml:"timeout"`
	StreamTimeoutSeconds     int `yaml:"stream_timeout"`
	MaxStreamDurationSeconds int `yaml:"max_stream_duration"`
}

func (g GenAIConfig) RequestTimeout() time.Duration {
	return time.Duration(g.TimeoutSeconds) * time.Second
}

func (g GenAIConfig) StreamTimeout() time.Duration {
	return time.Duration(g.StreamTimeoutSeconds) * time.Second
}

func (g GenAIConfig) MaxStreamDuration() time.Duration {
	return time.Duration(g.MaxStreamDurationSeconds) * time.Second
}

type UploadConfig struct {
	Enabled            bool     `yaml:"enabled"`
	MaxSizeMB          int      `yaml:"max_size_mb"`
	AllowedExtensions  []string `yaml:"allowed_extensions"`
	MaxAttachmentChars int      `yaml:"max_attachment_chars"`
}

// AllowedExtension reports whether filename carries one of the configured
// upload extensions. Comparison is case-insensitive on the suffix.
func (u UploadConfig) AllowedExtension(filename string) bool {
	lower := strings.ToLower(filename)
	for _, ext := range u.AllowedExtensions {
		if strings.HasSuffix(lower, strings.ToLower(ext)) {
			return true
		}
	}
	return false
}

type StorageConfig struct {
	// Mode selects the context store backend: "memory", "sqlite" or
	// "postgres".
	Mode          string `yaml:"type"`
	SQLitePath    string `yaml:"sqlite_path"`
	PostgresDSN   string `yaml:"postgres_dsn"`
	RetentionDays int    `yaml:"conversation_retention_days"`
}

func (s StorageConfig) RetentionHorizon() time.Duration {
	return time.Duration(s.RetentionDays) * 24 * time.Hour
}

func (s StorageConfig) Persistent() bool {
	return s.Mode == "sqlite" || s.Mode == "postgres"
}

type Security struct {
	CORS      CORSConfig      `yaml:"cors"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`

	SessionTimeoutMinutes int `yaml:"session_timeout_minutes"`
}

type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
}

type Advanced struct {
	MemoryPerConversation int `yaml:"memory_per_conversation"`
}

// ModelRule describes an optional per-model rewrite of the outbound user
// turn. Keyed by model name in model_settings, with "default" as fallback.
type ModelRule struct {
	AddSourceInstruction bool   `yaml:"add_source_instruction"`
	SourceInstruction    string `yaml:"source_instruction"`
}

// Load reads the YAML config file when present, applies environment
// overrides and validates the result. Invalid configuration is a startup
// error, never a silent fallback.
func Load() (Config, error) {
	cfg := defaults()

	path := getEnv("CONFIG_FILE", "config.yaml")
	if raw, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}

	cfg.HTTPAddr = getEnv("HTTP_ADDR", cfg.HTTPAddr)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.APIKey = getEnv("GENAI_API_KEY", "")
	cfg.GenAI.BaseURL = getEnv("GENAI_BASE_URL", cfg.GenAI.BaseURL)
	cfg.GenAI.Model = getEnv("GENAI_MODEL", cfg.GenAI.Model)
	cfg.Storage.Mode = getEnv("STORAGE_MODE", cfg.Storage.Mode)
	cfg.Storage.PostgresDSN = getEnv("POSTGRES_DSN", cfg.Storage.PostgresDSN)

	if v, ok := os.LookupEnv("MEMORY_PER_CONVERSATION"); ok {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("parse MEMORY_PER_CONVERSATION: %w", err)
		}
		cfg.Advanced.MemoryPerConversation = parsed
	}

	cfg.SessionTTL = time.Duration(cfg.Security.SessionTimeoutMinutes) * time.Minute

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Advanced.MemoryPerConversation < 1 {
		return fmt.Errorf("advanced.memory_per_conversation must be >= 1, got %d", c.Advanced.MemoryPerConversation)
	}
	if c.GenAI.BaseURL == "" {
		return fmt.Errorf("genai.base_url is required")
	}
	if c.GenAI.Model == "" {
		return fmt.Errorf("genai.model is required")
	}
	if c.GenAI.TimeoutSeconds <= 0 {
		return fmt.Errorf("genai.timeout must be positive, got %d", c.GenAI.TimeoutSeconds)
	}
	if c.GenAI.MaxStreamDurationSeconds <= 0 {
		return fmt.Errorf("genai.max_stream_duration must be positive, got %d", c.GenAI.MaxStreamDurationSeconds)
	}
	switch c.Storage.Mode {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("database.type must be memory, sqlite or postgres, got %q", c.Storage.Mode)
	}
	if c.Storage.Mode == "postgres" && c.Storage.PostgresDSN == "" {
		return fmt.Errorf("database.postgres_dsn is required for postgres storage")
	}
	return nil
}

func defaults() Config {
	return Config{
		HTTPAddr: ":8080",
		LogLevel: "info",
		Course: CourseConfig{
			Name:          "STAT 350",
			AssistantName: "Course Assistant",
		},
		GenAI: GenAIConfig{
			BaseURL:                  "https://genai.rcac.purdue.edu",
			Model:                    "gpt-stat350",
			Temperature:              0.7,
			MaxTokens:                2000,
			TimeoutSeconds:           60,
			StreamTimeoutSeconds:     120,
			MaxStreamDurationSeconds: 300,
		},
		Upload: UploadConfig{
			Enabled:            true,
			MaxSizeMB:          10,
			AllowedExtensions:  []string{".txt", ".pdf", ".csv", ".xlsx", ".json", ".py", ".md"},
			MaxAttachmentChars: 50000,
		},
		Storage: StorageConfig{
			Mode:          "memory",
			SQLitePath:    "conversations.db",
			RetentionDays: 90,
		},
		Security: Security{
			CORS:                  CORSConfig{Enabled: true, AllowedOrigins: []string{"*"}},
			RateLimit:             RateLimitConfig{Enabled: true, RequestsPerMinute: 30},
			SessionTimeoutMinutes: 120,
		},
		Advanced: Advanced{MemoryPerConversation: 50},
	}
}

func getEnv(key, def string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return def
}
