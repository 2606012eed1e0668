package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"taskrelay/internal/vault"
	"taskrelay/internal/workflow"
)

// Config models taskrelay.yml.
type Config struct {
	LogLevel string `yaml:"log_level"`
	Server   struct {
		Addr        string   `yaml:"addr"`
		BasePath    string   `yaml:"base_path"`
		PublicURL   string   `yaml:"public_url"`
		CORSOrigins []string `yaml:"cors_origins"`
	} `yaml:"server"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`
	Database struct {
		Workspace string `yaml:"workspace"`
	} `yaml:"database"`
	Engine struct {
		BaseURL        string `yaml:"base_url"`
		APIKey         string `yaml:"api_key"`
		Templates      string `yaml:"templates"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
		// Provider names the identity provider whose account is forwarded with jobs.
		Provider string `yaml:"provider"`
	} `yaml:"engine"`
	Webhook struct {
		Secret string `yaml:"secret"`
	} `yaml:"webhook"`
	Vault struct {
		KeyID        string            `yaml:"key_id"`
		Key          string            `yaml:"key"`
		PreviousKeys map[string]string `yaml:"previous_keys"`
	} `yaml:"vault"`
	Realtime struct {
		SettleMS     int    `yaml:"settle_ms"`
		KafkaBrokers string `yaml:"kafka_brokers"`
		KafkaTopic   string `yaml:"kafka_topic"`
		KafkaGroup   string `yaml:"kafka_group"`
	} `yaml:"realtime"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return &cfg
}

// Validate ensures values are well formed. Missing engine or vault settings
// are allowed; those features report themselves unavailable at use time.
func (c *Config) Validate() error {
	switch strings.ToLower(c.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.log_level %q must be one of debug, info, warn, error", c.LogLevel)
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if c.Server.PublicURL != "" {
		if _, err := url.ParseRequestURI(c.Server.PublicURL); err != nil {
			return fmt.Errorf("config.server.public_url: %w", err)
		}
	}
	if c.Engine.BaseURL != "" {
		if _, err := url.ParseRequestURI(c.Engine.BaseURL); err != nil {
			return fmt.Errorf("config.engine.base_url: %w", err)
		}
	}
	if _, err := workflow.ParseTemplates(c.Engine.Templates); err != nil {
		return fmt.Errorf("config.engine.templates: %w", err)
	}
	if c.Engine.TimeoutSeconds < 0 {
		return fmt.Errorf("config.engine.timeout_seconds must not be negative")
	}
	if c.Realtime.SettleMS < 0 {
		return fmt.Errorf("config.realtime.settle_ms must not be negative")
	}
	if c.Realtime.KafkaBrokers != "" && c.Realtime.KafkaTopic == "" {
		return fmt.Errorf("config.realtime.kafka_topic is required when kafka_brokers is set")
	}
	for id := range c.Vault.PreviousKeys {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("config.vault.previous_keys has empty key id")
		}
		if id == c.Vault.KeyID {
			return fmt.Errorf("config.vault.previous_keys repeats active key id %s", id)
		}
	}
	return nil
}

// Workflow returns the workflow engine client configuration.
func (c *Config) Workflow() workflow.Config {
	templates, _ := workflow.ParseTemplates(c.Engine.Templates)
	return workflow.Config{
		BaseURL:   c.Engine.BaseURL,
		APIKey:    c.Engine.APIKey,
		Templates: templates,
		Timeout:   time.Duration(c.Engine.TimeoutSeconds) * time.Second,
	}
}

// KeySource returns the vault key source backed by this configuration.
func (c *Config) KeySource() vault.KeySource {
	return vault.StaticKeys(c.Vault.KeyID, c.Vault.Key, c.Vault.PreviousKeys)
}

func (c *Config) SettleDelay() time.Duration {
	return time.Duration(c.Realtime.SettleMS) * time.Millisecond
}

// SlogLevel maps log_level onto a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "taskrelay.yml")
}

// Load reads the config at path on top of the defaults. A missing file
// yields the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `log_level: info

server:
  addr: 127.0.0.1:8080
  base_path: /v1
  public_url: http://127.0.0.1:8080
  cors_origins: []

auth:
  jwt_secret: ""

database:
  workspace: .

engine:
  base_url: ""
  api_key: ""
  # positional: live, default, unit/integration
  templates: ""
  timeout_seconds: 30
  provider: github

webhook:
  secret: ""

vault:
  key_id: default
  key: ""
  previous_keys: {}

realtime:
  settle_ms: 100
  kafka_brokers: ""
  kafka_topic: taskrelay-events
  # prefix; each process consumes under <prefix>-<hostname>-<pid>
  kafka_group: taskrelay
`
