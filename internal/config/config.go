package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models revline.yml.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Rules     RulesConfig     `yaml:"rules"`
	Scoring   ScoringConfig   `yaml:"scoring"`
	Tasks     TasksConfig     `yaml:"tasks"`
	Server    ServerConfig    `yaml:"server"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Webhooks  []WebhookConfig `yaml:"webhooks"`
	Log       LogConfig       `yaml:"log"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// Rule set sources.
const (
	SourceBuiltin = "builtin"
	SourceFile    = "file"
	SourceDB      = "db"
	SourceRedis   = "redis"
	SourceS3      = "s3"
	SourceGCS     = "gcs"
)

type RulesConfig struct {
	Source string `yaml:"source"`
	Name   string `yaml:"name"`
	Path   string `yaml:"path"`
	// MaxAge is how long a loaded rule set is reused; zero reloads on every evaluation.
	MaxAge time.Duration `yaml:"max_age"`
	Redis  struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		Key      string `yaml:"key"`
		Format   string `yaml:"format"`
	} `yaml:"redis"`
	S3 struct {
		Bucket   string `yaml:"bucket"`
		Key      string `yaml:"key"`
		Region   string `yaml:"region"`
		Endpoint string `yaml:"endpoint"`
	} `yaml:"s3"`
	GCS struct {
		Bucket string `yaml:"bucket"`
		Object string `yaml:"object"`
	} `yaml:"gcs"`
}

type ScoringConfig struct {
	BatchSize    int           `yaml:"batch_size"`
	Parallelism  int           `yaml:"parallelism"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
}

type TasksConfig struct {
	// DueOffsets maps task priority to the time until the task is due.
	DueOffsets map[string]time.Duration `yaml:"due_offsets"`
}

type ServerConfig struct {
	Addr               string  `yaml:"addr"`
	BasePath           string  `yaml:"base_path"`
	JWTSecret          string  `yaml:"jwt_secret"`
	AllowLegacyHeaders bool    `yaml:"allow_legacy_headers"`
	RateLimit          float64 `yaml:"rate_limit"`
	RateBurst          int     `yaml:"rate_burst"`
}

type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	ServiceName string  `yaml:"service_name"`
	Environment string  `yaml:"environment"`
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "", "sqlite":
	case "postgres":
		if strings.TrimSpace(c.Database.DSN) == "" {
			return fmt.Errorf("config.database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("config.database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}

	switch c.Rules.Source {
	case SourceBuiltin, SourceDB:
	case SourceFile:
		if c.Rules.Path == "" {
			return fmt.Errorf("config.rules.path is required for the file source")
		}
	case SourceRedis:
		if c.Rules.Redis.Addr == "" || c.Rules.Redis.Key == "" {
			return fmt.Errorf("config.rules.redis.addr and key are required for the redis source")
		}
	case SourceS3:
		if c.Rules.S3.Bucket == "" || c.Rules.S3.Key == "" {
			return fmt.Errorf("config.rules.s3.bucket and key are required for the s3 source")
		}
	case SourceGCS:
		if c.Rules.GCS.Bucket == "" || c.Rules.GCS.Object == "" {
			return fmt.Errorf("config.rules.gcs.bucket and object are required for the gcs source")
		}
	default:
		return fmt.Errorf("config.rules.source %q is not supported", c.Rules.Source)
	}
	if c.Rules.MaxAge < 0 {
		return fmt.Errorf("config.rules.max_age must not be negative")
	}

	if c.Scoring.BatchSize <= 0 {
		return fmt.Errorf("config.scoring.batch_size must be positive")
	}
	if c.Scoring.Parallelism <= 0 {
		return fmt.Errorf("config.scoring.parallelism must be positive")
	}
	if c.Scoring.BatchTimeout <= 0 {
		return fmt.Errorf("config.scoring.batch_timeout must be positive")
	}

	for p, d := range c.Tasks.DueOffsets {
		switch p {
		case "high", "medium", "low":
		default:
			return fmt.Errorf("config.tasks.due_offsets has unknown priority %q", p)
		}
		if d <= 0 {
			return fmt.Errorf("config.tasks.due_offsets.%s must be positive", p)
		}
	}

	if c.Server.RateLimit < 0 || c.Server.RateBurst < 0 {
		return fmt.Errorf("config.server rate limits must not be negative")
	}
	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		return fmt.Errorf("config.telemetry.endpoint is required when telemetry is enabled")
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		return fmt.Errorf("config.telemetry.sample_rate must be within 0..1")
	}

	for i, hook := range c.Webhooks {
		u, err := url.Parse(hook.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("config.webhooks[%d].url must be an http(s) URL", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}

	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.log.level %q is not supported", c.Log.Level)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("config.log.format must be text or json")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "revline.yml")
}

// Load reads revline.yml from the workspace. A missing file yields Default().
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg, err := decode([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return cfg
}

// GenerateDefault returns the default config as YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses config over the defaults and validates it.
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

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

func decode(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

const defaultTemplate = `database:
  driver: sqlite

rules:
  # builtin, file, db, redis, s3 or gcs
  source: db
  name: default
  max_age: 0s

scoring:
  batch_size: 100
  parallelism: 4
  batch_timeout: 10s

tasks:
  due_offsets:
    high: 72h
    medium: 168h
    low: 336h

server:
  addr: 127.0.0.1:8080
  base_path: /v1
  allow_legacy_headers: false
  rate_limit: 20
  rate_burst: 40

telemetry:
  enabled: false
  service_name: revline
  environment: development
  sample_rate: 1

log:
  level: info
  format: text
`
