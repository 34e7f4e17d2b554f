// Package config defines the gateway's typed configuration. Loading from
// environment variables is out of scope for this layer (spec.md §1) — the
// struct shape, defaults, and validation are what this package owns. A
// thin YAML loader is provided for the cases (tests, local runs) where a
// file on disk is the simplest way to hand the process a Config.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete set of semantic options from spec.md §6.
type Config struct {
	PrimaryProvider string `yaml:"primary_provider"` // "p1" | "p2"
	P1Enabled       bool   `yaml:"p1_enabled"`
	P2Enabled       bool   `yaml:"p2_enabled"`
	P1Credentials   string `yaml:"p1_credentials"`
	P1BaseURL       string `yaml:"p1_base_url"`
	P2WSURL         string `yaml:"p2_ws_url"`

	Fallback FallbackConfig `yaml:"fallback"`
	Polling  PollingConfig  `yaml:"polling"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	Backend  BackendConfig  `yaml:"backend"`
	Queue    QueueConfig    `yaml:"queue"`

	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Audit     AuditConfig     `yaml:"audit"`
	Admin     AdminConfig     `yaml:"admin"`

	AuthRoot string `yaml:"auth_root"` // per-tenant credential directories live here
}

// QueueConfig selects and configures the Inbound Delivery Queue's Store.
type QueueConfig struct {
	Backend     string `yaml:"backend"` // "file" | "redis"
	FilePath    string `yaml:"file_path"`
	RedisAddr   string `yaml:"redis_addr"`
	RedisPrefix string `yaml:"redis_prefix"`
}

// FallbackConfig governs Send Router retry/failover behavior (spec.md §4.4).
type FallbackConfig struct {
	Enabled      bool `yaml:"enabled"`
	MaxRetries   int  `yaml:"max_retries"`
	RetryDelayMs int  `yaml:"retry_delay_ms"`
	Triggers     FallbackTriggers `yaml:"triggers"`
}

// FallbackTriggers lists which ErrorClasses cause a provider failover.
type FallbackTriggers struct {
	Timeout       bool `yaml:"timeout"`
	RateLimit     bool `yaml:"rate_limit"`
	TemplateError bool `yaml:"template_error"`
	ServerError   bool `yaml:"server_error"`
}

// PollingConfig governs the Outbound Poller (spec.md §4.6).
type PollingConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// WebhookConfig governs the Webhook Forwarder (spec.md §4.7).
type WebhookConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// BackendConfig is the application backend's pull/ack endpoint (spec.md §6).
type BackendConfig struct {
	URL string `yaml:"url"`
	Key string `yaml:"key"`
}

// LogConfig controls zap construction, mirrored from the teacher's shape.
type LogConfig struct {
	Level            string   `yaml:"level"`
	Format           string   `yaml:"format"` // "json" | "console"
	OutputPaths      []string `yaml:"output_paths"`
	EnableCaller     bool     `yaml:"enable_caller"`
	EnableStacktrace bool     `yaml:"enable_stacktrace"`
}

// TelemetryConfig controls OTel SDK bring-up.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	ServiceName  string  `yaml:"service_name"`
	SampleRate   float64 `yaml:"sample_rate"`
}

// AuditConfig controls the embedded-SQLite session transition log.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"` // e.g. "./data/audit.db"
}

// AdminConfig controls the thin admin HTTP surface.
type AdminConfig struct {
	Addr      string `yaml:"addr"`
	JWTSecret string `yaml:"jwt_secret"`
	VerifyToken string `yaml:"verify_token"` // platform webhook verification token (spec.md §6)
}

// Default returns a complete, internally-consistent default configuration.
func Default() *Config {
	return &Config{
		PrimaryProvider: "p1",
		P1Enabled:       true,
		P2Enabled:       true,
		P1BaseURL:       "https://graph.example-platform.com",
		P2WSURL:         "wss://bridge.example-platform.com/socket",
		Fallback: FallbackConfig{
			Enabled:      true,
			MaxRetries:   3,
			RetryDelayMs: 1000,
			Triggers: FallbackTriggers{
				Timeout:       true,
				RateLimit:     true,
				TemplateError: true,
				ServerError:   true,
			},
		},
		Polling: PollingConfig{Interval: 5 * time.Second},
		Webhook: WebhookConfig{Timeout: 15 * time.Second},
		Backend: BackendConfig{},
		Queue: QueueConfig{
			Backend:     "file",
			FilePath:    "./data/inbound-queue.json",
			RedisPrefix: "gateway:queue",
		},
		Log: LogConfig{
			Level:        "info",
			Format:       "json",
			OutputPaths:  []string{"stdout"},
			EnableCaller: true,
		},
		Telemetry: TelemetryConfig{
			Enabled:      false,
			OTLPEndpoint: "localhost:4317",
			ServiceName:  "messaging-gateway",
			SampleRate:   0.1,
		},
		Audit: AuditConfig{
			Enabled: true,
			DSN:     "./data/audit.db",
		},
		Admin: AdminConfig{
			Addr: ":8080",
		},
		AuthRoot: "./data/auth",
	}
}

// Load reads a YAML config file over top of Default(), so an empty or
// partial file still yields a valid Config.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects configurations the rest of the system cannot run with.
func (c *Config) Validate() error {
	if c.PrimaryProvider != "p1" && c.PrimaryProvider != "p2" {
		return fmt.Errorf("primary_provider must be p1 or p2, got %q", c.PrimaryProvider)
	}
	if !c.P1Enabled && !c.P2Enabled {
		return fmt.Errorf("at least one of p1_enabled/p2_enabled must be true")
	}
	if c.Fallback.MaxRetries <= 0 {
		return fmt.Errorf("fallback.max_retries must be positive")
	}
	if c.Polling.Interval <= 0 {
		return fmt.Errorf("polling.interval must be positive")
	}
	if c.Queue.Backend != "file" && c.Queue.Backend != "redis" {
		return fmt.Errorf("queue.backend must be file or redis, got %q", c.Queue.Backend)
	}
	if c.Queue.Backend == "redis" && c.Queue.RedisAddr == "" {
		return fmt.Errorf("queue.redis_addr is required when queue.backend is redis")
	}
	return nil
}
