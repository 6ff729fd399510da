package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// =============================================================================
// Config Types
// =============================================================================

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig           `mapstructure:"server"`
	Database  DatabaseConfig         `mapstructure:"database"`
	Docker    DockerConfig           `mapstructure:"docker"`
	Log       LogConfig              `mapstructure:"log"`
	Deploy    DeployConfig           `mapstructure:"deploy"`
	Ports     PortsConfig            `mapstructure:"ports"`
	Build     BuildConfig            `mapstructure:"build"`
	Healing   HealingConfig          `mapstructure:"healing"`
	Generator GeneratorConfig        `mapstructure:"generator"`
	Sandbox   SandboxConfig          `mapstructure:"sandbox"`
	Notify    NotifyConfig           `mapstructure:"notify"`
	Queue     QueueConfig            `mapstructure:"queue"`
	Queues    map[string]QueueTuning `mapstructure:"queues"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Address returns the server address in host:port format.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

// DockerConfig holds Docker client configuration.
type DockerConfig struct {
	Host string `mapstructure:"host"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DeployConfig holds deployment runtime configuration.
type DeployConfig struct {
	// Host is the public hostname used to build app URLs when a deployment
	// has no custom domain.
	Host string `mapstructure:"host"`

	// MemoryLimit is the per-container memory ceiling in bytes.
	MemoryLimit int64 `mapstructure:"memory_limit"`

	// CPULimit is the per-container CPU ceiling in cores.
	CPULimit float64 `mapstructure:"cpu_limit"`

	// StopGrace is how long a container gets to exit before force-kill.
	StopGrace time.Duration `mapstructure:"stop_grace"`
}

// PortsConfig holds the host port pool bounds.
type PortsConfig struct {
	Min int `mapstructure:"min"`
	Max int `mapstructure:"max"`
}

// BuildConfig holds image build configuration.
type BuildConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// HealingConfig holds self-healing loop configuration.
type HealingConfig struct {
	// MaxRetries is the per-generation fix-attempt bound. The first build
	// is not a retry.
	MaxRetries int `mapstructure:"max_retries"`
}

// GeneratorConfig holds code generation service configuration.
type GeneratorConfig struct {
	// URL is the base URL of the external code generation service.
	URL string `mapstructure:"url"`

	// APIKey authenticates with the generation service.
	APIKey string `mapstructure:"api_key"`

	// Timeout bounds one generate or fix call.
	Timeout time.Duration `mapstructure:"timeout"`
}

// SandboxConfig holds project workspace configuration.
type SandboxConfig struct {
	// Dir is the root under which per-project build contexts are written.
	Dir string `mapstructure:"dir"`
}

// NotifyConfig holds event notification configuration.
type NotifyConfig struct {
	// WebhookURL receives lifecycle events as JSON POSTs. Empty disables
	// the webhook sink; events still go to the structured log.
	WebhookURL string `mapstructure:"webhook_url"`

	// BufferSize is the in-memory event buffer. A full buffer drops events.
	BufferSize int `mapstructure:"buffer_size"`
}

// QueueConfig holds job queue tuning.
type QueueConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	StallTimeout time.Duration `mapstructure:"stall_timeout"`
}

// QueueTuning holds per-queue worker tuning. Zero-valued fields keep the
// built-in defaults for that queue.
type QueueTuning struct {
	Concurrency   int     `mapstructure:"concurrency"`
	RatePerSecond float64 `mapstructure:"rate_per_second"`
	MaxAttempts   int     `mapstructure:"max_attempts"`
}

// =============================================================================
// Config Loading
// =============================================================================

// LoadConfig loads configuration from file and environment.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("database.dsn", "./data/appship.db")
	v.SetDefault("docker.host", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("deploy.host", "localhost")
	v.SetDefault("deploy.memory_limit", 512*1024*1024)
	v.SetDefault("deploy.cpu_limit", 1.0)
	v.SetDefault("deploy.stop_grace", "10s")
	v.SetDefault("ports.min", 4000)
	v.SetDefault("ports.max", 5000)
	v.SetDefault("build.timeout", "10m")
	v.SetDefault("healing.max_retries", 3)
	v.SetDefault("generator.url", "")
	v.SetDefault("generator.api_key", "")
	v.SetDefault("generator.timeout", "5m")
	v.SetDefault("sandbox.dir", "./data/projects")
	v.SetDefault("notify.webhook_url", "")
	v.SetDefault("notify.buffer_size", 256)
	v.SetDefault("queue.poll_interval", "500ms")
	v.SetDefault("queue.stall_timeout", "60s")
	v.SetDefault("queues.generation.concurrency", 3)
	v.SetDefault("queues.generation.rate_per_second", 1)
	v.SetDefault("queues.generation.max_attempts", 1)
	v.SetDefault("queues.build.concurrency", 2)
	v.SetDefault("queues.build.rate_per_second", 3)
	v.SetDefault("queues.build.max_attempts", 3)
	v.SetDefault("queues.deploy.concurrency", 2)
	v.SetDefault("queues.deploy.rate_per_second", 3)
	v.SetDefault("queues.deploy.max_attempts", 3)
	v.SetDefault("queues.notification.concurrency", 10)
	v.SetDefault("queues.notification.rate_per_second", 5)
	v.SetDefault("queues.notification.max_attempts", 5)

	// Load from file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// Only return error if file was explicitly specified and is invalid
			if _, ok := err.(viper.ConfigParseError); ok {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
			// File not found is OK, we'll use defaults
		}
	}

	// Enable environment variable overrides
	v.SetEnvPrefix("APPSHIP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Unmarshal config
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// =============================================================================
// Logger Setup
// =============================================================================

// SetupLogger creates a logger with the configured level and format.
func SetupLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Log.Format) == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
