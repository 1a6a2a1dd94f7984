package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Config holds all configuration settings for the application
type Config struct {
	Environment string          `mapstructure:"environment"`
	LogLevel    string          `mapstructure:"log_level"`
	Database    DatabaseConfig  `mapstructure:"database"`
	Pipeline    PipelineConfig  `mapstructure:"pipeline"`
	Channel     ChannelConfig   `mapstructure:"channel"`
	Judges      JudgesConfig    `mapstructure:"judges"`
	Gateway     GatewayConfig   `mapstructure:"gateway"`
	Scheduler   SchedulerConfig `mapstructure:"scheduler"`
	Security    SecurityConfig  `mapstructure:"security"`
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	URL      string        `mapstructure:"url"`
	Embedded bool          `mapstructure:"embedded"`
	Port     int           `mapstructure:"port"`
	DataDir  string        `mapstructure:"data_dir"`
	MaxConns int           `mapstructure:"max_conns"`
	Timeout  time.Duration `mapstructure:"timeout"`
	SSLMode  string        `mapstructure:"ssl_mode"`
}

// PipelineConfig holds consensus pipeline settings
type PipelineConfig struct {
	// DecisionTimeout bounds how long a candidate may stay pending before
	// it is abandoned with whatever verdicts were collected.
	DecisionTimeout time.Duration `mapstructure:"decision_timeout"`
	// MinResponderFraction is the fraction of the candidate's frozen judge
	// set that must respond before a decision can be made early. 1.0 means
	// all judges must respond or the deadline decides.
	MinResponderFraction float64 `mapstructure:"min_responder_fraction"`
	// TieAccept flips the tie-break policy. The default (false) rejects on
	// an exact accept/reject split.
	TieAccept bool `mapstructure:"tie_accept"`
	// LateVerdictWindow keeps a decided session around so late verdicts can
	// be recognized and logged rather than treated as unknown candidates.
	LateVerdictWindow time.Duration `mapstructure:"late_verdict_window"`
}

// ChannelConfig holds message channel settings
type ChannelConfig struct {
	QueueDepth     int           `mapstructure:"queue_depth"`
	Retention      time.Duration `mapstructure:"retention"`
	PublishRetries int           `mapstructure:"publish_retries"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
	MaxRetryDelay  time.Duration `mapstructure:"max_retry_delay"`
}

// JudgesConfig holds judge worker settings
type JudgesConfig struct {
	Enabled         []string      `mapstructure:"enabled"`
	EvalTimeout     time.Duration `mapstructure:"eval_timeout"`
	MaxRestarts     int           `mapstructure:"max_restarts"`
	RestartBackoff  time.Duration `mapstructure:"restart_backoff"`
	MaxBackoff      time.Duration `mapstructure:"max_backoff"`
	HeartbeatExpiry time.Duration `mapstructure:"heartbeat_expiry"`
}

// GatewayConfig holds HTTP/WebSocket gateway settings
type GatewayConfig struct {
	Addr            string        `mapstructure:"addr"`
	AuthRequired    bool          `mapstructure:"auth_required"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	SendBufferSize  int           `mapstructure:"send_buffer_size"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// SchedulerConfig holds maintenance scheduler settings
type SchedulerConfig struct {
	SweepSchedule string `mapstructure:"sweep_schedule"`
}

// SecurityConfig holds security related configuration
type SecurityConfig struct {
	JWTSecret     string        `mapstructure:"jwt_secret"`
	TokenExpiry   time.Duration `mapstructure:"token_expiry"`
	KeyFile       string        `mapstructure:"key_file"`
	MaxPayloadLen int           `mapstructure:"max_payload_len"`
}

// Load reads the configuration file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set default configuration values
	setDefaults(v)

	// Read the config file
	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, will rely on defaults and env vars
	}

	// Override with environment variables
	v.SetEnvPrefix("EQC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Parse the configuration
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values for all configuration options
func setDefaults(v *viper.Viper) {
	// General defaults
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")

	// Pipeline defaults
	v.SetDefault("pipeline.decision_timeout", "30s")
	v.SetDefault("pipeline.min_responder_fraction", 1.0)
	v.SetDefault("pipeline.tie_accept", false)
	v.SetDefault("pipeline.late_verdict_window", "1m")

	// Channel defaults
	v.SetDefault("channel.queue_depth", 1024)
	v.SetDefault("channel.retention", "5m")
	v.SetDefault("channel.publish_retries", 3)
	v.SetDefault("channel.retry_delay", "100ms")
	v.SetDefault("channel.max_retry_delay", "5s")

	// Judge defaults
	v.SetDefault("judges.enabled", []string{"theorem", "numerical", "symbolic"})
	v.SetDefault("judges.eval_timeout", "10s")
	v.SetDefault("judges.max_restarts", 5)
	v.SetDefault("judges.restart_backoff", "200ms")
	v.SetDefault("judges.max_backoff", "30s")
	v.SetDefault("judges.heartbeat_expiry", "1m")

	// Gateway defaults
	v.SetDefault("gateway.addr", ":8080")
	v.SetDefault("gateway.auth_required", false)
	v.SetDefault("gateway.write_timeout", "10s")
	v.SetDefault("gateway.send_buffer_size", 64)
	v.SetDefault("gateway.shutdown_timeout", "10s")

	// Scheduler defaults
	v.SetDefault("scheduler.sweep_schedule", "@every 15s")

	// Security defaults
	v.SetDefault("security.token_expiry", "24h")
	v.SetDefault("security.max_payload_len", 4096)

	// Database defaults
	v.SetDefault("database.embedded", false)
	v.SetDefault("database.port", 5433)
	v.SetDefault("database.data_dir", "./data/postgres")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.timeout", "30s")
	v.SetDefault("database.ssl_mode", "disable")
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := c.validateDatabase(); err != nil {
		return fmt.Errorf("database config: %w", err)
	}

	if err := c.validatePipeline(); err != nil {
		return fmt.Errorf("pipeline config: %w", err)
	}

	if err := c.validateChannel(); err != nil {
		return fmt.Errorf("channel config: %w", err)
	}

	if err := c.validateJudges(); err != nil {
		return fmt.Errorf("judges config: %w", err)
	}

	if err := c.validateSecurity(); err != nil {
		return fmt.Errorf("security config: %w", err)
	}

	return nil
}

func (c *Config) validateDatabase() error {
	if c.Database.URL == "" && !c.Database.Embedded {
		return fmt.Errorf("database URL cannot be empty unless embedded mode is enabled")
	}
	if c.Database.Embedded && (c.Database.Port <= 0 || c.Database.Port > 65535) {
		return fmt.Errorf("invalid embedded database port: %d", c.Database.Port)
	}
	if c.Database.MaxConns <= 0 {
		return fmt.Errorf("max_conns must be positive")
	}
	if c.Database.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	return nil
}

func (c *Config) validatePipeline() error {
	if c.Pipeline.DecisionTimeout <= 0 {
		return fmt.Errorf("decision_timeout must be positive")
	}
	if c.Pipeline.MinResponderFraction <= 0 || c.Pipeline.MinResponderFraction > 1 {
		return fmt.Errorf("min_responder_fraction must be in (0, 1]")
	}
	return nil
}

func (c *Config) validateChannel() error {
	if c.Channel.QueueDepth <= 0 {
		return fmt.Errorf("queue_depth must be positive")
	}
	if c.Channel.Retention <= 0 {
		return fmt.Errorf("retention must be positive")
	}
	if c.Channel.PublishRetries < 0 {
		return fmt.Errorf("publish_retries cannot be negative")
	}
	return nil
}

func (c *Config) validateJudges() error {
	if len(c.Judges.Enabled) == 0 {
		return fmt.Errorf("at least one judge must be enabled")
	}
	if c.Judges.EvalTimeout <= 0 {
		return fmt.Errorf("eval_timeout must be positive")
	}
	if c.Judges.MaxRestarts < 0 {
		return fmt.Errorf("max_restarts cannot be negative")
	}
	return nil
}

func (c *Config) validateSecurity() error {
	if c.Security.MaxPayloadLen <= 0 {
		return fmt.Errorf("max_payload_len must be positive")
	}
	if c.Gateway.AuthRequired && c.Security.JWTSecret == "" {
		return fmt.Errorf("jwt_secret required when gateway auth is enabled")
	}
	if c.Security.KeyFile != "" {
		if !filepath.IsAbs(c.Security.KeyFile) {
			c.Security.KeyFile = filepath.Clean(c.Security.KeyFile)
		}
	}
	return nil
}

// GetLogLevel returns a zap log level based on the configured string
func (c *Config) GetLogLevel() zap.AtomicLevel {
	level := zap.NewAtomicLevel()
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		level.SetLevel(zap.DebugLevel)
	case "info":
		level.SetLevel(zap.InfoLevel)
	case "warn":
		level.SetLevel(zap.WarnLevel)
	case "error":
		level.SetLevel(zap.ErrorLevel)
	default:
		level.SetLevel(zap.InfoLevel)
	}
	return level
}

// IsDevelopment returns true if the environment is set to development
func (c *Config) IsDevelopment() bool {
	return strings.ToLower(c.Environment) == "development"
}
