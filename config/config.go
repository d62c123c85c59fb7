package config

import (
	"fmt"
	"strings"
	"time"

	units "github.com/docker/go-units"
	"github.com/spf13/viper"
)

// Sandbox backends
const (
	BackendDocker    = "docker"
	BackendDockerCLI = "docker-cli"
	BackendPodman    = "podman"
)

// MCP transports
const (
	TransportNone  = "none"
	TransportStdio = "stdio"
	TransportHTTP  = "http"
)

var validLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "error": true,
	"dpanic": true, "panic": true, "fatal": true,
}

// EnvPrefix is prepended to every environment override, e.g. CODERUN_SANDBOX_TIMEOUT.
const EnvPrefix = "CODERUN"

// Config represents the application configuration
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	MCP     MCPConfig     `mapstructure:"mcp"`
	Sandbox SandboxConfig `mapstructure:"sandbox"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds the REST server configuration
type ServerConfig struct {
	HTTPPort     int           `mapstructure:"http_port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	MaxBodyBytes int64         `mapstructure:"max_body_bytes"`
}

// MCPConfig holds the MCP tool server configuration
type MCPConfig struct {
	Transport string `mapstructure:"transport"`
	HTTPPort  int    `mapstructure:"http_port"`
}

// SandboxConfig holds sandbox configuration. It is fixed per deployment.
type SandboxConfig struct {
	Backend        string        `mapstructure:"backend"`
	DockerEndpoint string        `mapstructure:"docker_endpoint"`
	Image          string        `mapstructure:"image"`
	Command        []string      `mapstructure:"command"`
	User           string        `mapstructure:"user"`
	Timeout        time.Duration `mapstructure:"timeout"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	CleanupTimeout time.Duration `mapstructure:"cleanup_timeout"`
	MemoryLimit    string        `mapstructure:"memory_limit"`
	PidsLimit      int64         `mapstructure:"pids_limit"`
	NetworkEnabled bool          `mapstructure:"network_enabled"`
	MaxCodeLength  int           `mapstructure:"max_code_length"`
	MaxOutputBytes int           `mapstructure:"max_output_bytes"`
	MaxConcurrent  int           `mapstructure:"max_concurrent"`
	SweepOnStart   bool          `mapstructure:"sweep_on_start"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// New loads and validates the application configuration from ./config.yaml or
// ./config/config.yaml, falling back to defaults when neither exists.
func New() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	return load(v)
}

// NewFromFile loads and validates the configuration from an explicit file.
func NewFromFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_port", 8000)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 75*time.Second)
	v.SetDefault("server.max_body_bytes", 1<<16)

	v.SetDefault("mcp.transport", TransportNone)
	v.SetDefault("mcp.http_port", 8081)

	v.SetDefault("sandbox.backend", BackendDocker)
	v.SetDefault("sandbox.docker_endpoint", "")
	v.SetDefault("sandbox.image", "python:3.9")
	v.SetDefault("sandbox.command", []string{"python3", "-c"})
	v.SetDefault("sandbox.user", "nobody")
	v.SetDefault("sandbox.timeout", 5*time.Second)
	v.SetDefault("sandbox.poll_interval", 50*time.Millisecond)
	v.SetDefault("sandbox.cleanup_timeout", 30*time.Second)
	v.SetDefault("sandbox.memory_limit", "50m")
	v.SetDefault("sandbox.pids_limit", 64)
	v.SetDefault("sandbox.network_enabled", false)
	v.SetDefault("sandbox.max_code_length", 5000)
	v.SetDefault("sandbox.max_output_bytes", 1<<20)
	v.SetDefault("sandbox.max_concurrent", 0)
	v.SetDefault("sandbox.sweep_on_start", true)

	v.SetDefault("logging.mode", "production")
	v.SetDefault("logging.level", "info")
}

// validate ensures the configuration is valid
//
//nolint:gocyclo // flat list of independent checks
func (c *Config) validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid server.http_port: %d", c.Server.HTTPPort)
	}

	if c.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("server.max_body_bytes must be positive, got: %d", c.Server.MaxBodyBytes)
	}

	switch c.MCP.Transport {
	case TransportNone, TransportStdio:
	case TransportHTTP:
		if c.MCP.HTTPPort <= 0 || c.MCP.HTTPPort > 65535 {
			return fmt.Errorf("invalid mcp.http_port: %d", c.MCP.HTTPPort)
		}
		if c.MCP.HTTPPort == c.Server.HTTPPort {
			return fmt.Errorf("mcp.http_port must differ from server.http_port (%d)", c.Server.HTTPPort)
		}
	default:
		return fmt.Errorf("invalid mcp.transport: %s, must be 'none', 'stdio' or 'http'", c.MCP.Transport)
	}

	switch c.Sandbox.Backend {
	case BackendDocker, BackendDockerCLI, BackendPodman:
	default:
		return fmt.Errorf("unsupported sandbox.backend: %s", c.Sandbox.Backend)
	}

	if c.Sandbox.Image == "" {
		return fmt.Errorf("sandbox.image must not be empty")
	}

	if len(c.Sandbox.Command) == 0 {
		return fmt.Errorf("sandbox.command must not be empty")
	}

	if c.Sandbox.Timeout <= 0 {
		return fmt.Errorf("sandbox.timeout must be positive, got: %s", c.Sandbox.Timeout)
	}

	if c.Sandbox.PollInterval <= 0 || c.Sandbox.PollInterval > c.Sandbox.Timeout {
		return fmt.Errorf("sandbox.poll_interval must be positive and not exceed sandbox.timeout, got: %s", c.Sandbox.PollInterval)
	}

	if c.Sandbox.CleanupTimeout <= 0 {
		return fmt.Errorf("sandbox.cleanup_timeout must be positive, got: %s", c.Sandbox.CleanupTimeout)
	}

	if _, err := c.MemoryLimitBytes(); err != nil {
		return err
	}

	if c.Sandbox.PidsLimit < 0 {
		return fmt.Errorf("sandbox.pids_limit must not be negative, got: %d", c.Sandbox.PidsLimit)
	}

	if c.Sandbox.MaxCodeLength <= 0 {
		return fmt.Errorf("sandbox.max_code_length must be positive, got: %d", c.Sandbox.MaxCodeLength)
	}

	if c.Sandbox.MaxOutputBytes <= 0 {
		return fmt.Errorf("sandbox.max_output_bytes must be positive, got: %d", c.Sandbox.MaxOutputBytes)
	}

	if c.Sandbox.MaxConcurrent < 0 {
		return fmt.Errorf("sandbox.max_concurrent must not be negative, got: %d", c.Sandbox.MaxConcurrent)
	}

	if c.Logging.Mode != "production" && c.Logging.Mode != "development" {
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}

	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}

	return nil
}

// MemoryLimitBytes parses sandbox.memory_limit ("50m", "1g", "268435456").
func (c *Config) MemoryLimitBytes() (int64, error) {
	n, err := units.RAMInBytes(c.Sandbox.MemoryLimit)
	if err != nil {
		return 0, fmt.Errorf("invalid sandbox.memory_limit %q: %w", c.Sandbox.MemoryLimit, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("sandbox.memory_limit must be positive, got: %s", c.Sandbox.MemoryLimit)
	}
	return n, nil
}

// ServerAddr returns the REST listen address.
func (c *Config) ServerAddr() string {
	return fmt.Sprintf(":%d", c.Server.HTTPPort)
}
