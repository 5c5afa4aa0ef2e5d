package config

import (
	"fmt"
	"strings"

	"github.com/docker/go-units"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig        `mapstructure:"server"`
	Sandbox   SandboxConfig       `mapstructure:"sandbox"`
	Logging   LoggingConfig       `mapstructure:"logging"`
	Languages map[string]Language `mapstructure:"languages"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Transport     string  `mapstructure:"transport"`
	HTTPPort      int     `mapstructure:"http_port"`
	MaxConcurrent int     `mapstructure:"max_concurrent"`
	RateLimit     float64 `mapstructure:"rate_limit"`
	RateBurst     int     `mapstructure:"rate_burst"`
}

// SandboxConfig holds sandbox configuration
type SandboxConfig struct {
	Backend           string `mapstructure:"backend"`
	StagingDir        string `mapstructure:"staging_dir"`
	NetworkEnabled    bool   `mapstructure:"network_enabled"`
	DefaultLanguage   string `mapstructure:"default_language"`
	DefaultMemory     string `mapstructure:"default_memory"`
	DefaultCPU        int    `mapstructure:"default_cpu"`
	DefaultTimeoutSec int    `mapstructure:"default_timeout_sec"`

	// CPU pinning is wired through to the run spec but stays off until the
	// host has cgroup cpuset support.
	CPUPinning  bool `mapstructure:"cpu_pinning"`
	WorkerIndex int  `mapstructure:"worker_index"`
}

// LoggingConfig holds logger configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// Language describes how code for one language is run.
//
// Image may contain a {version} placeholder and each Command element may
// contain a {file} placeholder for the in-sandbox path of the code file.
type Language struct {
	Image          string            `mapstructure:"image"`
	DefaultVersion string            `mapstructure:"default_version"`
	Extension      string            `mapstructure:"extension"`
	Command        []string          `mapstructure:"command"`
	Environment    map[string]string `mapstructure:"environment"`
}

// Transport names
const (
	TransportHTTP    = "http"
	TransportStdio   = "stdio"
	TransportMCPHTTP = "mcp-http"
)

// Backend names
const (
	BackendDocker    = "docker"
	BackendDockerCLI = "docker-cli"
	BackendPodman    = "podman"
)

// EnvPrefix is the prefix for environment overrides, e.g. EXECBOX_SERVER_HTTP_PORT.
const EnvPrefix = "EXECBOX"

// New loads and validates the application configuration
func New() (*Config, error) {
	return Load(viper.New(), "")
}

// Load reads configuration into v. When path is empty the usual search
// locations are used and a missing file is not an error.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	config.normalizeEnvironment()

	// Validate configuration
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.transport", TransportHTTP)
	v.SetDefault("server.http_port", 5097)
	v.SetDefault("server.max_concurrent", 0)
	v.SetDefault("server.rate_limit", 0)
	v.SetDefault("server.rate_burst", 1)

	v.SetDefault("sandbox.backend", BackendDocker)
	v.SetDefault("sandbox.staging_dir", "")
	v.SetDefault("sandbox.network_enabled", false)
	v.SetDefault("sandbox.default_language", "python")
	v.SetDefault("sandbox.default_memory", "128m")
	v.SetDefault("sandbox.default_cpu", 1)
	v.SetDefault("sandbox.default_timeout_sec", 5)
	v.SetDefault("sandbox.cpu_pinning", false)
	v.SetDefault("sandbox.worker_index", 0)

	v.SetDefault("logging.mode", "production")
	v.SetDefault("logging.level", "info")

	// Python defaults
	v.SetDefault("languages.python.image", "python:{version}-slim")
	v.SetDefault("languages.python.default_version", "3.9")
	v.SetDefault("languages.python.extension", "py")
	v.SetDefault("languages.python.command", []string{"python3", "{file}"})
}

// normalizeEnvironment upper-cases environment variable names, which viper
// folds to lower case.
func (c *Config) normalizeEnvironment() {
	for name, lang := range c.Languages {
		if len(lang.Environment) == 0 {
			continue
		}
		env := make(map[string]string, len(lang.Environment))
		for key, value := range lang.Environment {
			env[strings.ToUpper(key)] = value
		}
		lang.Environment = env
		c.Languages[name] = lang
	}
}

// validate ensures the configuration is valid
func (c *Config) validate() error {
	switch c.Server.Transport {
	case TransportHTTP, TransportStdio, TransportMCPHTTP:
	default:
		return fmt.Errorf("invalid server.transport: %s, must be 'http', 'stdio' or 'mcp-http'", c.Server.Transport)
	}

	if c.Server.Transport != TransportStdio && (c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535) {
		return fmt.Errorf("server.http_port out of range: %d", c.Server.HTTPPort)
	}

	if c.Server.MaxConcurrent < 0 {
		return fmt.Errorf("server.max_concurrent must not be negative, got: %d", c.Server.MaxConcurrent)
	}

	if c.Server.RateLimit < 0 {
		return fmt.Errorf("server.rate_limit must not be negative, got: %v", c.Server.RateLimit)
	}

	if c.Sandbox.DefaultTimeoutSec <= 0 {
		return fmt.Errorf("sandbox.default_timeout_sec must be positive, got: %d", c.Sandbox.DefaultTimeoutSec)
	}

	if c.Sandbox.DefaultCPU <= 0 {
		return fmt.Errorf("sandbox.default_cpu must be positive, got: %d", c.Sandbox.DefaultCPU)
	}

	if _, err := units.RAMInBytes(c.Sandbox.DefaultMemory); err != nil {
		return fmt.Errorf("invalid sandbox.default_memory %q: %w", c.Sandbox.DefaultMemory, err)
	}

	supportedBackends := map[string]bool{
		BackendDocker:    true,
		BackendDockerCLI: true,
		BackendPodman:    true,
	}

	if !supportedBackends[c.Sandbox.Backend] {
		return fmt.Errorf("unsupported sandbox.backend: %s", c.Sandbox.Backend)
	}

	if c.Sandbox.WorkerIndex < 0 {
		return fmt.Errorf("sandbox.worker_index must not be negative, got: %d", c.Sandbox.WorkerIndex)
	}

	if c.Logging.Mode != "development" && c.Logging.Mode != "production" {
		return fmt.Errorf("invalid logging.mode: %s, must be 'development' or 'production'", c.Logging.Mode)
	}

	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}

	for name, lang := range c.Languages {
		if lang.Image == "" {
			return fmt.Errorf("languages.%s.image is required", name)
		}
		if len(lang.Command) == 0 {
			return fmt.Errorf("languages.%s.command is required", name)
		}
		if lang.Extension == "" {
			return fmt.Errorf("languages.%s.extension is required", name)
		}
	}

	return nil
}
