// Package config provides configuration management for the Kalpana control plane.
//
// This package handles loading configuration from multiple sources with proper precedence:
//   - YAML configuration files
//   - Environment variables (KALPANA_ prefix)
//   - .env files
//   - Default values
//
// # Configuration Sources Priority
//
// Configuration is loaded in the following order (later sources override earlier ones):
//  1. Default values (set via SetConfigDefaults)
//  2. Configuration files (./config.yaml, ./configs/config.yaml, ~/.kalpana/config.yaml, /etc/kalpana/config.yaml)
//  3. .env files
//  4. Environment variables (KALPANA_ prefix)
//
// A handful of well-known variables are honored without the prefix because
// they are shared conventions (DOCKER_HOST, REDIS_URL, TRAEFIK_*,
// CONTAINER_PORT_RANGE_START/END, DEFAULT_CONTAINER_MEMORY/CPU,
// KALPANA_BASE_DOMAIN, KALPANA_CONTAINER_DIR).
//
// # Usage Example
//
//	cfg, err := config.Load("")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Port range: %d-%d\n", cfg.Ports.RangeStart, cfg.Ports.RangeEnd)
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DockerConfig contains Docker daemon connection settings.
type DockerConfig struct {
	// Host is the Docker daemon endpoint. Empty means: honor the
	// DOCKER_HOST environment variable, then fall back to the OS default
	// (unix socket or Windows named pipe).
	Host string `mapstructure:"host"`

	// APIVersion pins the negotiated Docker API version (empty = negotiate)
	APIVersion string `mapstructure:"api_version"`
}

// PortsConfig contains host port allocation settings.
type PortsConfig struct {
	// RangeStart is the first host port handed out (default: 40000)
	RangeStart int `mapstructure:"range_start"`

	// RangeEnd is the last host port handed out (default: 50000)
	RangeEnd int `mapstructure:"range_end"`

	// Blacklist lists ports that are never handed out
	Blacklist []int `mapstructure:"blacklist"`

	// BindTimeout bounds the OS bind probe per candidate port
	BindTimeout time.Duration `mapstructure:"bind_timeout"`
}

// ProxyConfig contains edge router (Traefik) settings.
type ProxyConfig struct {
	// Image is the Traefik image to run (default: traefik:v3.1)
	Image string `mapstructure:"image"`

	// ContainerName is the deterministic name of the proxy container
	ContainerName string `mapstructure:"container_name"`

	// Network is the shared bridge network joined by routed containers
	Network string `mapstructure:"network"`

	// Email is the ACME account email for certificate issuance
	Email string `mapstructure:"email"`

	// BaseURL is the Traefik dashboard/API base URL, if exposed
	BaseURL string `mapstructure:"base_url"`
}

// PlatformConfig contains platform-wide settings.
type PlatformConfig struct {
	// BaseDomain is the platform domain used for auto-generated
	// subdomains (empty = expose via host ports only)
	BaseDomain string `mapstructure:"base_domain"`

	// ContainerDir is the host directory holding the workspace image
	// build context (Dockerfile and startup scripts)
	ContainerDir string `mapstructure:"container_dir"`

	// GitUserName is the git identity injected into workspaces
	GitUserName string `mapstructure:"git_user_name"`

	// GitUserEmail is the git identity injected into workspaces
	GitUserEmail string `mapstructure:"git_user_email"`

	// OpenRouterAPIKey is forwarded to workspace containers for
	// autocomplete and agent model access
	OpenRouterAPIKey string `mapstructure:"openrouter_api_key"`

	// AutocompleteModel is the model slug used by the in-editor autocompleter
	AutocompleteModel string `mapstructure:"autocomplete_model"`
}

// ContainersConfig contains per-container resource defaults.
type ContainersConfig struct {
	// Memory is the default container memory limit in bytes (default: 2 GiB)
	Memory int64 `mapstructure:"memory"`

	// NanoCPUs is the default CPU limit in units of 1e-9 cores (default: 2 cores)
	NanoCPUs int64 `mapstructure:"nano_cpus"`

	// WorkspaceImage is the tag of the locally built workspace image
	WorkspaceImage string `mapstructure:"workspace_image"`

	// BuildImage is the ephemeral image used for standalone deployment builds
	BuildImage string `mapstructure:"build_image"`

	// ExecTimeout bounds a single container exec (default: 30s)
	ExecTimeout time.Duration `mapstructure:"exec_timeout"`

	// ReadinessTimeout bounds the workspace readiness watcher (default: 2m)
	ReadinessTimeout time.Duration `mapstructure:"readiness_timeout"`
}

// RedisConfig contains event bus connection settings.
type RedisConfig struct {
	// URL is the Redis connection URL (default: redis://localhost:6379)
	URL string `mapstructure:"url"`
}

// StoreConfig contains persistent state store settings.
type StoreConfig struct {
	// Driver selects the gorm driver: "postgres" or "sqlite"
	Driver string `mapstructure:"driver"`

	// DSN is the database connection string
	DSN string `mapstructure:"dsn"`
}

// SecretsConfig contains secret handling settings.
type SecretsConfig struct {
	// Key is the symmetric key material for env var encryption at rest
	Key string `mapstructure:"key"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error)
	Level string `mapstructure:"level"`

	// Format is the log format (json, text)
	Format string `mapstructure:"format"`
}

// ServerConfig contains the gateway HTTP server configuration.
type ServerConfig struct {
	// Host is the server bind address (default: 0.0.0.0)
	Host string `mapstructure:"host"`

	// Port is the server listen port (default: 8095)
	Port int `mapstructure:"port"`

	// ShutdownTimeout is the maximum duration for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Config is the root configuration for the control plane.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Docker     DockerConfig     `mapstructure:"docker"`
	Ports      PortsConfig      `mapstructure:"ports"`
	Proxy      ProxyConfig      `mapstructure:"proxy"`
	Platform   PlatformConfig   `mapstructure:"platform"`
	Containers ContainersConfig `mapstructure:"containers"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Store      StoreConfig      `mapstructure:"store"`
	Secrets    SecretsConfig    `mapstructure:"secrets"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// Loader provides configuration loading functionality.
type Loader struct {
	v      *viper.Viper
	prefix string
}

// NewLoader creates a new configuration loader with the given environment prefix.
func NewLoader(envPrefix string) *Loader {
	return &Loader{
		v:      viper.New(),
		prefix: envPrefix,
	}
}

// SetConfigDefaults sets standard control-plane defaults.
func (l *Loader) SetConfigDefaults() {
	l.v.SetDefault("server.host", "0.0.0.0")
	l.v.SetDefault("server.port", 8095)
	l.v.SetDefault("server.shutdown_timeout", "10s")

	l.v.SetDefault("docker.host", "")
	l.v.SetDefault("docker.api_version", "")

	l.v.SetDefault("ports.range_start", 40000)
	l.v.SetDefault("ports.range_end", 50000)
	l.v.SetDefault("ports.blacklist", []int{3002, 3003})
	l.v.SetDefault("ports.bind_timeout", "1s")

	l.v.SetDefault("proxy.image", "traefik:v3.1")
	l.v.SetDefault("proxy.container_name", "kalpana-proxy")
	l.v.SetDefault("proxy.network", "kalpana-net")
	l.v.SetDefault("proxy.email", "")
	l.v.SetDefault("proxy.base_url", "")

	l.v.SetDefault("platform.base_domain", "")
	l.v.SetDefault("platform.container_dir", "./container")
	l.v.SetDefault("platform.git_user_name", "Kalpana")
	l.v.SetDefault("platform.git_user_email", "workspace@kalpana.dev")
	l.v.SetDefault("platform.autocomplete_model", "")

	l.v.SetDefault("containers.memory", int64(2*1024*1024*1024))
	l.v.SetDefault("containers.nano_cpus", int64(2_000_000_000))
	l.v.SetDefault("containers.workspace_image", "kalpana-workspace:latest")
	l.v.SetDefault("containers.build_image", "node:20-alpine")
	l.v.SetDefault("containers.exec_timeout", "30s")
	l.v.SetDefault("containers.readiness_timeout", "2m")

	l.v.SetDefault("redis.url", "redis://localhost:6379")

	l.v.SetDefault("store.driver", "postgres")
	l.v.SetDefault("store.dsn", "")

	l.v.SetDefault("secrets.key", "")

	l.v.SetDefault("logging.level", "info")
	l.v.SetDefault("logging.format", "text")
}

// Load reads configuration from file, .env, and environment variables.
// If cfgFile is empty, searches for config.yaml in standard locations.
func (l *Loader) Load(cfgFile string, target interface{}) error {
	if cfgFile != "" {
		l.v.SetConfigFile(cfgFile)
	} else {
		l.v.SetConfigName("config")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(".")
		l.v.AddConfigPath("./configs")
		l.v.AddConfigPath("$HOME/.kalpana")
		l.v.AddConfigPath("/etc/kalpana")
	}

	if err := l.v.ReadInConfig(); err != nil {
		if cfgFile != "" && !isFileNotFoundError(err) {
			return fmt.Errorf("error reading config file: %w", err)
		}
		if cfgFile == "" {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	// Merge .env file if present
	l.v.SetConfigFile(".env")
	l.v.SetConfigType("env")
	_ = l.v.MergeInConfig()

	if l.prefix != "" {
		l.v.SetEnvPrefix(l.prefix)
	}
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	if err := l.v.Unmarshal(target); err != nil {
		return fmt.Errorf("unable to decode config: %w", err)
	}

	return nil
}

// Load is a convenience function that loads configuration with standard
// defaults, the KALPANA_ environment prefix, and the shared unprefixed
// variables applied on top.
func Load(cfgFile string) (*Config, error) {
	loader := NewLoader("KALPANA")
	loader.SetConfigDefaults()

	cfg := &Config{}
	if err := loader.Load(cfgFile, cfg); err != nil {
		return nil, err
	}

	applyWellKnownEnv(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyWellKnownEnv overlays the unprefixed environment variables shared with
// the container side and with Traefik deployments.
func applyWellKnownEnv(cfg *Config) {
	if v := os.Getenv("DOCKER_HOST"); v != "" {
		cfg.Docker.Host = v
	}
	if v := os.Getenv("CONTAINER_PORT_RANGE_START"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Ports.RangeStart = n
		}
	}
	if v := os.Getenv("CONTAINER_PORT_RANGE_END"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Ports.RangeEnd = n
		}
	}
	if v := os.Getenv("DEFAULT_CONTAINER_MEMORY"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Containers.Memory = n
		}
	}
	if v := os.Getenv("DEFAULT_CONTAINER_CPU"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Containers.NanoCPUs = int64(f * 1e9)
		}
	}
	if v := os.Getenv("TRAEFIK_BASE_URL"); v != "" {
		cfg.Proxy.BaseURL = v
	}
	if v := os.Getenv("TRAEFIK_EMAIL"); v != "" {
		cfg.Proxy.Email = v
	}
	if v := os.Getenv("TRAEFIK_NETWORK"); v != "" {
		cfg.Proxy.Network = v
	}
	if v := os.Getenv("KALPANA_BASE_DOMAIN"); v != "" {
		cfg.Platform.BaseDomain = v
	}
	if v := os.Getenv("KALPANA_CONTAINER_DIR"); v != "" {
		cfg.Platform.ContainerDir = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("OPENROUTER_API_KEY"); v != "" {
		cfg.Platform.OpenRouterAPIKey = v
	}
	if v := os.Getenv("AUTOCOMPLETE_MODEL"); v != "" {
		cfg.Platform.AutocompleteModel = v
	}
}

// Validate validates the loaded configuration.
func Validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}
	if cfg.Ports.RangeStart < 1024 || cfg.Ports.RangeEnd > 65535 {
		return fmt.Errorf("invalid port range: %d-%d", cfg.Ports.RangeStart, cfg.Ports.RangeEnd)
	}
	if cfg.Ports.RangeEnd <= cfg.Ports.RangeStart {
		return fmt.Errorf("port range end %d must be greater than start %d", cfg.Ports.RangeEnd, cfg.Ports.RangeStart)
	}
	if cfg.Store.Driver != "postgres" && cfg.Store.Driver != "sqlite" {
		return fmt.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
	return nil
}

// isFileNotFoundError checks if an error is a file not found error.
func isFileNotFoundError(err error) bool {
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return errors.Is(pathErr, os.ErrNotExist)
	}
	return false
}
