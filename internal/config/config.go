// ABOUTME: Configuration loading and parsing for warden-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete warden-gateway configuration
type Config struct {
	Server   ServerConfig            `yaml:"server"`
	Database DatabaseConfig          `yaml:"database"`
	Auth     AuthConfig              `yaml:"auth"`
	Vault    VaultConfig             `yaml:"vault"`
	Memory   MemoryConfig            `yaml:"memory"`
	Flows    FlowsConfig             `yaml:"flows"`
	Policy   PolicyConfig            `yaml:"policy"`
	Gateway  GatewayConfig           `yaml:"gateway"`
	OAuth    map[string]OAuthService `yaml:"oauth"`
	Logging  LoggingConfig           `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds session token configuration
type AuthConfig struct {
	SessionSecret string        `yaml:"session_secret"`
	SessionTTL    time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	SessionTTLRaw string `yaml:"session_ttl"`
}

// VaultConfig holds credential encryption and refresh configuration
type VaultConfig struct {
	// EncryptionKey is the base64-encoded 32-byte key for credential
	// blobs at rest. Typically supplied via ${WARDEN_VAULT_KEY}.
	EncryptionKey  string        `yaml:"encryption_key"`
	RefreshGrace   time.Duration `yaml:"-"`
	RefreshTimeout time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	RefreshGraceRaw   string `yaml:"refresh_grace"`
	RefreshTimeoutRaw string `yaml:"refresh_timeout"`
}

// MemoryConfig holds conversation memory configuration
type MemoryConfig struct {
	// Capacity is the per-principal entry cap. Zero selects the default.
	Capacity int `yaml:"capacity"`
}

// FlowsConfig holds OAuth flow state configuration
type FlowsConfig struct {
	StateTTL      time.Duration `yaml:"-"`
	SweepInterval time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	StateTTLRaw      string `yaml:"state_ttl"`
	SweepIntervalRaw string `yaml:"sweep_interval"`
}

// PolicyConfig holds authorization allow-lists
type PolicyConfig struct {
	AdminUsers    []string `yaml:"admin_users"`
	AllowedUsers  []string `yaml:"allowed_users"`
	AllowedGroups []string `yaml:"allowed_groups"`
	DevMode       bool     `yaml:"dev_mode"`
}

// GatewayConfig holds event pipeline sizing
type GatewayConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
}

// OAuthService holds per-service OAuth client configuration
type OAuthService struct {
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	AuthURL      string   `yaml:"auth_url"`
	TokenURL     string   `yaml:"token_url"`
	RedirectURL  string   `yaml:"redirect_url"`
	Scopes       []string `yaml:"scopes"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults applied after parsing when fields are left unset.
const (
	DefaultSessionTTL     = 24 * time.Hour
	DefaultRefreshGrace   = 5 * time.Minute
	DefaultRefreshTimeout = 30 * time.Second
	DefaultMemoryCapacity = 50
	DefaultStateTTL       = 10 * time.Minute
	DefaultSweepInterval  = time.Minute
	DefaultWorkers        = 4
	DefaultQueueSize      = 64
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills unset fields with their defaults.
func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = ":8080"
	}
	if c.Auth.SessionTTL == 0 {
		c.Auth.SessionTTL = DefaultSessionTTL
	}
	if c.Vault.RefreshGrace == 0 {
		c.Vault.RefreshGrace = DefaultRefreshGrace
	}
	if c.Vault.RefreshTimeout == 0 {
		c.Vault.RefreshTimeout = DefaultRefreshTimeout
	}
	if c.Memory.Capacity == 0 {
		c.Memory.Capacity = DefaultMemoryCapacity
	}
	if c.Flows.StateTTL == 0 {
		c.Flows.StateTTL = DefaultStateTTL
	}
	if c.Flows.SweepInterval == 0 {
		c.Flows.SweepInterval = DefaultSweepInterval
	}
	if c.Gateway.Workers == 0 {
		c.Gateway.Workers = DefaultWorkers
	}
	if c.Gateway.QueueSize == 0 {
		c.Gateway.QueueSize = DefaultQueueSize
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Auth.SessionSecret == "" {
		return fmt.Errorf("auth.session_secret is required")
	}

	if c.Vault.EncryptionKey == "" {
		return fmt.Errorf("vault.encryption_key is required")
	}

	if c.Memory.Capacity < 0 {
		return fmt.Errorf("memory.capacity must not be negative")
	}

	if c.Gateway.Workers < 0 || c.Gateway.QueueSize < 0 {
		return fmt.Errorf("gateway.workers and gateway.queue_size must not be negative")
	}

	for name, svc := range c.OAuth {
		if svc.ClientID == "" {
			return fmt.Errorf("oauth.%s.client_id is required", name)
		}
		if svc.AuthURL == "" || svc.TokenURL == "" {
			return fmt.Errorf("oauth.%s requires auth_url and token_url", name)
		}
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"auth.session_ttl", cfg.Auth.SessionTTLRaw, &cfg.Auth.SessionTTL},
		{"vault.refresh_grace", cfg.Vault.RefreshGraceRaw, &cfg.Vault.RefreshGrace},
		{"vault.refresh_timeout", cfg.Vault.RefreshTimeoutRaw, &cfg.Vault.RefreshTimeout},
		{"flows.state_ttl", cfg.Flows.StateTTLRaw, &cfg.Flows.StateTTL},
		{"flows.sweep_interval", cfg.Flows.SweepIntervalRaw, &cfg.Flows.SweepInterval},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
