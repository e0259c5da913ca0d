// Package config provides configuration parsing and validation for the WGX
// relay daemon.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wgx-net/wgx/internal/wgkey"
)

// AllowAll is the wildcard value for allowed_public_keys.
const AllowAll = "all"

// Config represents the complete relay configuration.
type Config struct {
	Relay   RelayConfig   `yaml:"relay"`
	Logging LoggingConfig `yaml:"logging"`
	Health  HealthConfig  `yaml:"health"`
}

// RelayConfig contains the relay identity and datagram-plane settings.
type RelayConfig struct {
	// PrivateKey is the relay's static Curve25519 key, base64.
	PrivateKey string `yaml:"private_key"`

	// ListenPort is the UDP port the relay binds.
	ListenPort int `yaml:"listen_port"`

	// AllowedPublicKeys is the list of peer public keys the relay will
	// complete handshakes with, or the single literal "all".
	AllowedPublicKeys []string `yaml:"allowed_public_keys"`

	// PresharedKey is an optional relay-wide PSK for the relay's own
	// peer sessions, base64.
	PresharedKey string `yaml:"preshared_key"`

	// HandshakeRate is the number of handshake initiations per second
	// above which the relay answers with cookie replies.
	HandshakeRate int `yaml:"handshake_rate"`

	// Workers is the number of datagram dispatch workers. Source
	// addresses are pinned to workers by hash, so traffic between any
	// two peers is never reordered regardless of the worker count.
	Workers int `yaml:"workers"`
}

// LoggingConfig contains log output settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// HealthConfig defines the HTTP health/metrics endpoint.
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	return &Config{
		Relay: RelayConfig{
			ListenPort:    51820,
			HandshakeRate: 120,
			Workers:       1,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Health: HealthConfig{
			Enabled:      false,
			Address:      ":8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}
		return os.Getenv(name)
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Relay.PrivateKey == "" {
		errs = append(errs, "relay.private_key is required")
	} else if _, err := wgkey.ParsePrivateKey(c.Relay.PrivateKey); err != nil {
		errs = append(errs, fmt.Sprintf("relay.private_key: %v", err))
	}

	if c.Relay.ListenPort < 1 || c.Relay.ListenPort > 65535 {
		errs = append(errs, fmt.Sprintf("relay.listen_port must be between 1 and 65535, got %d", c.Relay.ListenPort))
	}

	if c.Relay.PresharedKey != "" {
		if _, err := wgkey.ParsePresharedKey(c.Relay.PresharedKey); err != nil {
			errs = append(errs, fmt.Sprintf("relay.preshared_key: %v", err))
		}
	}

	if !c.AllowsAll() {
		for i, s := range c.Relay.AllowedPublicKeys {
			if _, err := wgkey.ParsePublicKey(s); err != nil {
				errs = append(errs, fmt.Sprintf("relay.allowed_public_keys[%d]: %v", i, err))
			}
		}
	} else if len(c.Relay.AllowedPublicKeys) > 1 {
		errs = append(errs, `relay.allowed_public_keys: "all" cannot be combined with explicit keys`)
	}

	if c.Relay.HandshakeRate < 1 {
		errs = append(errs, "relay.handshake_rate must be positive")
	}
	if c.Relay.Workers < 1 {
		errs = append(errs, "relay.workers must be positive")
	}

	if !isValidLogLevel(c.Logging.Level) {
		errs = append(errs, fmt.Sprintf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level))
	}
	if !isValidLogFormat(c.Logging.Format) {
		errs = append(errs, fmt.Sprintf("invalid logging.format: %s (must be text or json)", c.Logging.Format))
	}

	if c.Health.Enabled && c.Health.Address == "" {
		errs = append(errs, "health.address is required when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// AllowsAll reports whether the allow-list is the wildcard.
func (c *Config) AllowsAll() bool {
	for _, s := range c.Relay.AllowedPublicKeys {
		if strings.EqualFold(s, AllowAll) {
			return true
		}
	}
	return false
}

// PrivateKey returns the parsed relay private key. Validate must have
// passed.
func (c *Config) PrivateKey() (wgkey.PrivateKey, error) {
	return wgkey.ParsePrivateKey(c.Relay.PrivateKey)
}

// PresharedKey returns the parsed relay-wide preshared key, or a zero key
// when unset.
func (c *Config) PresharedKey() (wgkey.PresharedKey, error) {
	if c.Relay.PresharedKey == "" {
		return wgkey.PresharedKey{}, nil
	}
	return wgkey.ParsePresharedKey(c.Relay.PresharedKey)
}

// AllowedKeys returns the parsed allow-list. Empty with AllowsAll() false
// means nothing is allowed.
func (c *Config) AllowedKeys() ([]wgkey.PublicKey, error) {
	if c.AllowsAll() {
		return nil, nil
	}
	keys := make([]wgkey.PublicKey, 0, len(c.Relay.AllowedPublicKeys))
	for _, s := range c.Relay.AllowedPublicKeys {
		pk, err := wgkey.ParsePublicKey(s)
		if err != nil {
			return nil, err
		}
		keys = append(keys, pk)
	}
	return keys, nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

// Example returns a commented example configuration for `wgxd init`.
func Example(privateKey wgkey.PrivateKey) string {
	return fmt.Sprintf(`# WGX relay configuration.
relay:
  # The relay's static Curve25519 private key (base64).
  private_key: %q

  # UDP port to listen on.
  listen_port: 51820

  # Peer public keys the relay will complete handshakes with.
  # Use the single literal "all" to accept any peer that completes
  # a valid handshake (forwarding still requires declared pairs).
  allowed_public_keys: []

  # Optional relay-wide preshared key (base64).
  # preshared_key: ""

  # Handshake initiations per second before cookie replies kick in.
  handshake_rate: 120

logging:
  level: info
  format: text

health:
  enabled: false
  address: ":8080"
`, privateKey.String())
}
