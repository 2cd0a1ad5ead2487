// Package config provides configuration parsing and validation for the tern
// command line tools.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents a complete endpoint configuration.
type Config struct {
	Node    NodeConfig    `yaml:"node"`
	Listen  ListenConfig  `yaml:"listen"`
	TLS     TLSConfig     `yaml:"tls"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// NodeConfig contains process-wide settings.
type NodeConfig struct {
	LogLevel  string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat string `yaml:"log_format"` // text, json
}

// ListenConfig defines the host endpoint.
type ListenConfig struct {
	Address           string `yaml:"address"`            // IPv4 listen address
	Port              uint16 `yaml:"port"`               // 0 picks an ephemeral port
	MaxPeers          int    `yaml:"max_peers"`          // peer slot count
	ChannelLimit      int    `yaml:"channel_limit"`      // 0 means the protocol maximum
	IncomingBandwidth uint32 `yaml:"incoming_bandwidth"` // bytes/sec, 0 unlimited
	OutgoingBandwidth uint32 `yaml:"outgoing_bandwidth"` // bytes/sec, 0 unlimited
}

// TLSConfig defines certificate settings for the QUIC engine.
type TLSConfig struct {
	Cert         string `yaml:"cert"`          // certificate file path
	Key          string `yaml:"key"`           // private key file path
	StrictVerify bool   `yaml:"strict_verify"` // verify peer certificates
}

// MetricsConfig defines the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			LogLevel:  "info",
			LogFormat: "text",
		},
		Listen: ListenConfig{
			Address:      "127.0.0.1",
			Port:         0,
			MaxPeers:     32,
			ChannelLimit: 0,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: ":9090",
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

// envVarRegex matches ${VAR} or $VAR patterns
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

		// Handle default values: ${VAR:-default}
		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if !isValidLogLevel(c.Node.LogLevel) {
		errs = append(errs, fmt.Sprintf("node.log_level %q is invalid (debug, info, warn, error)", c.Node.LogLevel))
	}
	if !isValidLogFormat(c.Node.LogFormat) {
		errs = append(errs, fmt.Sprintf("node.log_format %q is invalid (text, json)", c.Node.LogFormat))
	}

	if c.Listen.Address != "" {
		ip := net.ParseIP(c.Listen.Address)
		if ip == nil || ip.To4() == nil {
			errs = append(errs, fmt.Sprintf("listen.address %q is not an IPv4 address", c.Listen.Address))
		}
	}
	if c.Listen.MaxPeers <= 0 {
		errs = append(errs, "listen.max_peers must be positive")
	}
	if c.Listen.ChannelLimit < 0 || c.Listen.ChannelLimit > 255 {
		errs = append(errs, "listen.channel_limit must be between 0 and 255")
	}

	if (c.TLS.Cert == "") != (c.TLS.Key == "") {
		errs = append(errs, "tls.cert and tls.key must be set together")
	}

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		errs = append(errs, "metrics.address is required when metrics are enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func isValidLogLevel(level string) bool {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}

func isValidLogFormat(format string) bool {
	switch strings.ToLower(format) {
	case "text", "json":
		return true
	}
	return false
}
