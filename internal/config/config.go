// Package config loads node configuration documents and relay settings.
package config

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ErrConfig is the class of every configuration failure; fatal at startup.
var ErrConfig = errors.New("config error")

// RelayConfig holds settings for the stand-alone relay binary.
type RelayConfig struct {
	Port        int
	SSLEnabled  bool
	SSLKeyPath  string
	SSLCertPath string
	JWTSecret   string
	DupPolicy   string // "reject" or "displace"
	LogLevel    string
}

// ParseRelayConfig parses relay configuration from flags and environment
// variables. Flags take precedence over environment.
func ParseRelayConfig() (RelayConfig, error) {
	return parseRelayConfigWithFlagSet(flag.CommandLine, os.Args[1:])
}

// parseRelayConfigWithFlagSet is an internal helper for testing with
// isolated flag sets.
func parseRelayConfigWithFlagSet(fs *flag.FlagSet, args []string) (RelayConfig, error) {
	cfg := RelayConfig{
		Port:      8443,
		DupPolicy: "reject",
		LogLevel:  "info",
	}

	// Environment first
	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil || p < 1 || p > 65535 {
			return cfg, fmt.Errorf("%w: invalid PORT %q", ErrConfig, port)
		}
		cfg.Port = p
	}
	if ssl := os.Getenv("SSL_ENABLED"); ssl != "" {
		cfg.SSLEnabled = ssl == "1" || ssl == "true"
	}
	if v := os.Getenv("SSL_KEY_PATH"); v != "" {
		cfg.SSLKeyPath = v
	}
	if v := os.Getenv("SSL_CERT_PATH"); v != "" {
		cfg.SSLCertPath = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}

	// Flags override environment
	fs.IntVar(&cfg.Port, "port", cfg.Port, "listen port")
	fs.BoolVar(&cfg.SSLEnabled, "ssl", cfg.SSLEnabled, "serve over TLS")
	fs.StringVar(&cfg.SSLKeyPath, "ssl-key", cfg.SSLKeyPath, "TLS key path")
	fs.StringVar(&cfg.SSLCertPath, "ssl-cert", cfg.SSLCertPath, "TLS certificate path")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", cfg.JWTSecret, "shared token secret")
	fs.StringVar(&cfg.DupPolicy, "dup-policy", cfg.DupPolicy, "duplicate peer id policy (reject, displace)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	if err := fs.Parse(args); err != nil {
		return cfg, fmt.Errorf("%w: %v", ErrConfig, err)
	}

	if cfg.JWTSecret == "" {
		return cfg, fmt.Errorf("%w: JWT_SECRET is required", ErrConfig)
	}
	if cfg.DupPolicy != "reject" && cfg.DupPolicy != "displace" {
		return cfg, fmt.Errorf("%w: dup-policy must be reject or displace, got %q", ErrConfig, cfg.DupPolicy)
	}
	if cfg.SSLEnabled && (cfg.SSLKeyPath == "" || cfg.SSLCertPath == "") {
		return cfg, fmt.Errorf("%w: SSL enabled but key or certificate path missing", ErrConfig)
	}
	return cfg, nil
}

// Signaling names the relay endpoint and the node's bearer token.
type Signaling struct {
	URI         string `yaml:"uri"`
	Token       string `yaml:"token"`
	InsecureTLS bool   `yaml:"insecure_tls,omitempty"`
}

// ICEServer describes one STUN/TURN entry, in configured priority order.
type ICEServer struct {
	URI      string `yaml:"uri"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
}

// Channels fixes the data channel labels; they must match between paired
// nodes.
type Channels struct {
	Control   string `yaml:"control"`
	Telemetry string `yaml:"telemetry"`
}

// Sensor is an opaque device descriptor handed to the vehicle drivers.
type Sensor struct {
	Kind   string            `yaml:"kind"`
	Device string            `yaml:"device"`
	Params map[string]string `yaml:"params,omitempty"`
}

// UI configures the cockpit's local operator interface server.
type UI struct {
	Addr      string `yaml:"addr"`
	AssetPath string `yaml:"asset_path"`
}

// Node is the configuration document for a vehicle or cockpit node.
type Node struct {
	Signaling            Signaling   `yaml:"signaling"`
	LocalID              string      `yaml:"local_id"`
	TargetID             string      `yaml:"target_id,omitempty"` // cockpit only
	ICEServers           []ICEServer `yaml:"ice_servers,omitempty"`
	Channels             Channels    `yaml:"channels"`
	HeartbeatMs          int         `yaml:"heartbeat_ms"`
	ReconnectMaxAttempts int         `yaml:"reconnect_max_attempts,omitempty"`
	LogLevel             string      `yaml:"log_level,omitempty"`

	Sensors []Sensor `yaml:"sensors,omitempty"` // vehicle only
	UI      *UI      `yaml:"ui,omitempty"`      // cockpit only
}

// LoadNode reads and validates a node configuration document.
func LoadNode(path string) (Node, error) {
	var cfg Node
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("%w: read %s: %v", ErrConfig, path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("%w: parse %s: %v", ErrConfig, path, err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Node) validate() error {
	if c.Signaling.URI == "" {
		return fmt.Errorf("%w: signaling.uri is required", ErrConfig)
	}
	if c.Signaling.Token == "" {
		return fmt.Errorf("%w: signaling.token is required", ErrConfig)
	}
	if c.LocalID == "" {
		return fmt.Errorf("%w: local_id is required", ErrConfig)
	}
	if c.Channels.Control == "" || c.Channels.Telemetry == "" {
		return fmt.Errorf("%w: channels.control and channels.telemetry are required", ErrConfig)
	}
	if c.Channels.Control == c.Channels.Telemetry {
		return fmt.Errorf("%w: channel labels must be distinct", ErrConfig)
	}
	if c.HeartbeatMs < 0 {
		return fmt.Errorf("%w: heartbeat_ms must not be negative", ErrConfig)
	}
	if c.ReconnectMaxAttempts < 0 {
		return fmt.Errorf("%w: reconnect_max_attempts must not be negative", ErrConfig)
	}
	for i, s := range c.ICEServers {
		if s.URI == "" {
			return fmt.Errorf("%w: ice_servers[%d].uri is required", ErrConfig, i)
		}
	}
	return nil
}

func (c *Node) applyDefaults() {
	if c.ReconnectMaxAttempts == 0 {
		c.ReconnectMaxAttempts = 5
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}
