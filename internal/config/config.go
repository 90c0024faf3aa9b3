// Package config loads node configuration from a YAML or TOML file with
// environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/dreamware/spine/internal/cluster"
)

var (
	// ErrNodeIDRequired is returned when no node identity is configured.
	ErrNodeIDRequired = errors.New("node id is required")
	// ErrInvalidRole is returned for a role other than master, replica or probe.
	ErrInvalidRole = errors.New("invalid node role")
	// ErrInvalidPort is returned for a transport port outside 1-65535.
	ErrInvalidPort = errors.New("invalid transport port")
	// ErrInvalidReconnect is returned for a negative reconnect budget.
	ErrInvalidReconnect = errors.New("max reconnect attempts must not be negative")
	// ErrInvalidDuration is returned for an unparsable duration string.
	ErrInvalidDuration = errors.New("invalid duration")
	// ErrInvalidLogLevel is returned for an unknown logging level.
	ErrInvalidLogLevel = errors.New("invalid log level")
)

// Config holds all configuration for one node.
type Config struct {
	Node      NodeConfig      `yaml:"node" toml:"node"`
	Transport TransportConfig `yaml:"transport" toml:"transport"`
	Protocol  ProtocolConfig  `yaml:"protocol" toml:"protocol"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// NodeConfig identifies the node.
type NodeConfig struct {
	ID   string `yaml:"id" toml:"id"`
	Role string `yaml:"role" toml:"role"` // master, replica, probe
}

// TransportConfig locates the master's broker endpoint. The master binds
// it; replicas and probes dial it.
type TransportConfig struct {
	Address              string `yaml:"address" toml:"address"`
	Port                 int    `yaml:"port" toml:"port"`
	MaxReconnectAttempts int    `yaml:"max_reconnect_attempts" toml:"max_reconnect_attempts"`
	ReconnectInterval    string `yaml:"reconnect_interval" toml:"reconnect_interval"`
}

// ProtocolConfig tunes the coordination protocol. Durations are strings
// such as "5s" or "100ms".
type ProtocolConfig struct {
	RegisterAttempts   int    `yaml:"register_attempts" toml:"register_attempts"`
	RegisterPatience   string `yaml:"register_patience" toml:"register_patience"`
	ExchangePatience   string `yaml:"exchange_patience" toml:"exchange_patience"`
	HeartbeatInterval  string `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	HeartbeatStaleness string `yaml:"heartbeat_staleness" toml:"heartbeat_staleness"`
	DrainTimeout       string `yaml:"drain_timeout" toml:"drain_timeout"`
	DrainPoll          string `yaml:"drain_poll" toml:"drain_poll"`
	GatherWorkers      int    `yaml:"gather_workers" toml:"gather_workers"`
	DurableRetention   int    `yaml:"durable_retention" toml:"durable_retention"`
}

// LoggingConfig selects the log level and encoding.
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`   // debug, info, warn, error
	Format string `yaml:"format" toml:"format"` // json, console
}

// Default protocol values.
const (
	DefaultAddress              = "127.0.0.1"
	DefaultPort                 = 7400
	DefaultMaxReconnectAttempts = 10
	DefaultRegisterAttempts     = 120
	DefaultGatherWorkers        = 64
	DefaultDurableRetention     = 1024

	defaultReconnectInterval  = time.Second
	defaultRegisterPatience   = 5 * time.Second
	defaultExchangePatience   = 60 * time.Second
	defaultHeartbeatInterval  = time.Second
	defaultHeartbeatStaleness = 3 * time.Second
	defaultDrainTimeout       = 10 * time.Second
	defaultDrainPoll          = 100 * time.Millisecond
)

// DefaultConfig returns the default configuration. The node id is a fresh
// random identity.
func DefaultConfig() *Config {
	return &Config{
		Node: NodeConfig{
			ID:   "node-" + uuid.NewString(),
			Role: string(cluster.RoleReplica),
		},
		Transport: TransportConfig{
			Address:              DefaultAddress,
			Port:                 DefaultPort,
			MaxReconnectAttempts: DefaultMaxReconnectAttempts,
			ReconnectInterval:    defaultReconnectInterval.String(),
		},
		Protocol: ProtocolConfig{
			RegisterAttempts:   DefaultRegisterAttempts,
			RegisterPatience:   defaultRegisterPatience.String(),
			ExchangePatience:   defaultExchangePatience.String(),
			HeartbeatInterval:  defaultHeartbeatInterval.String(),
			HeartbeatStaleness: defaultHeartbeatStaleness.String(),
			DrainTimeout:       defaultDrainTimeout.String(),
			DrainPoll:          defaultDrainPoll.String(),
			GatherWorkers:      DefaultGatherWorkers,
			DurableRetention:   DefaultDurableRetention,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads configuration from path. Files ending in .toml are decoded as
// TOML, anything else as YAML. A missing file yields the defaults.
// Environment overrides are applied last.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := decode(path, data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if cfg.Node.ID == "" {
		cfg.Node.ID = "node-" + uuid.NewString()
	}
	cfg.applyEnvOverrides()
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		_, err := toml.Decode(string(data), cfg)
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// Save writes the configuration to path as YAML, or TOML for a .toml path.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	defer f.Close()

	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if err := toml.NewEncoder(f).Encode(c); err != nil {
			return fmt.Errorf("failed to marshal config: %w", err)
		}
		return nil
	}

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return enc.Close()
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if id := os.Getenv("SPINE_NODE_ID"); id != "" {
		c.Node.ID = id
	}
	if role := os.Getenv("SPINE_ROLE"); role != "" {
		c.Node.Role = role
	}
	if addr := os.Getenv("SPINE_TRANSPORT_ADDR"); addr != "" {
		c.Transport.Address = addr
	}
	if port := os.Getenv("SPINE_TRANSPORT_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Transport.Port = p
		}
	}
	if n := os.Getenv("SPINE_MAX_RECONNECT"); n != "" {
		if v, err := strconv.Atoi(n); err == nil {
			c.Transport.MaxReconnectAttempts = v
		}
	}
	if level := os.Getenv("SPINE_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}

// Validate checks the configuration and returns the first problem found.
func (c *Config) Validate() error {
	if c.Node.ID == "" {
		return ErrNodeIDRequired
	}
	if _, err := cluster.ParseRole(c.Node.Role); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidRole, c.Node.Role)
	}
	if c.Transport.Port < 1 || c.Transport.Port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, c.Transport.Port)
	}
	if c.Transport.MaxReconnectAttempts < 0 {
		return ErrInvalidReconnect
	}

	durations := []struct{ field, value string }{
		{"transport.reconnect_interval", c.Transport.ReconnectInterval},
		{"protocol.register_patience", c.Protocol.RegisterPatience},
		{"protocol.exchange_patience", c.Protocol.ExchangePatience},
		{"protocol.heartbeat_interval", c.Protocol.HeartbeatInterval},
		{"protocol.heartbeat_staleness", c.Protocol.HeartbeatStaleness},
		{"protocol.drain_timeout", c.Protocol.DrainTimeout},
		{"protocol.drain_poll", c.Protocol.DrainPoll},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		if _, err := time.ParseDuration(d.value); err != nil {
			return fmt.Errorf("%w for %s: %q", ErrInvalidDuration, d.field, d.value)
		}
	}

	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidLogLevel, c.Logging.Level)
	}
	return nil
}

// NodeRole returns the parsed role.
func (c *Config) NodeRole() cluster.Role {
	role, err := cluster.ParseRole(c.Node.Role)
	if err != nil {
		return cluster.RoleReplica
	}
	return role
}

// Endpoint returns the broker address as host:port.
func (c *Config) Endpoint() string {
	return net.JoinHostPort(c.Transport.Address, strconv.Itoa(c.Transport.Port))
}

func parseDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// GetReconnectInterval returns the pause between broker connect attempts.
func (c *Config) GetReconnectInterval() time.Duration {
	return parseDuration(c.Transport.ReconnectInterval, defaultReconnectInterval)
}

// GetRegisterPatience returns the wait per registration attempt.
func (c *Config) GetRegisterPatience() time.Duration {
	return parseDuration(c.Protocol.RegisterPatience, defaultRegisterPatience)
}

// GetExchangePatience returns the wait for generic request/response
// exchanges.
func (c *Config) GetExchangePatience() time.Duration {
	return parseDuration(c.Protocol.ExchangePatience, defaultExchangePatience)
}

// GetHeartbeatInterval returns the master's heartbeat period.
func (c *Config) GetHeartbeatInterval() time.Duration {
	return parseDuration(c.Protocol.HeartbeatInterval, defaultHeartbeatInterval)
}

// GetHeartbeatStaleness returns how long without a beat before the master
// is considered silent.
func (c *Config) GetHeartbeatStaleness() time.Duration {
	return parseDuration(c.Protocol.HeartbeatStaleness, defaultHeartbeatStaleness)
}

// GetDrainTimeout returns the budget for replicas to leave during a
// master-initiated shutdown.
func (c *Config) GetDrainTimeout() time.Duration {
	return parseDuration(c.Protocol.DrainTimeout, defaultDrainTimeout)
}

// GetDrainPoll returns how often the roster is checked while draining.
func (c *Config) GetDrainPoll() time.Duration {
	return parseDuration(c.Protocol.DrainPoll, defaultDrainPoll)
}
