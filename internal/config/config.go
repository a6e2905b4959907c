package config

import (
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/heitortanoue/clocksync/pkg/phase"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// ClockConfig is the immutable per-agent synchronization configuration.
type ClockConfig struct {
	Period           time.Duration  `yaml:"period"`            // nominal clock period
	BroadcastDivisor int            `yaml:"broadcast_divisor"` // broadcast a trigger every Nth tick
	Gain             float64        `yaml:"gain"`              // alpha, share of the measured diff corrected per cycle
	Precision        float64        `yaml:"precision"`         // dead-band as a fraction of the period, 0 disables
	DiffMode         phase.DiffMode `yaml:"diff_mode"`         // relative or absolute diff telemetry
}

// NetworkConfig describes the UDP endpoints of a networked agent.
type NetworkConfig struct {
	BindAddr      string   `yaml:"bind_addr"`      // address the trigger listener binds to
	BroadcastAddr string   `yaml:"broadcast_addr"` // subnet broadcast address for triggers
	TriggerPort   int      `yaml:"trigger_port"`   // trigger exchange port (16320)
	TickPort      int      `yaml:"tick_port"`      // tick telemetry port (16321)
	DiffPort      int      `yaml:"diff_port"`      // diff telemetry port (16322)
	MonitorHosts  []string `yaml:"monitor_hosts"`  // hosts receiving tick/diff telemetry
	Peers         []string `yaml:"peers"`          // static unicast trigger targets, "host:port"
	QueueSize     int      `yaml:"queue_size"`     // per-sender queue capacity
}

// MembershipConfig configures optional SWIM discovery of peer agents.
type MembershipConfig struct {
	Enabled     bool          `yaml:"enabled"`
	NodeName    string        `yaml:"node_name"` // generated when empty
	BindAddr    string        `yaml:"bind_addr"`
	BindPort    int           `yaml:"bind_port"`
	Seeds       []string      `yaml:"seeds"`
	JoinTimeout time.Duration `yaml:"join_timeout"`
}

// MonitorConfig configures the headless telemetry monitor.
type MonitorConfig struct {
	RefreshInterval time.Duration `yaml:"refresh_interval"` // 0 means a quarter of the clock period
	EvictAfter      int           `yaml:"evict_after"`      // refresh cycles an agent may stay silent
	HTTPAddr        string        `yaml:"http_addr"`        // websocket feed address, empty disables
}

// SimulationConfig configures the in-process simulation.
type SimulationConfig struct {
	Agents  int  `yaml:"agents"`
	Stagger bool `yaml:"stagger"` // start agents at random offsets within one period
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Config is the full clocksync configuration.
type Config struct {
	Clock      ClockConfig      `yaml:"clock"`
	Network    NetworkConfig    `yaml:"network"`
	Membership MembershipConfig `yaml:"membership"`
	Monitor    MonitorConfig    `yaml:"monitor"`
	Simulation SimulationConfig `yaml:"simulation"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// DefaultClockConfig returns the default clock settings.
func DefaultClockConfig() ClockConfig {
	return ClockConfig{
		Period:           time.Second,
		BroadcastDivisor: 1,
		Gain:             1.0,
		Precision:        0.01,
		DiffMode:         phase.Relative,
	}
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Clock: DefaultClockConfig(),
		Network: NetworkConfig{
			BindAddr:      "0.0.0.0",
			BroadcastAddr: "255.255.255.255",
			TriggerPort:   16320,
			TickPort:      16321,
			DiffPort:      16322,
			MonitorHosts:  []string{"127.0.0.1"},
			QueueSize:     64,
		},
		Membership: MembershipConfig{
			Enabled:     false,
			BindAddr:    "0.0.0.0",
			BindPort:    7946,
			JoinTimeout: 30 * time.Second,
		},
		Monitor: MonitorConfig{
			EvictAfter: 40,
		},
		Simulation: SimulationConfig{
			Agents:  4,
			Stagger: true,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML file on top of DefaultConfig and validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// PeriodFromSeconds converts a period given in seconds, rejecting values that
// are not strictly positive and finite.
func PeriodFromSeconds(sec float64) (time.Duration, error) {
	if math.IsNaN(sec) || math.IsInf(sec, 0) || sec <= 0 {
		return 0, fmt.Errorf("%w: clock period must be a positive finite number of seconds, got %v", ErrInvalidConfig, sec)
	}
	d := time.Duration(math.Round(sec * float64(time.Second)))
	if d <= 0 {
		return 0, fmt.Errorf("%w: clock period %v rounds to zero", ErrInvalidConfig, sec)
	}
	return d, nil
}

// Validate checks the clock settings.
func (c ClockConfig) Validate() error {
	var problems []string

	if c.Period <= 0 {
		problems = append(problems, fmt.Sprintf("period must be > 0, got %v", c.Period))
	}
	if c.BroadcastDivisor < 1 {
		problems = append(problems, fmt.Sprintf("broadcast divisor must be >= 1, got %d", c.BroadcastDivisor))
	}
	if math.IsNaN(c.Gain) || math.IsInf(c.Gain, 0) || c.Gain <= 0 || c.Gain > 1 {
		problems = append(problems, fmt.Sprintf("gain must be in (0, 1], got %v", c.Gain))
	}
	if math.IsNaN(c.Precision) || c.Precision < 0 || c.Precision >= 1 {
		problems = append(problems, fmt.Sprintf("precision must be in [0, 1), got %v", c.Precision))
	}
	if c.DiffMode != phase.Relative && c.DiffMode != phase.Absolute {
		problems = append(problems, fmt.Sprintf("diff mode must be relative or absolute, got %q", c.DiffMode))
	}

	return join(problems)
}

// Validate checks the whole configuration.
func (c *Config) Validate() error {
	problems := []string{}
	if err := c.Clock.Validate(); err != nil {
		problems = append(problems, strings.TrimPrefix(err.Error(), ErrInvalidConfig.Error()+": "))
	}

	n := c.Network
	for name, port := range map[string]int{"trigger": n.TriggerPort, "tick": n.TickPort, "diff": n.DiffPort} {
		if port <= 0 || port > 65535 {
			problems = append(problems, fmt.Sprintf("%s port out of range: %d", name, port))
		}
	}
	if n.TriggerPort == n.TickPort || n.TriggerPort == n.DiffPort || n.TickPort == n.DiffPort {
		problems = append(problems, "trigger, tick and diff ports must be distinct")
	}
	if net.ParseIP(n.BroadcastAddr) == nil {
		problems = append(problems, fmt.Sprintf("broadcast address is not an IP: %q", n.BroadcastAddr))
	}
	for _, peer := range n.Peers {
		if _, _, err := net.SplitHostPort(peer); err != nil {
			problems = append(problems, fmt.Sprintf("peer %q is not host:port", peer))
		}
	}
	if n.QueueSize < 1 {
		problems = append(problems, fmt.Sprintf("queue size must be >= 1, got %d", n.QueueSize))
	}

	if c.Membership.Enabled && (c.Membership.BindPort < 0 || c.Membership.BindPort > 65535) {
		problems = append(problems, fmt.Sprintf("membership port out of range: %d", c.Membership.BindPort))
	}
	if c.Monitor.RefreshInterval < 0 {
		problems = append(problems, "monitor refresh interval must not be negative")
	}
	if c.Monitor.EvictAfter < 1 {
		problems = append(problems, fmt.Sprintf("monitor evict_after must be >= 1, got %d", c.Monitor.EvictAfter))
	}
	if c.Simulation.Agents < 1 {
		problems = append(problems, fmt.Sprintf("simulation needs at least one agent, got %d", c.Simulation.Agents))
	}

	return join(problems)
}

// MonitorRefresh returns the effective monitor refresh interval.
func (c *Config) MonitorRefresh() time.Duration {
	if c.Monitor.RefreshInterval > 0 {
		return c.Monitor.RefreshInterval
	}
	return c.Clock.Period / 4
}

func join(problems []string) error {
	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
}

// ParsePeers parses a comma-separated list of "host:port" trigger peers.
func ParsePeers(peersStr string) ([]string, error) {
	if strings.TrimSpace(peersStr) == "" {
		return []string{}, nil
	}

	parts := strings.Split(peersStr, ",")
	peers := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		host, port, err := net.SplitHostPort(part)
		if err != nil || host == "" || port == "" {
			return nil, fmt.Errorf("invalid peer format: %s (expected host:port)", part)
		}
		peers = append(peers, part)
	}
	return peers, nil
}
