package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xiaonanln/canvasgov/governor"
	"github.com/xiaonanln/canvasgov/sampler"
	"github.com/xiaonanln/canvasgov/util/logger"
)

// SurfaceConfig holds the host surface settings
type SurfaceConfig struct {
	Name         string        `yaml:"name"`
	TickInterval time.Duration `yaml:"tick_interval"`
	Nodes        []NodeConfig  `yaml:"nodes"` // Optional: nodes mounted by the demo host
}

// NodeConfig describes one node mounted at startup
type NodeConfig struct {
	ID       string `yaml:"id"`
	Tier     string `yaml:"tier"`
	Category string `yaml:"category"`
}

// GovernorConfig holds the governor policy. Unset fields keep their defaults,
// which is also how remote config patches are decoded.
type GovernorConfig struct {
	Enabled       *bool          `yaml:"enabled,omitempty"`
	MinThroughput *float64       `yaml:"min_throughput,omitempty"`
	MaxIsolated   *int           `yaml:"max_isolated,omitempty"`
	RestoreDelay  *time.Duration `yaml:"restore_delay,omitempty"`
	SettleTime    *time.Duration `yaml:"settle_time,omitempty"`
}

// SamplerConfig holds the throughput sampler settings
type SamplerConfig struct {
	Window      time.Duration `yaml:"window"`
	StallWindow time.Duration `yaml:"stall_window"`
	MaxSamples  int           `yaml:"max_samples"`
}

// InspectorConfig holds the operator endpoints
type InspectorConfig struct {
	HTTPAddr string `yaml:"http_addr"` // HTTP/JSON, SSE and /metrics
	GRPCAddr string `yaml:"grpc_addr"` // gRPC inspector service
}

// EtcdConfig holds etcd-specific configuration
type EtcdConfig struct {
	Endpoints []string `yaml:"endpoints"` // Optional: remote config is off when empty
	Prefix    string   `yaml:"prefix"`
}

// PostgresConfig holds PostgreSQL database connection configuration
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"` // Use "require" in production
}

// JournalConfig holds the transition journal settings
type JournalConfig struct {
	Enabled    bool           `yaml:"enabled"`
	BufferSize int            `yaml:"buffer_size"`
	Postgres   PostgresConfig `yaml:"postgres"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Config is the root configuration structure
type Config struct {
	Version   int             `yaml:"version"`
	Surface   SurfaceConfig   `yaml:"surface"`
	Governor  GovernorConfig  `yaml:"governor"`
	Sampler   SamplerConfig   `yaml:"sampler"`
	Inspector InspectorConfig `yaml:"inspector"`
	Etcd      EtcdConfig      `yaml:"etcd"`
	Journal   JournalConfig   `yaml:"journal"`
	Logging   LoggingConfig   `yaml:"logging"`
}

const (
	DefaultSurfaceName  = "canvas"
	DefaultTickInterval = 100 * time.Millisecond
	DefaultHTTPAddr     = ":8090"
	DefaultGRPCAddr     = ":9090"
	DefaultEtcdPrefix   = "/canvasgov"
	DefaultJournalSize  = 1024
)

// Default returns the configuration used for every field a file leaves out
func Default() *Config {
	sc := sampler.DefaultConfig()
	return &Config{
		Version: 1,
		Surface: SurfaceConfig{
			Name:         DefaultSurfaceName,
			TickInterval: DefaultTickInterval,
		},
		Sampler: SamplerConfig{
			Window:      sc.Window,
			StallWindow: sc.StallWindow,
			MaxSamples:  sc.MaxSamples,
		},
		Inspector: InspectorConfig{
			HTTPAddr: DefaultHTTPAddr,
			GRPCAddr: DefaultGRPCAddr,
		},
		Etcd: EtcdConfig{
			Prefix: DefaultEtcdPrefix,
		},
		Journal: JournalConfig{
			BufferSize: DefaultJournalSize,
			Postgres: PostgresConfig{
				Host:     "localhost",
				Port:     5432,
				User:     "canvasgov",
				Password: "canvasgov",
				Database: "canvasgov",
				SSLMode:  "disable",
			},
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML document on top of Default and validates the result
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	cfg.Version = 0
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Version != 1 {
		return fmt.Errorf("unsupported config version: %d (expected 1)", c.Version)
	}

	if c.Surface.Name == "" {
		return fmt.Errorf("surface name is required")
	}
	if c.Surface.TickInterval <= 0 {
		return fmt.Errorf("surface tick_interval must be positive")
	}

	// Validate nodes
	nodeIDs := make(map[string]bool)
	for i, node := range c.Surface.Nodes {
		if node.ID == "" {
			return fmt.Errorf("node %d: id is required", i)
		}
		if nodeIDs[node.ID] {
			return fmt.Errorf("duplicate node id: %s", node.ID)
		}
		nodeIDs[node.ID] = true

		if _, err := node.ParseTier(); err != nil {
			return fmt.Errorf("node %s: %w", node.ID, err)
		}
	}

	if err := c.GovernorConfig().Validate(); err != nil {
		return fmt.Errorf("governor: %w", err)
	}
	if err := c.SamplerConfig().Validate(); err != nil {
		return err
	}

	if c.Inspector.HTTPAddr == "" && c.Inspector.GRPCAddr == "" {
		return fmt.Errorf("at least one of inspector http_addr and grpc_addr is required")
	}

	if len(c.Etcd.Endpoints) > 0 && c.Etcd.Prefix == "" {
		return fmt.Errorf("etcd prefix is required")
	}

	if c.Journal.Enabled {
		pg := c.Journal.Postgres
		if pg.Host == "" || pg.Port <= 0 || pg.User == "" || pg.Database == "" {
			return fmt.Errorf("journal postgres host, port, user and database are required")
		}
		if c.Journal.BufferSize <= 0 {
			return fmt.Errorf("journal buffer_size must be positive")
		}
	}

	if _, err := logger.ParseLevel(c.Logging.Level); err != nil {
		return err
	}

	return nil
}

// ParseTier returns the node tier; an empty tier means normal
func (n NodeConfig) ParseTier() (governor.Tier, error) {
	if n.Tier == "" {
		return governor.TierNormal, nil
	}
	return governor.ParseTier(n.Tier)
}

// Spec converts the node entry into a registration spec
func (n NodeConfig) Spec() (governor.NodeSpec, error) {
	tier, err := n.ParseTier()
	if err != nil {
		return governor.NodeSpec{}, err
	}
	return governor.NodeSpec{ID: n.ID, Tier: tier, Category: n.Category}, nil
}

// PatchFrom is the inverse of Patch
func PatchFrom(p governor.ConfigPatch) GovernorConfig {
	return GovernorConfig{
		Enabled:       p.Enabled,
		MinThroughput: p.MinThroughput,
		MaxIsolated:   p.MaxIsolated,
		RestoreDelay:  p.RestoreDelay,
		SettleTime:    p.SettleTime,
	}
}

// Patch returns the fields set in g as a governor config patch
func (g GovernorConfig) Patch() governor.ConfigPatch {
	return governor.ConfigPatch{
		Enabled:       g.Enabled,
		MinThroughput: g.MinThroughput,
		MaxIsolated:   g.MaxIsolated,
		RestoreDelay:  g.RestoreDelay,
		SettleTime:    g.SettleTime,
	}
}

// GovernorConfig returns the governor policy: defaults with the file's fields applied
func (c *Config) GovernorConfig() governor.Config {
	return c.Governor.Patch().Apply(governor.DefaultConfig())
}

// SamplerConfig returns the sampler configuration
func (c *Config) SamplerConfig() sampler.Config {
	return sampler.Config{
		Window:      c.Sampler.Window,
		StallWindow: c.Sampler.StallWindow,
		MaxSamples:  c.Sampler.MaxSamples,
	}
}

// LogLevel returns the configured log level
func (c *Config) LogLevel() logger.LogLevel {
	level, _ := logger.ParseLevel(c.Logging.Level)
	return level
}

// RemoteConfigEnabled reports whether an etcd endpoint is configured
func (c *Config) RemoteConfigEnabled() bool {
	return len(c.Etcd.Endpoints) > 0
}

// GetEtcdAddress returns the first etcd endpoint address
func (c *Config) GetEtcdAddress() string {
	if len(c.Etcd.Endpoints) > 0 {
		return c.Etcd.Endpoints[0]
	}
	return ""
}
