package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/iggydv12/superleaf/internal/topology"
)

// Mode selects the cache-consistency protocol.
type Mode string

const (
	ModePush Mode = "push"
	ModePull Mode = "pull"
)

// Config is the root configuration struct
type Config struct {
	Mode      Mode            `mapstructure:"mode"`
	Protocol  ProtocolConfig  `mapstructure:"protocol"`
	Transport TransportConfig `mapstructure:"transport"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Rest      RestConfig      `mapstructure:"rest"`
	// TopologyFile names a separate topology document; when set it replaces
	// the inline Topology.
	TopologyFile string            `mapstructure:"topologyFile"`
	Topology     topology.Topology `mapstructure:"topology"`
}

// ProtocolConfig holds overlay protocol settings
type ProtocolConfig struct {
	TTL          int           `mapstructure:"ttl"`
	PollInterval time.Duration `mapstructure:"pollInterval"`
	// AutoRefetch downloads a fresh copy after a stale poll.
	AutoRefetch bool `mapstructure:"autoRefetch"`
}

// TransportConfig holds network settings
type TransportConfig struct {
	Host            string        `mapstructure:"host"`
	LeafPortBase    int           `mapstructure:"leafPortBase"`
	DialTimeout     time.Duration `mapstructure:"dialTimeout"`
	ReadTimeout     time.Duration `mapstructure:"readTimeout"`
	MaxMessageBytes int64         `mapstructure:"maxMessageBytes"`
	// EphemeralPorts binds every node to a kernel-chosen port instead of its
	// well-known one. Addresses are still resolved by node id.
	EphemeralPorts bool `mapstructure:"ephemeralPorts"`
}

// LedgerConfig bounds each super-peer's message ledger
type LedgerConfig struct {
	Capacity int `mapstructure:"capacity"`
	Retired  int `mapstructure:"retired"`
}

// StorageConfig selects where leaves keep file content
type StorageConfig struct {
	Backend string `mapstructure:"backend"`
	Root    string `mapstructure:"root"`
}

// RestConfig holds the control API settings
type RestConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// Load reads configuration from file and environment
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/configs")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("SUPERLEAF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	if cfg.TopologyFile != "" {
		topo, err := LoadTopology(cfg.TopologyFile)
		if err != nil {
			return nil, err
		}
		cfg.Topology = *topo
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in settings around topo, without reading any file.
func Default(topo topology.Topology) *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	// Defaults only: decoding cannot fail.
	_ = v.Unmarshal(cfg)
	cfg.Topology = topo
	return cfg
}

// LoadTopology reads a standalone topology document (JSON or YAML).
func LoadTopology(path string) (*topology.Topology, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("topology %s: %w", path, err)
	}
	topo := &topology.Topology{}
	if err := v.Unmarshal(topo); err != nil {
		return nil, fmt.Errorf("topology %s: %w", path, err)
	}
	return topo, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", string(ModePush))
	v.SetDefault("protocol.ttl", 17)
	v.SetDefault("protocol.pollInterval", 30*time.Second)
	v.SetDefault("protocol.autoRefetch", false)
	v.SetDefault("transport.host", "127.0.0.1")
	v.SetDefault("transport.leafPortBase", topology.DefaultLeafPortBase)
	v.SetDefault("transport.dialTimeout", 2*time.Second)
	v.SetDefault("transport.readTimeout", 10*time.Second)
	v.SetDefault("transport.maxMessageBytes", 4<<20)
	v.SetDefault("transport.ephemeralPorts", false)
	v.SetDefault("ledger.capacity", 4096)
	v.SetDefault("ledger.retired", 4096)
	v.SetDefault("storage.backend", "fs")
	v.SetDefault("storage.root", "./data")
	v.SetDefault("rest.enabled", true)
	v.SetDefault("rest.addr", "127.0.0.1:8080")
}

// Validate checks settings and normalizes the topology.
func (c *Config) Validate() error {
	var errs []error
	switch c.Mode {
	case ModePush, ModePull:
	default:
		errs = append(errs, fmt.Errorf("mode must be %q or %q, got %q", ModePush, ModePull, c.Mode))
	}
	if c.Protocol.TTL < 0 {
		errs = append(errs, fmt.Errorf("protocol.ttl must not be negative, got %d", c.Protocol.TTL))
	}
	if c.Protocol.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("protocol.pollInterval must be positive, got %s", c.Protocol.PollInterval))
	}
	if c.Transport.DialTimeout <= 0 {
		errs = append(errs, fmt.Errorf("transport.dialTimeout must be positive, got %s", c.Transport.DialTimeout))
	}
	if c.Ledger.Capacity <= 0 {
		errs = append(errs, fmt.Errorf("ledger.capacity must be positive, got %d", c.Ledger.Capacity))
	}
	if err := c.Topology.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
