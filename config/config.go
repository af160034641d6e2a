// Package config loads the static peer topology and the tunables of the game
// server. The peer set is fixed at startup; changing it requires a full
// restart of every peer.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Edgardem/PBL-2-redes/pkg/logger"
)

// Peer is one entry of the static registry: a stable identity plus the
// address its HTTP transport listens on.
type Peer struct {
	ID      string `mapstructure:"id"`
	Address string `mapstructure:"address"`
}

// Config is the full runtime configuration of one peer.
type Config struct {
	SelfID     string `mapstructure:"self_id"`
	ListenAddr string `mapstructure:"listen_addr"`
	Peers      []Peer `mapstructure:"peers"`

	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`

	InitialStock int `mapstructure:"initial_stock"`
	PackSize     int `mapstructure:"pack_size"`
	CASRetries   int `mapstructure:"cas_retries"`

	PrepareTimeout  time.Duration `mapstructure:"prepare_timeout"`
	DecideTimeout   time.Duration `mapstructure:"decide_timeout"`
	RecoveryAfter   time.Duration `mapstructure:"recovery_after"`
	BlockMax        time.Duration `mapstructure:"block_max"`
	RetentionWindow time.Duration `mapstructure:"retention_window"`

	UDPProbeAddr string `mapstructure:"udp_probe_addr"`

	Log logger.Config `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8000")
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("initial_stock", 50)
	v.SetDefault("pack_size", 3)
	v.SetDefault("cas_retries", 5)
	v.SetDefault("prepare_timeout", 2*time.Second)
	v.SetDefault("decide_timeout", 5*time.Second)
	v.SetDefault("recovery_after", 30*time.Second)
	v.SetDefault("block_max", 10*time.Minute)
	v.SetDefault("retention_window", 24*time.Hour)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output_file", "stdout")
}

// Load reads the configuration file at path, layering environment variables
// with the GAMESERVER_ prefix on top. An empty path loads defaults and
// environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("GAMESERVER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects topologies the transaction engine cannot run on.
func (c *Config) Validate() error {
	if c.SelfID == "" {
		return fmt.Errorf("self_id must be set")
	}
	if len(c.Peers) == 0 {
		return fmt.Errorf("peer registry is empty")
	}
	seen := make(map[string]bool, len(c.Peers))
	selfListed := false
	for _, p := range c.Peers {
		if p.ID == "" || p.Address == "" {
			return fmt.Errorf("peer entry missing id or address: %+v", p)
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate peer id %q", p.ID)
		}
		seen[p.ID] = true
		if p.ID == c.SelfID {
			selfListed = true
		}
	}
	if !selfListed {
		return fmt.Errorf("self_id %q not present in peer registry", c.SelfID)
	}
	if c.InitialStock < 0 {
		return fmt.Errorf("initial_stock must be non-negative")
	}
	if c.PackSize <= 0 {
		return fmt.Errorf("pack_size must be positive")
	}
	return nil
}

// PeerIDs returns the registry order of peer identities. The participant set
// of every transaction is exactly this list.
func (c *Config) PeerIDs() []string {
	ids := make([]string, 0, len(c.Peers))
	for _, p := range c.Peers {
		ids = append(ids, p.ID)
	}
	return ids
}

// AddressOf resolves a peer id to its transport address.
func (c *Config) AddressOf(id string) (string, bool) {
	for _, p := range c.Peers {
		if p.ID == id {
			return p.Address, true
		}
	}
	return "", false
}

// Others returns every peer except this one.
func (c *Config) Others() []Peer {
	others := make([]Peer, 0, len(c.Peers)-1)
	for _, p := range c.Peers {
		if p.ID != c.SelfID {
			others = append(others, p)
		}
	}
	return others
}
