// Package config provides YAML-based configuration loading for meshrelay.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	// NodeID is the link-level device id announced to neighbours.
	NodeID string `mapstructure:"node_id"`
	// SenderID is the author identity stamped on originated packets, a UUID.
	// Empty means a fresh random identity per run.
	SenderID string `mapstructure:"sender_id"`
	// SenderIDFile persists a generated SenderID across restarts.
	SenderIDFile string `mapstructure:"sender_id_file"`

	Log       LogConfig       `mapstructure:"log"`
	Mesh      MeshConfig      `mapstructure:"mesh"`
	Transport TransportConfig `mapstructure:"transport"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Admin     AdminConfig     `mapstructure:"admin"`

	settings map[string]any
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: list of outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	Rotation    RotationConfig `mapstructure:"rotation"`
	Development bool           `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// MeshConfig tunes the relay engine.
type MeshConfig struct {
	DefaultTTL       int           `mapstructure:"default_ttl"`
	BloomBits        uint          `mapstructure:"bloom_bits"`
	BloomHashes      uint          `mapstructure:"bloom_hashes"`
	DedupEntries     int           `mapstructure:"dedup_entries"`
	DedupWindow      time.Duration `mapstructure:"dedup_window"`
	RouteIdle        time.Duration `mapstructure:"route_idle"`
	HistoryTTL       time.Duration `mapstructure:"history_ttl"`
	HistoryMaxKB     uint64        `mapstructure:"history_max_kb"`
	QueueSize        int           `mapstructure:"queue_size"`
	QueueMaxAge      time.Duration `mapstructure:"queue_max_age"`
	RelayPace        time.Duration `mapstructure:"relay_pace"`
	CleanupInterval  time.Duration `mapstructure:"cleanup_interval"`
	ShapeBytesPerSec int64         `mapstructure:"shape_bytes_per_sec"`
}

// TransportConfig selects the link and its neighbours.
// Example YAML:
//
//	transport:
//	  kind: quic
//	  listen: ":7400"
//	  peers:
//	    - id: relay-2
//	      addr: "10.0.0.2:7400"
type TransportConfig struct {
	Kind            string        `mapstructure:"kind"`
	Listen          string        `mapstructure:"listen"`
	Format          string        `mapstructure:"format"`
	Peers           []PeerConfig  `mapstructure:"peers"`
	Beacon          time.Duration `mapstructure:"beacon"`
	SleepAfter      time.Duration `mapstructure:"sleep_after"`
	DisconnectAfter time.Duration `mapstructure:"disconnect_after"`
}

// PeerConfig is a neighbour reachable at a fixed address.
type PeerConfig struct {
	ID   string `mapstructure:"id"`
	Addr string `mapstructure:"addr"`
}

// MetricsConfig exposes Prometheus metrics over HTTP; empty Listen disables.
type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
	Path   string `mapstructure:"path"`
}

// AdminConfig exposes the gRPC health service; empty Listen disables.
type AdminConfig struct {
	Listen string `mapstructure:"listen"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		NodeID: "node-1",
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			Outputs:     []string{"stdout"},
			Development: true,
			Rotation: RotationConfig{
				Filename:   "logs/meshrelay.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Mesh: MeshConfig{
			DefaultTTL:      7,
			BloomBits:       8192,
			BloomHashes:     4,
			DedupEntries:    1024,
			DedupWindow:     60 * time.Second,
			RouteIdle:       60 * time.Second,
			HistoryTTL:      60 * time.Second,
			QueueSize:       100,
			QueueMaxAge:     5 * time.Second,
			RelayPace:       50 * time.Millisecond,
			CleanupInterval: 30 * time.Second,
		},
		Transport: TransportConfig{
			Kind:            "udp",
			Listen:          ":7400",
			Format:          "cbor",
			Beacon:          2 * time.Second,
			SleepAfter:      10 * time.Second,
			DisconnectAfter: 30 * time.Second,
		},
		Metrics: MetricsConfig{Listen: ":9400", Path: "/metrics"},
	}
}

// Load reads configuration from the provided path (if non-empty),
// otherwise it searches common locations and supports environment overrides.
// Environment variables use the prefix MESHRELAY and `.`/`-` are replaced with `_`.
// Example: MESHRELAY_MESH_DEFAULT_TTL=5
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("MESHRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	seed(v, cfg)

	if path == "" {
		path = os.Getenv("MESHRELAY_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("meshrelay")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".meshrelay"))
		}
	}

	// a missing file is fine; defaults and env still apply
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.settings = v.AllSettings()
	return cfg, nil
}

// seed registers every key with viper so env-only configs work. Durations
// are seeded as strings so the effective config dumps readably.
func seed(v *viper.Viper, c *Config) {
	v.SetDefault("node_id", c.NodeID)
	v.SetDefault("sender_id", c.SenderID)
	v.SetDefault("sender_id_file", c.SenderIDFile)

	v.SetDefault("log.level", c.Log.Level)
	v.SetDefault("log.format", c.Log.Format)
	v.SetDefault("log.outputs", c.Log.Outputs)
	v.SetDefault("log.development", c.Log.Development)
	v.SetDefault("log.rotation.enable", c.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", c.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", c.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", c.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", c.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", c.Log.Rotation.Compress)

	m := c.Mesh
	v.SetDefault("mesh.default_ttl", m.DefaultTTL)
	v.SetDefault("mesh.bloom_bits", m.BloomBits)
	v.SetDefault("mesh.bloom_hashes", m.BloomHashes)
	v.SetDefault("mesh.dedup_entries", m.DedupEntries)
	v.SetDefault("mesh.dedup_window", m.DedupWindow.String())
	v.SetDefault("mesh.route_idle", m.RouteIdle.String())
	v.SetDefault("mesh.history_ttl", m.HistoryTTL.String())
	v.SetDefault("mesh.history_max_kb", m.HistoryMaxKB)
	v.SetDefault("mesh.queue_size", m.QueueSize)
	v.SetDefault("mesh.queue_max_age", m.QueueMaxAge.String())
	v.SetDefault("mesh.relay_pace", m.RelayPace.String())
	v.SetDefault("mesh.cleanup_interval", m.CleanupInterval.String())
	v.SetDefault("mesh.shape_bytes_per_sec", m.ShapeBytesPerSec)

	t := c.Transport
	v.SetDefault("transport.kind", t.Kind)
	v.SetDefault("transport.listen", t.Listen)
	v.SetDefault("transport.format", t.Format)
	v.SetDefault("transport.peers", []map[string]any{})
	v.SetDefault("transport.beacon", t.Beacon.String())
	v.SetDefault("transport.sleep_after", t.SleepAfter.String())
	v.SetDefault("transport.disconnect_after", t.DisconnectAfter.String())

	v.SetDefault("metrics.listen", c.Metrics.Listen)
	v.SetDefault("metrics.path", c.Metrics.Path)
	v.SetDefault("admin.listen", c.Admin.Listen)
}

func (c *Config) validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}
	if strings.TrimSpace(c.NodeID) == "" {
		c.NodeID = "node-1"
	}

	if c.Mesh.DefaultTTL < 1 || c.Mesh.DefaultTTL > 255 {
		return fmt.Errorf("invalid mesh.default_ttl: %d (want 1..255)", c.Mesh.DefaultTTL)
	}
	if c.Mesh.QueueSize < 1 {
		return fmt.Errorf("invalid mesh.queue_size: %d", c.Mesh.QueueSize)
	}
	if c.Mesh.BloomBits == 0 || c.Mesh.BloomHashes == 0 {
		return errors.New("invalid mesh bloom settings: bits and hashes must be positive")
	}

	c.Transport.Kind = strings.ToLower(strings.TrimSpace(c.Transport.Kind))
	switch c.Transport.Kind {
	case "udp", "quic":
	default:
		return fmt.Errorf("invalid transport.kind: %q (want udp or quic)", c.Transport.Kind)
	}
	c.Transport.Format = strings.ToLower(strings.TrimSpace(c.Transport.Format))
	switch c.Transport.Format {
	case "", "cbor", "json":
	default:
		return fmt.Errorf("invalid transport.format: %q", c.Transport.Format)
	}
	seen := make(map[string]bool, len(c.Transport.Peers))
	for i, p := range c.Transport.Peers {
		if p.ID == "" || p.Addr == "" {
			return fmt.Errorf("transport.peers[%d]: id and addr are required", i)
		}
		if p.ID == c.NodeID {
			return fmt.Errorf("transport.peers[%d]: %q is this node", i, p.ID)
		}
		if seen[p.ID] {
			return fmt.Errorf("transport.peers[%d]: duplicate id %q", i, p.ID)
		}
		seen[p.ID] = true
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	return nil
}

// YAML renders the effective settings, defaults and overrides merged.
func (c *Config) YAML() ([]byte, error) {
	if c.settings == nil {
		return nil, errors.New("config: not loaded")
	}
	return yaml.Marshal(c.settings)
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}
