// Package config loads relay settings from defaults, a YAML file and
// RELAY_* environment variables through viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/dreamware/relay/internal/balancer"
	"github.com/dreamware/relay/internal/logging"
)

// EnvPrefix prefixes every environment override, e.g. RELAY_DISPATCH_POLICY
// for dispatch.policy.
const EnvPrefix = "RELAY"

// Config is the complete configuration of both binaries.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	Snapshot SnapshotConfig `mapstructure:"snapshot"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Node     NodeConfig     `mapstructure:"node"`
}

// ServerConfig holds the coordinator's listening addresses.
type ServerConfig struct {
	// Listen is the TCP address nodes connect to.
	Listen string `mapstructure:"listen"`
	// Admin is the HTTP address of the admin API; empty disables it.
	Admin         string `mapstructure:"admin"`
	ReadTimeoutMs int    `mapstructure:"read_timeout_ms"`
}

// DispatchConfig controls job placement.
type DispatchConfig struct {
	// Policy is the load balancing policy index (0-5).
	Policy            int `mapstructure:"policy"`
	IdlePollMs        int `mapstructure:"idle_poll_ms"`
	DeliveryTimeoutMs int `mapstructure:"delivery_timeout_ms"`
}

// SnapshotConfig controls state persistence.
type SnapshotConfig struct {
	Dir string `mapstructure:"dir"`
	Key string `mapstructure:"key"`
	// Restore loads the snapshot at startup when it exists.
	Restore bool `mapstructure:"restore"`
	// SaveOnExit writes a snapshot during graceful shutdown.
	SaveOnExit bool `mapstructure:"save_on_exit"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

type MetricsConfig struct {
	SampleIntervalMs int `mapstructure:"sample_interval_ms"`
}

// NodeConfig is read by the node agent.
type NodeConfig struct {
	Coordinator     string `mapstructure:"coordinator"`
	Listen          string `mapstructure:"listen"`
	StatsIntervalMs int    `mapstructure:"stats_interval_ms"`
	// StateDir keeps the id assigned by the coordinator across restarts;
	// empty registers as a new account every time.
	StateDir string `mapstructure:"state_dir"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:        "0.0.0.0:5050",
			Admin:         "127.0.0.1:8080",
			ReadTimeoutMs: 10000,
		},
		Dispatch: DispatchConfig{
			Policy:            balancer.RoundRobinIndex,
			IdlePollMs:        5000,
			DeliveryTimeoutMs: 5000,
		},
		Snapshot: SnapshotConfig{
			Dir:        "relay-data",
			Key:        "coordinator.json",
			Restore:    false,
			SaveOnExit: true,
		},
		Logging: LoggingConfig{Level: logging.LevelInfo},
		Metrics: MetricsConfig{SampleIntervalMs: 5000},
		Node: NodeConfig{
			Coordinator:     "127.0.0.1:5050",
			Listen:          "0.0.0.0:0",
			StatsIntervalMs: 2000,
		},
	}
}

// SetDefaults registers Default() with v so every key is known to viper,
// which environment overrides rely on.
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("server.listen", d.Server.Listen)
	v.SetDefault("server.admin", d.Server.Admin)
	v.SetDefault("server.read_timeout_ms", d.Server.ReadTimeoutMs)

	v.SetDefault("dispatch.policy", d.Dispatch.Policy)
	v.SetDefault("dispatch.idle_poll_ms", d.Dispatch.IdlePollMs)
	v.SetDefault("dispatch.delivery_timeout_ms", d.Dispatch.DeliveryTimeoutMs)

	v.SetDefault("snapshot.dir", d.Snapshot.Dir)
	v.SetDefault("snapshot.key", d.Snapshot.Key)
	v.SetDefault("snapshot.restore", d.Snapshot.Restore)
	v.SetDefault("snapshot.save_on_exit", d.Snapshot.SaveOnExit)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.file", d.Logging.File)

	v.SetDefault("metrics.sample_interval_ms", d.Metrics.SampleIntervalMs)

	v.SetDefault("node.coordinator", d.Node.Coordinator)
	v.SetDefault("node.listen", d.Node.Listen)
	v.SetDefault("node.stats_interval_ms", d.Node.StatsIntervalMs)
	v.SetDefault("node.state_dir", d.Node.StateDir)
}

// New returns a viper instance with defaults and environment overrides. If
// file is set it must exist; otherwise relay.yaml is searched for in the
// working directory and the user config directory and is optional.
func New(file string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
		return v, nil
	}

	v.SetConfigName("relay")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath(Dir())
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

// Dir is the per-user configuration directory.
func Dir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "relay")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".relay"
	}
	return filepath.Join(home, ".config", "relay")
}

// Load decodes and validates v.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Dispatch.Policy < 0 || c.Dispatch.Policy >= balancer.NumPolicies {
		errs = append(errs, fmt.Errorf("dispatch.policy: %d is not in [0, %d)", c.Dispatch.Policy, balancer.NumPolicies))
	}
	if c.Server.Listen == "" {
		errs = append(errs, errors.New("server.listen: must not be empty"))
	}
	for _, f := range []struct {
		key string
		val int
	}{
		{"server.read_timeout_ms", c.Server.ReadTimeoutMs},
		{"dispatch.idle_poll_ms", c.Dispatch.IdlePollMs},
		{"dispatch.delivery_timeout_ms", c.Dispatch.DeliveryTimeoutMs},
		{"metrics.sample_interval_ms", c.Metrics.SampleIntervalMs},
		{"node.stats_interval_ms", c.Node.StatsIntervalMs},
	} {
		if f.val <= 0 {
			errs = append(errs, fmt.Errorf("%s: must be positive, got %d", f.key, f.val))
		}
	}
	if c.Snapshot.Key == "" || strings.ContainsAny(c.Snapshot.Key, `/\`) {
		errs = append(errs, fmt.Errorf("snapshot.key: %q is not a plain file name", c.Snapshot.Key))
	}
	return errors.Join(errs...)
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func (c ServerConfig) ReadTimeout() time.Duration       { return ms(c.ReadTimeoutMs) }
func (c DispatchConfig) IdlePoll() time.Duration        { return ms(c.IdlePollMs) }
func (c DispatchConfig) DeliveryTimeout() time.Duration { return ms(c.DeliveryTimeoutMs) }
func (c MetricsConfig) SampleInterval() time.Duration   { return ms(c.SampleIntervalMs) }
func (c NodeConfig) StatsInterval() time.Duration       { return ms(c.StatsIntervalMs) }

// WatchPolicy calls apply with the new dispatch.policy whenever the config
// file is rewritten with a different value. Invalid values are passed to
// onError instead.
func WatchPolicy(v *viper.Viper, current int, apply func(int) error, onError func(error)) {
	last := current
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		idx := v.GetInt("dispatch.policy")
		if idx == last {
			return
		}
		if err := apply(idx); err != nil {
			if onError != nil {
				onError(fmt.Errorf("reload %s: %w", e.Name, err))
			}
			return
		}
		last = idx
	})
	v.WatchConfig()
}
