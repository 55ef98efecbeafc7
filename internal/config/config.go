// Package config loads the subcore command configuration from a file, the
// environment and defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/gogpu/subcore"
	"github.com/gogpu/subcore/backend"
	"github.com/gogpu/subcore/backend/native"
	"github.com/gogpu/subcore/backend/soft"
	"github.com/gogpu/subcore/batch"
	"github.com/gogpu/subcore/cache"
	"github.com/gogpu/subcore/internal/workload"
	"github.com/gogpu/subcore/workset"
)

// EnvPrefix prefixes environment overrides, e.g. SUBCORE_CONTEXT_DEBUG.
const EnvPrefix = "SUBCORE"

// Config represents the command configuration.
type Config struct {
	Backend  string          `mapstructure:"backend" toml:"backend"`
	Logging  LoggingConfig   `mapstructure:"logging" toml:"logging"`
	Context  ContextConfig   `mapstructure:"context" toml:"context"`
	Soft     SoftConfig      `mapstructure:"soft" toml:"soft"`
	Native   NativeConfig    `mapstructure:"native" toml:"native"`
	Workload workload.Config `mapstructure:"workload" toml:"workload"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" toml:"level"`
	Format string `mapstructure:"format" toml:"format"`
	Caller bool   `mapstructure:"caller" toml:"caller"`
}

type ContextConfig struct {
	BatchSize       int  `mapstructure:"batch_size" toml:"batch_size"`
	DrawReserve     int  `mapstructure:"draw_reserve" toml:"draw_reserve"`
	CacheBuckets    int  `mapstructure:"cache_buckets" toml:"cache_buckets"`
	CacheMaxEntries int  `mapstructure:"cache_max_entries" toml:"cache_max_entries"`
	MaxBuffers      int  `mapstructure:"max_buffers" toml:"max_buffers"`
	Debug           bool `mapstructure:"debug" toml:"debug"`
	Sync            bool `mapstructure:"sync" toml:"sync"`
}

type SoftConfig struct {
	ApertureSize uint64 `mapstructure:"aperture_size" toml:"aperture_size"`
	MemoryLimit  uint64 `mapstructure:"memory_limit" toml:"memory_limit"`
	Relocate     bool   `mapstructure:"relocate" toml:"relocate"`
	InFlight     int    `mapstructure:"in_flight" toml:"in_flight"`
}

type NativeConfig struct {
	ApertureSize uint64        `mapstructure:"aperture_size" toml:"aperture_size"`
	RingSize     uint64        `mapstructure:"ring_size" toml:"ring_size"`
	Timeout      time.Duration `mapstructure:"timeout" toml:"timeout"`
}

// DefaultConfig returns configuration with default values.
func DefaultConfig() *Config {
	sd := soft.DefaultConfig()
	nd := native.DefaultConfig()
	return &Config{
		Backend: "",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Context: ContextConfig{
			BatchSize:    batch.DefaultSize,
			DrawReserve:  subcore.DefaultDrawReserve,
			CacheBuckets: cache.DefaultBuckets,
			MaxBuffers:   workset.DefaultMaxBuffers,
		},
		Soft: SoftConfig{
			ApertureSize: sd.ApertureSize,
			InFlight:     sd.InFlight,
		},
		Native: NativeConfig{
			ApertureSize: nd.ApertureSize,
			RingSize:     nd.RingSize,
			Timeout:      nd.Timeout,
		},
		Workload: workload.DefaultConfig(),
	}
}

// Load loads configuration from file, environment, and defaults. An empty
// cfgFile searches subcore.{toml,yaml,json} in the working directory and
// in $HOME/.config/subcore; a missing file is not an error. The returned
// viper instance has the file registered, if one was found.
func Load(cfgFile string) (*Config, *viper.Viper, error) {
	v := viper.New()

	cfg := DefaultConfig()
	setDefaults(v, cfg)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "subcore"))
		}
		v.SetConfigName("subcore")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, nil, fmt.Errorf("reading config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, v, nil
}

// setDefaults registers every key so that environment overrides apply
// to keys absent from the file.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("backend", cfg.Backend)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
	v.SetDefault("logging.caller", cfg.Logging.Caller)

	v.SetDefault("context.batch_size", cfg.Context.BatchSize)
	v.SetDefault("context.draw_reserve", cfg.Context.DrawReserve)
	v.SetDefault("context.cache_buckets", cfg.Context.CacheBuckets)
	v.SetDefault("context.cache_max_entries", cfg.Context.CacheMaxEntries)
	v.SetDefault("context.max_buffers", cfg.Context.MaxBuffers)
	v.SetDefault("context.debug", cfg.Context.Debug)
	v.SetDefault("context.sync", cfg.Context.Sync)

	v.SetDefault("soft.aperture_size", cfg.Soft.ApertureSize)
	v.SetDefault("soft.memory_limit", cfg.Soft.MemoryLimit)
	v.SetDefault("soft.relocate", cfg.Soft.Relocate)
	v.SetDefault("soft.in_flight", cfg.Soft.InFlight)

	v.SetDefault("native.aperture_size", cfg.Native.ApertureSize)
	v.SetDefault("native.ring_size", cfg.Native.RingSize)
	v.SetDefault("native.timeout", cfg.Native.Timeout)

	v.SetDefault("workload.frames", cfg.Workload.Frames)
	v.SetDefault("workload.draws_per_frame", cfg.Workload.DrawsPerFrame)
	v.SetDefault("workload.textures", cfg.Workload.Textures)
	v.SetDefault("workload.programs", cfg.Workload.Programs)
	v.SetDefault("workload.width", cfg.Workload.Width)
	v.SetDefault("workload.height", cfg.Workload.Height)
	v.SetDefault("workload.depth", cfg.Workload.Depth)
	v.SetDefault("workload.seed", cfg.Workload.Seed)
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	validBackends := []string{"", "soft", "native"}
	if !slices.Contains(validBackends, c.Backend) {
		return fmt.Errorf("backend must be one of: %q", validBackends)
	}

	validLevels := []string{"debug", "info", "warn", "error"}
	if !slices.Contains(validLevels, c.Logging.Level) {
		return fmt.Errorf("logging.level must be one of: %v", validLevels)
	}
	validFormats := []string{"text", "json", "logfmt"}
	if !slices.Contains(validFormats, c.Logging.Format) {
		return fmt.Errorf("logging.format must be one of: %v", validFormats)
	}

	if c.Context.BatchSize < 1024 {
		return errors.New("context.batch_size must be at least 1024")
	}
	if c.Context.DrawReserve < 0 || c.Context.DrawReserve >= c.Context.BatchSize {
		return errors.New("context.draw_reserve must be below context.batch_size")
	}
	if c.Context.CacheBuckets < 1 {
		return errors.New("context.cache_buckets must be positive")
	}
	if c.Context.MaxBuffers < 1 {
		return errors.New("context.max_buffers must be positive")
	}
	if c.Soft.ApertureSize == 0 || c.Native.ApertureSize == 0 {
		return errors.New("aperture_size must be positive")
	}
	if c.Soft.ApertureSize > backend.MaxApertureSize || c.Native.ApertureSize > backend.MaxApertureSize {
		return fmt.Errorf("aperture_size must not exceed %d", uint64(backend.MaxApertureSize))
	}
	return c.Workload.Validate()
}

// ContextOptions translates the context section into driver options.
func (c *Config) ContextOptions() []subcore.Option {
	return []subcore.Option{
		subcore.WithBatchSize(c.Context.BatchSize),
		subcore.WithDrawReserve(c.Context.DrawReserve),
		subcore.WithCacheBuckets(c.Context.CacheBuckets),
		subcore.WithCacheMaxEntries(c.Context.CacheMaxEntries),
		subcore.WithMaxBuffers(c.Context.MaxBuffers),
		subcore.WithDebug(c.Context.Debug),
		subcore.WithSync(c.Context.Sync),
	}
}

// SoftDevice returns the soft backend configuration.
func (c *Config) SoftDevice() soft.Config {
	sc := soft.DefaultConfig()
	sc.ApertureSize = c.Soft.ApertureSize
	sc.MemoryLimit = c.Soft.MemoryLimit
	sc.Relocate = c.Soft.Relocate
	sc.InFlight = c.Soft.InFlight
	return sc
}

// NativeDevice returns the native backend configuration.
func (c *Config) NativeDevice() native.Config {
	nc := native.DefaultConfig()
	nc.ApertureSize = c.Native.ApertureSize
	nc.RingSize = c.Native.RingSize
	nc.Timeout = c.Native.Timeout
	return nc
}
