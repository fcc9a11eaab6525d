// Package config loads the wizmini configuration from the user's
// config directory with environment overrides.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"
)

// IndexConfig tunes acquisition and the accelerator maps.
type IndexConfig struct {
	// PrefixLen is the accelerator key length. Fixed for the life of
	// a store.
	PrefixLen int `mapstructure:"prefix_len"`

	// BatchSize is the acquisition emission granularity.
	BatchSize int `mapstructure:"batch_size"`

	// AcceleratorBatch is how many entries each accelerator build
	// step covers between cancellation checks.
	AcceleratorBatch int `mapstructure:"accelerator_batch"`
}

// SearchConfig tunes the search worker.
type SearchConfig struct {
	// ChunkSize is the scan budget between cancellation checks.
	ChunkSize int `mapstructure:"chunk_size"`

	// Limit caps results per request when the request does not say.
	Limit int `mapstructure:"limit"`
}

// JournalConfig tunes change replay.
type JournalConfig struct {
	// PollInterval is the cadence of journal reads while live.
	PollInterval time.Duration `mapstructure:"poll_interval"`

	// RenameWindow bounds how long an unpaired rename old-name
	// record waits for its partner.
	RenameWindow time.Duration `mapstructure:"rename_window"`

	// Batch is the record budget per replay step.
	Batch int `mapstructure:"batch"`
}

// LoggingConfig configures application logging.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
	Path  string `mapstructure:"path"`
}

// Config is the application configuration.
type Config struct {
	Index   IndexConfig   `mapstructure:"index"`
	Search  SearchConfig  `mapstructure:"search"`
	Journal JournalConfig `mapstructure:"journal"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// Load reads $XDG_CONFIG_HOME/wizmini/config.yaml (falling back to
// defaults when absent) with WIZMINI_-prefixed environment overrides.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(filepath.Join(xdg.ConfigHome, "wizmini"))
	for _, dir := range xdg.ConfigDirs {
		v.AddConfigPath(filepath.Join(dir, "wizmini"))
	}

	v.SetEnvPrefix("WIZMINI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Default returns the built-in configuration without touching disk.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("index.prefix_len", 3)
	v.SetDefault("index.batch_size", 1000)
	v.SetDefault("index.accelerator_batch", 1000)
	v.SetDefault("search.chunk_size", 12000)
	v.SetDefault("search.limit", 600)
	v.SetDefault("journal.poll_interval", 300*time.Millisecond)
	v.SetDefault("journal.rename_window", 3*time.Second)
	v.SetDefault("journal.batch", 512)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.path", "")
}
