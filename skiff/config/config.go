package config

import (
	"fmt"
	"strings"
	"time"

	internal "github.com/skiffcore/skiff/skiff"

	"github.com/spf13/viper"
)

// Config stores all configuration of the engine.
// The values are read by viper from a config file or environment variables.
type Config struct {
	Explorer ExplorerConfig `mapstructure:"explorer"`
	Index    IndexConfig    `mapstructure:"index"`
	Search   SearchConfig   `mapstructure:"search"`
	Watcher  WatcherConfig  `mapstructure:"watcher"`
	Fileops  FileopsConfig  `mapstructure:"fileops"`
}

// ExplorerConfig stores top-level explorer settings.
type ExplorerConfig struct {
	StartDir string `mapstructure:"startDir"`
	CacheDir string `mapstructure:"cacheDir"`
}

// IndexConfig stores directory index settings. RebuildCache mirrors the
// --rebuild-cache CLI flag owned by the consumer: when set, LoadOrBuild
// bypasses the persisted cache and rescans.
type IndexConfig struct {
	RebuildCache     bool     `mapstructure:"rebuildCache"`
	IgnorePatterns   []string `mapstructure:"ignorePatterns"`
	IncludeHidden    bool     `mapstructure:"includeHidden"`
	MaxDepth         int      `mapstructure:"maxDepth"`
	PersistThreshold int      `mapstructure:"persistThreshold"`
}

// SearchConfig stores fuzzy search settings.
type SearchConfig struct {
	MaxResults    int  `mapstructure:"maxResults"`
	CaseSensitive bool `mapstructure:"caseSensitive"`
}

// WatcherConfig stores change watcher settings.
type WatcherConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	DebounceDelay    time.Duration `mapstructure:"debounceDelay"`
	MaxDebounceDelay time.Duration `mapstructure:"maxDebounceDelay"`
	QueueCapacity    int           `mapstructure:"queueCapacity"`
}

// FileopsConfig stores operation pipeline settings.
type FileopsConfig struct {
	Workers   int  `mapstructure:"workers"`
	ChunkSize int  `mapstructure:"chunkSize"`
	Verify    bool `mapstructure:"verify"`
}

var AppConfig Config

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(configPath string) (*Config, error) {
	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath(internal.DefaultConfigPath)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	// Set default values
	viper.SetDefault("explorer.startDir", ".")
	viper.SetDefault("explorer.cacheDir", internal.DefaultCacheDir)
	viper.SetDefault("index.rebuildCache", false)
	viper.SetDefault("index.includeHidden", true)
	viper.SetDefault("index.maxDepth", -1)
	viper.SetDefault("index.persistThreshold", 64)
	viper.SetDefault("search.maxResults", 100)
	viper.SetDefault("search.caseSensitive", false)
	viper.SetDefault("watcher.enabled", true)
	viper.SetDefault("watcher.debounceDelay", 200*time.Millisecond)
	viper.SetDefault("watcher.maxDebounceDelay", 2*time.Second)
	viper.SetDefault("watcher.queueCapacity", 1000)
	viper.SetDefault("fileops.workers", 4)
	viper.SetDefault("fileops.chunkSize", 256*1024)
	viper.SetDefault("fileops.verify", false)

	viper.AutomaticEnv()                                   // Read in environment variables that match
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // e.g. index.rebuildCache becomes INDEX_REBUILDCACHE

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; defaults will be used.
	}

	err := viper.Unmarshal(&AppConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	return &AppConfig, nil
}
