package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/vjranagit/loopstore/internal/logger"
	"github.com/vjranagit/loopstore/pkg/storage"
)

// EnvPrefix prefixes every environment override, e.g. LOOPSTORE_STORAGE_PATH
const EnvPrefix = "LOOPSTORE"

// Config holds the application configuration
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Storage StorageConfig `mapstructure:"storage"`
	Cache   CacheConfig   `mapstructure:"cache"`
	Log     LogConfig     `mapstructure:"log"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	ListenAddr string        `mapstructure:"listen_addr"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// StorageConfig holds storage configuration
type StorageConfig struct {
	Path             string `mapstructure:"path"`
	RetentionDays    int    `mapstructure:"retention_days"`
	CompressionLevel int    `mapstructure:"compression_level"`
	SyncWrites       bool   `mapstructure:"sync_writes"`
	EnableWAL        bool   `mapstructure:"enable_wal"`
}

// CacheConfig sizes the range query cache. A zero capacity disables it.
type CacheConfig struct {
	Capacity int           `mapstructure:"capacity"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"`
}

var defaults = map[string]interface{}{
	"server.listen_addr":        ":9090",
	"server.timeout":            30 * time.Second,
	"storage.path":              "./data",
	"storage.retention_days":    30,
	"storage.compression_level": 3,
	"storage.sync_writes":       false,
	"storage.enable_wal":        true,
	"cache.capacity":            256,
	"cache.ttl":                 time.Minute,
	"log.level":                 logger.InfoLevel,
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	cfg, err := decode(newViper())
	if err != nil {
		panic(fmt.Sprintf("config: bad defaults: %v", err))
	}
	return cfg
}

// Load reads configuration from file and environment over the defaults.
// With an empty path, loopstore.yaml is looked up in the working directory
// and /etc/loopstore, and its absence is not an error.
func Load(path string) (*Config, error) {
	v := newViper()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("loopstore")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/loopstore")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// ToStorageConfig converts to storage.Config
func (c *Config) ToStorageConfig(log *logger.Logger) *storage.Config {
	cfg := &storage.Config{
		Path:             c.Storage.Path,
		RetentionDays:    c.Storage.RetentionDays,
		CompressionLevel: c.Storage.CompressionLevel,
		SyncWrites:       c.Storage.SyncWrites,
		EnableWAL:        c.Storage.EnableWAL,
	}
	if log != nil {
		cfg.Logger = log.Named("storage")
	}
	return cfg
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server listen address is required")
	}

	if c.Server.Timeout <= 0 {
		return fmt.Errorf("server timeout must be positive")
	}

	if c.Storage.Path == "" {
		return fmt.Errorf("storage path is required")
	}

	if c.Storage.RetentionDays < 1 {
		return fmt.Errorf("retention days must be at least 1")
	}

	if c.Storage.CompressionLevel < 1 || c.Storage.CompressionLevel > 4 {
		return fmt.Errorf("compression level must be between 1 and 4")
	}

	if c.Cache.Capacity < 0 {
		return fmt.Errorf("cache capacity cannot be negative")
	}

	if c.Cache.Capacity > 0 && c.Cache.TTL <= 0 {
		return fmt.Errorf("cache ttl must be positive when the cache is enabled")
	}

	return nil
}
