// Package config loads runtime settings for a relay host.
package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	relayerrors "github.com/go-drift/relay/pkg/errors"
)

// EnvPrefix prefixes environment overrides, e.g. RELAY_LOG_LEVEL.
const EnvPrefix = "RELAY"

// Config holds host configuration.
type Config struct {
	Log         LogConfig         `mapstructure:"log"`
	Manifest    ManifestConfig    `mapstructure:"manifest"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
	Router      RouterConfig      `mapstructure:"router"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// ManifestConfig locates the component manifest.
type ManifestConfig struct {
	Path string `mapstructure:"path"`
}

// PersistenceConfig holds durable sink settings.
type PersistenceConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Path        string        `mapstructure:"path"`
	BusyTimeout time.Duration `mapstructure:"busy_timeout"`
	MaxRetries  uint64        `mapstructure:"max_retries"`
}

// RouterConfig holds resolution settings.
type RouterConfig struct {
	// CacheSize bounds the implicit resolution cache; negative disables it.
	CacheSize int `mapstructure:"cache_size"`
}

func defaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("manifest.path", "relay.yaml")
	v.SetDefault("persistence.enabled", false)
	v.SetDefault("persistence.path", "relay.db")
	v.SetDefault("persistence.busy_timeout", 5*time.Second)
	v.SetDefault("persistence.max_retries", 5)
	v.SetDefault("router.cache_size", 256)
}

// Load reads configuration from file and env. The file is path if given,
// else $RELAY_CONFIG, else an optional relay.yaml in the working directory.
// An explicitly named file must exist.
func Load(path string) (Config, error) {
	const op = "config.Load"
	v := viper.New()
	defaults(v)

	v.SetConfigType("yaml")
	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	explicit := path != ""
	if explicit {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("relay")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit || !errors.As(err, &notFound) {
			return Config{}, relayerrors.New(op, relayerrors.KindConfig, "", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, relayerrors.Newf(op, relayerrors.KindConfig, "", "unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks settings that cannot be expressed as defaults.
func (c Config) Validate() error {
	const op = "config.Validate"
	if _, err := zap.ParseAtomicLevel(c.Log.Level); err != nil {
		return relayerrors.New(op, relayerrors.KindConfig, "", err)
	}
	if c.Manifest.Path == "" {
		return relayerrors.Newf(op, relayerrors.KindConfig, "", "manifest.path is empty")
	}
	if c.Persistence.Enabled && c.Persistence.Path == "" {
		return relayerrors.Newf(op, relayerrors.KindConfig, "", "persistence.path is empty")
	}
	if c.Persistence.BusyTimeout < 0 {
		return relayerrors.Newf(op, relayerrors.KindConfig, "", "persistence.busy_timeout is negative")
	}
	return nil
}

// Logger builds the zap logger described by c.
func (c LogConfig) Logger() (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(c.Level)
	if err != nil {
		return nil, relayerrors.New("config.LogConfig.Logger", relayerrors.KindConfig, "", err)
	}
	zc := zap.NewProductionConfig()
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level
	return zc.Build()
}
