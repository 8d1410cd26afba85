// Copyright (c) 2025, the funnelsight contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/funnelsight/funnelsight/internal/database"
)

const envPrefix = "FUNNELSIGHT__"

// Config holds every tunable. Pool timeouts are expressed in seconds in the
// config file and environment.
type Config struct {
	DatabasePath string `mapstructure:"databasePath"`

	PoolMinConns       int `mapstructure:"poolMinConns"`
	PoolMaxConns       int `mapstructure:"poolMaxConns"`
	PoolAcquireTimeout int `mapstructure:"poolAcquireTimeout"`
	PoolCreateTimeout  int `mapstructure:"poolCreateTimeout"`
	PoolIdleTimeout    int `mapstructure:"poolIdleTimeout"`

	LogLevel      string `mapstructure:"logLevel"`
	LogPath       string `mapstructure:"logPath"`
	LogMaxSize    int    `mapstructure:"logMaxSize"`
	LogMaxBackups int    `mapstructure:"logMaxBackups"`
}

// AppConfig wraps Config with its viper instance so settings can be
// persisted back to the file they came from.
type AppConfig struct {
	Config *Config
	viper  *viper.Viper

	configMu sync.Mutex
}

// New loads configuration from the given directory (or the default location
// when empty), creating a commented config.toml on first run. Environment
// variables prefixed FUNNELSIGHT__ override file values.
func New(configDir string) (*AppConfig, error) {
	c := &AppConfig{
		Config: &Config{},
		viper:  viper.New(),
	}

	c.setDefaults()

	c.viper.SetConfigName("config")
	c.viper.SetConfigType("toml")

	if configDir != "" {
		c.viper.AddConfigPath(configDir)
	} else {
		configDir = defaultConfigDir()
		c.viper.AddConfigPath(configDir)
	}

	c.viper.SetEnvPrefix(strings.TrimSuffix(envPrefix, "__"))
	c.viper.AutomaticEnv()
	c.bindEnv()

	if err := c.viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := c.writeDefaultConfig(configDir); err != nil {
			return nil, err
		}
	}

	if err := c.viper.Unmarshal(c.Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if c.Config.DatabasePath == "" {
		c.Config.DatabasePath = filepath.Join(configDir, "funnelsight.db")
	}

	return c, nil
}

func (c *AppConfig) setDefaults() {
	c.viper.SetDefault("databasePath", "")
	c.viper.SetDefault("poolMinConns", 2)
	c.viper.SetDefault("poolMaxConns", 10)
	c.viper.SetDefault("poolAcquireTimeout", 30)
	c.viper.SetDefault("poolCreateTimeout", 30)
	c.viper.SetDefault("poolIdleTimeout", 30)
	c.viper.SetDefault("logLevel", "INFO")
	c.viper.SetDefault("logPath", "")
	c.viper.SetDefault("logMaxSize", 50)
	c.viper.SetDefault("logMaxBackups", 3)
}

// bindEnv maps config keys to their environment names explicitly; viper's
// automatic matching misses camelCase keys.
func (c *AppConfig) bindEnv() {
	bindings := map[string]string{
		"databasePath":       envPrefix + "DATABASE_PATH",
		"poolMinConns":       envPrefix + "POOL_MIN_CONNS",
		"poolMaxConns":       envPrefix + "POOL_MAX_CONNS",
		"poolAcquireTimeout": envPrefix + "POOL_ACQUIRE_TIMEOUT",
		"poolCreateTimeout":  envPrefix + "POOL_CREATE_TIMEOUT",
		"poolIdleTimeout":    envPrefix + "POOL_IDLE_TIMEOUT",
		"logLevel":           envPrefix + "LOG_LEVEL",
		"logPath":            envPrefix + "LOG_PATH",
		"logMaxSize":         envPrefix + "LOG_MAX_SIZE",
		"logMaxBackups":      envPrefix + "LOG_MAX_BACKUPS",
	}
	for key, env := range bindings {
		c.viper.BindEnv(key, env) //nolint:errcheck // only errors on empty key
	}
}

const defaultConfigTemplate = `# config.toml

# Path to the SQLite database file. Defaults to funnelsight.db next to this
# config file when unset.
#databasePath = ""

# Connection pool bounds.
#poolMinConns = 2
#poolMaxConns = 10

# Pool timeouts, in seconds.
#poolAcquireTimeout = 30
#poolCreateTimeout = 30
#poolIdleTimeout = 30

# Log level: TRACE, DEBUG, INFO, WARN, ERROR
logLevel = "INFO"

# Optional log file. Logs go to stderr only when unset.
#logPath = "log/funnelsight.log"

# Log rotation.
#logMaxSize = 50
#logMaxBackups = 3
`

func (c *AppConfig) writeDefaultConfig(configDir string) error {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	configPath := filepath.Join(configDir, "config.toml")
	if _, err := os.Stat(configPath); err == nil {
		return nil
	}

	if err := os.WriteFile(configPath, []byte(defaultConfigTemplate), 0o644); err != nil {
		return fmt.Errorf("failed to write default config: %w", err)
	}

	log.Info().Str("path", configPath).Msg("created default config file")
	c.viper.SetConfigFile(configPath)
	return c.viper.ReadInConfig()
}

func defaultConfigDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "funnelsight")
	}
	return "."
}

// PoolConfig maps the loaded settings onto the database pool's config.
func (c *AppConfig) PoolConfig() database.Config {
	c.configMu.Lock()
	defer c.configMu.Unlock()

	return database.Config{
		Path:           c.Config.DatabasePath,
		MinConns:       c.Config.PoolMinConns,
		MaxConns:       c.Config.PoolMaxConns,
		AcquireTimeout: time.Duration(c.Config.PoolAcquireTimeout) * time.Second,
		CreateTimeout:  time.Duration(c.Config.PoolCreateTimeout) * time.Second,
		IdleTimeout:    time.Duration(c.Config.PoolIdleTimeout) * time.Second,
	}
}
