package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// REConfig holds the application configuration
type REConfig struct {
	Database struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
	} `mapstructure:"database"`

	Server struct {
		Host string `mapstructure:"host"`
		Port int    `mapstructure:"port"`
	} `mapstructure:"server"`

	Redis struct {
		Host     string `mapstructure:"host"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`

	Locker struct {
		AcquireTimeoutSec int `mapstructure:"acquire_timeout_sec"`
		DefaultTTLSec     int `mapstructure:"default_ttl_sec"`
	} `mapstructure:"locker"`

	Engine struct {
		MaxAttemptsDefault   int `mapstructure:"max_attempts_default"`
		HeartbeatIntervalSec int `mapstructure:"heartbeat_interval_sec"`
		// Waits shorter than this are served in-process by the executor
		// instead of paying for a checkpoint round trip
		SuspendThresholdSec int `mapstructure:"suspend_threshold_sec"`
		// Concurrent executing runs allowed per (environment, queue)
		QueueConcurrencyLimit int `mapstructure:"queue_concurrency_limit"`
	} `mapstructure:"engine"`

	Worker struct {
		Concurrency     int `mapstructure:"concurrency"`
		PollIntervalSec int `mapstructure:"poll_interval_sec"`
	} `mapstructure:"worker"`

	Scheduler struct {
		RefreshIntervalSec int `mapstructure:"refresh_interval_sec"`
		JitterWindowSec    int `mapstructure:"jitter_window_sec"`
	} `mapstructure:"scheduler"`

	LogLevel string `mapstructure:"log_level"`
}

// GetLogLevel parses the configured log level, defaulting to info
func (c *REConfig) GetLogLevel() zerolog.Level {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return level
}

// LoadConfig reads the configuration from a file or environment variables
func LoadConfig(configPaths ...string) (*REConfig, error) {
	// can specify config path from environment
	if path, exists := os.LookupEnv("RE_CONFIG_PATH"); exists {
		configPaths = append(configPaths, path)
	}
	for _, path := range configPaths {
		fi, err := os.Stat(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		} else if err != nil {
			return nil, err
		}
		mode := fi.Mode()
		switch {
		case mode.IsRegular():
			v := newViper()
			v.SetConfigFile(path)
			config, err := readConfig(v, path)
			if err != nil {
				continue
			}
			return config, nil

		case mode.IsDir():
			v := newViper()
			v.AddConfigPath(path)
			v.SetConfigName("config")
			v.SetConfigType("yaml")
			config, err := readConfig(v, path)
			if err != nil {
				continue
			}
			return config, nil
		}
	}

	v := newViper()
	// finally read from current working directory
	v.AddConfigPath(".")
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	cwd, _ := os.Getwd()

	config, err := readConfig(v, cwd)
	if err != nil {
		return nil, err
	}
	return config, nil
}

// newViper sets default values for configuration
func newViper() *viper.Viper {
	v := viper.New()

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.name", "runengine")
	v.SetDefault("database.sslmode", "disable")

	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)

	v.SetDefault("redis.host", "localhost:6379")
	v.SetDefault("redis.password", "redis")
	v.SetDefault("redis.db", 0)

	// Locker defaults
	v.SetDefault("locker.acquire_timeout_sec", 5)
	v.SetDefault("locker.default_ttl_sec", 30)

	// Engine defaults
	v.SetDefault("engine.max_attempts_default", 3)
	v.SetDefault("engine.heartbeat_interval_sec", 60)
	v.SetDefault("engine.suspend_threshold_sec", 30)
	v.SetDefault("engine.queue_concurrency_limit", 100)

	// Worker defaults
	v.SetDefault("worker.concurrency", 10)
	v.SetDefault("worker.poll_interval_sec", 1)

	// Scheduler defaults
	v.SetDefault("scheduler.refresh_interval_sec", 60)
	v.SetDefault("scheduler.jitter_window_sec", 30)

	// Log level default
	v.SetDefault("log_level", "info")

	v.SetEnvPrefix("RE")                               // Prefix for environment variables
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // Replace dots with underscores in env vars
	v.AutomaticEnv()                                   // Read environment variables

	return v
}

func readConfig(v *viper.Viper, path string) (*REConfig, error) {
	var config REConfig

	if err := v.ReadInConfig(); err != nil {
		log.Warn().
			Str("path", path).
			Msg("Could not read config file")
		return nil, err
	}
	if err := v.Unmarshal(&config); err != nil {
		log.Warn().
			Str("path", path).
			Msg("Could not unmarshall config")
		return nil, err
	}

	return &config, nil
}

// GetDatabaseURL returns a formatted database connection string
func (c *REConfig) GetDatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Name,
		c.Database.SSLMode,
	)
}
