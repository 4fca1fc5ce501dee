// Package config loads the relay's configuration from its TOML file,
// environment variables, and command line flags, in increasing order of
// precedence.
package config

import (
	"flag"
	"os"
	"strings"
	"time"

	"codeberg.org/mutker/o2relay/internal/errors"
	"github.com/spf13/viper"
)

const (
	DefaultLogLevel = "info"

	defaultCollectorURL   = "http://localhost:8080"
	defaultDeviceID       = "o2relay"
	defaultNamePrefix     = "O2Ring"
	defaultScanTimeout    = 30
	defaultConnectTimeout = 10
	defaultCheckInterval  = 60
	defaultReadingEvery   = 5
	defaultRetryInterval  = 10
	defaultQueueDB        = "/var/lib/o2relay/queue.db"
	defaultBatchSize      = 100
)

type Config struct {
	CollectorURL string `mapstructure:"collector_url"`
	DeviceID     string `mapstructure:"device_id"`

	DeviceMAC        string `mapstructure:"device_mac"`
	DeviceNamePrefix string `mapstructure:"device_name_prefix"`

	ScanTimeout    int `mapstructure:"scan_timeout"`
	ConnectTimeout int `mapstructure:"connect_timeout"`

	CheckInterval   int `mapstructure:"check_interval"`
	ReadingInterval int `mapstructure:"reading_interval"`
	RetryInterval   int `mapstructure:"retry_interval"`

	QueueDB   string `mapstructure:"queue_db"`
	BatchSize int    `mapstructure:"batch_size"`

	AlertsEnabled bool `mapstructure:"alerts_enabled"`

	LogLevel string `mapstructure:"log_level"`
	LogFile  string `mapstructure:"log_file"`
	Debug    bool   `mapstructure:"debug"`
	Verbose  bool   `mapstructure:"verbose"`
}

//nolint:funlen // sequential flag and default wiring
func Load() (*Config, error) {
	errFactory := errors.New()

	flags := flag.NewFlagSet(os.Args[0], flag.ContinueOnError)
	collectorURL := flags.String("collector-url", "", "Collector base URL")
	deviceMAC := flags.String("device-mac", "", "Pulse oximeter MAC address")
	queueDB := flags.String("queue-db", "", "Path to the offline queue database")
	logLevel := flags.String("log-level", "", "Log level (debug, info, warning, error)")
	debug := flags.Bool("debug", false, "Enable debugging mode")
	verbose := flags.Bool("verbose", false, "Enable verbose logging")

	if err := flags.Parse(os.Args[1:]); err != nil {
		return nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}

	v := viper.New()
	v.SetDefault("collector_url", defaultCollectorURL)
	v.SetDefault("device_id", defaultDeviceID)
	v.SetDefault("device_name_prefix", defaultNamePrefix)
	v.SetDefault("scan_timeout", defaultScanTimeout)
	v.SetDefault("connect_timeout", defaultConnectTimeout)
	v.SetDefault("check_interval", defaultCheckInterval)
	v.SetDefault("reading_interval", defaultReadingEvery)
	v.SetDefault("retry_interval", defaultRetryInterval)
	v.SetDefault("queue_db", defaultQueueDB)
	v.SetDefault("batch_size", defaultBatchSize)
	v.SetDefault("alerts_enabled", true)
	v.SetDefault("log_level", DefaultLogLevel)

	if configPath := os.Getenv("O2RELAY_CONFIG"); configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("o2relay")
		v.SetConfigType("toml")
		v.AddConfigPath("/etc")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("O2RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errFactory.Wrap(errors.ErrReadConfig, err)
		}
	}

	// Explicitly passed flags win over file and environment values.
	flags.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "collector-url":
			v.Set("collector_url", *collectorURL)
		case "device-mac":
			v.Set("device_mac", *deviceMAC)
		case "queue-db":
			v.Set("queue_db", *queueDB)
		case "log-level":
			v.Set("log_level", *logLevel)
		case "debug":
			v.Set("debug", *debug)
		case "verbose":
			v.Set("verbose", *verbose)
		}
	})

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) validate() error {
	errFactory := errors.New()

	if !LogLevel(c.LogLevel).IsValid() {
		return errFactory.WithData(errors.ErrInvalidLogLevel, c.LogLevel)
	}
	if c.CollectorURL == "" {
		return errFactory.WithMessage(errors.ErrMissingConfig, "collector_url is required")
	}
	if c.DeviceMAC == "" && c.DeviceNamePrefix == "" {
		return errFactory.WithMessage(errors.ErrMissingConfig, "device_mac or device_name_prefix is required")
	}
	if c.BatchSize <= 0 {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "batch_size must be positive")
	}

	return nil
}

// Seconds helpers keep duration conversion in one place.

func (c *Config) ScanTimeoutDuration() time.Duration {
	return time.Duration(c.ScanTimeout) * time.Second
}

func (c *Config) ConnectTimeoutDuration() time.Duration {
	return time.Duration(c.ConnectTimeout) * time.Second
}

func (c *Config) CheckIntervalDuration() time.Duration {
	return time.Duration(c.CheckInterval) * time.Second
}

func (c *Config) ReadingIntervalDuration() time.Duration {
	return time.Duration(c.ReadingInterval) * time.Second
}

func (c *Config) RetryIntervalDuration() time.Duration {
	return time.Duration(c.RetryInterval) * time.Second
}
