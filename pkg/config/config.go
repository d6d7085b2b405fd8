// Package config loads downloadq settings from defaults, an optional config
// file and DOWNLOADQ_* environment variables, in increasing precedence.
//
// Nested keys map to environment variables with underscores, e.g.
// engine.max_retries is DOWNLOADQ_ENGINE_MAX_RETRIES.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/guido-cesarano/downloadq/pkg/engine"
	"github.com/guido-cesarano/downloadq/pkg/history"
	"github.com/guido-cesarano/downloadq/pkg/transfer"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "DOWNLOADQ"

// Config is the full application configuration.
type Config struct {
	Engine   Engine   `mapstructure:"engine"`
	Transfer Transfer `mapstructure:"transfer"`
	Redis    Redis    `mapstructure:"redis"`
	Server   Server   `mapstructure:"server"`
	Log      Log      `mapstructure:"log"`
}

type Engine struct {
	Workers        int           `mapstructure:"workers"`
	Concurrency    int           `mapstructure:"concurrency"`
	MaxRetries     int           `mapstructure:"max_retries"`
	BaseDelay      time.Duration `mapstructure:"base_delay"`
	MaxDelay       time.Duration `mapstructure:"max_delay"`
	Jitter         float64       `mapstructure:"jitter"`
	QueueCapacity  int           `mapstructure:"queue_capacity"`
	EnqueueTimeout time.Duration `mapstructure:"enqueue_timeout"`
	PollTimeout    time.Duration `mapstructure:"poll_timeout"`
	DrainTimeout   time.Duration `mapstructure:"drain_timeout"`
}

type Transfer struct {
	OutputDir         string        `mapstructure:"output_dir"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	UserAgent         string        `mapstructure:"user_agent"`
}

type Redis struct {
	// Addr of the history store; empty disables history.
	Addr          string        `mapstructure:"addr"`
	Embedded      bool          `mapstructure:"embedded"`
	ResultTTL     time.Duration `mapstructure:"result_ttl"`
	KeepCompleted int64         `mapstructure:"keep_completed"`
}

type Server struct {
	Listen      string        `mapstructure:"listen"`
	APIKey      string        `mapstructure:"api_key"`
	MetricsPath string        `mapstructure:"metrics_path"`
	RetainItems time.Duration `mapstructure:"retain_items"`
}

type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Default returns the built-in configuration.
func Default() Config {
	e := engine.DefaultConfig()
	t := transfer.DefaultOptions()
	return Config{
		Engine: Engine{
			Workers:       e.Workers,
			Concurrency:   e.Concurrency,
			MaxRetries:    e.MaxRetries,
			BaseDelay:     e.BaseDelay,
			MaxDelay:      e.MaxDelay,
			QueueCapacity: e.QueueCapacity,
			PollTimeout:   e.PollTimeout,
		},
		Transfer: Transfer{
			OutputDir: ".",
			UserAgent: t.UserAgent,
		},
		Redis: Redis{
			ResultTTL:     24 * time.Hour,
			KeepCompleted: 100,
		},
		Server: Server{
			Listen:      ":8081",
			MetricsPath: "/metrics",
			RetainItems: time.Hour,
		},
		Log: Log{
			Level: "info",
		},
	}
}

// New returns a viper instance with defaults and environment binding set up.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v, Default())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("engine.workers", d.Engine.Workers)
	v.SetDefault("engine.concurrency", d.Engine.Concurrency)
	v.SetDefault("engine.max_retries", d.Engine.MaxRetries)
	v.SetDefault("engine.base_delay", d.Engine.BaseDelay)
	v.SetDefault("engine.max_delay", d.Engine.MaxDelay)
	v.SetDefault("engine.jitter", d.Engine.Jitter)
	v.SetDefault("engine.queue_capacity", d.Engine.QueueCapacity)
	v.SetDefault("engine.enqueue_timeout", d.Engine.EnqueueTimeout)
	v.SetDefault("engine.poll_timeout", d.Engine.PollTimeout)
	v.SetDefault("engine.drain_timeout", d.Engine.DrainTimeout)

	v.SetDefault("transfer.output_dir", d.Transfer.OutputDir)
	v.SetDefault("transfer.timeout", d.Transfer.Timeout)
	v.SetDefault("transfer.requests_per_second", d.Transfer.RequestsPerSecond)
	v.SetDefault("transfer.user_agent", d.Transfer.UserAgent)

	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.embedded", d.Redis.Embedded)
	v.SetDefault("redis.result_ttl", d.Redis.ResultTTL)
	v.SetDefault("redis.keep_completed", d.Redis.KeepCompleted)

	v.SetDefault("server.listen", d.Server.Listen)
	v.SetDefault("server.api_key", d.Server.APIKey)
	v.SetDefault("server.metrics_path", d.Server.MetricsPath)
	v.SetDefault("server.retain_items", d.Server.RetainItems)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// Load reads the optional config file at path (any format viper knows by
// extension) and decodes the merged result. An empty path skips the file.
func Load(v *viper.Viper, path string) (Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	if err := c.EngineConfig().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("engine: %w", err))
	}
	if c.Transfer.RequestsPerSecond < 0 {
		errs = append(errs, errors.New("transfer: requests_per_second must be >= 0"))
	}
	if c.Transfer.OutputDir == "" {
		errs = append(errs, errors.New("transfer: output_dir is required"))
	}
	if c.Server.Listen == "" {
		errs = append(errs, errors.New("server: listen address is required"))
	}
	switch c.Log.Format {
	case "", "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log: unknown format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// EngineConfig maps the engine section onto engine.Config. Logger,
// Registerer and Recorder are left for the caller to wire.
func (c Config) EngineConfig() engine.Config {
	return engine.Config{
		Workers:        c.Engine.Workers,
		Concurrency:    c.Engine.Concurrency,
		MaxRetries:     c.Engine.MaxRetries,
		BaseDelay:      c.Engine.BaseDelay,
		MaxDelay:       c.Engine.MaxDelay,
		Jitter:         c.Engine.Jitter,
		QueueCapacity:  c.Engine.QueueCapacity,
		EnqueueTimeout: c.Engine.EnqueueTimeout,
		PollTimeout:    c.Engine.PollTimeout,
		GateInterval:   engine.DefaultConfig().GateInterval,
		DrainTimeout:   c.Engine.DrainTimeout,
		RecordTimeout:  engine.DefaultConfig().RecordTimeout,
	}
}

// TransferOptions maps the transfer section onto transfer.Options.
func (c Config) TransferOptions() transfer.Options {
	opts := transfer.DefaultOptions()
	opts.BaseDir = c.Transfer.OutputDir
	opts.Timeout = c.Transfer.Timeout
	opts.RequestsPerSecond = c.Transfer.RequestsPerSecond
	if c.Transfer.UserAgent != "" {
		opts.UserAgent = c.Transfer.UserAgent
	}
	return opts
}

// HistoryOptions maps the redis section onto history.Options.
func (c Config) HistoryOptions() history.Options {
	return history.Options{
		ResultTTL:     c.Redis.ResultTTL,
		KeepCompleted: c.Redis.KeepCompleted,
	}
}
