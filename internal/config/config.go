// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Redis struct {
	Addr               string        `mapstructure:"addr"`
	Username           string        `mapstructure:"username"`
	Password           string        `mapstructure:"password"`
	DB                 int           `mapstructure:"db"`
	PoolSizeMultiplier int           `mapstructure:"pool_size_multiplier"`
	MinIdleConns       int           `mapstructure:"min_idle_conns"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	MaxRetries         int           `mapstructure:"max_retries"`
}

// Queue names the logical queue this process instance binds to, and the
// hash-tag prefix its keyspace lives under.
type Queue struct {
	Name   string `mapstructure:"name"`
	Prefix string `mapstructure:"prefix"`
}

type Backoff struct {
	Type string        `mapstructure:"type"`
	Base time.Duration `mapstructure:"base"`
	Max  time.Duration `mapstructure:"max"`
}

// Limiter configures the queue's rate limiter; see internal/ratelimit.
type Limiter struct {
	Max         int64         `mapstructure:"max"`
	Duration    time.Duration `mapstructure:"duration"`
	GroupKey    string        `mapstructure:"group_key"`
	WorkerDelay bool          `mapstructure:"worker_delay"`
}

type Worker struct {
	Concurrency     int           `mapstructure:"concurrency"`
	LockDuration    time.Duration `mapstructure:"lock_duration"`
	LockRenewTime   time.Duration `mapstructure:"lock_renew_time"`
	StalledInterval time.Duration `mapstructure:"stalled_interval"`
	MaxStalledCount int64         `mapstructure:"max_stalled_count"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	Backoff         Backoff       `mapstructure:"backoff"`
	Limiter         Limiter       `mapstructure:"limiter"`
	DrainTimeout    time.Duration `mapstructure:"drain_timeout"`
}

type Producer struct {
	RemoveOnCompleteCount int64 `mapstructure:"remove_on_complete_count"`
	RemoveOnFailCount     int64 `mapstructure:"remove_on_fail_count"`
}

type CircuitBreaker struct {
	FailureThreshold float64       `mapstructure:"failure_threshold"`
	Window           time.Duration `mapstructure:"window"`
	CooldownPeriod   time.Duration `mapstructure:"cooldown_period"`
	MinSamples       int           `mapstructure:"min_samples"`
}

type TracingConfig struct {
	Enabled            bool              `mapstructure:"enabled"`
	Endpoint           string            `mapstructure:"endpoint"`
	Environment        string            `mapstructure:"environment"`
	SamplingStrategy   string            `mapstructure:"sampling_strategy"`
	SamplingRate       float64           `mapstructure:"sampling_rate"`
	Headers            map[string]string `mapstructure:"headers"`
	Insecure           bool              `mapstructure:"insecure"`
}

// Tracing is a backwards-compatible alias.
type Tracing = TracingConfig

type ObservabilityConfig struct {
	MetricsPort         int           `mapstructure:"metrics_port"`
	LogLevel            string        `mapstructure:"log_level"`
	LogFile             string        `mapstructure:"log_file"`
	Tracing             TracingConfig `mapstructure:"tracing"`
	QueueSampleInterval time.Duration `mapstructure:"queue_sample_interval"`
}

// Observability is a backwards-compatible alias.
type Observability = ObservabilityConfig

type Config struct {
	Redis          Redis          `mapstructure:"redis"`
	Queue          Queue          `mapstructure:"queue"`
	Worker         Worker         `mapstructure:"worker"`
	Producer       Producer       `mapstructure:"producer"`
	CircuitBreaker CircuitBreaker `mapstructure:"circuit_breaker"`
	Observability  Observability  `mapstructure:"observability"`
}

func defaultConfig() *Config {
	return &Config{
		Redis: Redis{
			Addr:               "localhost:6379",
			PoolSizeMultiplier: 10,
			MinIdleConns:       5,
			DialTimeout:        5 * time.Second,
			ReadTimeout:        3 * time.Second,
			WriteTimeout:       3 * time.Second,
			MaxRetries:         3,
		},
		Queue: Queue{
			Name:   "default",
			Prefix: "taskqueue",
		},
		Worker: Worker{
			Concurrency:     16,
			LockDuration:    30 * time.Second,
			LockRenewTime:   15 * time.Second,
			StalledInterval: 30 * time.Second,
			MaxStalledCount: 1,
			MaxAttempts:     3,
			Backoff:         Backoff{Type: "exponential", Base: 500 * time.Millisecond, Max: 10 * time.Second},
			DrainTimeout:    30 * time.Second,
		},
		Producer: Producer{
			RemoveOnCompleteCount: 1000,
			RemoveOnFailCount:     5000,
		},
		CircuitBreaker: CircuitBreaker{
			FailureThreshold: 0.5,
			Window:           1 * time.Minute,
			CooldownPeriod:   30 * time.Second,
			MinSamples:       20,
		},
		Observability: Observability{
			MetricsPort:         9090,
			LogLevel:            "info",
			Tracing:             Tracing{Enabled: false},
			QueueSampleInterval: 2 * time.Second,
		},
	}
}

// Load reads configuration from a YAML file and env overrides (env vars use
// the same dotted path with "." replaced by "_", e.g. WORKER_CONCURRENCY).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("redis.addr", def.Redis.Addr)
	v.SetDefault("redis.pool_size_multiplier", def.Redis.PoolSizeMultiplier)
	v.SetDefault("redis.min_idle_conns", def.Redis.MinIdleConns)
	v.SetDefault("redis.dial_timeout", def.Redis.DialTimeout)
	v.SetDefault("redis.read_timeout", def.Redis.ReadTimeout)
	v.SetDefault("redis.write_timeout", def.Redis.WriteTimeout)
	v.SetDefault("redis.max_retries", def.Redis.MaxRetries)

	v.SetDefault("queue.name", def.Queue.Name)
	v.SetDefault("queue.prefix", def.Queue.Prefix)

	v.SetDefault("worker.concurrency", def.Worker.Concurrency)
	v.SetDefault("worker.lock_duration", def.Worker.LockDuration)
	v.SetDefault("worker.lock_renew_time", def.Worker.LockRenewTime)
	v.SetDefault("worker.stalled_interval", def.Worker.StalledInterval)
	v.SetDefault("worker.max_stalled_count", def.Worker.MaxStalledCount)
	v.SetDefault("worker.max_attempts", def.Worker.MaxAttempts)
	v.SetDefault("worker.backoff.type", def.Worker.Backoff.Type)
	v.SetDefault("worker.backoff.base", def.Worker.Backoff.Base)
	v.SetDefault("worker.backoff.max", def.Worker.Backoff.Max)
	v.SetDefault("worker.limiter.max", def.Worker.Limiter.Max)
	v.SetDefault("worker.limiter.duration", def.Worker.Limiter.Duration)
	v.SetDefault("worker.limiter.group_key", def.Worker.Limiter.GroupKey)
	v.SetDefault("worker.limiter.worker_delay", def.Worker.Limiter.WorkerDelay)
	v.SetDefault("worker.drain_timeout", def.Worker.DrainTimeout)

	v.SetDefault("producer.remove_on_complete_count", def.Producer.RemoveOnCompleteCount)
	v.SetDefault("producer.remove_on_fail_count", def.Producer.RemoveOnFailCount)

	v.SetDefault("circuit_breaker.failure_threshold", def.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.window", def.CircuitBreaker.Window)
	v.SetDefault("circuit_breaker.cooldown_period", def.CircuitBreaker.CooldownPeriod)
	v.SetDefault("circuit_breaker.min_samples", def.CircuitBreaker.MinSamples)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.log_file", def.Observability.LogFile)
	v.SetDefault("observability.tracing.enabled", def.Observability.Tracing.Enabled)
	v.SetDefault("observability.tracing.endpoint", def.Observability.Tracing.Endpoint)
	v.SetDefault("observability.queue_sample_interval", def.Observability.QueueSampleInterval)

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks config constraints and returns an error on invalid settings.
func Validate(cfg *Config) error {
	if cfg.Queue.Name == "" {
		return fmt.Errorf("queue.name must be set")
	}
	if cfg.Worker.Concurrency < 1 {
		return fmt.Errorf("worker.concurrency must be >= 1")
	}
	if cfg.Worker.LockDuration < time.Second {
		return fmt.Errorf("worker.lock_duration must be >= 1s")
	}
	if cfg.Worker.LockRenewTime <= 0 || cfg.Worker.LockRenewTime >= cfg.Worker.LockDuration {
		return fmt.Errorf("worker.lock_renew_time must be >0 and < lock_duration")
	}
	if cfg.Worker.StalledInterval < time.Second {
		return fmt.Errorf("worker.stalled_interval must be >= 1s")
	}
	if cfg.Worker.MaxAttempts < 1 {
		return fmt.Errorf("worker.max_attempts must be >= 1")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	return nil
}
