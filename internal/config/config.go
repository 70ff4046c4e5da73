// Package config загружает конфигурацию fincore из YAML файла и переменных окружения.
package config

import (
	"fmt"
	"time"

	"github.com/akriventsev/fincore/framework/breaker"
	"github.com/akriventsev/fincore/framework/core"
	"github.com/akriventsev/fincore/framework/gateway"
	"github.com/akriventsev/fincore/framework/ratelimit"
	"github.com/akriventsev/fincore/framework/scheduler"
	"github.com/akriventsev/fincore/internal/banksync"
)

// Config полная конфигурация процесса
type Config struct {
	Service   ServiceConfig   `mapstructure:"service" yaml:"service"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Gateway   GatewayConfig   `mapstructure:"gateway" yaml:"gateway"`
	Breaker   BreakerConfig   `mapstructure:"breaker" yaml:"breaker"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit"`
	Scheduler SchedulerConfig `mapstructure:"scheduler" yaml:"scheduler"`
	Sagas     SagasConfig     `mapstructure:"sagas" yaml:"sagas"`
	Broker    BrokerConfig    `mapstructure:"broker" yaml:"broker"`
	Database  DatabaseConfig  `mapstructure:"database" yaml:"database"`
	Redis     RedisConfig     `mapstructure:"redis" yaml:"redis"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
	Tracing   TracingConfig   `mapstructure:"tracing" yaml:"tracing"`
}

// ServiceConfig идентификация процесса
type ServiceConfig struct {
	Name        string `mapstructure:"name" yaml:"name"`
	Environment string `mapstructure:"environment" yaml:"environment"`
}

// LogConfig настройки логирования
type LogConfig struct {
	// Level debug, info, warn, error
	Level string `mapstructure:"level" yaml:"level"`
	// Format json или text
	Format string `mapstructure:"format" yaml:"format"`
}

// GatewayConfig настройки gateway
type GatewayConfig struct {
	Addr            string          `mapstructure:"addr" yaml:"addr"`
	ReadTimeout     time.Duration   `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration   `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration   `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	RetryBaseDelay  time.Duration   `mapstructure:"retry_base_delay" yaml:"retry_base_delay"`
	MaxRequestBody  int64           `mapstructure:"max_request_body" yaml:"max_request_body"`
	Routes          []gateway.Route `mapstructure:"routes" yaml:"routes"`
	// Plans тарифный план организации; неизвестные организации получают rate_limit.default_plan
	Plans map[string]string `mapstructure:"plans" yaml:"plans"`
}

// BreakerConfig настройки circuit breaker
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold" yaml:"failure_threshold"`
	CoolDown         time.Duration `mapstructure:"cool_down" yaml:"cool_down"`
}

// PlanLimits лимиты плана по окнам; 0 означает отсутствие лимита
type PlanLimits struct {
	Minute int64 `mapstructure:"minute" yaml:"minute"`
	Hour   int64 `mapstructure:"hour" yaml:"hour"`
	Day    int64 `mapstructure:"day" yaml:"day"`
}

// RateLimitConfig настройки лимитера
type RateLimitConfig struct {
	// Store memory или redis
	Store       string                `mapstructure:"store" yaml:"store"`
	DefaultPlan string                `mapstructure:"default_plan" yaml:"default_plan"`
	Plans       map[string]PlanLimits `mapstructure:"plans" yaml:"plans"`
}

// SchedulerConfig настройки планировщика
type SchedulerConfig struct {
	// Store memory или postgres
	Store              string        `mapstructure:"store" yaml:"store"`
	Interval           time.Duration `mapstructure:"interval" yaml:"interval"`
	BatchSize          int           `mapstructure:"batch_size" yaml:"batch_size"`
	BaseBackoff        time.Duration `mapstructure:"base_backoff" yaml:"base_backoff"`
	MaxBackoff         time.Duration `mapstructure:"max_backoff" yaml:"max_backoff"`
	DefaultMaxAttempts int           `mapstructure:"default_max_attempts" yaml:"default_max_attempts"`
}

// SagasConfig параметры саг
type SagasConfig struct {
	EscrowGracePeriod time.Duration `mapstructure:"escrow_grace_period" yaml:"escrow_grace_period"`
	BankSyncInterval  time.Duration `mapstructure:"bank_sync_interval" yaml:"bank_sync_interval"`
	BankSyncRetry     time.Duration `mapstructure:"bank_sync_retry" yaml:"bank_sync_retry"`
	RecapWindowDays   int           `mapstructure:"recap_window_days" yaml:"recap_window_days"`
}

// BrokerConfig внешний брокер для ретрансляции событий
type BrokerConfig struct {
	// Type none, inmemory, redis, nats или kafka
	Type           string        `mapstructure:"type" yaml:"type"`
	QueueSize      int           `mapstructure:"queue_size" yaml:"queue_size"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout" yaml:"publish_timeout"`
	NATS           NATSConfig    `mapstructure:"nats" yaml:"nats"`
	Kafka          KafkaConfig   `mapstructure:"kafka" yaml:"kafka"`
}

// NATSConfig подключение к NATS
type NATSConfig struct {
	URL           string        `mapstructure:"url" yaml:"url"`
	MaxReconnects int           `mapstructure:"max_reconnects" yaml:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait" yaml:"reconnect_wait"`
	Token         string        `mapstructure:"token" yaml:"token"`
}

// KafkaConfig подключение к Kafka
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers" yaml:"brokers"`
	GroupID string   `mapstructure:"group_id" yaml:"group_id"`
}

// DatabaseConfig подключение к PostgreSQL
type DatabaseConfig struct {
	DSN      string `mapstructure:"dsn" yaml:"dsn"`
	MaxConns int32  `mapstructure:"max_conns" yaml:"max_conns"`
}

// RedisConfig подключение к Redis
type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`
	PoolSize int    `mapstructure:"pool_size" yaml:"pool_size"`
}

// MetricsConfig экспорт метрик
type MetricsConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Exporter string `mapstructure:"exporter" yaml:"exporter"`
}

// TracingConfig экспорт трассировки
type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled" yaml:"enabled"`
	Exporter     string  `mapstructure:"exporter" yaml:"exporter"`
	Endpoint     string  `mapstructure:"endpoint" yaml:"endpoint"`
	SamplingRate float64 `mapstructure:"sampling_rate" yaml:"sampling_rate"`
}

// Допустимые значения переключателей
const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
	BrokerNone    = "none"
)

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() *Config {
	rl := ratelimit.DefaultConfig()
	plans := make(map[string]PlanLimits, len(rl.Plans))
	for name, limits := range rl.Plans {
		plans[name] = PlanLimits{
			Minute: limits[ratelimit.WindowMinute],
			Hour:   limits[ratelimit.WindowHour],
			Day:    limits[ratelimit.WindowDay],
		}
	}
	srv := gateway.DefaultServerConfig()
	cb := breaker.DefaultConfig()
	sched := scheduler.DefaultConfig()
	bank := banksync.DefaultConfig()

	return &Config{
		Service: ServiceConfig{Name: "fincore", Environment: "development"},
		Log:     LogConfig{Level: "info", Format: "json"},
		Gateway: GatewayConfig{
			Addr:            srv.Addr,
			ReadTimeout:     srv.ReadTimeout,
			WriteTimeout:    srv.WriteTimeout,
			ShutdownTimeout: srv.ShutdownTimeout,
			RetryBaseDelay:  gateway.DefaultProxyConfig().RetryBaseDelay,
			MaxRequestBody:  srv.MaxRequestBody,
			Plans:           map[string]string{},
		},
		Breaker: BreakerConfig{FailureThreshold: cb.FailureThreshold, CoolDown: cb.CoolDown},
		RateLimit: RateLimitConfig{
			Store:       StoreMemory,
			DefaultPlan: rl.DefaultPlan,
			Plans:       plans,
		},
		Scheduler: SchedulerConfig{
			Store:              StoreMemory,
			Interval:           sched.Interval,
			BatchSize:          sched.BatchSize,
			BaseBackoff:        sched.BaseBackoff,
			MaxBackoff:         sched.MaxBackoff,
			DefaultMaxAttempts: sched.DefaultMaxAttempts,
		},
		Sagas: SagasConfig{
			EscrowGracePeriod: 14 * 24 * time.Hour,
			BankSyncInterval:  bank.Interval,
			BankSyncRetry:     bank.RetryDelay,
			RecapWindowDays:   3,
		},
		Broker: BrokerConfig{
			Type:           BrokerNone,
			QueueSize:      1024,
			PublishTimeout: 5 * time.Second,
			NATS:           NATSConfig{URL: "nats://localhost:4222", MaxReconnects: 10, ReconnectWait: 2 * time.Second},
			Kafka:          KafkaConfig{Brokers: []string{"localhost:9092"}, GroupID: "fincore"},
		},
		Database: DatabaseConfig{MaxConns: 10},
		Redis:    RedisConfig{Addr: "localhost:6379", PoolSize: 10},
		Metrics:  MetricsConfig{Enabled: true, Exporter: "prometheus"},
		Tracing:  TracingConfig{Enabled: false, Exporter: "stdout", SamplingRate: 1.0},
	}
}

// Validate проверяет конфигурацию целиком
func (c *Config) Validate() error {
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		return invalid("log.format must be json or text, got %q", c.Log.Format)
	}
	if c.Gateway.MaxRequestBody <= 0 {
		return invalid("gateway.max_request_body must be positive, got %d", c.Gateway.MaxRequestBody)
	}
	if _, err := gateway.NewRouteTable(c.Gateway.Routes); err != nil {
		return err
	}
	if err := c.ProxyConfig().Validate(); err != nil {
		return err
	}
	if err := c.BreakerConfig().Validate(); err != nil {
		return err
	}

	switch c.RateLimit.Store {
	case StoreMemory:
	case StoreRedis:
		if c.Redis.Addr == "" {
			return invalid("rate_limit.store=redis requires redis.addr")
		}
	default:
		return invalid("unknown rate_limit.store %q", c.RateLimit.Store)
	}
	if err := c.RateLimitConfig().Validate(); err != nil {
		return err
	}

	switch c.Scheduler.Store {
	case StoreMemory:
	case StorePostgres:
		if c.Database.DSN == "" {
			return invalid("scheduler.store=postgres requires database.dsn")
		}
	default:
		return invalid("unknown scheduler.store %q", c.Scheduler.Store)
	}
	if err := c.SchedulerConfig().Validate(); err != nil {
		return err
	}
	if err := c.BankSyncConfig().Validate(); err != nil {
		return err
	}
	if c.Sagas.EscrowGracePeriod <= 0 {
		return invalid("sagas.escrow_grace_period must be positive")
	}
	if c.Sagas.RecapWindowDays <= 0 || c.Sagas.RecapWindowDays > 31 {
		return invalid("sagas.recap_window_days must be within 1..31")
	}

	switch c.Broker.Type {
	case BrokerNone, "inmemory":
	case "redis":
		if c.Redis.Addr == "" {
			return invalid("broker.type=redis requires redis.addr")
		}
	case "nats":
		if c.Broker.NATS.URL == "" {
			return invalid("broker.type=nats requires broker.nats.url")
		}
	case "kafka":
		if len(c.Broker.Kafka.Brokers) == 0 {
			return invalid("broker.type=kafka requires broker.kafka.brokers")
		}
	default:
		return invalid("unknown broker.type %q", c.Broker.Type)
	}

	if c.Metrics.Enabled && c.Metrics.Exporter != "prometheus" && c.Metrics.Exporter != "none" {
		return invalid("unknown metrics.exporter %q", c.Metrics.Exporter)
	}
	switch c.Tracing.Exporter {
	case "stdout", "otlp", "jaeger", "zipkin":
	default:
		return invalid("unknown tracing.exporter %q", c.Tracing.Exporter)
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return invalid("tracing.sampling_rate must be within 0..1")
	}
	return nil
}

func invalid(format string, args ...interface{}) error {
	return core.NewError(core.ErrInvalidConfig, fmt.Sprintf(format, args...))
}
