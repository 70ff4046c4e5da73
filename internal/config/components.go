package config

import (
	"github.com/akriventsev/fincore/framework/adapters/messagebus"
	"github.com/akriventsev/fincore/framework/breaker"
	"github.com/akriventsev/fincore/framework/events"
	"github.com/akriventsev/fincore/framework/gateway"
	"github.com/akriventsev/fincore/framework/metrics"
	"github.com/akriventsev/fincore/framework/observability"
	"github.com/akriventsev/fincore/framework/ratelimit"
	"github.com/akriventsev/fincore/framework/scheduler"
	"github.com/akriventsev/fincore/internal/banksync"
)

// ServerConfig конфигурация HTTP сервера gateway
func (c *Config) ServerConfig() gateway.ServerConfig {
	cfg := gateway.DefaultServerConfig()
	cfg.Addr = c.Gateway.Addr
	cfg.ServiceName = c.Service.Name + "-gateway"
	cfg.ReadTimeout = c.Gateway.ReadTimeout
	cfg.WriteTimeout = c.Gateway.WriteTimeout
	cfg.ShutdownTimeout = c.Gateway.ShutdownTimeout
	cfg.EnableMetrics = c.Metrics.Enabled
	cfg.MaxRequestBody = c.Gateway.MaxRequestBody
	return cfg
}

// ProxyConfig конфигурация прокси
func (c *Config) ProxyConfig() gateway.ProxyConfig {
	return gateway.ProxyConfig{RetryBaseDelay: c.Gateway.RetryBaseDelay}
}

// BreakerConfig конфигурация circuit breaker
func (c *Config) BreakerConfig() breaker.Config {
	return breaker.Config{FailureThreshold: c.Breaker.FailureThreshold, CoolDown: c.Breaker.CoolDown}
}

// RateLimitConfig конфигурация лимитера
func (c *Config) RateLimitConfig() ratelimit.Config {
	plans := make(map[string]ratelimit.Limits, len(c.RateLimit.Plans))
	for name, p := range c.RateLimit.Plans {
		plans[name] = ratelimit.Limits{
			ratelimit.WindowMinute: p.Minute,
			ratelimit.WindowHour:   p.Hour,
			ratelimit.WindowDay:    p.Day,
		}
	}
	return ratelimit.Config{Plans: plans, DefaultPlan: c.RateLimit.DefaultPlan}
}

// PlanResolver резолвер планов организаций
func (c *Config) PlanResolver() gateway.StaticPlanResolver {
	return gateway.StaticPlanResolver{Plans: c.Gateway.Plans, DefaultPlan: c.RateLimit.DefaultPlan}
}

// SchedulerConfig конфигурация планировщика
func (c *Config) SchedulerConfig() scheduler.Config {
	return scheduler.Config{
		Interval:           c.Scheduler.Interval,
		BatchSize:          c.Scheduler.BatchSize,
		BaseBackoff:        c.Scheduler.BaseBackoff,
		MaxBackoff:         c.Scheduler.MaxBackoff,
		DefaultMaxAttempts: c.Scheduler.DefaultMaxAttempts,
	}
}

// BankSyncConfig интервалы саги банковской синхронизации
func (c *Config) BankSyncConfig() banksync.Config {
	return banksync.Config{Interval: c.Sagas.BankSyncInterval, RetryDelay: c.Sagas.BankSyncRetry}
}

// RelayConfig конфигурация ретранслятора событий
func (c *Config) RelayConfig() events.RelayConfig {
	cfg := events.DefaultRelayConfig()
	cfg.QueueSize = c.Broker.QueueSize
	cfg.PublishTimeout = c.Broker.PublishTimeout
	return cfg
}

// BrokerSettings возвращает конфигурацию адаптера брокера для фабрики messagebus
func (c *Config) BrokerSettings() interface{} {
	switch c.Broker.Type {
	case "redis":
		cfg := messagebus.DefaultRedisConfig()
		cfg.Addr = c.Redis.Addr
		cfg.Password = c.Redis.Password
		cfg.DB = c.Redis.DB
		if c.Redis.PoolSize > 0 {
			cfg.PoolSize = c.Redis.PoolSize
		}
		return cfg
	case "nats":
		cfg := messagebus.DefaultNATSConfig()
		cfg.URL = c.Broker.NATS.URL
		cfg.MaxReconnects = c.Broker.NATS.MaxReconnects
		cfg.ReconnectWait = c.Broker.NATS.ReconnectWait
		cfg.Token = c.Broker.NATS.Token
		return cfg
	case "kafka":
		cfg := messagebus.DefaultKafkaConfig()
		cfg.Brokers = c.Broker.Kafka.Brokers
		cfg.GroupID = c.Broker.Kafka.GroupID
		return cfg
	default:
		return messagebus.DefaultInMemoryConfig()
	}
}

// MetricsConfig конфигурация экспорта метрик
func (c *Config) MetricsConfig() *metrics.MetricsConfig {
	exporter := c.Metrics.Exporter
	if !c.Metrics.Enabled {
		exporter = "none"
	}
	return &metrics.MetricsConfig{
		ExporterType: exporter,
		ResourceAttrs: map[string]string{
			"service.name":           c.Service.Name,
			"deployment.environment": c.Service.Environment,
		},
	}
}

// TracingConfig конфигурация трассировки
func (c *Config) TracingConfig(version string) observability.TracingConfig {
	return observability.TracingConfig{
		Enabled:          c.Tracing.Enabled,
		ServiceName:      c.Service.Name,
		ServiceVersion:   version,
		Exporter:         c.Tracing.Exporter,
		ExporterEndpoint: c.Tracing.Endpoint,
		SamplingRate:     c.Tracing.SamplingRate,
		Environment:      c.Service.Environment,
	}
}
