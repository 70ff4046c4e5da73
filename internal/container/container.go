// Package container собирает компоненты fincore из конфигурации и управляет их жизненным циклом.
package container

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	mbfactory "github.com/akriventsev/fincore/framework/adapters/messagebus"
	"github.com/akriventsev/fincore/framework/breaker"
	"github.com/akriventsev/fincore/framework/core"
	"github.com/akriventsev/fincore/framework/events"
	"github.com/akriventsev/fincore/framework/gateway"
	"github.com/akriventsev/fincore/framework/metrics"
	"github.com/akriventsev/fincore/framework/observability"
	"github.com/akriventsev/fincore/framework/ratelimit"
	"github.com/akriventsev/fincore/framework/scheduler"
	"github.com/akriventsev/fincore/internal/banksync"
	"github.com/akriventsev/fincore/internal/config"
	"github.com/akriventsev/fincore/internal/consumers"
	"github.com/akriventsev/fincore/internal/escrow"
	"github.com/akriventsev/fincore/internal/ledger"
	"github.com/akriventsev/fincore/internal/notify"
	"github.com/akriventsev/fincore/internal/taxrecap"
)

// Container держит единственные экземпляры компонентов процесса.
// Поля заполняются в Build; Broker и Relay появляются только после StartScheduler.
type Container struct {
	Config  *config.Config
	Logger  *slog.Logger
	Version string

	Metrics       *metrics.Metrics
	MeterProvider *sdkmetric.MeterProvider
	Tracing       *observability.TracingManager
	Health        *observability.HealthRegistry

	Pool  *pgxpool.Pool
	Redis *redis.Client

	Bus    *events.InMemoryEventBus
	Broker mbfactory.Broker
	Relay  *events.Relay

	Breaker *breaker.CircuitBreaker
	Limiter *ratelimit.Limiter
	Proxy   *gateway.Proxy
	Server  *gateway.Server

	Scheduler *scheduler.Scheduler
	Jobs      scheduler.Store
	Ledger    ledger.Repository
	Escrow    escrow.Repository
	TaxLocks  taxrecap.LockRepository
	Bindings  []consumers.Binding

	brokers BrokerFactory

	mu      sync.Mutex
	closers []func(ctx context.Context) error
}

// Option настраивает контейнер
type Option func(*Container)

// WithBrokerFactory подменяет фабрику брокеров
func WithBrokerFactory(f BrokerFactory) Option {
	return func(c *Container) { c.brokers = f }
}

// WithVersion задает версию сервиса для трассировки
func WithVersion(version string) Option {
	return func(c *Container) { c.Version = version }
}

// Build создает все компоненты. Сетевые подключения к брокеру открываются только в StartScheduler.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (_ *Container, err error) {
	if cfg == nil {
		return nil, core.NewError(core.ErrInvalidConfig, "config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Container{Config: cfg, Logger: logger, Health: observability.NewHealthRegistry()}
	for _, opt := range opts {
		opt(c)
	}
	defer func() {
		if err != nil {
			_ = c.Shutdown(context.WithoutCancel(ctx))
		}
	}()

	if err = c.buildObservability(); err != nil {
		return nil, err
	}
	if err = c.buildStores(ctx); err != nil {
		return nil, err
	}
	if err = c.buildGateway(); err != nil {
		return nil, err
	}
	if err = c.buildWorkflows(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Container) buildObservability() error {
	if c.Config.Metrics.Enabled {
		provider, err := metrics.SetupMetrics(c.Config.MetricsConfig())
		if err != nil {
			return err
		}
		c.MeterProvider = provider
		c.onClose(func(ctx context.Context) error { return metrics.ShutdownMetrics(ctx, provider) })
	}
	m, err := metrics.NewMetrics()
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}
	c.Metrics = m

	tracing, err := observability.NewTracingManager(c.Config.TracingConfig(c.Version))
	if err != nil {
		return err
	}
	c.Tracing = tracing
	return nil
}

func (c *Container) buildStores(ctx context.Context) error {
	cfg := c.Config

	if cfg.Scheduler.Store == config.StorePostgres {
		poolCfg, err := pgxpool.ParseConfig(cfg.Database.DSN)
		if err != nil {
			return core.Wrap(err, core.ErrInvalidConfig, "invalid database.dsn")
		}
		if cfg.Database.MaxConns > 0 {
			poolCfg.MaxConns = cfg.Database.MaxConns
		}
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return fmt.Errorf("failed to create postgres pool: %w", err)
		}
		c.Pool = pool
		c.onClose(func(context.Context) error { pool.Close(); return nil })
		c.Health.Register(observability.NewPingCheck("postgres", pool.Ping))

		c.Jobs = scheduler.NewPostgresStore(pool)
		c.Ledger = ledger.NewPostgresRepository(pool)
		c.Escrow = escrow.NewPostgresRepository(pool)
		c.TaxLocks = taxrecap.NewPostgresLockRepository(pool)
	} else {
		c.Jobs = scheduler.NewMemoryStore()
		c.Ledger = ledger.NewMemoryRepository()
		c.Escrow = escrow.NewMemoryRepository()
		c.TaxLocks = taxrecap.NewMemoryLockRepository()
	}

	if cfg.RateLimit.Store == config.StoreRedis {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		c.Redis = client
		c.onClose(func(context.Context) error { return client.Close() })
		c.Health.Register(observability.NewPingCheck("redis", func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}))
	}
	return nil
}

func (c *Container) buildGateway() error {
	cfg := c.Config

	cb, err := breaker.New(cfg.BreakerConfig(), c.Logger)
	if err != nil {
		return err
	}
	m := c.Metrics
	cb.OnStateChange(func(service string, from, to breaker.State) {
		m.RecordCircuitTransition(context.Background(), service, string(from), string(to))
	})
	c.Breaker = cb

	var store ratelimit.Store = ratelimit.NewMemoryStore()
	if c.Redis != nil {
		store = ratelimit.NewRedisStore(c.Redis)
	}
	limiter, err := ratelimit.NewLimiter(cfg.RateLimitConfig(), store, c.Logger)
	if err != nil {
		return err
	}
	c.Limiter = limiter

	routes, err := gateway.NewRouteTable(cfg.Gateway.Routes)
	if err != nil {
		return err
	}
	proxy, err := gateway.NewProxy(cfg.ProxyConfig(), routes, cb, nil, c.Logger)
	if err != nil {
		return err
	}
	c.Proxy = proxy.WithMetrics(m)

	server, err := gateway.NewServer(cfg.ServerConfig(), c.Proxy, limiter, cb, c.Logger,
		gateway.WithPlanResolver(cfg.PlanResolver()),
		gateway.WithServerMetrics(m),
		gateway.WithHealthRegistry(c.Health),
	)
	if err != nil {
		return err
	}
	c.Server = server
	return nil
}

func (c *Container) buildWorkflows() error {
	cfg := c.Config
	m := c.Metrics

	c.Bus = events.NewInMemoryEventBus().
		WithLogger(c.Logger).
		WithMiddleware(func(ctx context.Context, event *events.BaseEvent, next func(ctx context.Context, event *events.BaseEvent) error) error {
			m.RecordEvent(ctx, event.EventType)
			return next(ctx, event)
		})

	sched, err := scheduler.New(cfg.SchedulerConfig(), c.Jobs, c.Logger)
	if err != nil {
		return err
	}
	c.Scheduler = sched.WithMetrics(m)

	if err := c.Scheduler.Register(escrow.WorkflowAutoRelease, escrow.NewAutoReleaseHandler(c.Escrow, c.Bus, c.Logger)); err != nil {
		return err
	}
	if err := c.Scheduler.Register(banksync.WorkflowSync, banksync.NewSyncHandler(c.Bus, c.Logger)); err != nil {
		return err
	}
	c.Scheduler.RegisterCalendarJob(taxrecap.NewRecapJob(c.Ledger, c.Ledger, c.TaxLocks, c.Bus, cfg.Sagas.RecapWindowDays, c.Logger))

	notifier := notify.MultiNotifier{notify.NewLogNotifier(c.Logger), notify.NewEventNotifier(c.Bus)}
	bindings, err := consumers.Table(consumers.Deps{
		Ledger:            c.Ledger,
		Notifier:          notifier,
		Scheduler:         c.Scheduler,
		EscrowGracePeriod: cfg.Sagas.EscrowGracePeriod,
		BankSync:          cfg.BankSyncConfig(),
		Logger:            c.Logger,
	})
	if err != nil {
		return err
	}
	if err := consumers.Register(c.Bus, bindings); err != nil {
		return err
	}
	c.Bindings = bindings
	return nil
}

// StartGateway запускает HTTP gateway
func (c *Container) StartGateway(ctx context.Context) error {
	if err := start(ctx, c.Tracing); err != nil {
		return err
	}
	return start(ctx, c.Server)
}

// StartScheduler подключает брокер, запускает ретрансляцию событий и цикл планировщика
func (c *Container) StartScheduler(ctx context.Context) error {
	if err := start(ctx, c.Tracing); err != nil {
		return err
	}

	broker, err := newBroker(c.brokers, c.Config, c.Metrics)
	if err != nil {
		return err
	}
	if broker != nil {
		c.Broker = broker
		if err := start(ctx, broker); err != nil {
			return err
		}

		relay, err := events.NewRelay(broker, c.Config.RelayConfig(), c.Logger)
		if err != nil {
			return err
		}
		if err := c.Bus.ConnectRelay(ctx, relay); err != nil {
			return err
		}
		c.Relay = relay
		c.Logger.Info("event relay connected", "broker", c.Config.Broker.Type, "instance_id", relay.InstanceID())
	}

	return start(ctx, c.Scheduler)
}

func start(ctx context.Context, comp core.Lifecycle) error {
	if comp.IsRunning() {
		return nil
	}
	if err := comp.Start(ctx); err != nil {
		return fmt.Errorf("failed to start component: %w", err)
	}
	return nil
}

func (c *Container) onClose(fn func(ctx context.Context) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closers = append(c.closers, fn)
}

// Shutdown останавливает входящий трафик и планировщик, дожидается отправки событий в брокер,
// затем закрывает брокер и пулы соединений. Ошибки не прерывают остановку остальных.
func (c *Container) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	closers := c.closers
	c.closers = nil
	c.mu.Unlock()

	var errs []error
	record := func(what string, err error) {
		if err != nil {
			c.Logger.Error("shutdown step failed", "step", what, "error", err)
			errs = append(errs, err)
		}
	}

	if c.Server != nil && c.Server.IsRunning() {
		record("gateway", c.Server.Stop(ctx))
	}
	if c.Scheduler != nil && c.Scheduler.IsRunning() {
		record("scheduler", c.Scheduler.Stop(ctx))
	}
	if c.Bus != nil {
		record("event bus", c.Bus.Shutdown(ctx))
	}
	if c.Broker != nil && c.Broker.IsRunning() {
		record("broker", c.Broker.Stop(ctx))
	}
	if c.Tracing != nil {
		record("tracing", c.Tracing.Stop(ctx))
	}
	for i := len(closers) - 1; i >= 0; i-- {
		record("resource", closers[i](ctx))
	}
	return errors.Join(errs...)
}
