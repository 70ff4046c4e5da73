// Package messagebus предоставляет адаптеры для различных message brokers.
package messagebus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/akriventsev/fincore/framework/core"
	"github.com/akriventsev/fincore/framework/metrics"
	"github.com/akriventsev/fincore/framework/transport"
)

// RedisConfig конфигурация для Redis адаптера
type RedisConfig struct {
	Addr       string
	Password   string
	DB         int
	PoolSize   int
	MaxRetries int
}

// Validate проверяет корректность конфигурации
func (c RedisConfig) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr cannot be empty")
	}
	return nil
}

// DefaultRedisConfig возвращает конфигурацию Redis по умолчанию
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:       "localhost:6379",
		PoolSize:   10,
		MaxRetries: 3,
	}
}

// redisEnvelope формат сообщения в канале: Pub/Sub не поддерживает заголовки
type redisEnvelope struct {
	Headers map[string]string `json:"headers,omitempty"`
	Data    json.RawMessage   `json:"data"`
}

// RedisAdapter реализация MessageBus через Redis Pub/Sub (PUBLISH/SUBSCRIBE)
type RedisAdapter struct {
	config  RedisConfig
	client  redis.UniversalClient
	subs    map[string]*redis.PubSub
	mu      sync.RWMutex
	running bool
	metrics *metrics.Metrics
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// NewRedisAdapter создает новый Redis адаптер и проверяет подключение
func NewRedisAdapter(config RedisConfig) (*RedisAdapter, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid redis config: %w", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr:       config.Addr,
		Password:   config.Password,
		DB:         config.DB,
		PoolSize:   config.PoolSize,
		MaxRetries: config.MaxRetries,
	})

	// Проверяем подключение
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisAdapterFromClient(client, config), nil
}

// NewRedisAdapterFromClient создает адаптер поверх существующего клиента
func NewRedisAdapterFromClient(client redis.UniversalClient, config RedisConfig) *RedisAdapter {
	return &RedisAdapter{
		config: config,
		client: client,
		subs:   make(map[string]*redis.PubSub),
		logger: slog.Default().With("component", "redis-adapter"),
	}
}

// WithMetrics устанавливает сборщик метрик
func (r *RedisAdapter) WithMetrics(m *metrics.Metrics) *RedisAdapter {
	r.metrics = m
	return r
}

// Client возвращает клиент Redis для совместного использования (например, лимитером)
func (r *RedisAdapter) Client() redis.UniversalClient {
	return r.client
}

// Start запускает адаптер (реализация core.Lifecycle)
func (r *RedisAdapter) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running = true
	return nil
}

// Stop закрывает подписки и клиент (реализация core.Lifecycle)
func (r *RedisAdapter) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	for channel, ps := range r.subs {
		_ = ps.Close()
		delete(r.subs, channel)
	}
	r.running = false
	r.mu.Unlock()

	r.wg.Wait()
	return r.client.Close()
}

// IsRunning проверяет, запущен ли адаптер (реализация core.Lifecycle)
func (r *RedisAdapter) IsRunning() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.running
}

// Name возвращает имя компонента (реализация core.Component)
func (r *RedisAdapter) Name() string {
	return "redis-adapter"
}

// Type возвращает тип компонента (реализация core.Component)
func (r *RedisAdapter) Type() core.ComponentType {
	return core.ComponentTypeAdapter
}

// Publish публикует сообщение в канал (PUBLISH)
func (r *RedisAdapter) Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error {
	start := time.Now()

	payload, err := encodeRedisMessage(data, headers)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	if err := r.client.Publish(ctx, subject, payload).Err(); err != nil {
		r.metrics.RecordTransport(ctx, "redis", time.Since(start), false)
		return fmt.Errorf("failed to publish message: %w", err)
	}

	r.metrics.RecordTransport(ctx, "redis", time.Since(start), true)
	return nil
}

// Subscribe подписывается на канал (SUBSCRIBE)
func (r *RedisAdapter) Subscribe(ctx context.Context, subject string, handler transport.MessageHandler) error {
	ps := r.client.Subscribe(ctx, subject)
	// Дожидаемся подтверждения подписки
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	r.mu.Lock()
	if prev, ok := r.subs[subject]; ok {
		_ = prev.Close()
	}
	r.subs[subject] = ps
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for msg := range ps.Channel() {
			data, headers := decodeRedisMessage([]byte(msg.Payload))
			mbMsg := &transport.Message{
				Subject: msg.Channel,
				Data:    data,
				Headers: headers,
			}
			if err := handler(ctx, mbMsg); err != nil {
				// Логируем ошибку, но не прерываем обработку
				r.logger.Warn("message handler failed", "channel", msg.Channel, "error", err)
			}
		}
	}()

	return nil
}

// Unsubscribe отписывается от канала
func (r *RedisAdapter) Unsubscribe(subject string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ps, ok := r.subs[subject]
	if !ok {
		return nil
	}
	delete(r.subs, subject)
	return ps.Close()
}

func encodeRedisMessage(data []byte, headers map[string]string) ([]byte, error) {
	if len(headers) == 0 || !json.Valid(data) {
		return data, nil
	}
	return json.Marshal(redisEnvelope{Headers: headers, Data: data})
}

// decodeRedisMessage разбирает конверт; сообщения сторонних публикаторов передаются как есть
func decodeRedisMessage(payload []byte) ([]byte, map[string]string) {
	var env redisEnvelope
	if err := json.Unmarshal(payload, &env); err == nil && len(env.Data) > 0 && env.Headers != nil {
		return env.Data, env.Headers
	}
	return payload, map[string]string{}
}
