// Package events предоставляет ретранслятор событий во внешний брокер.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/akriventsev/fincore/framework/transport"
)

// RetryConfig конфигурация retry для публикации в брокер
type RetryConfig struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
}

// DefaultRetryConfig возвращает конфигурацию retry по умолчанию
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialDelay:      100 * time.Millisecond,
		MaxDelay:          2 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// RelayConfig конфигурация ретранслятора
type RelayConfig struct {
	// InstanceID идентификатор процесса; собственные сообщения из брокера игнорируются
	InstanceID string
	// QueueSize размер очереди исходящих событий
	QueueSize int
	// PublishTimeout таймаут одной публикации в брокер
	PublishTimeout time.Duration
	// Channels каналы, из которых принимаются события других процессов
	Channels []string
	Retry    RetryConfig
}

// DefaultRelayConfig возвращает конфигурацию ретранслятора по умолчанию
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		InstanceID:     uuid.New().String(),
		QueueSize:      1024,
		PublishTimeout: 5 * time.Second,
		Channels:       KnownChannels(),
		Retry:          DefaultRetryConfig(),
	}
}

// Validate проверяет конфигурацию
func (c RelayConfig) Validate() error {
	if c.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("queue_size must be positive")
	}
	if c.PublishTimeout <= 0 {
		return fmt.Errorf("publish_timeout must be positive")
	}
	return nil
}

// Relay асинхронно пересылает события в брокер и принимает события других процессов.
// Публикация в брокер не блокирует локальную доставку; при ошибке брокера событие теряется с предупреждением.
type Relay struct {
	bus      transport.MessageBus
	config   RelayConfig
	logger   *slog.Logger
	queue    chan *BaseEvent
	dispatch func(ctx context.Context, event *BaseEvent)
	stopCh   chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
	mu       sync.Mutex
	started  bool
	dropped  int64
}

// NewRelay создает ретранслятор поверх транспорта брокера
func NewRelay(bus transport.MessageBus, config RelayConfig, logger *slog.Logger) (*Relay, error) {
	if bus == nil {
		return nil, fmt.Errorf("message bus is required")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid relay config: %w", err)
	}
	if config.Retry.MaxAttempts <= 0 {
		config.Retry.MaxAttempts = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		bus:    bus,
		config: config,
		logger: logger.With("component", "event_relay"),
		queue:  make(chan *BaseEvent, config.QueueSize),
		stopCh: make(chan struct{}),
	}, nil
}

// InstanceID возвращает идентификатор процесса
func (r *Relay) InstanceID() string {
	return r.config.InstanceID
}

// Start подписывается на каналы брокера и запускает воркер исходящей очереди
func (r *Relay) Start(ctx context.Context, dispatch func(ctx context.Context, event *BaseEvent)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return fmt.Errorf("relay already started")
	}
	r.dispatch = dispatch

	for _, channel := range r.config.Channels {
		if err := r.bus.Subscribe(ctx, channel, r.handleInbound); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", channel, err)
		}
	}

	r.wg.Add(1)
	go r.worker()
	r.started = true
	return nil
}

// Enqueue ставит событие в очередь на публикацию, не блокируя вызывающего
func (r *Relay) Enqueue(event *BaseEvent) {
	select {
	case <-r.stopCh:
		return
	default:
	}

	select {
	case r.queue <- event:
	default:
		r.mu.Lock()
		r.dropped++
		r.mu.Unlock()
		r.logger.Warn("relay queue full, event not forwarded to broker",
			"event_type", event.EventType,
			"event_id", event.EventID,
		)
	}
}

// Dropped возвращает количество событий, не попавших в брокер из-за переполнения очереди
func (r *Relay) Dropped() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

func (r *Relay) worker() {
	defer r.wg.Done()
	for {
		select {
		case event := <-r.queue:
			r.forward(event)
		case <-r.stopCh:
			// Drain queue before stopping
			for {
				select {
				case event := <-r.queue:
					r.forward(event)
				default:
					return
				}
			}
		}
	}
}

func (r *Relay) forward(event *BaseEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		r.logger.Warn("failed to encode event", "event_type", event.EventType, "error", err)
		return
	}

	channel := ChannelFor(event.EventType)
	headers := map[string]string{
		transport.HeaderEventType:  event.EventType,
		transport.HeaderEventID:    event.EventID,
		transport.HeaderInstanceID: r.config.InstanceID,
	}

	if err := r.publishWithRetry(channel, data, headers); err != nil {
		r.logger.Warn("failed to forward event to broker",
			"event_type", event.EventType,
			"event_id", event.EventID,
			"channel", channel,
			"error", err,
		)
	}
}

func (r *Relay) publishWithRetry(channel string, data []byte, headers map[string]string) error {
	var lastErr error
	delay := r.config.Retry.InitialDelay

	for attempt := 0; attempt < r.config.Retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-r.stopCh:
				// при остановке оставшиеся попытки выполняются без ожидания
			}
			delay = time.Duration(float64(delay) * r.config.Retry.BackoffMultiplier)
			if r.config.Retry.MaxDelay > 0 && delay > r.config.Retry.MaxDelay {
				delay = r.config.Retry.MaxDelay
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), r.config.PublishTimeout)
		err := r.bus.Publish(ctx, channel, data, headers)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
	}

	return fmt.Errorf("publish failed after %d attempts: %w", r.config.Retry.MaxAttempts, lastErr)
}

// handleInbound доставляет событие из брокера только локальным подписчикам.
// Некорректные сообщения и собственные события процесса отбрасываются.
func (r *Relay) handleInbound(ctx context.Context, msg *transport.Message) error {
	if msg.Headers[transport.HeaderInstanceID] == r.config.InstanceID {
		return nil
	}

	var event BaseEvent
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		r.logger.Debug("dropping malformed broker message", "subject", msg.Subject, "error", err)
		return nil
	}
	if err := event.Validate(); err != nil {
		r.logger.Debug("dropping invalid broker event", "subject", msg.Subject, "error", err)
		return nil
	}
	if event.Payload == nil {
		event.Payload = make(map[string]interface{})
	}

	if r.dispatch != nil {
		r.dispatch(ctx, &event)
	}
	return nil
}

// Stop отписывается от каналов и дожидается отправки очереди.
// Метод идемпотентен.
func (r *Relay) Stop(ctx context.Context) error {
	var err error
	r.stopOnce.Do(func() {
		for _, channel := range r.config.Channels {
			_ = r.bus.Unsubscribe(channel)
		}
		close(r.stopCh)

		done := make(chan struct{})
		go func() {
			r.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			err = ctx.Err()
		}
	})
	return err
}
