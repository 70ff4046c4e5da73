// Package events предоставляет реализацию EventBus.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// InMemoryEventBus шина событий процесса.
// Локальная доставка синхронная и упорядоченная, ретрансляция во внешний брокер асинхронная.
type InMemoryEventBus struct {
	subscriber *InMemoryEventSubscriber
	middleware []EventMiddleware
	dlq        DeadLetterQueue
	relay      *Relay
	logger     *slog.Logger
	mu         sync.RWMutex
	wg         sync.WaitGroup // для отслеживания активных публикаций
	shutdownMu sync.Mutex
	stopped    bool
}

// EventMiddleware middleware для событий
type EventMiddleware func(ctx context.Context, event *BaseEvent, next func(ctx context.Context, event *BaseEvent) error) error

// DeadLetterQueue получает события, обработчик которых завершился ошибкой
type DeadLetterQueue interface {
	Publish(ctx context.Context, event *BaseEvent, reason string) error
}

// NewInMemoryEventBus создает новую шину событий
func NewInMemoryEventBus() *InMemoryEventBus {
	return &InMemoryEventBus{
		subscriber: NewInMemoryEventSubscriber(),
		middleware: make([]EventMiddleware, 0),
		logger:     slog.Default(),
	}
}

// WithMiddleware добавляет middleware к шине
func (b *InMemoryEventBus) WithMiddleware(middleware EventMiddleware) *InMemoryEventBus {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.middleware = append(b.middleware, middleware)
	return b
}

// WithDeadLetterQueue устанавливает DLQ
func (b *InMemoryEventBus) WithDeadLetterQueue(dlq DeadLetterQueue) *InMemoryEventBus {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dlq = dlq
	return b
}

// WithLogger устанавливает логгер
func (b *InMemoryEventBus) WithLogger(logger *slog.Logger) *InMemoryEventBus {
	if logger != nil {
		b.logger = logger
	}
	return b
}

// ConnectRelay подключает ретранслятор во внешний брокер и запускает его
func (b *InMemoryEventBus) ConnectRelay(ctx context.Context, relay *Relay) error {
	b.mu.Lock()
	if b.relay != nil {
		b.mu.Unlock()
		return fmt.Errorf("relay already connected")
	}
	b.relay = relay
	b.mu.Unlock()

	return relay.Start(ctx, b.dispatch)
}

// Publish публикует событие: локальные подписчики, затем ретрансляция в брокер
func (b *InMemoryEventBus) Publish(ctx context.Context, event *BaseEvent) error {
	b.shutdownMu.Lock()
	if b.stopped {
		b.shutdownMu.Unlock()
		return fmt.Errorf("event bus is stopped")
	}
	b.wg.Add(1)
	b.shutdownMu.Unlock()
	defer b.wg.Done()

	if err := event.Validate(); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}

	b.mu.RLock()
	middleware := b.middleware
	relay := b.relay
	b.mu.RUnlock()

	next := func(ctx context.Context, event *BaseEvent) error {
		b.dispatch(ctx, event)
		if relay != nil {
			relay.Enqueue(event)
		}
		return nil
	}

	for i := len(middleware) - 1; i >= 0; i-- {
		mw := middleware[i]
		prevNext := next
		next = func(ctx context.Context, event *BaseEvent) error {
			return mw(ctx, event, prevNext)
		}
	}

	return next(ctx, event)
}

// Subscribe подписывается на типы событий
func (b *InMemoryEventBus) Subscribe(handler EventHandler, eventTypes ...string) error {
	return b.subscriber.Subscribe(handler, eventTypes...)
}

// SubscribedTypes возвращает типы событий, на которые есть подписки
func (b *InMemoryEventBus) SubscribedTypes() []string {
	return b.subscriber.SubscribedTypes()
}

// dispatch доставляет событие локальным подписчикам.
// Ошибка или panic одного обработчика не прерывает доставку остальным.
func (b *InMemoryEventBus) dispatch(ctx context.Context, event *BaseEvent) {
	for _, handler := range b.subscriber.GetHandlers(event.EventType) {
		if err := b.safeHandle(ctx, handler, event); err != nil {
			b.logger.Error("event handler failed",
				"event_type", event.EventType,
				"event_id", event.EventID,
				"error", err,
			)

			b.mu.RLock()
			dlq := b.dlq
			b.mu.RUnlock()
			if dlq != nil {
				_ = dlq.Publish(ctx, event, err.Error())
			}
		}
	}
}

func (b *InMemoryEventBus) safeHandle(ctx context.Context, handler EventHandler, event *BaseEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler.Handle(ctx, event)
}

// Shutdown корректно завершает работу шины
func (b *InMemoryEventBus) Shutdown(ctx context.Context) error {
	b.shutdownMu.Lock()
	if b.stopped {
		b.shutdownMu.Unlock()
		return nil // Идемпотентный вызов
	}
	b.stopped = true
	b.shutdownMu.Unlock()

	// Ждем завершения всех активных публикаций
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(30 * time.Second):
		return fmt.Errorf("shutdown timeout after waiting for active publications")
	}

	b.mu.RLock()
	relay := b.relay
	b.mu.RUnlock()
	if relay != nil {
		return relay.Stop(ctx)
	}
	return nil
}
