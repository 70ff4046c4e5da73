// Package messagebus предоставляет адаптеры для различных message brokers.
package messagebus

import (
	"context"
	"strings"
	"sync"

	"github.com/akriventsev/fincore/framework/core"
	"github.com/akriventsev/fincore/framework/transport"
)

// InMemoryConfig конфигурация для InMemory адаптера
type InMemoryConfig struct {
	EnableOrdering bool // FIFO гарантии, обработчики вызываются синхронно
}

// DefaultInMemoryConfig возвращает конфигурацию InMemory по умолчанию
func DefaultInMemoryConfig() InMemoryConfig {
	return InMemoryConfig{
		EnableOrdering: true,
	}
}

// InMemoryAdapter реализация MessageBus в памяти.
// Используется в single-instance развертывании и в тестах вместо внешнего брокера.
type InMemoryAdapter struct {
	config      InMemoryConfig
	subscribers map[string][]transport.MessageHandler
	mu          sync.RWMutex
	running     bool
	wg          sync.WaitGroup
}

// NewInMemoryAdapter создает новый InMemory адаптер
func NewInMemoryAdapter(config InMemoryConfig) *InMemoryAdapter {
	return &InMemoryAdapter{
		config:      config,
		subscribers: make(map[string][]transport.MessageHandler),
	}
}

// Start запускает адаптер (реализация core.Lifecycle)
func (i *InMemoryAdapter) Start(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.running = true
	return nil
}

// Stop останавливает адаптер и ждет асинхронных обработчиков (реализация core.Lifecycle)
func (i *InMemoryAdapter) Stop(ctx context.Context) error {
	i.mu.Lock()
	i.running = false
	i.subscribers = make(map[string][]transport.MessageHandler)
	i.mu.Unlock()

	done := make(chan struct{})
	go func() {
		i.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning проверяет, запущен ли адаптер (реализация core.Lifecycle)
func (i *InMemoryAdapter) IsRunning() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.running
}

// Name возвращает имя компонента (реализация core.Component)
func (i *InMemoryAdapter) Name() string {
	return "inmemory-adapter"
}

// Type возвращает тип компонента (реализация core.Component)
func (i *InMemoryAdapter) Type() core.ComponentType {
	return core.ComponentTypeAdapter
}

// Publish публикует сообщение в subject
func (i *InMemoryAdapter) Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error {
	i.mu.RLock()
	var handlers []transport.MessageHandler
	for pattern, h := range i.subscribers {
		if matchSubject(subject, pattern) {
			handlers = append(handlers, h...)
		}
	}
	i.mu.RUnlock()

	if len(handlers) == 0 {
		return nil
	}

	// Копируем данные, чтобы подписчики не разделяли буфер публикатора
	payload := append([]byte(nil), data...)
	hdrs := make(map[string]string, len(headers))
	for k, v := range headers {
		hdrs[k] = v
	}
	msg := &transport.Message{Subject: subject, Data: payload, Headers: hdrs}

	// Fan-out для всех подписчиков
	for _, handler := range handlers {
		if i.config.EnableOrdering {
			_ = handler(ctx, msg)
			continue
		}
		i.wg.Add(1)
		go func(h transport.MessageHandler) {
			defer i.wg.Done()
			_ = h(context.WithoutCancel(ctx), msg)
		}(handler)
	}

	return nil
}

// Subscribe подписывается на subject
func (i *InMemoryAdapter) Subscribe(ctx context.Context, subject string, handler transport.MessageHandler) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.subscribers[subject] = append(i.subscribers[subject], handler)
	return nil
}

// Unsubscribe отписывается от subject
func (i *InMemoryAdapter) Unsubscribe(subject string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.subscribers, subject)
	return nil
}

// GetSubscriberCount возвращает количество подписчиков для subject (для тестирования)
func (i *InMemoryAdapter) GetSubscriberCount(subject string) int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.subscribers[subject])
}

// matchSubject проверяет соответствие subject шаблону.
// Поддерживается wildcard * в последнем сегменте (events:*).
func matchSubject(subject, pattern string) bool {
	if pattern == subject {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(subject, strings.TrimSuffix(pattern, "*"))
	}
	return false
}
