// Package events предоставляет реализацию реестра подписчиков.
package events

import (
	"fmt"
	"sync"
)

// WildcardEventType подписка на все типы событий
const WildcardEventType = "*"

type subscription struct {
	types   map[string]struct{}
	handler EventHandler
}

func (s subscription) matches(eventType string) bool {
	if _, ok := s.types[WildcardEventType]; ok {
		return true
	}
	_, ok := s.types[eventType]
	return ok
}

// InMemoryEventSubscriber реестр подписчиков в памяти.
// Обработчики вызываются в порядке регистрации.
type InMemoryEventSubscriber struct {
	subs []subscription
	mu   sync.RWMutex
}

// NewInMemoryEventSubscriber создает новый реестр подписчиков
func NewInMemoryEventSubscriber() *InMemoryEventSubscriber {
	return &InMemoryEventSubscriber{}
}

// Subscribe подписывает handler на типы событий
func (s *InMemoryEventSubscriber) Subscribe(handler EventHandler, eventTypes ...string) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}
	if len(eventTypes) == 0 {
		return fmt.Errorf("at least one event type is required")
	}

	types := make(map[string]struct{}, len(eventTypes))
	for _, t := range eventTypes {
		if t == "" {
			return fmt.Errorf("event type cannot be empty")
		}
		types[t] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, subscription{types: types, handler: handler})
	return nil
}

// GetHandlers возвращает обработчики для типа события
func (s *InMemoryEventSubscriber) GetHandlers(eventType string) []EventHandler {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []EventHandler
	for _, sub := range s.subs {
		if sub.matches(eventType) {
			result = append(result, sub.handler)
		}
	}
	return result
}

// SubscribedTypes возвращает все явно подписанные типы событий
func (s *InMemoryEventSubscriber) SubscribedTypes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	var result []string
	for _, sub := range s.subs {
		for t := range sub.types {
			if _, ok := seen[t]; ok {
				continue
			}
			seen[t] = struct{}{}
			result = append(result, t)
		}
	}
	return result
}
