// Package messagebus предоставляет адаптеры для различных message brokers.
package messagebus

import (
	"fmt"
	"sort"
	"sync"

	"github.com/akriventsev/fincore/framework/core"
	"github.com/akriventsev/fincore/framework/transport"
)

// Broker объединяет транспорт и управление жизненным циклом адаптера
type Broker interface {
	transport.MessageBus
	core.Component
	core.Lifecycle
}

// Creator создает адаптер из конфигурации
type Creator func(config interface{}) (Broker, error)

// MessageBusFactory фабрика адаптеров брокеров по имени
type MessageBusFactory struct {
	creators map[string]Creator
	mu       sync.RWMutex
}

// NewMessageBusFactory создает фабрику со встроенными адаптерами
func NewMessageBusFactory() *MessageBusFactory {
	factory := &MessageBusFactory{
		creators: make(map[string]Creator),
	}

	// Регистрируем built-in адаптеры
	_ = factory.Register("inmemory", func(config interface{}) (Broker, error) {
		cfg := DefaultInMemoryConfig()
		if c, ok := config.(InMemoryConfig); ok {
			cfg = c
		}
		return NewInMemoryAdapter(cfg), nil
	})

	_ = factory.Register("redis", func(config interface{}) (Broker, error) {
		cfg, ok := config.(RedisConfig)
		if !ok {
			return nil, fmt.Errorf("invalid Redis config type: %T", config)
		}
		return NewRedisAdapter(cfg)
	})

	_ = factory.Register("nats", func(config interface{}) (Broker, error) {
		switch cfg := config.(type) {
		case NATSConfig:
			return NewNATSAdapter(cfg)
		case string:
			c := DefaultNATSConfig()
			c.URL = cfg
			return NewNATSAdapter(c)
		default:
			return nil, fmt.Errorf("invalid NATS config type: %T", config)
		}
	})

	_ = factory.Register("kafka", func(config interface{}) (Broker, error) {
		cfg, ok := config.(KafkaConfig)
		if !ok {
			return nil, fmt.Errorf("invalid Kafka config type: %T", config)
		}
		return NewKafkaAdapter(cfg)
	})

	return factory
}

// Create создает адаптер указанного типа
func (f *MessageBusFactory) Create(busType string, config interface{}) (Broker, error) {
	f.mu.RLock()
	creator, exists := f.creators[busType]
	f.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown message bus type: %s", busType)
	}

	adapter, err := creator(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s adapter: %w", busType, err)
	}
	return adapter, nil
}

// Register регистрирует custom адаптер
func (f *MessageBusFactory) Register(name string, creator Creator) error {
	if name == "" {
		return fmt.Errorf("adapter name cannot be empty")
	}
	if creator == nil {
		return fmt.Errorf("creator function cannot be nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.creators[name]; exists {
		return fmt.Errorf("adapter %s already registered", name)
	}
	f.creators[name] = creator
	return nil
}

// ListRegistered возвращает отсортированный список зарегистрированных адаптеров
func (f *MessageBusFactory) ListRegistered() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	names := make([]string, 0, len(f.creators))
	for name := range f.creators {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var defaultFactory = NewMessageBusFactory()

// NewMessageBus создает адаптер через фабрику по умолчанию
func NewMessageBus(kind string, config interface{}) (Broker, error) {
	return defaultFactory.Create(kind, config)
}
