package container

import (
	"fmt"

	mbfactory "github.com/akriventsev/fincore/framework/adapters/messagebus"
	"github.com/akriventsev/fincore/framework/metrics"
	"github.com/akriventsev/fincore/internal/config"
)

// BrokerFactory создает адаптер внешнего брокера по имени типа
type BrokerFactory interface {
	Create(busType string, config interface{}) (mbfactory.Broker, error)
}

// newBroker создает брокер для ретрансляции событий; для broker.type=none возвращает nil
func newBroker(factory BrokerFactory, cfg *config.Config, m *metrics.Metrics) (mbfactory.Broker, error) {
	if cfg.Broker.Type == config.BrokerNone {
		return nil, nil
	}
	if factory == nil {
		factory = mbfactory.NewMessageBusFactory()
	}

	broker, err := factory.Create(cfg.Broker.Type, cfg.BrokerSettings())
	if err != nil {
		return nil, fmt.Errorf("failed to create %s broker: %w", cfg.Broker.Type, err)
	}

	switch b := broker.(type) {
	case *mbfactory.RedisAdapter:
		b.WithMetrics(m)
	case *mbfactory.NATSAdapter:
		b.WithMetrics(m)
	case *mbfactory.KafkaAdapter:
		b.WithMetrics(m)
	}
	return broker, nil
}
