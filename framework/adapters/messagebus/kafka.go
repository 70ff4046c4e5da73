// Package messagebus предоставляет адаптеры для различных message brokers.
package messagebus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/akriventsev/fincore/framework/core"
	"github.com/akriventsev/fincore/framework/metrics"
	"github.com/akriventsev/fincore/framework/transport"
)

// KafkaConfig конфигурация для Kafka адаптера
type KafkaConfig struct {
	Brokers        []string
	GroupID        string
	Compression    string // none, gzip, snappy, lz4, zstd
	BatchSize      int
	FlushInterval  time.Duration
	RequiredAcks   int // 0, 1, -1 (all)
	MinBytes       int
	MaxBytes       int
	MaxWait        time.Duration
	StartOffset    int64 // -2 (earliest), -1 (latest)
	CommitInterval time.Duration
}

// Validate проверяет корректность конфигурации
func (c KafkaConfig) Validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("brokers cannot be empty")
	}
	for i, broker := range c.Brokers {
		if broker == "" {
			return fmt.Errorf("broker[%d] cannot be empty", i)
		}
		// Простая проверка формата host:port
		if !strings.Contains(broker, ":") {
			return fmt.Errorf("broker[%d] must be in format host:port", i)
		}
	}
	if c.GroupID == "" {
		return fmt.Errorf("group_id cannot be empty")
	}
	return nil
}

// DefaultKafkaConfig возвращает конфигурацию Kafka по умолчанию
func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{
		Brokers:        []string{"localhost:9092"},
		GroupID:        "fincore",
		Compression:    "snappy",
		BatchSize:      100,
		FlushInterval:  10 * time.Millisecond,
		RequiredAcks:   -1,
		MinBytes:       1,
		MaxBytes:       10e6, // 10MB
		MaxWait:        time.Second,
		StartOffset:    kafka.LastOffset,
		CommitInterval: time.Second,
	}
}

// KafkaAdapter реализация MessageBus через Kafka.
// Имена каналов вида events:escrow переводятся в допустимые имена топиков (events.escrow).
type KafkaAdapter struct {
	config  KafkaConfig
	writer  *kafka.Writer
	subs    map[string]*kafka.Reader
	mu      sync.RWMutex
	running bool
	metrics *metrics.Metrics
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// NewKafkaAdapter создает новый Kafka адаптер
func NewKafkaAdapter(config KafkaConfig) (*KafkaAdapter, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid kafka config: %w", err)
	}

	return &KafkaAdapter{
		config: config,
		subs:   make(map[string]*kafka.Reader),
		logger: slog.Default().With("component", "kafka-adapter"),
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(config.Brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequiredAcks(config.RequiredAcks),
			BatchSize:              config.BatchSize,
			BatchTimeout:           config.FlushInterval,
			Compression:            getCompression(config.Compression),
			AllowAutoTopicCreation: true,
		},
	}, nil
}

// WithMetrics устанавливает сборщик метрик
func (k *KafkaAdapter) WithMetrics(m *metrics.Metrics) *KafkaAdapter {
	k.metrics = m
	return k
}

// getCompression преобразует строку в kafka.Compression
func getCompression(compression string) kafka.Compression {
	switch compression {
	case "gzip":
		return kafka.Gzip
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return kafka.Compression(0) // zero value - no compression
	}
}

// TopicName переводит имя канала в допустимое имя топика Kafka
func TopicName(subject string) string {
	var b strings.Builder
	b.Grow(len(subject))
	for _, r := range subject {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('.')
		}
	}
	return b.String()
}

// Start запускает адаптер (реализация core.Lifecycle)
func (k *KafkaAdapter) Start(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.running = true
	return nil
}

// Stop закрывает readers и writer (реализация core.Lifecycle)
func (k *KafkaAdapter) Stop(ctx context.Context) error {
	k.mu.Lock()
	if !k.running {
		k.mu.Unlock()
		return nil
	}

	// Закрываем все readers
	for topic, reader := range k.subs {
		_ = reader.Close()
		delete(k.subs, topic)
	}
	k.running = false
	k.mu.Unlock()

	k.wg.Wait()
	return k.writer.Close()
}

// IsRunning проверяет, запущен ли адаптер (реализация core.Lifecycle)
func (k *KafkaAdapter) IsRunning() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.running
}

// Name возвращает имя компонента (реализация core.Component)
func (k *KafkaAdapter) Name() string {
	return "kafka-adapter"
}

// Type возвращает тип компонента (реализация core.Component)
func (k *KafkaAdapter) Type() core.ComponentType {
	return core.ComponentTypeAdapter
}

// Publish публикует сообщение в топик
func (k *KafkaAdapter) Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error {
	start := time.Now()

	msg := kafka.Message{
		Topic: TopicName(subject),
		Value: data,
	}
	if id, ok := headers[transport.HeaderEventID]; ok {
		msg.Key = []byte(id)
	}

	msg.Headers = make([]kafka.Header, 0, len(headers))
	for key, v := range headers {
		msg.Headers = append(msg.Headers, kafka.Header{Key: key, Value: []byte(v)})
	}

	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		k.metrics.RecordTransport(ctx, "kafka", time.Since(start), false)
		return fmt.Errorf("failed to publish message: %w", err)
	}

	k.metrics.RecordTransport(ctx, "kafka", time.Since(start), true)
	return nil
}

// Subscribe подписывается на топик
func (k *KafkaAdapter) Subscribe(ctx context.Context, subject string, handler transport.MessageHandler) error {
	topic := TopicName(subject)
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        k.config.Brokers,
		Topic:          topic,
		GroupID:        k.config.GroupID,
		MinBytes:       k.config.MinBytes,
		MaxBytes:       k.config.MaxBytes,
		MaxWait:        k.config.MaxWait,
		StartOffset:    k.config.StartOffset,
		CommitInterval: k.config.CommitInterval,
	})

	k.mu.Lock()
	if prev, ok := k.subs[subject]; ok {
		_ = prev.Close()
	}
	k.subs[subject] = reader
	k.mu.Unlock()

	// Запускаем goroutine для чтения сообщений
	k.wg.Add(1)
	go func() {
		defer k.wg.Done()
		for {
			msg, err := reader.FetchMessage(ctx)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.EOF) {
					return
				}
				k.logger.Warn("failed to fetch message", "topic", topic, "error", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
				continue
			}

			mbMsg := &transport.Message{
				Subject: subject,
				Data:    msg.Value,
				Headers: make(map[string]string, len(msg.Headers)),
			}
			for _, h := range msg.Headers {
				mbMsg.Headers[h.Key] = string(h.Value)
			}

			if err := handler(ctx, mbMsg); err != nil {
				k.logger.Warn("message handler failed", "topic", topic, "error", err)
				continue
			}
			// Commit offset только при успешной обработке
			_ = reader.CommitMessages(ctx, msg)
		}
	}()

	return nil
}

// Unsubscribe отписывается от топика
func (k *KafkaAdapter) Unsubscribe(subject string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	reader, exists := k.subs[subject]
	if !exists {
		return nil
	}
	delete(k.subs, subject)

	if err := reader.Close(); err != nil {
		return fmt.Errorf("failed to close reader: %w", err)
	}
	return nil
}
