// Package banksync реализует сагу периодической синхронизации банковских подключений.
package banksync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/akriventsev/fincore/framework/core"
	"github.com/akriventsev/fincore/framework/events"
	"github.com/akriventsev/fincore/framework/scheduler"
)

// Типы событий и workflow саги
const (
	WorkflowSync        = "bank.sync"
	EventConnected      = "bank.connected"
	EventSyncCompleted  = "bank.sync_completed"
	EventSyncFailed     = "bank.sync_failed"
	EventSyncExecute    = "bank.sync_execute"
	payloadConnectionID = "connection_id"
	payloadRetryInMS    = "retry_in_ms"
	dedupeKeyPrefix     = "bank-sync:"
	sourceService       = "fincore-banksync"
)

// DedupeKey возвращает ключ job синхронизации подключения
func DedupeKey(connectionID string) string {
	return dedupeKeyPrefix + connectionID
}

// Config интервалы саги
type Config struct {
	// Interval пауза после успешной синхронизации
	Interval time.Duration
	// RetryDelay пауза после неудачной синхронизации, если событие не задает свою
	RetryDelay time.Duration
}

// DefaultConfig возвращает интервалы по умолчанию
func DefaultConfig() Config {
	return Config{
		Interval:   6 * time.Hour,
		RetryDelay: 15 * time.Minute,
	}
}

// Validate проверяет конфигурацию
func (c Config) Validate() error {
	if c.Interval <= 0 {
		return core.NewError(core.ErrInvalidConfig, "bank sync interval must be positive")
	}
	if c.RetryDelay <= 0 {
		return core.NewError(core.ErrInvalidConfig, "bank sync retry delay must be positive")
	}
	return nil
}

// SyncHandler выполняет workflow bank.sync: просит сервис банковых интеграций
// выполнить синхронизацию. Результат возвращается событиями bank.sync_completed/failed.
type SyncHandler struct {
	publisher events.EventPublisher
	logger    *slog.Logger
}

// NewSyncHandler создает обработчик
func NewSyncHandler(publisher events.EventPublisher, logger *slog.Logger) *SyncHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncHandler{publisher: publisher, logger: logger.With("workflow", WorkflowSync)}
}

// Handle реализует scheduler.Handler
func (h *SyncHandler) Handle(ctx context.Context, job *scheduler.Job) error {
	connID := job.PayloadString(payloadConnectionID)
	if connID == "" {
		return core.NewError(core.ErrValidation, "bank sync job has no connection_id").WithDetail("job_id", job.ID)
	}
	event := events.NewEvent(EventSyncExecute, sourceService, job.OrganizationID, map[string]interface{}{
		payloadConnectionID: connID,
		"job_id":            job.ID,
	}).WithCorrelationID(job.ID)
	if err := h.publisher.Publish(ctx, event); err != nil {
		return fmt.Errorf("failed to request bank sync for %s: %w", connID, err)
	}
	h.logger.Info("bank sync requested", "connection_id", connID, "organization_id", job.OrganizationID)
	return nil
}

// Consumer перепланирует синхронизацию по событиям жизненного цикла подключения.
// Все события одного подключения пишут в одну job по ключу bank-sync:<connection_id>.
type Consumer struct {
	scheduler scheduler.JobScheduler
	config    Config
	clock     core.Clock
	logger    *slog.Logger
}

// NewConsumer создает consumer
func NewConsumer(s scheduler.JobScheduler, config Config, logger *slog.Logger) (*Consumer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		scheduler: s,
		config:    config,
		clock:     core.SystemClock,
		logger:    logger.With("consumer", "bank-sync"),
	}, nil
}

// WithClock подменяет источник времени
func (c *Consumer) WithClock(clock core.Clock) *Consumer {
	c.clock = clock.OrDefault()
	return c
}

// NextRun возвращает время следующей синхронизации для события
func (c *Consumer) NextRun(event *events.BaseEvent) (time.Time, bool) {
	now := c.clock()
	switch event.EventType {
	case EventConnected:
		return now, true
	case EventSyncCompleted:
		return now.Add(c.config.Interval), true
	case EventSyncFailed:
		if ms, ok := event.PayloadInt64(payloadRetryInMS); ok && ms > 0 {
			return now.Add(time.Duration(ms) * time.Millisecond), true
		}
		return now.Add(c.config.RetryDelay), true
	}
	return time.Time{}, false
}

// Handle реализует events.EventHandler
func (c *Consumer) Handle(ctx context.Context, event *events.BaseEvent) error {
	connID := event.PayloadString(payloadConnectionID)
	if connID == "" {
		c.logger.Warn("bank event without connection_id", "event_type", event.EventType, "event_id", event.EventID)
		return nil
	}
	runAt, ok := c.NextRun(event)
	if !ok {
		return nil
	}
	_, err := c.scheduler.ScheduleJob(ctx, scheduler.ScheduleParams{
		WorkflowType:   WorkflowSync,
		OrganizationID: event.OrganizationID,
		RunAt:          runAt,
		Payload:        map[string]interface{}{payloadConnectionID: connID},
		DedupeKey:      DedupeKey(connID),
	})
	if err != nil {
		return fmt.Errorf("failed to schedule bank sync: %w", err)
	}
	c.logger.Info("bank sync scheduled", "connection_id", connID, "trigger", event.EventType, "run_at", runAt)
	return nil
}
