package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/akriventsev/fincore/framework/core"
	"github.com/akriventsev/fincore/framework/events"
	"github.com/akriventsev/fincore/framework/scheduler"
)

// Типы событий и workflow саги escrow
const (
	WorkflowAutoRelease   = "escrow.auto_release"
	EventReleaseRequested = "escrow.release_requested"
	EventDisputeOpened    = "escrow.dispute_opened"
	EventReleased         = "escrow.released"
	DefaultGracePeriod    = 14 * 24 * time.Hour

	sourceService        = "fincore-escrow"
	autoReleaseActor     = "system:auto_release"
	payloadTransactionID = "transaction_id"
	dedupeKeyPrefix      = "escrow-release:"
)

// DedupeKey возвращает ключ job автоматического release транзакции
func DedupeKey(transactionID string) string {
	return dedupeKeyPrefix + transactionID
}

// AutoReleaseHandler выполняет workflow escrow.auto_release
type AutoReleaseHandler struct {
	repo      Repository
	publisher events.EventPublisher
	clock     core.Clock
	logger    *slog.Logger
}

// NewAutoReleaseHandler создает обработчик автоматического release
func NewAutoReleaseHandler(repo Repository, publisher events.EventPublisher, logger *slog.Logger) *AutoReleaseHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AutoReleaseHandler{
		repo:      repo,
		publisher: publisher,
		clock:     core.SystemClock,
		logger:    logger.With("workflow", WorkflowAutoRelease),
	}
}

// WithClock подменяет источник времени
func (h *AutoReleaseHandler) WithClock(clock core.Clock) *AutoReleaseHandler {
	h.clock = clock.OrDefault()
	return h
}

// Handle реализует scheduler.Handler.
// Транзакция, уже не ожидающая release или находящаяся в споре, пропускается без ошибки.
func (h *AutoReleaseHandler) Handle(ctx context.Context, job *scheduler.Job) error {
	txID := job.PayloadString(payloadTransactionID)
	if txID == "" {
		return core.NewError(core.ErrValidation, "auto release job has no transaction_id").
			WithDetail("job_id", job.ID)
	}

	tx, err := h.repo.GetTransaction(ctx, txID)
	if core.CodeOf(err) == core.ErrNotFound {
		h.logger.Warn("escrow transaction not found, skipping", "transaction_id", txID)
		return nil
	}
	if err != nil {
		return err
	}
	if !Lifecycle.Can(tx.Status, ActionRelease) {
		h.logger.Info("escrow transaction no longer awaits release", "transaction_id", txID, "status", tx.Status)
		return nil
	}

	disputed, err := h.repo.HasOpenDispute(ctx, txID)
	if err != nil {
		return err
	}
	if disputed {
		h.logger.Info("escrow transaction has open dispute, skipping", "transaction_id", txID)
		return nil
	}

	now := h.clock()
	result, err := h.repo.Release(ctx, ReleaseParams{TransactionID: txID, ReleasedAt: now, Actor: autoReleaseActor})
	if err != nil {
		return fmt.Errorf("failed to release escrow %s: %w", txID, err)
	}
	if result == nil {
		h.logger.Info("escrow release precondition changed, skipping", "transaction_id", txID)
		return nil
	}

	event := events.NewEvent(EventReleased, sourceService, result.Transaction.OrganizationID, map[string]interface{}{
		payloadTransactionID: result.Transaction.ID,
		"account_id":         result.Transaction.AccountID,
		"milestone_id":       result.Transaction.MilestoneID,
		"amount_cents":       result.Transaction.AmountCents,
		"currency":           result.Transaction.Currency,
		"held_cents":         result.Account.HeldCents,
		"released_cents":     result.Account.ReleasedCents,
		"released_at":        now.UTC().Format(time.RFC3339),
		"auto_released":      true,
	}).WithTimestamp(now).WithCorrelationID(job.ID)

	if err := h.publisher.Publish(ctx, event); err != nil {
		// Release уже зафиксирован; повтор job завершится no-op, поэтому ошибка только логируется
		h.logger.Error("failed to publish escrow.released", "transaction_id", txID, "error", err)
		return nil
	}
	h.logger.Info("escrow auto released", "transaction_id", txID, "amount_cents", result.Transaction.AmountCents)
	return nil
}

// SchedulingConsumer ставит и отменяет автоматический release по событиям escrow
type SchedulingConsumer struct {
	scheduler   scheduler.JobScheduler
	gracePeriod time.Duration
	clock       core.Clock
	logger      *slog.Logger
}

// NewSchedulingConsumer создает consumer; gracePeriod <= 0 означает 14 дней
func NewSchedulingConsumer(s scheduler.JobScheduler, gracePeriod time.Duration, logger *slog.Logger) *SchedulingConsumer {
	if gracePeriod <= 0 {
		gracePeriod = DefaultGracePeriod
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SchedulingConsumer{
		scheduler:   s,
		gracePeriod: gracePeriod,
		clock:       core.SystemClock,
		logger:      logger.With("consumer", "escrow-scheduling"),
	}
}

// WithClock подменяет источник времени
func (c *SchedulingConsumer) WithClock(clock core.Clock) *SchedulingConsumer {
	c.clock = clock.OrDefault()
	return c
}

// Handle реализует events.EventHandler
func (c *SchedulingConsumer) Handle(ctx context.Context, event *events.BaseEvent) error {
	txID := event.PayloadString(payloadTransactionID)
	if txID == "" {
		c.logger.Warn("escrow event without transaction_id", "event_type", event.EventType, "event_id", event.EventID)
		return nil
	}

	switch event.EventType {
	case EventReleaseRequested:
		runAt := c.clock().Add(c.gracePeriod)
		_, err := c.scheduler.ScheduleJob(ctx, scheduler.ScheduleParams{
			WorkflowType:   WorkflowAutoRelease,
			OrganizationID: event.OrganizationID,
			RunAt:          runAt,
			Payload:        map[string]interface{}{payloadTransactionID: txID},
			DedupeKey:      DedupeKey(txID),
		})
		if err != nil {
			return fmt.Errorf("failed to schedule auto release: %w", err)
		}
		c.logger.Info("auto release scheduled", "transaction_id", txID, "run_at", runAt)
	case EventDisputeOpened:
		n, err := c.scheduler.CancelJobByDedupeKey(ctx, DedupeKey(txID))
		if err != nil {
			return fmt.Errorf("failed to cancel auto release: %w", err)
		}
		c.logger.Info("auto release cancelled", "transaction_id", txID, "cancelled", n)
	default:
		c.logger.Debug("ignoring event", "event_type", event.EventType)
	}
	return nil
}
