// Package taxrecap подводит квартальные налоговые итоги по организациям.
package taxrecap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/akriventsev/fincore/framework/events"
)

// Типы событий подведения периода
const (
	JobName            = "tax.quarterly_recap"
	EventRecapBlocked  = "tax.recap_blocked"
	EventRecapComplete = "tax.recap_completed"
	DefaultWindowDays  = 3
	sourceService      = "fincore-taxrecap"
)

// TenantLister перечисляет организации, для которых подводятся итоги
type TenantLister interface {
	Organizations(ctx context.Context) ([]string, error)
}

// LedgerReader читает состояние сверки главной книги
type LedgerReader interface {
	CountUnreconciled(ctx context.Context, organizationID string, start, end time.Time) (int, error)
}

// RecapJob календарная задача квартального подведения итогов.
// Каждая организация обрабатывается отдельно: ошибка одной не мешает остальным.
type RecapJob struct {
	tenants    TenantLister
	ledger     LedgerReader
	locks      LockRepository
	publisher  events.EventPublisher
	windowDays int
	logger     *slog.Logger
}

// NewRecapJob создает задачу; windowDays <= 0 означает 3 дня
func NewRecapJob(tenants TenantLister, ledger LedgerReader, locks LockRepository, publisher events.EventPublisher, windowDays int, logger *slog.Logger) *RecapJob {
	if windowDays <= 0 {
		windowDays = DefaultWindowDays
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RecapJob{
		tenants:    tenants,
		ledger:     ledger,
		locks:      locks,
		publisher:  publisher,
		windowDays: windowDays,
		logger:     logger.With("job", JobName),
	}
}

// Name реализует scheduler.CalendarJob
func (j *RecapJob) Name() string {
	return JobName
}

// Run реализует scheduler.CalendarJob
func (j *RecapJob) Run(ctx context.Context, now time.Time) error {
	quarter, due := RecapDue(now, j.windowDays)
	if !due {
		return nil
	}
	orgs, err := j.tenants.Organizations(ctx)
	if err != nil {
		return fmt.Errorf("failed to list organizations: %w", err)
	}

	var errs []error
	for _, org := range orgs {
		if err := j.recapTenant(ctx, org, quarter, now); err != nil {
			j.logger.Error("tax recap failed", "organization_id", org, "period", quarter.String(), "error", err)
			errs = append(errs, fmt.Errorf("organization %s: %w", org, err))
		}
	}
	return errors.Join(errs...)
}

func (j *RecapJob) recapTenant(ctx context.Context, org string, quarter Quarter, now time.Time) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	period := quarter.String()
	exists, err := j.locks.Exists(ctx, org, period)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	unreconciled, err := j.ledger.CountUnreconciled(ctx, org, quarter.Start(), quarter.End())
	if err != nil {
		return err
	}
	lock := Lock{
		OrganizationID:    org,
		Period:            period,
		PeriodStart:       quarter.Start(),
		PeriodEnd:         quarter.End(),
		Status:            StatusLocked,
		UnreconciledCount: unreconciled,
		CreatedAt:         now,
	}
	eventType := EventRecapComplete
	if unreconciled > 0 {
		lock.Status = StatusBlocked
		eventType = EventRecapBlocked
	}

	// событие публикуется до записи блокировки: при ошибке публикации блокировки нет,
	// и следующий запуск в окне повторит период. Гонка двух экземпляров дает дубль события.
	event := events.NewEvent(eventType, sourceService, org, map[string]interface{}{
		"period":             period,
		"period_start":       lock.PeriodStart.Format(time.RFC3339),
		"period_end":         lock.PeriodEnd.Format(time.RFC3339),
		"status":             string(lock.Status),
		"unreconciled_count": int64(unreconciled),
	}).WithTimestamp(now)
	if err := j.publisher.Publish(ctx, event); err != nil {
		return fmt.Errorf("failed to publish %s: %w", eventType, err)
	}

	created, err := j.locks.Create(ctx, lock)
	if err != nil {
		return fmt.Errorf("failed to lock period %s: %w", period, err)
	}
	if !created {
		j.logger.Warn("tax period locked by another instance", "organization_id", org, "period", period,
			"event_id", event.EventID)
		return nil
	}
	j.logger.Info("tax period recapped", "organization_id", org, "period", period,
		"status", lock.Status, "unreconciled_count", unreconciled)
	return nil
}
