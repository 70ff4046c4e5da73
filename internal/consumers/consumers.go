// Package consumers связывает типы доменных событий с их обработчиками.
package consumers

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/akriventsev/fincore/framework/core"
	"github.com/akriventsev/fincore/framework/events"
	"github.com/akriventsev/fincore/framework/observability"
	"github.com/akriventsev/fincore/framework/scheduler"
	"github.com/akriventsev/fincore/internal/banksync"
	"github.com/akriventsev/fincore/internal/escrow"
	"github.com/akriventsev/fincore/internal/ledger"
	"github.com/akriventsev/fincore/internal/notify"
)

// Binding подписка одного обработчика на набор типов событий
type Binding struct {
	Name       string
	EventTypes []string
	Handler    events.EventHandler
}

// Deps зависимости обработчиков
type Deps struct {
	Ledger            ledger.Repository
	Notifier          notify.Notifier
	Scheduler         scheduler.JobScheduler
	EscrowGracePeriod time.Duration
	BankSync          banksync.Config
	Clock             core.Clock
	Logger            *slog.Logger
}

// Table возвращает фиксированную таблицу подписок
func Table(deps Deps) ([]Binding, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Ledger == nil || deps.Notifier == nil || deps.Scheduler == nil {
		return nil, fmt.Errorf("ledger, notifier and scheduler are required")
	}

	clock := deps.Clock.OrDefault()
	bankConsumer, err := banksync.NewConsumer(deps.Scheduler, deps.BankSync, logger)
	if err != nil {
		return nil, err
	}
	bankConsumer.WithClock(clock)

	return []Binding{
		{
			Name:       "ledger-posting",
			EventTypes: ledger.PostedEventTypes(),
			Handler:    ledger.NewPostingHandler(deps.Ledger, logger),
		},
		{
			Name:       "anomaly-notifications",
			EventTypes: []string{notify.EventAnomalyDetected},
			Handler:    notify.NewAnomalyHandler(deps.Notifier),
		},
		{
			Name:       "escrow-auto-release",
			EventTypes: []string{escrow.EventReleaseRequested, escrow.EventDisputeOpened},
			Handler:    escrow.NewSchedulingConsumer(deps.Scheduler, deps.EscrowGracePeriod, logger).WithClock(clock),
		},
		{
			Name:       "bank-sync",
			EventTypes: []string{banksync.EventConnected, banksync.EventSyncCompleted, banksync.EventSyncFailed},
			Handler:    bankConsumer,
		},
	}, nil
}

// Register подписывает все обработчики таблицы; каждый вызов оборачивается в span
func Register(subscriber events.EventSubscriber, bindings []Binding) error {
	for _, b := range bindings {
		if err := subscriber.Subscribe(traced(b.Handler), b.EventTypes...); err != nil {
			return fmt.Errorf("failed to subscribe %s: %w", b.Name, err)
		}
	}
	return nil
}

// EventTypes возвращает отсортированный список всех типов событий таблицы
func EventTypes(bindings []Binding) []string {
	seen := make(map[string]struct{})
	for _, b := range bindings {
		for _, t := range b.EventTypes {
			seen[t] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func traced(handler events.EventHandler) events.EventHandler {
	return events.HandlerFunc(func(ctx context.Context, event *events.BaseEvent) error {
		return observability.TraceEvent(ctx, event.EventType, func(ctx context.Context) error {
			return handler.Handle(ctx, event)
		})
	})
}
