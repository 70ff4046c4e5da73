package ledger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/akriventsev/fincore/framework/core"
	"github.com/akriventsev/fincore/framework/events"
)

// События, порождающие или меняющие записи главной книги
const (
	EventInvoicePaid     = "invoice.paid"
	EventExpenseApproved = "expense.approved"
	EventEscrowReleased  = "escrow.released"
	EventEntryReconciled = "ledger.entry_reconciled"
	defaultCurrency      = "USD"
)

type postingRule struct {
	sourceType  string
	idField     string
	entryType   EntryType
	description string
}

var postingRules = map[string]postingRule{
	EventInvoicePaid:     {sourceType: "invoice", idField: "invoice_id", entryType: Credit, description: "invoice paid"},
	EventExpenseApproved: {sourceType: "expense", idField: "expense_id", entryType: Debit, description: "expense approved"},
	EventEscrowReleased:  {sourceType: "escrow_release", idField: "transaction_id", entryType: Debit, description: "escrow released"},
}

// PostedEventTypes возвращает типы событий, которые обрабатывает PostingHandler
func PostedEventTypes() []string {
	return []string{EventInvoicePaid, EventExpenseApproved, EventEscrowReleased, EventEntryReconciled}
}

// PostingHandler переводит доменные события в записи главной книги
type PostingHandler struct {
	repo   Repository
	logger *slog.Logger
}

// NewPostingHandler создает обработчик
func NewPostingHandler(repo Repository, logger *slog.Logger) *PostingHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostingHandler{repo: repo, logger: logger.With("consumer", "ledger-posting")}
}

// Handle реализует events.EventHandler
func (h *PostingHandler) Handle(ctx context.Context, event *events.BaseEvent) error {
	if event.EventType == EventEntryReconciled {
		return h.reconcile(ctx, event)
	}
	rule, ok := postingRules[event.EventType]
	if !ok {
		return nil
	}

	sourceID := event.PayloadString(rule.idField)
	amount, ok := event.PayloadInt64("amount_cents")
	if sourceID == "" || !ok {
		return core.NewError(core.ErrValidation, fmt.Sprintf("%s event lacks %s or amount_cents", event.EventType, rule.idField)).
			WithDetail("event_id", event.EventID)
	}
	currency := event.PayloadString("currency")
	if currency == "" {
		currency = defaultCurrency
	}

	created, err := h.repo.Upsert(ctx, Entry{
		OrganizationID: event.OrganizationID,
		SourceType:     rule.sourceType,
		SourceID:       sourceID,
		EntryType:      rule.entryType,
		AmountCents:    amount,
		Currency:       currency,
		Description:    rule.description,
		OccurredAt:     event.Timestamp,
	})
	if err != nil {
		return err
	}
	if created {
		h.logger.Info("ledger entry posted", "source_type", rule.sourceType, "source_id", sourceID,
			"entry_type", rule.entryType, "amount_cents", amount)
	}
	return nil
}

func (h *PostingHandler) reconcile(ctx context.Context, event *events.BaseEvent) error {
	sourceType, sourceID := event.PayloadString("source_type"), event.PayloadString("source_id")
	if sourceType == "" || sourceID == "" {
		return core.NewError(core.ErrValidation, "reconciliation event lacks source_type or source_id").
			WithDetail("event_id", event.EventID)
	}
	changed, err := h.repo.MarkReconciled(ctx, sourceType, sourceID)
	if err != nil {
		return err
	}
	if changed {
		h.logger.Info("ledger entry reconciled", "source_type", sourceType, "source_id", sourceID)
	}
	return nil
}
