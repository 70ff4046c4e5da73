package consumers

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akriventsev/fincore/framework/events"
	"github.com/akriventsev/fincore/framework/scheduler"
	ftesting "github.com/akriventsev/fincore/framework/testing"
	"github.com/akriventsev/fincore/internal/banksync"
	"github.com/akriventsev/fincore/internal/escrow"
	"github.com/akriventsev/fincore/internal/ledger"
	"github.com/akriventsev/fincore/internal/notify"
)

type captureNotifier struct {
	mu  sync.Mutex
	got []notify.Notification
}

func (c *captureNotifier) Notify(ctx context.Context, n notify.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, n)
	return nil
}

type fixture struct {
	bus      *events.InMemoryEventBus
	sched    *scheduler.Scheduler
	jobs     *scheduler.MemoryStore
	ledger   *ledger.MemoryRepository
	escrow   *escrow.MemoryRepository
	notifier *captureNotifier
	clock    *ftesting.Clock
	bindings []Binding
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		bus:      events.NewInMemoryEventBus(),
		jobs:     scheduler.NewMemoryStore(),
		ledger:   ledger.NewMemoryRepository(),
		escrow:   escrow.NewMemoryRepository(),
		notifier: &captureNotifier{},
		clock:    ftesting.NewClock(time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)),
	}
	s, err := scheduler.New(scheduler.DefaultConfig(), f.jobs, nil)
	require.NoError(t, err)
	f.sched = s.WithClock(f.clock.Now)

	f.bindings, err = Table(Deps{
		Ledger:    f.ledger,
		Notifier:  f.notifier,
		Scheduler: f.sched,
		BankSync:  banksync.DefaultConfig(),
		Clock:     f.clock.Now,
	})
	require.NoError(t, err)
	require.NoError(t, Register(f.bus, f.bindings))

	require.NoError(t, f.sched.Register(escrow.WorkflowAutoRelease,
		escrow.NewAutoReleaseHandler(f.escrow, f.bus, nil).WithClock(f.clock.Now)))
	require.NoError(t, f.sched.Register(banksync.WorkflowSync, banksync.NewSyncHandler(f.bus, nil)))
	t.Cleanup(func() { _ = f.bus.Shutdown(context.Background()) })
	return f
}

func TestTable_CoversEveryConsumedEventType(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, []string{
		"bank.connected",
		"bank.sync_completed",
		"bank.sync_failed",
		"escrow.dispute_opened",
		"escrow.release_requested",
		"escrow.released",
		"expense.approved",
		"insight.anomaly_detected",
		"invoice.paid",
		"ledger.entry_reconciled",
	}, EventTypes(f.bindings))
}

func TestTable_RequiresDependencies(t *testing.T) {
	_, err := Table(Deps{})
	assert.Error(t, err)
}

func TestEscrowSaga_EndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.escrow.SaveAccount(escrow.Account{ID: "acc-1", OrganizationID: "org-1", Currency: "USD", HeldCents: 300_000})
	f.escrow.SaveTransaction(escrow.Transaction{
		ID: "tx-1", AccountID: "acc-1", OrganizationID: "org-1",
		AmountCents: 100_000, Currency: "USD", Status: escrow.StatusReleaseRequested,
	})

	requested := events.NewEvent(escrow.EventReleaseRequested, "money-out", "org-1", map[string]interface{}{"transaction_id": "tx-1"})
	require.NoError(t, f.bus.Publish(ctx, requested))
	require.NoError(t, f.bus.Publish(ctx, requested))
	assert.Equal(t, 1, f.jobs.Len())

	// до истечения grace period ничего не происходит
	f.clock.Advance(13 * 24 * time.Hour)
	f.sched.Tick(ctx)
	tx, err := f.escrow.GetTransaction(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusReleaseRequested, tx.Status)

	f.clock.Advance(24 * time.Hour)
	f.sched.Tick(ctx)

	tx, err = f.escrow.GetTransaction(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusReleased, tx.Status)

	account, err := f.escrow.GetAccount(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(200_000), account.HeldCents)

	entry, ok := f.ledger.Get("escrow_release", "tx-1")
	require.True(t, ok)
	assert.Equal(t, ledger.Debit, entry.EntryType)
	assert.Equal(t, int64(100_000), entry.AmountCents)

	job, err := f.jobs.GetByDedupeKey(ctx, escrow.DedupeKey("tx-1"))
	require.NoError(t, err)
	assert.Equal(t, scheduler.StatusCompleted, job.Status)
}

func TestEscrowSaga_DisputeCancelsPendingRelease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.escrow.SaveAccount(escrow.Account{ID: "acc-1", OrganizationID: "org-1", HeldCents: 100_000})
	f.escrow.SaveTransaction(escrow.Transaction{
		ID: "tx-1", AccountID: "acc-1", OrganizationID: "org-1",
		AmountCents: 100_000, Status: escrow.StatusReleaseRequested,
	})

	payload := map[string]interface{}{"transaction_id": "tx-1"}
	require.NoError(t, f.bus.Publish(ctx, events.NewEvent(escrow.EventReleaseRequested, "money-out", "org-1", payload)))
	require.NoError(t, f.bus.Publish(ctx, events.NewEvent(escrow.EventDisputeOpened, "money-out", "org-1", payload)))

	f.clock.Advance(15 * 24 * time.Hour)
	f.sched.Tick(ctx)

	account, err := f.escrow.GetAccount(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100_000), account.HeldCents)
	job, err := f.jobs.GetByDedupeKey(ctx, escrow.DedupeKey("tx-1"))
	require.NoError(t, err)
	assert.Equal(t, scheduler.StatusCancelled, job.Status)
}

func TestBankSync_ExecuteEventFollowsConnection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var executed []string
	var mu sync.Mutex
	require.NoError(t, f.bus.Subscribe(events.HandlerFunc(func(ctx context.Context, e *events.BaseEvent) error {
		mu.Lock()
		defer mu.Unlock()
		executed = append(executed, e.PayloadString("connection_id"))
		return nil
	}), banksync.EventSyncExecute))

	require.NoError(t, f.bus.Publish(ctx, events.NewEvent(banksync.EventConnected, "bank-integrations", "org-1",
		map[string]interface{}{"connection_id": "conn-1"})))
	f.sched.Tick(ctx)

	mu.Lock()
	assert.Equal(t, []string{"conn-1"}, executed)
	mu.Unlock()

	require.NoError(t, f.bus.Publish(ctx, events.NewEvent(banksync.EventSyncCompleted, "bank-integrations", "org-1",
		map[string]interface{}{"connection_id": "conn-1"})))
	job, err := f.jobs.GetByDedupeKey(ctx, banksync.DedupeKey("conn-1"))
	require.NoError(t, err)
	assert.Equal(t, scheduler.StatusQueued, job.Status)
	assert.Equal(t, f.clock.Now().Add(6*time.Hour), job.RunAt)
	assert.Equal(t, 1, f.jobs.Len())
}

func TestLedgerAndNotifications(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	paid := events.NewEvent(ledger.EventInvoicePaid, "billing", "org-1", map[string]interface{}{"invoice_id": "inv-1", "amount_cents": int64(5_000)})
	require.NoError(t, f.bus.Publish(ctx, paid))
	require.NoError(t, f.bus.Publish(ctx, paid))
	assert.Equal(t, 1, f.ledger.Len())

	require.NoError(t, f.bus.Publish(ctx, events.NewEvent(notify.EventAnomalyDetected, "insights", "org-1",
		map[string]interface{}{"anomaly_type": "spend_spike", "severity": "medium"})))
	f.notifier.mu.Lock()
	defer f.notifier.mu.Unlock()
	require.Len(t, f.notifier.got, 1)
	assert.Equal(t, notify.SeverityWarning, f.notifier.got[0].Severity)
}
