package taxrecap

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akriventsev/fincore/framework/events"
)

func TestQuarterArithmetic(t *testing.T) {
	tests := []struct {
		at       time.Time
		want     string
		previous string
	}{
		{time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), "2026-Q1", "2025-Q4"},
		{time.Date(2026, 3, 31, 23, 59, 59, 0, time.UTC), "2026-Q1", "2025-Q4"},
		{time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), "2026-Q2", "2026-Q1"},
		{time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC), "2026-Q3", "2026-Q2"},
		{time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC), "2026-Q4", "2026-Q3"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			q := QuarterOf(tt.at)
			assert.Equal(t, tt.want, q.String())
			assert.Equal(t, tt.previous, q.Previous().String())
			assert.False(t, tt.at.Before(q.Start()))
			assert.True(t, tt.at.Before(q.End()))
		})
	}
}

func TestRecapDue_TrailingWindow(t *testing.T) {
	q, ok := RecapDue(time.Date(2026, 4, 1, 0, 0, 30, 0, time.UTC), 3)
	require.True(t, ok)
	assert.Equal(t, "2026-Q1", q.String())

	q, ok = RecapDue(time.Date(2026, 4, 3, 23, 59, 0, 0, time.UTC), 3)
	require.True(t, ok)
	assert.Equal(t, "2026-Q1", q.String())

	_, ok = RecapDue(time.Date(2026, 4, 4, 0, 0, 0, 0, time.UTC), 3)
	assert.False(t, ok)

	q, ok = RecapDue(time.Date(2027, 1, 2, 6, 0, 0, 0, time.UTC), 3)
	require.True(t, ok)
	assert.Equal(t, "2026-Q4", q.String())
	assert.Equal(t, time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC), q.Start())
	assert.Equal(t, time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC), q.End())
}

type staticTenants []string

func (s staticTenants) Organizations(ctx context.Context) ([]string, error) {
	return s, nil
}

type fakeLedger struct {
	counts map[string]int
	fail   map[string]error
	calls  int
}

func (l *fakeLedger) CountUnreconciled(ctx context.Context, org string, start, end time.Time) (int, error) {
	l.calls++
	if err, ok := l.fail[org]; ok {
		return 0, err
	}
	return l.counts[org], nil
}

type recordingPublisher struct {
	events []*events.BaseEvent
	err    error
}

func (p *recordingPublisher) Publish(ctx context.Context, event *events.BaseEvent) error {
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) byOrg(org string) []*events.BaseEvent {
	var out []*events.BaseEvent
	for _, e := range p.events {
		if e.OrganizationID == org {
			out = append(out, e)
		}
	}
	return out
}

var windowOpen = time.Date(2026, 4, 1, 0, 1, 0, 0, time.UTC)

func TestRecapJob_LocksOrBlocksPerTenant(t *testing.T) {
	ledger := &fakeLedger{
		counts: map[string]int{"org-clean": 0, "org-dirty": 7},
		fail:   map[string]error{"org-broken": errors.New("ledger timeout")},
	}
	locks := NewMemoryLockRepository()
	pub := &recordingPublisher{}
	job := NewRecapJob(staticTenants{"org-broken", "org-clean", "org-dirty"}, ledger, locks, pub, 0, nil)

	err := job.Run(context.Background(), windowOpen)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "org-broken")

	clean, ok := locks.Get("org-clean", "2026-Q1")
	require.True(t, ok)
	assert.Equal(t, StatusLocked, clean.Status)
	require.Len(t, pub.byOrg("org-clean"), 1)
	assert.Equal(t, EventRecapComplete, pub.byOrg("org-clean")[0].EventType)

	dirty, ok := locks.Get("org-dirty", "2026-Q1")
	require.True(t, ok)
	assert.Equal(t, StatusBlocked, dirty.Status)
	assert.Equal(t, 7, dirty.UnreconciledCount)
	require.Len(t, pub.byOrg("org-dirty"), 1)
	blocked := pub.byOrg("org-dirty")[0]
	assert.Equal(t, EventRecapBlocked, blocked.EventType)
	n, ok := blocked.PayloadInt64("unreconciled_count")
	require.True(t, ok)
	assert.Equal(t, int64(7), n)

	_, ok = locks.Get("org-broken", "2026-Q1")
	assert.False(t, ok)
	assert.Empty(t, pub.byOrg("org-broken"))
}

func TestRecapJob_FailedPublishLeavesPeriodOpenForRetry(t *testing.T) {
	ledger := &fakeLedger{counts: map[string]int{"org-1": 2}}
	locks := NewMemoryLockRepository()
	pub := &recordingPublisher{err: errors.New("broker unavailable")}
	job := NewRecapJob(staticTenants{"org-1"}, ledger, locks, pub, 3, nil)

	err := job.Run(context.Background(), windowOpen)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker unavailable")
	_, ok := locks.Get("org-1", "2026-Q1")
	assert.False(t, ok, "no lock without a published event")

	pub.err = nil
	require.NoError(t, job.Run(context.Background(), windowOpen.Add(time.Hour)))
	lock, ok := locks.Get("org-1", "2026-Q1")
	require.True(t, ok)
	assert.Equal(t, StatusBlocked, lock.Status)
	require.Len(t, pub.byOrg("org-1"), 1)
	assert.Equal(t, EventRecapBlocked, pub.byOrg("org-1")[0].EventType)

	require.NoError(t, job.Run(context.Background(), windowOpen.Add(2*time.Hour)))
	assert.Len(t, pub.byOrg("org-1"), 1)
}

func TestRecapJob_IsIdempotentAcrossTicks(t *testing.T) {
	ledger := &fakeLedger{counts: map[string]int{}}
	locks := NewMemoryLockRepository()
	pub := &recordingPublisher{}
	job := NewRecapJob(staticTenants{"org-1", "org-2"}, ledger, locks, pub, 3, nil)

	for i := 0; i < 5; i++ {
		require.NoError(t, job.Run(context.Background(), windowOpen.Add(time.Duration(i)*time.Hour)))
	}
	assert.Equal(t, 2, locks.Len())
	assert.Len(t, pub.events, 2)
	assert.Equal(t, 2, ledger.calls)
}

func TestRecapJob_OutsideWindowDoesNothing(t *testing.T) {
	ledger := &fakeLedger{}
	pub := &recordingPublisher{}
	job := NewRecapJob(staticTenants{"org-1"}, ledger, NewMemoryLockRepository(), pub, 3, nil)

	require.NoError(t, job.Run(context.Background(), time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC)))
	assert.Zero(t, ledger.calls)
	assert.Empty(t, pub.events)
}

type panickingLedger struct{}

func (panickingLedger) CountUnreconciled(ctx context.Context, org string, start, end time.Time) (int, error) {
	panic("nil pointer in ledger")
}

func TestRecapJob_PanicIsIsolated(t *testing.T) {
	job := NewRecapJob(staticTenants{"org-1"}, panickingLedger{}, NewMemoryLockRepository(), &recordingPublisher{}, 3, nil)
	var err error
	assert.NotPanics(t, func() { err = job.Run(context.Background(), windowOpen) })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic")
}
