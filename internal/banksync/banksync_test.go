package banksync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akriventsev/fincore/framework/core"
	"github.com/akriventsev/fincore/framework/events"
	"github.com/akriventsev/fincore/framework/scheduler"
	ftesting "github.com/akriventsev/fincore/framework/testing"
)

var now = time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC)

func newFixture(t *testing.T) (*Consumer, *scheduler.MemoryStore) {
	t.Helper()
	store := scheduler.NewMemoryStore()
	s, err := scheduler.New(scheduler.DefaultConfig(), store, nil)
	require.NoError(t, err)
	s.WithClock(func() time.Time { return now })
	c, err := NewConsumer(s, DefaultConfig(), nil)
	require.NoError(t, err)
	return c.WithClock(func() time.Time { return now }), store
}

func bankEvent(eventType string, payload map[string]interface{}) *events.BaseEvent {
	return events.NewEvent(eventType, "bank-integrations", "org-1", payload)
}

func TestConsumer_SchedulesPerLifecycleEvent(t *testing.T) {
	tests := []struct {
		name    string
		event   *events.BaseEvent
		wantRun time.Time
	}{
		{"connected runs now", bankEvent(EventConnected, map[string]interface{}{"connection_id": "c1"}), now},
		{"completed waits interval", bankEvent(EventSyncCompleted, map[string]interface{}{"connection_id": "c1"}), now.Add(6 * time.Hour)},
		{"failed waits retry delay", bankEvent(EventSyncFailed, map[string]interface{}{"connection_id": "c1"}), now.Add(15 * time.Minute)},
		{"failed honours retry_in_ms", bankEvent(EventSyncFailed, map[string]interface{}{"connection_id": "c1", "retry_in_ms": float64(90_000)}), now.Add(90 * time.Second)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, store := newFixture(t)
			require.NoError(t, c.Handle(context.Background(), tt.event))

			job, err := store.GetByDedupeKey(context.Background(), "bank-sync:c1")
			require.NoError(t, err)
			assert.Equal(t, WorkflowSync, job.WorkflowType)
			assert.Equal(t, "org-1", job.OrganizationID)
			assert.Equal(t, tt.wantRun, job.RunAt)
		})
	}
}

func TestConsumer_LatestEventWinsOnSingleJob(t *testing.T) {
	c, store := newFixture(t)
	ctx := context.Background()

	require.NoError(t, c.Handle(ctx, bankEvent(EventConnected, map[string]interface{}{"connection_id": "c1"})))
	require.NoError(t, c.Handle(ctx, bankEvent(EventSyncFailed, map[string]interface{}{"connection_id": "c1"})))
	require.NoError(t, c.Handle(ctx, bankEvent(EventSyncCompleted, map[string]interface{}{"connection_id": "c1"})))
	require.NoError(t, c.Handle(ctx, bankEvent(EventConnected, map[string]interface{}{"connection_id": "c2"})))

	assert.Equal(t, 2, store.Len())
	job, err := store.GetByDedupeKey(ctx, "bank-sync:c1")
	require.NoError(t, err)
	assert.Equal(t, now.Add(6*time.Hour), job.RunAt)
}

func TestConsumer_IgnoresEventWithoutConnection(t *testing.T) {
	c, store := newFixture(t)
	require.NoError(t, c.Handle(context.Background(), bankEvent(EventConnected, nil)))
	assert.Equal(t, 0, store.Len())
}

func TestSyncHandler_PublishesExecuteRequest(t *testing.T) {
	pub := &ftesting.RecordingPublisher{}
	h := NewSyncHandler(pub, nil)
	job := &scheduler.Job{ID: "j1", WorkflowType: WorkflowSync, OrganizationID: "org-1",
		Payload: map[string]interface{}{"connection_id": "c1"}}

	require.NoError(t, h.Handle(context.Background(), job))
	published := pub.Events()
	require.Len(t, published, 1)
	assert.Equal(t, EventSyncExecute, published[0].EventType)
	assert.Equal(t, "c1", published[0].PayloadString("connection_id"))
	assert.Equal(t, "org-1", published[0].OrganizationID)
}

func TestSyncHandler_PublishFailureIsRetried(t *testing.T) {
	h := NewSyncHandler(&ftesting.RecordingPublisher{Err: errors.New("bus closed")}, nil)
	job := &scheduler.Job{ID: "j1", OrganizationID: "org-1", Payload: map[string]interface{}{"connection_id": "c1"}}
	assert.Error(t, h.Handle(context.Background(), job))

	err := h.Handle(context.Background(), &scheduler.Job{ID: "j2"})
	require.Error(t, err)
	assert.Equal(t, core.ErrValidation, core.CodeOf(err))
}

func TestConfig_Validate(t *testing.T) {
	_, err := NewConsumer(nil, Config{Interval: time.Hour}, nil)
	require.Error(t, err)
	assert.Equal(t, core.ErrInvalidConfig, core.CodeOf(err))
}
