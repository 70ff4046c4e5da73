package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akriventsev/fincore/framework/transport"
)

type published struct {
	subject string
	data    []byte
	headers map[string]string
}

// fakeBroker синхронный брокер для тестов ретранслятора
type fakeBroker struct {
	mu        sync.Mutex
	published []published
	handlers  map[string]transport.MessageHandler
	failures  int
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{handlers: make(map[string]transport.MessageHandler)}
}

func (b *fakeBroker) Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures > 0 {
		b.failures--
		return errors.New("broker unavailable")
	}
	b.published = append(b.published, published{subject: subject, data: data, headers: headers})
	return nil
}

func (b *fakeBroker) Subscribe(ctx context.Context, subject string, handler transport.MessageHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[subject] = handler
	return nil
}

func (b *fakeBroker) Unsubscribe(subject string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, subject)
	return nil
}

func (b *fakeBroker) deliver(t *testing.T, subject string, data []byte, headers map[string]string) {
	t.Helper()
	b.mu.Lock()
	handler := b.handlers[subject]
	b.mu.Unlock()
	require.NotNil(t, handler, "no subscription for %s", subject)
	require.NoError(t, handler(context.Background(), &transport.Message{Subject: subject, Data: data, Headers: headers}))
}

func (b *fakeBroker) snapshot() []published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]published(nil), b.published...)
}

func testRelayConfig() RelayConfig {
	cfg := DefaultRelayConfig()
	cfg.InstanceID = "instance-a"
	cfg.Retry.InitialDelay = time.Millisecond
	return cfg
}

func TestChannelFor(t *testing.T) {
	cases := map[string]string{
		"escrow.released":          "events:escrow",
		"bank.sync_completed":      "events:bank",
		"tax.recap_completed":      "events:tax",
		"invoice.paid":             "events:invoice",
		"expense.approved":         "events:expense",
		"ledger.entry_posted":      "events:ledger",
		"insight.anomaly_detected": "events:insight",
		"notification.sent":        "events:notification",
		"payroll.run_completed":    "events:payroll",
	}
	for eventType, want := range cases {
		assert.Equal(t, want, ChannelFor(eventType), eventType)
	}
}

func TestRelay_ForwardsPublishedEvents(t *testing.T) {
	broker := newFakeBroker()
	relay, err := NewRelay(broker, testRelayConfig(), nil)
	require.NoError(t, err)

	bus := NewInMemoryEventBus()
	ctx := context.Background()
	require.NoError(t, bus.ConnectRelay(ctx, relay))

	event := NewEvent("escrow.released", "escrow", "org-1", map[string]interface{}{"amount_cents": 5000})
	require.NoError(t, bus.Publish(ctx, event))
	require.NoError(t, bus.Shutdown(ctx))

	msgs := broker.snapshot()
	require.Len(t, msgs, 1)
	assert.Equal(t, "events:escrow", msgs[0].subject)
	assert.Equal(t, "instance-a", msgs[0].headers[transport.HeaderInstanceID])
	assert.Equal(t, "escrow.released", msgs[0].headers[transport.HeaderEventType])

	var decoded BaseEvent
	require.NoError(t, json.Unmarshal(msgs[0].data, &decoded))
	assert.Equal(t, event.EventID, decoded.EventID)
	assert.Equal(t, "org-1", decoded.OrganizationID)
}

func TestRelay_RetriesBrokerFailures(t *testing.T) {
	broker := newFakeBroker()
	broker.failures = 2
	relay, err := NewRelay(broker, testRelayConfig(), nil)
	require.NoError(t, err)

	bus := NewInMemoryEventBus()
	ctx := context.Background()
	require.NoError(t, bus.ConnectRelay(ctx, relay))
	require.NoError(t, bus.Publish(ctx, NewEvent("bank.connected", "bank", "org-1", nil)))
	require.NoError(t, bus.Shutdown(ctx))

	assert.Len(t, broker.snapshot(), 1)
}

func TestRelay_InboundDeliversLocallyOnly(t *testing.T) {
	broker := newFakeBroker()
	relay, err := NewRelay(broker, testRelayConfig(), nil)
	require.NoError(t, err)

	bus := NewInMemoryEventBus()
	ctx := context.Background()
	var received []*BaseEvent
	require.NoError(t, bus.Subscribe(HandlerFunc(func(ctx context.Context, event *BaseEvent) error {
		received = append(received, event)
		return nil
	}), "invoice.paid"))
	require.NoError(t, bus.ConnectRelay(ctx, relay))

	remote := NewEvent("invoice.paid", "billing", "org-2", map[string]interface{}{"amount_cents": 1200})
	data, err := json.Marshal(remote)
	require.NoError(t, err)

	broker.deliver(t, "events:invoice", data, map[string]string{transport.HeaderInstanceID: "instance-b"})
	// собственное сообщение процесса игнорируется
	broker.deliver(t, "events:invoice", data, map[string]string{transport.HeaderInstanceID: "instance-a"})
	// некорректные сообщения отбрасываются без ошибки
	broker.deliver(t, "events:invoice", []byte("{not json"), nil)
	broker.deliver(t, "events:invoice", []byte(`{"event_type":"invoice.paid"}`), nil)

	require.NoError(t, bus.Shutdown(ctx))

	require.Len(t, received, 1)
	assert.Equal(t, remote.EventID, received[0].EventID)
	amount, ok := received[0].PayloadInt64("amount_cents")
	assert.True(t, ok)
	assert.Equal(t, int64(1200), amount)
	assert.Empty(t, broker.snapshot(), "inbound events must not be re-published")
}

func TestNewRelay_Validation(t *testing.T) {
	_, err := NewRelay(nil, testRelayConfig(), nil)
	assert.Error(t, err)

	cfg := testRelayConfig()
	cfg.InstanceID = ""
	_, err = NewRelay(newFakeBroker(), cfg, nil)
	assert.Error(t, err)
}
