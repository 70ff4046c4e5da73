package container

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mbfactory "github.com/akriventsev/fincore/framework/adapters/messagebus"
	"github.com/akriventsev/fincore/framework/core"
	"github.com/akriventsev/fincore/framework/events"
	"github.com/akriventsev/fincore/framework/scheduler"
	"github.com/akriventsev/fincore/framework/transport"
	"github.com/akriventsev/fincore/internal/config"
	"github.com/akriventsev/fincore/internal/escrow"
	"github.com/akriventsev/fincore/internal/ledger"
)

type staticFactory struct {
	broker mbfactory.Broker
}

func (f staticFactory) Create(string, interface{}) (mbfactory.Broker, error) {
	return f.broker, nil
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Metrics.Enabled = false
	cfg.Gateway.Addr = "127.0.0.1:0"
	return cfg
}

func shutdown(t *testing.T, c *Container) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Shutdown(ctx))
}

func TestBuild_DefaultsToMemoryStores(t *testing.T) {
	c, err := Build(context.Background(), testConfig(), nil)
	require.NoError(t, err)
	defer shutdown(t, c)

	assert.IsType(t, &scheduler.MemoryStore{}, c.Jobs)
	assert.IsType(t, &ledger.MemoryRepository{}, c.Ledger)
	assert.IsType(t, &escrow.MemoryRepository{}, c.Escrow)
	assert.Nil(t, c.Pool)
	assert.Nil(t, c.Redis)
	assert.NotNil(t, c.Server)
	assert.Len(t, c.Bindings, 4)
}

func TestBuild_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Scheduler.BatchSize = 0

	_, err := Build(context.Background(), cfg, nil)
	require.Error(t, err)
	assert.Equal(t, core.ErrInvalidConfig, core.CodeOf(err))
}

func TestBuild_ReleaseRequestSchedulesAutoRelease(t *testing.T) {
	c, err := Build(context.Background(), testConfig(), nil)
	require.NoError(t, err)
	defer shutdown(t, c)

	ctx := context.Background()
	event := events.NewEvent(escrow.EventReleaseRequested, "fincore-escrow", "org-1", map[string]interface{}{
		"transaction_id": "tx-1",
	})
	require.NoError(t, c.Bus.Publish(ctx, event))

	job, err := c.Jobs.GetByDedupeKey(ctx, escrow.DedupeKey("tx-1"))
	require.NoError(t, err)
	assert.Equal(t, escrow.WorkflowAutoRelease, job.WorkflowType)
	assert.Equal(t, scheduler.StatusQueued, job.Status)
}

func TestStartScheduler_RelaysEventsToBroker(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.Type = "inmemory"
	adapter := mbfactory.NewInMemoryAdapter(mbfactory.DefaultInMemoryConfig())

	c, err := Build(context.Background(), cfg, nil, WithBrokerFactory(staticFactory{broker: adapter}))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, c.StartScheduler(ctx))
	assert.True(t, c.Scheduler.IsRunning())
	require.NotNil(t, c.Relay)

	var relayed int32
	require.NoError(t, adapter.Subscribe(ctx, events.ChannelFor("insight.generated"), func(ctx context.Context, msg *transport.Message) error {
		atomic.AddInt32(&relayed, 1)
		return nil
	}))

	require.NoError(t, c.Bus.Publish(ctx, events.NewEvent("insight.generated", "fincore-insights", "org-1", map[string]interface{}{
		"report_id": "r-1",
	})))
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&relayed) == 1 }, 2*time.Second, 10*time.Millisecond)

	shutdown(t, c)
	assert.False(t, c.Scheduler.IsRunning())
	assert.False(t, adapter.IsRunning())
}

func TestShutdown_IsSafeWithoutStart(t *testing.T) {
	c, err := Build(context.Background(), testConfig(), nil)
	require.NoError(t, err)

	shutdown(t, c)
	shutdown(t, c)
}
