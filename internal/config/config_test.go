package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akriventsev/fincore/framework/adapters/messagebus"
	"github.com/akriventsev/fincore/framework/core"
	"github.com/akriventsev/fincore/framework/ratelimit"
)

const sampleConfig = `
service:
  name: fincore
  environment: staging
log:
  level: debug
  format: text
gateway:
  addr: ":9090"
  retry_base_delay: 250ms
  max_request_body: 1048576
  routes:
    - path_prefix: /api/v1/invoices
      service: billing
      base_url: http://billing:8080
      timeout: 5s
      max_retries: 2
    - path_prefix: /api/v1/escrow
      service: money-out
      base_url: http://money-out:8080/
      timeout: 10s
      max_retries: 1
  plans:
    org-42: enterprise
rate_limit:
  store: redis
  plans:
    free:
      minute: 10
      hour: 100
      day: 1000
scheduler:
  interval: 10s
  batch_size: 50
sagas:
  escrow_grace_period: 72h
broker:
  type: nats
  nats:
    url: nats://nats:4222
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fincore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, StoreMemory, cfg.RateLimit.Store)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.Interval)
	assert.Equal(t, 25, cfg.Scheduler.BatchSize)
	assert.Equal(t, 14*24*time.Hour, cfg.Sagas.EscrowGracePeriod)
	assert.Equal(t, 6*time.Hour, cfg.Sagas.BankSyncInterval)
	assert.Equal(t, 15*time.Minute, cfg.Sagas.BankSyncRetry)
	assert.Equal(t, 3, cfg.Sagas.RecapWindowDays)
}

func TestLoad_WithoutFileReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Gateway.Addr, cfg.Gateway.Addr)
	assert.Equal(t, DefaultConfig().Breaker, cfg.Breaker)
	assert.Equal(t, int64(60), cfg.RateLimit.Plans["free"].Minute)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Gateway.Addr)
	assert.Equal(t, 250*time.Millisecond, cfg.Gateway.RetryBaseDelay)
	assert.Equal(t, int64(1<<20), cfg.ServerConfig().MaxRequestBody)
	require.Len(t, cfg.Gateway.Routes, 2)
	assert.Equal(t, "billing", cfg.Gateway.Routes[0].Service)
	assert.Equal(t, 5*time.Second, cfg.Gateway.Routes[0].Timeout)
	assert.Equal(t, 2, cfg.Gateway.Routes[0].MaxRetries)
	assert.Equal(t, "enterprise", cfg.Gateway.Plans["org-42"])

	assert.Equal(t, StoreRedis, cfg.RateLimit.Store)
	assert.Equal(t, int64(10), cfg.RateLimit.Plans["free"].Minute)
	// планы, не упомянутые в файле, остаются из значений по умолчанию
	assert.Contains(t, cfg.RateLimit.Plans, "enterprise")

	assert.Equal(t, 10*time.Second, cfg.Scheduler.Interval)
	assert.Equal(t, 50, cfg.Scheduler.BatchSize)
	assert.Equal(t, 72*time.Hour, cfg.Sagas.EscrowGracePeriod)
	assert.Equal(t, 6*time.Hour, cfg.Sagas.BankSyncInterval)

	nats, ok := cfg.BrokerSettings().(messagebus.NATSConfig)
	require.True(t, ok)
	assert.Equal(t, "nats://nats:4222", nats.URL)

	rl := cfg.RateLimitConfig()
	assert.Equal(t, int64(100), rl.Plans["free"][ratelimit.WindowHour])
	assert.Equal(t, "enterprise", cfg.PlanResolver().Plans["org-42"])
}

func TestLoad_EnvironmentOverridesFile(t *testing.T) {
	t.Setenv("FINCORE_GATEWAY_ADDR", ":7070")
	t.Setenv("FINCORE_SCHEDULER_BATCH_SIZE", "5")
	t.Setenv("FINCORE_BREAKER_COOL_DOWN", "45s")

	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Gateway.Addr)
	assert.Equal(t, 5, cfg.Scheduler.BatchSize)
	assert.Equal(t, 45*time.Second, cfg.Breaker.CoolDown)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown rate limit store", "rate_limit:\n  store: memcached\n"},
		{"postgres scheduler without dsn", "scheduler:\n  store: postgres\n"},
		{"unknown broker", "broker:\n  type: rabbitmq\n"},
		{"negative retries", "gateway:\n  routes:\n    - path_prefix: /x\n      service: x\n      base_url: http://x\n      timeout: 1s\n      max_retries: -1\n"},
		{"zero route timeout", "gateway:\n  routes:\n    - path_prefix: /x\n      service: x\n      base_url: http://x\n"},
		{"empty route prefix", "gateway:\n  routes:\n    - service: x\n      base_url: http://x\n      timeout: 1s\n"},
		{"bad log level", "log:\n  level: loud\n"},
		{"recap window", "sagas:\n  recap_window_days: 0\n"},
		{"zero body limit", "gateway:\n  max_request_body: 0\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.Equal(t, core.ErrInvalidConfig, core.CodeOf(err))
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Equal(t, core.ErrInvalidConfig, core.CodeOf(err))
}

func TestWriteYAML_MasksSecrets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Database.DSN = "postgres://fincore:hunter2@db/fincore"
	cfg.Redis.Password = "hunter2"

	var buf bytes.Buffer
	require.NoError(t, cfg.WriteYAML(&buf))
	out := buf.String()
	assert.NotContains(t, out, "hunter2")
	assert.Contains(t, out, "retry_base_delay")
	assert.Contains(t, out, "escrow_grace_period")
	// исходная конфигурация не изменяется
	assert.Equal(t, "hunter2", cfg.Redis.Password)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Format: "text"}, &buf)
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.True(t, strings.Contains(out, "level=WARN"))

	level, err := ParseLevel("debug")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
}
