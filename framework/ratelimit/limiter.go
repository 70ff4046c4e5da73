// Package ratelimit предоставляет лимитер запросов по тенантам с окнами, выровненными по эпохе.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/akriventsev/fincore/framework/core"
)

// Window гранулярность окна
type Window string

const (
	WindowMinute Window = "minute"
	WindowHour   Window = "hour"
	WindowDay    Window = "day"
)

// Windows все окна в порядке проверки
var Windows = []Window{WindowMinute, WindowHour, WindowDay}

// Size возвращает длительность окна
func (w Window) Size() (time.Duration, error) {
	switch w {
	case WindowMinute:
		return time.Minute, nil
	case WindowHour:
		return time.Hour, nil
	case WindowDay:
		return 24 * time.Hour, nil
	}
	return 0, fmt.Errorf("unknown rate limit window: %q", w)
}

// Limits лимиты плана по окнам; значение <= 0 означает отсутствие лимита
type Limits map[Window]int64

// DefaultPlan план, применяемый к неизвестным планам
const DefaultPlan = "free"

// Config конфигурация лимитера
type Config struct {
	Plans       map[string]Limits
	DefaultPlan string
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		DefaultPlan: DefaultPlan,
		Plans: map[string]Limits{
			"free":         {WindowMinute: 60, WindowHour: 1000, WindowDay: 10000},
			"starter":      {WindowMinute: 300, WindowHour: 10000, WindowDay: 100000},
			"professional": {WindowMinute: 1000, WindowHour: 50000, WindowDay: 500000},
			"enterprise":   {WindowMinute: 5000, WindowHour: 0, WindowDay: 0},
		},
	}
}

// Validate проверяет конфигурацию
func (c Config) Validate() error {
	if _, ok := c.Plans[c.DefaultPlan]; !ok {
		return core.NewError(core.ErrInvalidConfig, fmt.Sprintf("default plan %q is not configured", c.DefaultPlan))
	}
	for plan, limits := range c.Plans {
		for w := range limits {
			if _, err := w.Size(); err != nil {
				return core.Wrap(err, core.ErrInvalidConfig, fmt.Sprintf("plan %q", plan))
			}
		}
	}
	return nil
}

// Result результат проверки лимита
type Result struct {
	Allowed    bool
	Unlimited  bool
	Window     Window
	Limit      int64
	Remaining  int64
	// Count фактическое значение счетчика после инкремента
	Count      int64
	ResetAt    time.Time
	RetryAfter time.Duration
}

// RetryAfterSeconds возвращает Retry-After в секундах с округлением вверх
func (r Result) RetryAfterSeconds() int64 {
	if r.Allowed {
		return 0
	}
	secs := int64(r.RetryAfter / time.Second)
	if r.RetryAfter%time.Second != 0 {
		secs++
	}
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Limiter считает запросы тенанта в окнах фиксированного размера.
// Границы окон кратны размеру окна от начала эпохи, поэтому все тенанты сбрасываются одновременно.
type Limiter struct {
	config Config
	store  Store
	clock  core.Clock
	logger *slog.Logger
}

// NewLimiter создает лимитер поверх хранилища счетчиков
func NewLimiter(config Config, store Store, logger *slog.Logger) (*Limiter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, core.NewError(core.ErrInvalidConfig, "rate limit store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	l := &Limiter{
		config: config,
		store:  store,
		clock:  core.SystemClock,
		logger: logger.With("component", "rate_limiter"),
	}
	if l.Degraded() {
		l.logger.Warn("rate limiter uses a process-local store; limits are enforced per replica only")
	}
	return l, nil
}

// WithClock устанавливает источник времени
func (l *Limiter) WithClock(clock core.Clock) *Limiter {
	l.clock = clock.OrDefault()
	return l
}

// Degraded сообщает, что счетчики не разделяются между репликами
func (l *Limiter) Degraded() bool {
	return !l.store.Shared()
}

// LimitsFor возвращает лимиты плана с fallback на план по умолчанию
func (l *Limiter) LimitsFor(plan string) Limits {
	if limits, ok := l.config.Plans[plan]; ok {
		return limits
	}
	return l.config.Plans[l.config.DefaultPlan]
}

// CheckLimit увеличивает счетчик тенанта в текущем окне и сообщает, разрешен ли запрос.
// Ошибка хранилища не блокирует запрос: он пропускается, ошибка логируется.
func (l *Limiter) CheckLimit(ctx context.Context, tenant, plan string, window Window) (Result, error) {
	size, err := window.Size()
	if err != nil {
		return Result{}, core.Wrap(err, core.ErrValidation, "invalid window")
	}

	limit := l.LimitsFor(plan)[window]
	if limit <= 0 {
		return Result{Allowed: true, Unlimited: true, Window: window}, nil
	}

	now := l.clock()
	sizeSec := int64(size / time.Second)
	start := now.Unix() - now.Unix()%sizeSec
	resetAt := time.Unix(start+sizeSec, 0).UTC()
	key := fmt.Sprintf("ratelimit:%s:%s:%d", tenant, window, start)

	// TTL с запасом, чтобы ключ гарантированно пережил свое окно
	count, err := l.store.Increment(ctx, key, resetAt.Sub(now)+time.Second)
	if err != nil {
		l.logger.Error("rate limit store failed, allowing request",
			"tenant", tenant, "window", window, "error", err)
		return Result{Allowed: true, Window: window, Limit: limit, Remaining: limit, ResetAt: resetAt}, nil
	}

	result := Result{
		Allowed: count <= limit,
		Window:  window,
		Limit:   limit,
		Count:   count,
		ResetAt: resetAt,
	}
	if remaining := limit - count; remaining > 0 {
		result.Remaining = remaining
	}
	if !result.Allowed {
		result.RetryAfter = resetAt.Sub(now)
	}
	return result, nil
}

// CheckAll проверяет все окна плана и возвращает первый отказ
// либо разрешение с наименьшим остатком.
func (l *Limiter) CheckAll(ctx context.Context, tenant, plan string) (Result, error) {
	best := Result{Allowed: true, Unlimited: true}
	for _, window := range Windows {
		r, err := l.CheckLimit(ctx, tenant, plan, window)
		if err != nil {
			return Result{}, err
		}
		if !r.Allowed {
			return r, nil
		}
		if r.Unlimited {
			continue
		}
		if best.Unlimited || r.Remaining < best.Remaining {
			best = r
		}
	}
	return best, nil
}
