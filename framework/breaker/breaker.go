// Package breaker предоставляет circuit breaker для вызовов upstream сервисов.
package breaker

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/akriventsev/fincore/framework/core"
)

// State состояние circuit breaker
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config конфигурация circuit breaker
type Config struct {
	// FailureThreshold количество подряд идущих ошибок до открытия
	FailureThreshold int
	// CoolDown время в состоянии open до пробного вызова
	CoolDown time.Duration
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		CoolDown:         30 * time.Second,
	}
}

// Validate проверяет конфигурацию
func (c Config) Validate() error {
	if c.FailureThreshold <= 0 {
		return core.NewError(core.ErrInvalidConfig, "breaker failure_threshold must be positive")
	}
	if c.CoolDown <= 0 {
		return core.NewError(core.ErrInvalidConfig, "breaker cool_down must be positive")
	}
	return nil
}

// CircuitState снимок состояния breaker для одного сервиса
type CircuitState struct {
	Service             string    `json:"service"`
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	OpenedAt            time.Time `json:"opened_at,omitempty"`
	LastProbeAt         time.Time `json:"last_probe_at,omitempty"`
}

// StateChangeFunc вызывается при смене состояния (вне блокировки)
type StateChangeFunc func(service string, from, to State)

type circuit struct {
	state       State
	failures    int
	openedAt    time.Time
	lastProbeAt time.Time
	probing     bool
	// generation растет при каждом открытии и каждой выдаче пробы
	generation uint64
}

func (c *circuit) open(now time.Time) {
	c.state = StateOpen
	c.openedAt = now
	c.probing = false
	c.generation++
}

// Permit разрешение на один вызов сервиса, выданное Allow.
// Результат, сообщенный через Permit после смены поколения circuit, игнорируется.
type Permit struct {
	breaker    *CircuitBreaker
	service    string
	generation uint64
	trial      bool
}

// Trial сообщает, является ли вызов пробным в состоянии half_open
func (p Permit) Trial() bool {
	return p.trial
}

// Success фиксирует успешный вызов
func (p Permit) Success() {
	p.breaker.report(p.service, &p.generation, true)
}

// Failure фиксирует неудачный вызов
func (p Permit) Failure() {
	p.breaker.report(p.service, &p.generation, false)
}

// CircuitBreaker отслеживает ошибки по каждому upstream сервису.
// Все изменения состояния выполняются под одним мьютексом.
type CircuitBreaker struct {
	config        Config
	clock         core.Clock
	circuits      map[string]*circuit
	mu            sync.Mutex
	onStateChange StateChangeFunc
	logger        *slog.Logger
}

// New создает circuit breaker
func New(config Config, logger *slog.Logger) (*CircuitBreaker, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CircuitBreaker{
		config:   config,
		clock:    core.SystemClock,
		circuits: make(map[string]*circuit),
		logger:   logger.With("component", "circuit_breaker"),
	}, nil
}

// WithClock устанавливает источник времени
func (b *CircuitBreaker) WithClock(clock core.Clock) *CircuitBreaker {
	b.clock = clock.OrDefault()
	return b
}

// OnStateChange устанавливает callback смены состояния
func (b *CircuitBreaker) OnStateChange(fn StateChangeFunc) *CircuitBreaker {
	b.onStateChange = fn
	return b
}

// get возвращает circuit сервиса; вызывается под мьютексом
func (b *CircuitBreaker) get(service string) *circuit {
	c, ok := b.circuits[service]
	if !ok {
		c = &circuit{state: StateClosed}
		b.circuits[service] = c
	}
	return c
}

// Allow решает, можно ли вызвать сервис. Для open после cool-down вызывающий
// становится единственным пробным вызовом (half_open) и получает Permit с Trial() == true.
func (b *CircuitBreaker) Allow(service string) (Permit, bool) {
	now := b.clock()

	b.mu.Lock()
	c := b.get(service)
	var transition *[2]State
	admitted := true
	trial := false

	switch c.state {
	case StateClosed:
	case StateOpen:
		if now.Sub(c.openedAt) < b.config.CoolDown {
			admitted = false
			break
		}
		c.state = StateHalfOpen
		transition = &[2]State{StateOpen, StateHalfOpen}
		trial = true
	case StateHalfOpen:
		// проба, не сообщившая результат, забывается через cool-down
		if c.probing && now.Sub(c.lastProbeAt) < b.config.CoolDown {
			admitted = false
			break
		}
		trial = true
	}
	if trial {
		c.probing = true
		c.lastProbeAt = now
		c.generation++
	}
	permit := Permit{breaker: b, service: service, generation: c.generation, trial: trial}
	b.mu.Unlock()

	if transition != nil {
		b.notify(service, transition[0], transition[1])
	}
	return permit, admitted
}

// IsOpen сообщает, нужно ли отклонить вызов сервиса без обращения к нему.
// Результат допущенного вызова сообщается через RecordSuccess или RecordFailure.
func (b *CircuitBreaker) IsOpen(service string) bool {
	_, admitted := b.Allow(service)
	return !admitted
}

// RecordSuccess фиксирует успешный вызов без Permit: счетчик ошибок сбрасывается в любом состоянии.
// half_open закрывается, только пока выданная проба не завершена. Поздний ответ вызова,
// начатого до открытия, здесь не отличить от пробы; Allow с Permit такие ответы отбрасывает.
func (b *CircuitBreaker) RecordSuccess(service string) {
	b.report(service, nil, true)
}

// RecordFailure фиксирует неудачный вызов без Permit
func (b *CircuitBreaker) RecordFailure(service string) {
	b.report(service, nil, false)
}

// report применяет результат вызова. generation == nil означает вызов без Permit.
func (b *CircuitBreaker) report(service string, generation *uint64, success bool) {
	now := b.clock()

	b.mu.Lock()
	c := b.get(service)
	if generation != nil && *generation != c.generation {
		// ответ вызова, начатого до последнего открытия или до выдачи новой пробы
		b.mu.Unlock()
		return
	}
	from := c.state
	if success {
		c.failures = 0
		if c.state == StateHalfOpen && c.probing {
			c.state = StateClosed
			c.openedAt = time.Time{}
			c.probing = false
		}
	} else {
		c.failures++
		switch c.state {
		case StateClosed:
			if c.failures >= b.config.FailureThreshold {
				c.open(now)
			}
		case StateHalfOpen:
			// неудачная проба возвращает в open и перезапускает cool-down
			c.open(now)
		case StateOpen:
			// поздний ответ вызова, начатого до открытия
		}
	}
	to := c.state
	failures := c.failures
	b.mu.Unlock()

	if from != to {
		if to == StateOpen {
			b.logger.Warn("circuit state changed", "service", service, "from", from, "to", to, "failures", failures)
		}
		b.notify(service, from, to)
	}
}

func (b *CircuitBreaker) notify(service string, from, to State) {
	if to != StateOpen {
		b.logger.Info("circuit state changed", "service", service, "from", from, "to", to)
	}
	if b.onStateChange != nil {
		b.onStateChange(service, from, to)
	}
}

// State возвращает снимок состояния сервиса
func (b *CircuitBreaker) State(service string) CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.circuits[service]
	if !ok {
		return CircuitState{Service: service, State: StateClosed}
	}
	return snapshot(service, c)
}

// Snapshot возвращает состояния всех известных сервисов, отсортированные по имени
func (b *CircuitBreaker) Snapshot() []CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()

	result := make([]CircuitState, 0, len(b.circuits))
	for service, c := range b.circuits {
		result = append(result, snapshot(service, c))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Service < result[j].Service })
	return result
}

func snapshot(service string, c *circuit) CircuitState {
	return CircuitState{
		Service:             service,
		State:               c.state,
		ConsecutiveFailures: c.failures,
		OpenedAt:            c.openedAt,
		LastProbeAt:         c.lastProbeAt,
	}
}

// String реализует fmt.Stringer
func (s CircuitState) String() string {
	return fmt.Sprintf("%s: %s (failures=%d)", s.Service, s.State, s.ConsecutiveFailures)
}
