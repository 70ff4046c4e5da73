package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/akriventsev/fincore/framework/core"
	"github.com/akriventsev/fincore/framework/metrics"
	"github.com/akriventsev/fincore/framework/observability"
)

// Исходы выполнения job для метрик
const (
	OutcomeCompleted = "completed"
	OutcomeRetried   = "retried"
	OutcomeFailed    = "failed"
	OutcomeLost      = "lost"
)

// Config конфигурация планировщика
type Config struct {
	Interval           time.Duration
	BatchSize          int
	BaseBackoff        time.Duration
	MaxBackoff         time.Duration
	DefaultMaxAttempts int
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		Interval:           30 * time.Second,
		BatchSize:          25,
		BaseBackoff:        30 * time.Second,
		MaxBackoff:         time.Hour,
		DefaultMaxAttempts: DefaultMaxAttempts,
	}
}

// Validate проверяет конфигурацию
func (c Config) Validate() error {
	switch {
	case c.Interval <= 0:
		return core.NewError(core.ErrInvalidConfig, "scheduler interval must be positive")
	case c.BatchSize <= 0:
		return core.NewError(core.ErrInvalidConfig, "scheduler batch_size must be positive")
	case c.BaseBackoff <= 0:
		return core.NewError(core.ErrInvalidConfig, "scheduler base_backoff must be positive")
	case c.MaxBackoff < c.BaseBackoff:
		return core.NewError(core.ErrInvalidConfig, "scheduler max_backoff must not be less than base_backoff")
	case c.DefaultMaxAttempts <= 0:
		return core.NewError(core.ErrInvalidConfig, "scheduler default_max_attempts must be positive")
	}
	return nil
}

// Scheduler опрашивающий планировщик workflow jobs.
// Один цикл на процесс; несколько экземпляров безопасно делят одну таблицу
// благодаря условному переходу queued -> running.
type Scheduler struct {
	config   Config
	store    Store
	metrics  *metrics.Metrics
	clock    core.Clock
	logger   *slog.Logger
	handlers map[string]Handler
	calendar []CalendarJob
	mu       sync.RWMutex

	ticking atomic.Bool
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	stateMu sync.Mutex
}

// New создает планировщик
func New(config Config, store Store, logger *slog.Logger) (*Scheduler, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, core.NewError(core.ErrInvalidConfig, "job store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		config:   config,
		store:    store,
		clock:    core.SystemClock,
		logger:   logger.With("component", "scheduler"),
		handlers: make(map[string]Handler),
	}, nil
}

// WithClock устанавливает источник времени
func (s *Scheduler) WithClock(clock core.Clock) *Scheduler {
	s.clock = clock.OrDefault()
	return s
}

// WithMetrics подключает метрики
func (s *Scheduler) WithMetrics(m *metrics.Metrics) *Scheduler {
	s.metrics = m
	return s
}

// Register регистрирует обработчик для типа workflow
func (s *Scheduler) Register(workflowType string, handler Handler) error {
	if workflowType == "" || handler == nil {
		return core.NewError(core.ErrValidation, "workflow type and handler are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.handlers[workflowType]; exists {
		return core.NewError(core.ErrValidation, fmt.Sprintf("handler for %s already registered", workflowType))
	}
	s.handlers[workflowType] = handler
	return nil
}

// RegisterCalendarJob регистрирует календарную задачу
func (s *Scheduler) RegisterCalendarJob(job CalendarJob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calendar = append(s.calendar, job)
}

// ScheduleJob ставит job в очередь; повторный вызов с тем же dedupe_key заменяет
// run_at и payload существующей строки
func (s *Scheduler) ScheduleJob(ctx context.Context, params ScheduleParams) (*Job, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	now := s.clock()
	job := &Job{
		WorkflowType:   params.WorkflowType,
		OrganizationID: params.OrganizationID,
		RunAt:          params.RunAt,
		Payload:        params.Payload,
		DedupeKey:      params.DedupeKey,
		MaxAttempts:    params.MaxAttempts,
		Status:         StatusQueued,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if job.RunAt.IsZero() {
		job.RunAt = now
	}
	if job.MaxAttempts == 0 {
		job.MaxAttempts = s.config.DefaultMaxAttempts
	}
	if job.Payload == nil {
		job.Payload = map[string]interface{}{}
	}

	stored, err := s.store.Upsert(ctx, job)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("job scheduled",
		"job_id", stored.ID,
		"workflow_type", stored.WorkflowType,
		"dedupe_key", stored.DedupeKey,
		"run_at", stored.RunAt)
	return stored, nil
}

// CancelJobByDedupeKey отменяет незавершенный job с ключом
func (s *Scheduler) CancelJobByDedupeKey(ctx context.Context, key string) (int64, error) {
	if key == "" {
		return 0, core.NewError(core.ErrValidation, "dedupe key is required")
	}
	n, err := s.store.CancelByDedupeKey(ctx, key, s.clock())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("job cancelled", "dedupe_key", key)
	}
	return n, nil
}

// Tick выполняет один проход: due jobs, затем календарные задачи.
// Тик, пересекающийся с предыдущим, пропускается; возвращает false в этом случае.
func (s *Scheduler) Tick(ctx context.Context) bool {
	if !s.ticking.CompareAndSwap(false, true) {
		s.metrics.RecordTickSkipped(ctx)
		s.logger.Warn("previous tick still running, skipping")
		return false
	}
	defer s.ticking.Store(false)

	s.runDueJobs(ctx)
	s.runCalendar(ctx)
	return true
}

func (s *Scheduler) runDueJobs(ctx context.Context) {
	jobs, err := s.store.DueJobs(ctx, s.clock(), s.config.BatchSize)
	if err != nil {
		s.logger.Error("failed to load due jobs", "error", err)
		return
	}

	for _, job := range jobs {
		if ctx.Err() != nil {
			return
		}
		claimed, err := s.store.MarkRunning(ctx, job.ID, job.Version, s.clock())
		if err != nil {
			s.logger.Error("failed to claim job", "job_id", job.ID, "error", err)
			continue
		}
		if !claimed {
			// другой экземпляр уже забрал job
			continue
		}
		job.Status = StatusRunning
		job.Version++
		s.execute(ctx, job)
	}
}

func (s *Scheduler) execute(ctx context.Context, job *Job) {
	start := time.Now()
	err := observability.TraceJob(ctx, job.WorkflowType, job.ID, func(ctx context.Context) error {
		return s.invoke(ctx, job)
	})
	now := s.clock()

	var outcome string
	var stored bool
	var storeErr error
	if err == nil {
		outcome = OutcomeCompleted
		stored, storeErr = s.store.Complete(ctx, job.ID, job.Version, now)
	} else {
		attempts := job.Attempts + 1
		if attempts < job.MaxAttempts {
			outcome = OutcomeRetried
			runAt := now.Add(s.Backoff(attempts))
			stored, storeErr = s.store.Retry(ctx, job.ID, job.Version, attempts, runAt, err.Error(), now)
			s.logger.Warn("job failed, retrying",
				"job_id", job.ID, "workflow_type", job.WorkflowType,
				"attempts", attempts, "max_attempts", job.MaxAttempts,
				"run_at", runAt, "error", err)
		} else {
			outcome = OutcomeFailed
			stored, storeErr = s.store.Fail(ctx, job.ID, job.Version, attempts, err.Error(), now)
			s.logger.Error("job failed permanently",
				"job_id", job.ID, "workflow_type", job.WorkflowType,
				"attempts", attempts, "error", err)
		}
	}

	switch {
	case storeErr != nil:
		s.logger.Error("failed to record job outcome", "job_id", job.ID, "outcome", outcome, "error", storeErr)
	case !stored:
		// job переназначен или отменен во время выполнения; новое состояние сохраняется
		s.logger.Info("job changed while running, outcome discarded", "job_id", job.ID, "outcome", outcome)
		outcome = OutcomeLost
	}
	s.metrics.RecordJob(ctx, job.WorkflowType, outcome, time.Since(start))
}

// invoke вызывает обработчик, превращая панику в ошибку
func (s *Scheduler) invoke(ctx context.Context, job *Job) (err error) {
	s.mu.RLock()
	handler, ok := s.handlers[job.WorkflowType]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no handler registered for workflow type %s", job.WorkflowType)
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("job handler panicked", "job_id", job.ID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler.Handle(ctx, job.Clone())
}

func (s *Scheduler) runCalendar(ctx context.Context) {
	s.mu.RLock()
	jobs := append([]CalendarJob(nil), s.calendar...)
	s.mu.RUnlock()

	for _, cj := range jobs {
		if err := s.runCalendarJob(ctx, cj); err != nil {
			s.logger.Error("calendar job failed", "job", cj.Name(), "error", err)
		}
	}
}

func (s *Scheduler) runCalendarJob(ctx context.Context, cj CalendarJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("calendar job panic: %v", r)
		}
	}()
	start := time.Now()
	err = observability.TraceJob(ctx, cj.Name(), "calendar", func(ctx context.Context) error {
		return cj.Run(ctx, s.clock())
	})
	outcome := OutcomeCompleted
	if err != nil {
		outcome = OutcomeFailed
	}
	s.metrics.RecordJob(ctx, cj.Name(), outcome, time.Since(start))
	return err
}

// Backoff возвращает min(maxBackoff, 2^attempts * base)
func (s *Scheduler) Backoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 30 {
		return s.config.MaxBackoff
	}
	d := s.config.BaseBackoff * time.Duration(1<<uint(attempts))
	if d > s.config.MaxBackoff || d <= 0 {
		return s.config.MaxBackoff
	}
	return d
}

// Start запускает цикл: тик сразу, затем по интервалу (реализация core.Lifecycle)
func (s *Scheduler) Start(ctx context.Context) error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.running {
		return nil
	}
	s.running = true
	s.stopCh = make(chan struct{})

	stopCh := s.stopCh
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(ctx, stopCh)
	}()

	s.logger.Info("scheduler started", "interval", s.config.Interval, "batch_size", s.config.BatchSize)
	return nil
}

// loop останавливается по Stop или отмене ctx; начатый тик доводится до конца
func (s *Scheduler) loop(ctx context.Context, stopCh <-chan struct{}) {
	tickCtx := context.WithoutCancel(ctx)
	s.Tick(tickCtx)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			// тик в отдельной горутине, чтобы затянувшийся тик приводил к пропуску следующего
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.Tick(tickCtx)
			}()
		}
	}
}

// Stop останавливает цикл и ждет завершения текущего тика (реализация core.Lifecycle)
func (s *Scheduler) Stop(ctx context.Context) error {
	s.stateMu.Lock()
	if !s.running {
		s.stateMu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	s.stateMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return core.Wrap(ctx.Err(), core.ErrTimeout, "scheduler stop timed out")
	}
}

// IsRunning проверяет статус (реализация core.Lifecycle)
func (s *Scheduler) IsRunning() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.running
}

// Name возвращает имя компонента (реализация core.Component)
func (s *Scheduler) Name() string {
	return "workflow-scheduler"
}

// Type возвращает тип компонента (реализация core.Component)
func (s *Scheduler) Type() core.ComponentType {
	return core.ComponentTypeWorker
}
