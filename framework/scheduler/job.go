// Package scheduler предоставляет опрашивающий планировщик workflow jobs
// с дедупликацией по ключу, retry с экспоненциальным backoff и календарными задачами.
package scheduler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/akriventsev/fincore/framework/core"
)

// Status статус workflow job
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal сообщает, является ли статус конечным
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// DefaultMaxAttempts число попыток по умолчанию
const DefaultMaxAttempts = 5

// Job отложенная единица работы саги
type Job struct {
	ID             string                 `json:"id"`
	WorkflowType   string                 `json:"workflow_type"`
	OrganizationID string                 `json:"organization_id"`
	RunAt          time.Time              `json:"run_at"`
	Status         Status                 `json:"status"`
	Attempts       int                    `json:"attempts"`
	MaxAttempts    int                    `json:"max_attempts"`
	Payload        map[string]interface{} `json:"payload"`
	DedupeKey      string                 `json:"dedupe_key,omitempty"`
	LastError      string                 `json:"last_error,omitempty"`
	Version        int64                  `json:"version"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
}

// Clone возвращает глубокую копию job
func (j *Job) Clone() *Job {
	c := *j
	if j.Payload != nil {
		c.Payload = clonePayload(j.Payload)
	}
	return &c
}

// PayloadString возвращает строковое поле payload
func (j *Job) PayloadString(key string) string {
	if v, ok := j.Payload[key].(string); ok {
		return v
	}
	return ""
}

// ScheduleParams параметры постановки job
type ScheduleParams struct {
	WorkflowType   string
	OrganizationID string
	RunAt          time.Time
	Payload        map[string]interface{}
	DedupeKey      string
	MaxAttempts    int
}

// Validate проверяет параметры
func (p ScheduleParams) Validate() error {
	if p.WorkflowType == "" {
		return core.NewError(core.ErrValidation, "workflow_type is required")
	}
	if p.MaxAttempts < 0 {
		return core.NewError(core.ErrValidation, "max_attempts cannot be negative")
	}
	return nil
}

// Handler обработчик workflow job
type Handler interface {
	Handle(ctx context.Context, job *Job) error
}

// HandlerFunc функция-обработчик
type HandlerFunc func(ctx context.Context, job *Job) error

// Handle реализует Handler
func (f HandlerFunc) Handle(ctx context.Context, job *Job) error {
	return f(ctx, job)
}

// JobScheduler постановка и отмена jobs; реализуется Scheduler
type JobScheduler interface {
	ScheduleJob(ctx context.Context, params ScheduleParams) (*Job, error)
	CancelJobByDedupeKey(ctx context.Context, key string) (int64, error)
}

// CalendarJob задача, выполняемая на каждом тике и сама решающая, наступила ли ее дата
type CalendarJob interface {
	Name() string
	Run(ctx context.Context, now time.Time) error
}

func clonePayload(p map[string]interface{}) map[string]interface{} {
	data, err := json.Marshal(p)
	if err != nil {
		out := make(map[string]interface{}, len(p))
		for k, v := range p {
			out[k] = v
		}
		return out
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return p
	}
	return out
}
