package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/akriventsev/fincore/framework/core"
)

// Store хранилище workflow jobs.
// Все переходы состояния условные: изменение применяется только если job
// все еще в ожидаемом статусе и версии, иначе возвращается false.
type Store interface {
	// Upsert вставляет job или, при совпадении dedupe_key, заменяет run_at/payload
	// существующей строки и возвращает ее в queued
	Upsert(ctx context.Context, job *Job) (*Job, error)
	Get(ctx context.Context, id string) (*Job, error)
	GetByDedupeKey(ctx context.Context, key string) (*Job, error)
	// DueJobs возвращает queued jobs с run_at <= now, старейшие первыми
	DueJobs(ctx context.Context, now time.Time, limit int) ([]*Job, error)
	// MarkRunning переводит queued -> running, если версия не изменилась
	MarkRunning(ctx context.Context, id string, version int64, now time.Time) (bool, error)
	Complete(ctx context.Context, id string, version int64, now time.Time) (bool, error)
	Retry(ctx context.Context, id string, version int64, attempts int, runAt time.Time, lastError string, now time.Time) (bool, error)
	Fail(ctx context.Context, id string, version int64, attempts int, lastError string, now time.Time) (bool, error)
	// CancelByDedupeKey переводит queued/running job с ключом в cancelled
	CancelByDedupeKey(ctx context.Context, key string, now time.Time) (int64, error)
}

// MemoryStore in-memory реализация Store
type MemoryStore struct {
	mu    sync.Mutex
	jobs  map[string]*Job
	byKey map[string]string
}

// NewMemoryStore создает in-memory хранилище
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:  make(map[string]*Job),
		byKey: make(map[string]string),
	}
}

// Upsert реализует Store
func (s *MemoryStore) Upsert(ctx context.Context, job *Job) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.DedupeKey != "" {
		if id, ok := s.byKey[job.DedupeKey]; ok {
			existing := s.jobs[id]
			existing.WorkflowType = job.WorkflowType
			existing.OrganizationID = job.OrganizationID
			existing.RunAt = job.RunAt
			existing.Payload = clonePayload(job.Payload)
			existing.MaxAttempts = job.MaxAttempts
			existing.Status = StatusQueued
			existing.Attempts = 0
			existing.LastError = ""
			existing.Version++
			existing.UpdatedAt = job.UpdatedAt
			return existing.Clone(), nil
		}
	}

	stored := job.Clone()
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	stored.Status = StatusQueued
	stored.Attempts = 0
	stored.Version = 1
	s.jobs[stored.ID] = stored
	if stored.DedupeKey != "" {
		s.byKey[stored.DedupeKey] = stored.ID
	}
	return stored.Clone(), nil
}

// Get реализует Store
func (s *MemoryStore) Get(ctx context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, core.NewError(core.ErrNotFound, fmt.Sprintf("job %s not found", id))
	}
	return job.Clone(), nil
}

// GetByDedupeKey реализует Store
func (s *MemoryStore) GetByDedupeKey(ctx context.Context, key string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byKey[key]
	if !ok {
		return nil, core.NewError(core.ErrNotFound, fmt.Sprintf("job with dedupe key %s not found", key))
	}
	return s.jobs[id].Clone(), nil
}

// DueJobs реализует Store
func (s *MemoryStore) DueJobs(ctx context.Context, now time.Time, limit int) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*Job
	for _, job := range s.jobs {
		if job.Status == StatusQueued && !job.RunAt.After(now) {
			due = append(due, job.Clone())
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].RunAt.Equal(due[j].RunAt) {
			return due[i].CreatedAt.Before(due[j].CreatedAt)
		}
		return due[i].RunAt.Before(due[j].RunAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// MarkRunning реализует Store
func (s *MemoryStore) MarkRunning(ctx context.Context, id string, version int64, now time.Time) (bool, error) {
	return s.transition(id, StatusQueued, version, now, func(j *Job) {
		j.Status = StatusRunning
	})
}

// Complete реализует Store
func (s *MemoryStore) Complete(ctx context.Context, id string, version int64, now time.Time) (bool, error) {
	return s.transition(id, StatusRunning, version, now, func(j *Job) {
		j.Status = StatusCompleted
		j.LastError = ""
	})
}

// Retry реализует Store
func (s *MemoryStore) Retry(ctx context.Context, id string, version int64, attempts int, runAt time.Time, lastError string, now time.Time) (bool, error) {
	return s.transition(id, StatusRunning, version, now, func(j *Job) {
		j.Status = StatusQueued
		j.Attempts = attempts
		j.RunAt = runAt
		j.LastError = lastError
	})
}

// Fail реализует Store
func (s *MemoryStore) Fail(ctx context.Context, id string, version int64, attempts int, lastError string, now time.Time) (bool, error) {
	return s.transition(id, StatusRunning, version, now, func(j *Job) {
		j.Status = StatusFailed
		j.Attempts = attempts
		j.LastError = lastError
	})
}

// CancelByDedupeKey реализует Store
func (s *MemoryStore) CancelByDedupeKey(ctx context.Context, key string, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byKey[key]
	if !ok {
		return 0, nil
	}
	job := s.jobs[id]
	if job.Status != StatusQueued && job.Status != StatusRunning {
		return 0, nil
	}
	job.Status = StatusCancelled
	job.Version++
	job.UpdatedAt = now
	return 1, nil
}

// Len возвращает число хранимых jobs
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

func (s *MemoryStore) transition(id string, from Status, version int64, now time.Time, apply func(*Job)) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || job.Status != from || job.Version != version {
		return false, nil
	}
	apply(job)
	job.Version++
	job.UpdatedAt = now
	return true, nil
}
