package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/akriventsev/fincore/framework/core"
)

// Store атомарный счетчик с временем жизни
type Store interface {
	// Increment увеличивает счетчик ключа и возвращает значение после инкремента.
	// TTL устанавливается при создании ключа.
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// Shared сообщает, разделяется ли счетчик между репликами
	Shared() bool
}

type memoryEntry struct {
	count     int64
	expiresAt time.Time
}

// MemoryStore хранилище счетчиков в памяти процесса
type MemoryStore struct {
	entries   map[string]*memoryEntry
	mu        sync.Mutex
	clock     core.Clock
	nextSweep time.Time
}

// sweepInterval период очистки просроченных ключей
const sweepInterval = time.Minute

// NewMemoryStore создает хранилище в памяти
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memoryEntry),
		clock:   core.SystemClock,
	}
}

// WithClock устанавливает источник времени
func (s *MemoryStore) WithClock(clock core.Clock) *MemoryStore {
	s.clock = clock.OrDefault()
	return s
}

// Increment увеличивает счетчик под мьютексом
func (s *MemoryStore) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	now := s.clock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if now.After(s.nextSweep) {
		for k, e := range s.entries {
			if !now.Before(e.expiresAt) {
				delete(s.entries, k)
			}
		}
		s.nextSweep = now.Add(sweepInterval)
	}

	e, ok := s.entries[key]
	if !ok || !now.Before(e.expiresAt) {
		e = &memoryEntry{expiresAt: now.Add(ttl)}
		s.entries[key] = e
	}
	e.count++
	return e.count, nil
}

// Shared всегда false: счетчики локальны для процесса
func (s *MemoryStore) Shared() bool {
	return false
}

// Len возвращает количество живых ключей (для тестирования)
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
