// Package ledger ведет записи главной книги, порождаемые доменными событиями.
package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/akriventsev/fincore/framework/core"
)

// EntryType направление записи
type EntryType string

const (
	Credit EntryType = "credit"
	Debit  EntryType = "debit"
)

// Entry запись главной книги. Пара (SourceType, SourceID) уникальна:
// повторная доставка события не порождает вторую запись.
type Entry struct {
	ID             string
	OrganizationID string
	SourceType     string
	SourceID       string
	EntryType      EntryType
	AmountCents    int64
	Currency       string
	Description    string
	OccurredAt     time.Time
	Reconciled     bool
}

// Validate проверяет запись
func (e Entry) Validate() error {
	switch {
	case e.OrganizationID == "":
		return core.NewError(core.ErrValidation, "ledger entry requires organization_id")
	case e.SourceType == "" || e.SourceID == "":
		return core.NewError(core.ErrValidation, "ledger entry requires source_type and source_id")
	case e.EntryType != Credit && e.EntryType != Debit:
		return core.NewError(core.ErrValidation, fmt.Sprintf("unknown entry type %q", e.EntryType))
	case e.AmountCents <= 0:
		return core.NewError(core.ErrValidation, "ledger entry amount must be positive").
			WithDetail("amount_cents", e.AmountCents)
	}
	return nil
}

// Repository хранилище записей
type Repository interface {
	// Upsert вставляет запись; существующая запись с тем же источником не меняется.
	// Возвращает true, если запись создана.
	Upsert(ctx context.Context, entry Entry) (bool, error)
	// MarkReconciled отмечает запись источника сверенной
	MarkReconciled(ctx context.Context, sourceType, sourceID string) (bool, error)
	// CountUnreconciled считает несверенные записи организации в [start, end)
	CountUnreconciled(ctx context.Context, organizationID string, start, end time.Time) (int, error)
	// Organizations возвращает организации, у которых есть записи
	Organizations(ctx context.Context) ([]string, error)
}

// MemoryRepository in-memory реализация Repository
type MemoryRepository struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewMemoryRepository создает in-memory репозиторий
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{entries: make(map[string]*Entry)}
}

func sourceKey(sourceType, sourceID string) string {
	return sourceType + "/" + sourceID
}

// Upsert реализует Repository
func (r *MemoryRepository) Upsert(ctx context.Context, entry Entry) (bool, error) {
	if err := entry.Validate(); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key := sourceKey(entry.SourceType, entry.SourceID)
	if _, exists := r.entries[key]; exists {
		return false, nil
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	r.entries[key] = &entry
	return true, nil
}

// MarkReconciled реализует Repository
func (r *MemoryRepository) MarkReconciled(ctx context.Context, sourceType, sourceID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[sourceKey(sourceType, sourceID)]
	if !ok || e.Reconciled {
		return false, nil
	}
	e.Reconciled = true
	return true, nil
}

// CountUnreconciled реализует Repository
func (r *MemoryRepository) CountUnreconciled(ctx context.Context, organizationID string, start, end time.Time) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.entries {
		if e.OrganizationID == organizationID && !e.Reconciled &&
			!e.OccurredAt.Before(start) && e.OccurredAt.Before(end) {
			n++
		}
	}
	return n, nil
}

// Organizations реализует Repository
func (r *MemoryRepository) Organizations(ctx context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, e := range r.entries {
		seen[e.OrganizationID] = struct{}{}
	}
	orgs := make([]string, 0, len(seen))
	for org := range seen {
		orgs = append(orgs, org)
	}
	sort.Strings(orgs)
	return orgs, nil
}

// Get возвращает запись по источнику
func (r *MemoryRepository) Get(sourceType, sourceID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[sourceKey(sourceType, sourceID)]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Len возвращает число записей
func (r *MemoryRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
