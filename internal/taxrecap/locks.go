package taxrecap

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// LockStatus итог подведения периода
type LockStatus string

const (
	// StatusLocked период закрыт, все записи сверены
	StatusLocked LockStatus = "locked"
	// StatusBlocked закрытие заблокировано несверенными записями
	StatusBlocked LockStatus = "blocked"
)

// Lock запись о подведении налогового периода организации
type Lock struct {
	OrganizationID    string
	Period            string
	PeriodStart       time.Time
	PeriodEnd         time.Time
	Status            LockStatus
	UnreconciledCount int
	CreatedAt         time.Time
}

// LockRepository хранилище блокировок периодов.
// На пару (organization_id, period) существует не более одной записи.
type LockRepository interface {
	Exists(ctx context.Context, organizationID, period string) (bool, error)
	// Create вставляет запись; false, если запись для периода уже есть
	Create(ctx context.Context, lock Lock) (bool, error)
}

// MemoryLockRepository in-memory реализация LockRepository
type MemoryLockRepository struct {
	mu    sync.Mutex
	locks map[string]Lock
}

// NewMemoryLockRepository создает in-memory хранилище
func NewMemoryLockRepository() *MemoryLockRepository {
	return &MemoryLockRepository{locks: make(map[string]Lock)}
}

func lockKey(organizationID, period string) string {
	return organizationID + "|" + period
}

// Exists реализует LockRepository
func (r *MemoryLockRepository) Exists(ctx context.Context, organizationID, period string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.locks[lockKey(organizationID, period)]
	return ok, nil
}

// Create реализует LockRepository
func (r *MemoryLockRepository) Create(ctx context.Context, lock Lock) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := lockKey(lock.OrganizationID, lock.Period)
	if _, ok := r.locks[key]; ok {
		return false, nil
	}
	r.locks[key] = lock
	return true, nil
}

// Get возвращает запись периода
func (r *MemoryLockRepository) Get(organizationID, period string) (Lock, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[lockKey(organizationID, period)]
	return l, ok
}

// Len возвращает число записей
func (r *MemoryLockRepository) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}

// DB подмножество pgx, которому удовлетворяют *pgxpool.Pool и pgx.Tx
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresLockRepository реализация LockRepository на таблице tax_period_locks
type PostgresLockRepository struct {
	db DB
}

// NewPostgresLockRepository создает PostgreSQL хранилище
func NewPostgresLockRepository(db DB) *PostgresLockRepository {
	return &PostgresLockRepository{db: db}
}

// Exists реализует LockRepository
func (r *PostgresLockRepository) Exists(ctx context.Context, organizationID, period string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM tax_period_locks WHERE organization_id = $1 AND period = $2)`,
		organizationID, period).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check tax period lock: %w", err)
	}
	return exists, nil
}

// Create реализует LockRepository
func (r *PostgresLockRepository) Create(ctx context.Context, lock Lock) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		INSERT INTO tax_period_locks (organization_id, period, period_start, period_end, status, unreconciled_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (organization_id, period) DO NOTHING`,
		lock.OrganizationID, lock.Period, lock.PeriodStart, lock.PeriodEnd, string(lock.Status),
		lock.UnreconciledCount, lock.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to create tax period lock: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
