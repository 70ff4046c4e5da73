package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB подмножество pgx, которому удовлетворяют *pgxpool.Pool и pgx.Tx
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository реализация Repository на таблице ledger_entries
type PostgresRepository struct {
	db DB
}

// NewPostgresRepository создает PostgreSQL репозиторий
func NewPostgresRepository(db DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Upsert реализует Repository
func (r *PostgresRepository) Upsert(ctx context.Context, entry Entry) (bool, error) {
	if err := entry.Validate(); err != nil {
		return false, err
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	tag, err := r.db.Exec(ctx, `
		INSERT INTO ledger_entries (id, organization_id, source_type, source_id, entry_type, amount_cents,
			currency, description, occurred_at, reconciled)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (source_type, source_id) DO NOTHING`,
		entry.ID, entry.OrganizationID, entry.SourceType, entry.SourceID, string(entry.EntryType),
		entry.AmountCents, entry.Currency, entry.Description, entry.OccurredAt, entry.Reconciled)
	if err != nil {
		return false, fmt.Errorf("failed to upsert ledger entry: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkReconciled реализует Repository
func (r *PostgresRepository) MarkReconciled(ctx context.Context, sourceType, sourceID string) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE ledger_entries SET reconciled = true, updated_at = now()
		WHERE source_type = $1 AND source_id = $2 AND NOT reconciled`, sourceType, sourceID)
	if err != nil {
		return false, fmt.Errorf("failed to reconcile ledger entry: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CountUnreconciled реализует Repository
func (r *PostgresRepository) CountUnreconciled(ctx context.Context, organizationID string, start, end time.Time) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, `
		SELECT count(*) FROM ledger_entries
		WHERE organization_id = $1 AND NOT reconciled AND occurred_at >= $2 AND occurred_at < $3`,
		organizationID, start, end).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count unreconciled entries: %w", err)
	}
	return n, nil
}

// Organizations реализует Repository
func (r *PostgresRepository) Organizations(ctx context.Context) ([]string, error) {
	rows, err := r.db.Query(ctx, `SELECT DISTINCT organization_id FROM ledger_entries ORDER BY organization_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list organizations: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}
