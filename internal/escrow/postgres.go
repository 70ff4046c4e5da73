package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/akriventsev/fincore/framework/core"
)

// DB подмножество pgxpool.Pool, нужное репозиторию
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository реализация Repository на таблицах escrow_*
type PostgresRepository struct {
	db DB
}

// NewPostgresRepository создает PostgreSQL репозиторий escrow
func NewPostgresRepository(db DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// GetTransaction реализует Repository
func (r *PostgresRepository) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	var (
		t           Transaction
		status      string
		milestoneID *string
	)
	err := r.db.QueryRow(ctx, `
		SELECT id, account_id, organization_id, milestone_id, amount_cents, currency, status,
			release_requested_at, released_at
		FROM escrow_transactions WHERE id = $1`, id).
		Scan(&t.ID, &t.AccountID, &t.OrganizationID, &milestoneID, &t.AmountCents, &t.Currency,
			&status, &t.ReleaseRequestedAt, &t.ReleasedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.NewError(core.ErrNotFound, fmt.Sprintf("escrow transaction %s not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load escrow transaction: %w", err)
	}
	t.Status = Status(status)
	if milestoneID != nil {
		t.MilestoneID = *milestoneID
	}
	return &t, nil
}

// GetAccount реализует Repository
func (r *PostgresRepository) GetAccount(ctx context.Context, id string) (*Account, error) {
	var a Account
	err := r.db.QueryRow(ctx, `
		SELECT id, organization_id, currency, held_cents, released_cents
		FROM escrow_accounts WHERE id = $1`, id).
		Scan(&a.ID, &a.OrganizationID, &a.Currency, &a.HeldCents, &a.ReleasedCents)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.NewError(core.ErrNotFound, fmt.Sprintf("escrow account %s not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load escrow account: %w", err)
	}
	return &a, nil
}

// HasOpenDispute реализует Repository
func (r *PostgresRepository) HasOpenDispute(ctx context.Context, transactionID string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM escrow_disputes WHERE transaction_id = $1 AND status = 'open')`,
		transactionID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check disputes: %w", err)
	}
	return exists, nil
}

var releasedStatus, _ = Lifecycle.Next(StatusReleaseRequested, ActionRelease)

// Release реализует Repository в одной транзакции БД.
// Условие на статус и отсутствие спора проверяется тем же UPDATE, что меняет статус.
func (r *PostgresRepository) Release(ctx context.Context, params ReleaseParams) (result *ReleaseResult, err error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil || result == nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var (
		t           Transaction
		milestoneID *string
	)
	err = tx.QueryRow(ctx, `
		UPDATE escrow_transactions t
		SET status = $4, released_at = $2, updated_at = $2
		WHERE t.id = $1 AND t.status = $3
			AND NOT EXISTS (
				SELECT 1 FROM escrow_disputes d WHERE d.transaction_id = t.id AND d.status = 'open'
			)
		RETURNING t.id, t.account_id, t.organization_id, t.milestone_id, t.amount_cents, t.currency,
			t.release_requested_at, t.released_at`,
		params.TransactionID, params.ReleasedAt, string(StatusReleaseRequested), string(releasedStatus)).
		Scan(&t.ID, &t.AccountID, &t.OrganizationID, &milestoneID, &t.AmountCents, &t.Currency,
			&t.ReleaseRequestedAt, &t.ReleasedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to release escrow transaction: %w", err)
	}
	t.Status = releasedStatus
	if milestoneID != nil {
		t.MilestoneID = *milestoneID
	}

	a := Account{ID: t.AccountID}
	err = tx.QueryRow(ctx, `
		UPDATE escrow_accounts
		SET held_cents = held_cents - $2, released_cents = released_cents + $2, updated_at = $3
		WHERE id = $1 AND held_cents >= $2
		RETURNING organization_id, currency, held_cents, released_cents`,
		t.AccountID, t.AmountCents, params.ReleasedAt).
		Scan(&a.OrganizationID, &a.Currency, &a.HeldCents, &a.ReleasedCents)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.NewError(core.ErrValidation, "escrow held balance is lower than release amount").
			WithDetail("account_id", t.AccountID).
			WithDetail("amount_cents", t.AmountCents)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to move escrow balance: %w", err)
	}

	if t.MilestoneID != "" {
		if _, err = tx.Exec(ctx, `
			UPDATE escrow_milestones SET status = 'released', released_at = $2 WHERE id = $1`,
			t.MilestoneID, params.ReleasedAt); err != nil {
			return nil, fmt.Errorf("failed to update milestone: %w", err)
		}
	}

	if _, err = tx.Exec(ctx, `
		INSERT INTO escrow_activities (id, account_id, transaction_id, organization_id, action, amount_cents, actor, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		uuid.New().String(), t.AccountID, t.ID, t.OrganizationID, ActionAutoReleased, t.AmountCents,
		actorOrDefault(params.Actor), params.ReleasedAt); err != nil {
		return nil, fmt.Errorf("failed to append escrow activity: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit escrow release: %w", err)
	}
	return &ReleaseResult{Transaction: t, Account: a}, nil
}
