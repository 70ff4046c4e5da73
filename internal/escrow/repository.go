package escrow

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/akriventsev/fincore/framework/core"
)

// Repository хранилище escrow.
// Release атомарен: статус транзакции, балансы счета, milestone и журнал
// меняются вместе либо не меняются вовсе.
type Repository interface {
	GetTransaction(ctx context.Context, id string) (*Transaction, error)
	GetAccount(ctx context.Context, id string) (*Account, error)
	HasOpenDispute(ctx context.Context, transactionID string) (bool, error)
	// Release переводит release_requested -> released при отсутствии открытого спора.
	// Возвращает nil без ошибки, если условия уже не выполняются.
	Release(ctx context.Context, params ReleaseParams) (*ReleaseResult, error)
}

// MemoryRepository in-memory реализация Repository
type MemoryRepository struct {
	mu           sync.Mutex
	accounts     map[string]*Account
	milestones   map[string]*Milestone
	transactions map[string]*Transaction
	disputes     map[string]*Dispute
	activities   []Activity
}

// NewMemoryRepository создает in-memory репозиторий
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		accounts:     make(map[string]*Account),
		milestones:   make(map[string]*Milestone),
		transactions: make(map[string]*Transaction),
		disputes:     make(map[string]*Dispute),
	}
}

// SaveAccount сохраняет счет
func (r *MemoryRepository) SaveAccount(a Account) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accounts[a.ID] = &a
}

// SaveMilestone сохраняет milestone
func (r *MemoryRepository) SaveMilestone(m Milestone) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.milestones[m.ID] = &m
}

// SaveTransaction сохраняет транзакцию
func (r *MemoryRepository) SaveTransaction(t Transaction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transactions[t.ID] = &t
}

// SaveDispute сохраняет спор
func (r *MemoryRepository) SaveDispute(d Dispute) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disputes[d.ID] = &d
}

// GetTransaction реализует Repository
func (r *MemoryRepository) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.transactions[id]
	if !ok {
		return nil, core.NewError(core.ErrNotFound, fmt.Sprintf("escrow transaction %s not found", id))
	}
	c := *t
	return &c, nil
}

// GetAccount реализует Repository
func (r *MemoryRepository) GetAccount(ctx context.Context, id string) (*Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[id]
	if !ok {
		return nil, core.NewError(core.ErrNotFound, fmt.Sprintf("escrow account %s not found", id))
	}
	c := *a
	return &c, nil
}

// Milestone возвращает milestone по id
func (r *MemoryRepository) Milestone(id string) (Milestone, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.milestones[id]
	if !ok {
		return Milestone{}, false
	}
	return *m, true
}

// Activities возвращает журнал активности счета
func (r *MemoryRepository) Activities(accountID string) []Activity {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Activity
	for _, a := range r.activities {
		if a.AccountID == accountID {
			out = append(out, a)
		}
	}
	return out
}

// HasOpenDispute реализует Repository
func (r *MemoryRepository) HasOpenDispute(ctx context.Context, transactionID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hasOpenDispute(transactionID), nil
}

func (r *MemoryRepository) hasOpenDispute(transactionID string) bool {
	for _, d := range r.disputes {
		if d.TransactionID == transactionID && d.Status == DisputeOpen {
			return true
		}
	}
	return false
}

// Release реализует Repository
func (r *MemoryRepository) Release(ctx context.Context, params ReleaseParams) (*ReleaseResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, ok := r.transactions[params.TransactionID]
	if !ok || r.hasOpenDispute(tx.ID) {
		return nil, nil
	}
	next, err := Lifecycle.Next(tx.Status, ActionRelease)
	if err != nil {
		// статус уже сменился, release не применяется
		return nil, nil
	}
	account, ok := r.accounts[tx.AccountID]
	if !ok {
		return nil, core.NewError(core.ErrNotFound, fmt.Sprintf("escrow account %s not found", tx.AccountID))
	}
	if account.HeldCents < tx.AmountCents {
		return nil, core.NewError(core.ErrValidation, "escrow held balance is lower than release amount").
			WithDetail("account_id", account.ID).
			WithDetail("held_cents", account.HeldCents).
			WithDetail("amount_cents", tx.AmountCents)
	}

	releasedAt := params.ReleasedAt
	account.HeldCents -= tx.AmountCents
	account.ReleasedCents += tx.AmountCents
	tx.Status = next
	tx.ReleasedAt = &releasedAt
	if m, ok := r.milestones[tx.MilestoneID]; ok {
		m.Status = MilestoneReleased
		m.ReleasedAt = &releasedAt
	}
	r.activities = append(r.activities, Activity{
		ID:             uuid.New().String(),
		AccountID:      account.ID,
		TransactionID:  tx.ID,
		OrganizationID: tx.OrganizationID,
		Action:         ActionAutoReleased,
		AmountCents:    tx.AmountCents,
		Actor:          actorOrDefault(params.Actor),
		OccurredAt:     releasedAt,
	})
	return &ReleaseResult{Transaction: *tx, Account: *account}, nil
}

func actorOrDefault(actor string) string {
	if actor == "" {
		return "system"
	}
	return actor
}
