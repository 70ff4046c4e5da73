// Package escrow содержит модель escrow и сагу автоматического release.
package escrow

import (
	"time"

	"github.com/akriventsev/fincore/framework/fsm"
)

// Status статус escrow транзакции
type Status string

const (
	StatusFunded           Status = "funded"
	StatusReleaseRequested Status = "release_requested"
	StatusReleased         Status = "released"
	StatusDisputed         Status = "disputed"
	StatusRefunded         Status = "refunded"
)

// Action действие, меняющее статус escrow транзакции
type Action string

const (
	ActionRequestRelease Action = "request_release"
	ActionRelease        Action = "release"
	ActionDispute        Action = "dispute"
	ActionResolve        Action = "resolve"
	ActionRefund         Action = "refund"
)

// Lifecycle допустимые переходы статуса escrow транзакции.
// Released и refunded конечные.
var Lifecycle = fsm.New[Status, Action]("escrow_transaction").
	Allow(StatusFunded, ActionRequestRelease, StatusReleaseRequested).
	Allow(StatusReleaseRequested, ActionRelease, StatusReleased).
	Allow(StatusFunded, ActionDispute, StatusDisputed).
	Allow(StatusReleaseRequested, ActionDispute, StatusDisputed).
	Allow(StatusDisputed, ActionResolve, StatusFunded).
	Allow(StatusDisputed, ActionRefund, StatusRefunded).
	Allow(StatusFunded, ActionRefund, StatusRefunded)

// Статусы milestone и dispute
const (
	MilestonePending  = "pending"
	MilestoneReleased = "released"
	DisputeOpen       = "open"
	DisputeResolved   = "resolved"
)

// ActionAutoReleased действие в журнале активности при автоматическом release
const ActionAutoReleased = "auto_released"

// Account escrow счет организации
type Account struct {
	ID             string
	OrganizationID string
	Currency       string
	HeldCents      int64
	ReleasedCents  int64
}

// Milestone этап, оплачиваемый из escrow
type Milestone struct {
	ID          string
	AccountID   string
	Title       string
	AmountCents int64
	Status      string
	ReleasedAt  *time.Time
}

// Transaction движение средств по escrow счету
type Transaction struct {
	ID                 string
	AccountID          string
	OrganizationID     string
	MilestoneID        string
	AmountCents        int64
	Currency           string
	Status             Status
	ReleaseRequestedAt *time.Time
	ReleasedAt         *time.Time
}

// Dispute спор по транзакции
type Dispute struct {
	ID            string
	TransactionID string
	Status        string
	Reason        string
	OpenedAt      time.Time
	ResolvedAt    *time.Time
}

// Activity запись журнала активности escrow счета
type Activity struct {
	ID             string
	AccountID      string
	TransactionID  string
	OrganizationID string
	Action         string
	AmountCents    int64
	Actor          string
	OccurredAt     time.Time
}

// ReleaseParams параметры release транзакции
type ReleaseParams struct {
	TransactionID string
	ReleasedAt    time.Time
	Actor         string
}

// ReleaseResult итог успешного release
type ReleaseResult struct {
	Transaction Transaction
	Account     Account
}
