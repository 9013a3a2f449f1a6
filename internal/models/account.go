package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account holds a participant's spendable credit balance plus lifetime accrual
// metrics. Balance is only ever mutated by the ledger service.
type Account struct {
	ID                string          `json:"id" db:"id"`
	Balance           decimal.Decimal `json:"balance" db:"balance"`
	LifetimeAllocated decimal.Decimal `json:"lifetime_allocated" db:"lifetime_allocated"`
	LifetimeCollected decimal.Decimal `json:"lifetime_collected" db:"lifetime_collected"`
	CollectionCount   int64           `json:"collection_count" db:"collection_count"`
	LastAccrualAt     time.Time       `json:"last_accrual_at" db:"last_accrual_at"`
	Version           int             `json:"version" db:"version"` // for optimistic locking
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at" db:"updated_at"`
}
