package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transaction kinds recorded against the ledger.
const (
	TxKindContentStake   = "CONTENT_STAKE"
	TxKindCharacterCost  = "CHARACTER_COST"
	TxKindProtocolFee    = "PROTOCOL_FEE"
	TxKindDonation       = "DONATION"
	TxKindTipSpend       = "TIP_SPEND"
	TxKindTipAuthor      = "TIP_AUTHOR"
	TxKindTipAncestor    = "TIP_ANCESTOR"
	TxKindTipFee         = "TIP_FEE"
	TxKindReactionCost   = "REACTION_COST"
	TxKindReclaim        = "RECLAIM"
	TxKindAccrualCollect = "ACCRUAL_COLLECT"
	TxKindCollectionFee  = "COLLECTION_FEE"
)

// TransactionEntry is the immutable per-account audit row for one balance
// mutation. Corrections are compensating entries, never edits.
type TransactionEntry struct {
	ID            int64           `json:"id" db:"id"`
	AccountID     string          `json:"account_id" db:"account_id"`
	Kind          string          `json:"kind" db:"kind"`
	Amount        decimal.Decimal `json:"amount" db:"amount"` // signed
	BalanceBefore decimal.Decimal `json:"balance_before" db:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after" db:"balance_after"`
	Metadata      Metadata        `json:"metadata,omitempty" db:"metadata"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// Metadata is free-form structured context stored alongside a transaction entry.
type Metadata map[string]any

// BurnRecord marks permanent removal of credits from circulating supply.
// Exactly one is written for every credit-destroying operation.
type BurnRecord struct {
	ID            int64           `json:"id" db:"id"`
	AccountID     string          `json:"account_id" db:"account_id"`
	Amount        decimal.Decimal `json:"amount" db:"amount"`
	Action        string          `json:"action" db:"action"`
	BalanceBefore decimal.Decimal `json:"balance_before" db:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after" db:"balance_after"`
	SnapshotID    *int64          `json:"snapshot_id,omitempty" db:"snapshot_id"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// SupplySnapshot is one row of the append-with-carry-forward supply sequence.
// Invariant: Circulating = TotalIssued - TotalBurned.
type SupplySnapshot struct {
	ID          int64           `json:"id" db:"id"`
	TotalIssued decimal.Decimal `json:"total_issued" db:"total_issued"`
	TotalBurned decimal.Decimal `json:"total_burned" db:"total_burned"`
	Circulating decimal.Decimal `json:"circulating" db:"circulating"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}
