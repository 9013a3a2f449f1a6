package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ContentItem is a post or a reply. Replies carry a ParentID and form a tree
// rooted at a post. AuthorID is nil for anonymous content.
type ContentItem struct {
	ID             string          `json:"id" db:"id"`
	AuthorID       *string         `json:"author_id,omitempty" db:"author_id"`
	Body           string          `json:"body" db:"body"`
	PrincipalStake decimal.Decimal `json:"principal_stake" db:"principal_stake"`
	DonatedValue   decimal.Decimal `json:"donated_value" db:"donated_value"`
	TotalValue     decimal.Decimal `json:"total_value" db:"total_value"`         // undecayed, ranking by total spend
	EffectiveValue decimal.Decimal `json:"effective_value" db:"effective_value"` // decayed, ranking by current worth
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	LastDonationAt *time.Time      `json:"last_donation_at,omitempty" db:"last_donation_at"`
	ExpiresAt      *time.Time      `json:"expires_at,omitempty" db:"expires_at"` // nil = never expires
	ParentID       *string         `json:"parent_id,omitempty" db:"parent_id"`
	ArchivedAt     *time.Time      `json:"archived_at,omitempty" db:"archived_at"`
}

// Donation is an append-only record of credits contributed to a content item
// after creation. The newest donation's timestamp anchors the decay clock for
// the donated-value component.
type Donation struct {
	ID        string          `json:"id" db:"id"`
	ContentID string          `json:"content_id" db:"content_id"`
	DonorID   *string         `json:"donor_id,omitempty" db:"donor_id"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// Reaction is an emoji tip against a content item. At most one row exists per
// (account, content, emoji); repeat tips increment TippedTotal.
type Reaction struct {
	ID          string          `json:"id" db:"id"`
	ContentID   string          `json:"content_id" db:"content_id"`
	AccountID   string          `json:"account_id" db:"account_id"`
	Emoji       string          `json:"emoji" db:"emoji"`
	TippedTotal decimal.Decimal `json:"tipped_total" db:"tipped_total"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}
