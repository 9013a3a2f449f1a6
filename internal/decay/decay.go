// Package decay implements the time-decay valuation math for content items.
// Everything here is a pure function of its inputs: no I/O, no shared state.
// Intermediate math runs in float64; every result that can touch a balance is
// rounded to the ledger scale before it leaves this package.
package decay

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// LedgerScale is the fixed number of fractional digits carried by every
// monetary quantity in the ledger.
const LedgerScale = 8

// Params holds the configured decay constants.
type Params struct {
	Lambda            float64 // per-second decay constant
	GracePeriod       time.Duration
	MaxLifespan       time.Duration
	MinEffectiveValue decimal.Decimal
}

// Reclaimable is the portion of a content item's value its author may
// withdraw back into spendable balance.
type Reclaimable struct {
	StakePortion    decimal.Decimal `json:"stake_portion"`
	DonationPortion decimal.Decimal `json:"donation_portion"`
	Total           decimal.Decimal `json:"total"`
}

// EffectiveValue computes the decayed worth of a content item:
// principal decays from creation, donations decay from the most recent
// donation (or creation when none exists). Floored at zero.
func (p Params) EffectiveValue(principal, donated decimal.Decimal, createdAt time.Time, lastDonationAt *time.Time, now time.Time) decimal.Decimal {
	if principal.IsZero() && donated.IsZero() {
		return decimal.Zero
	}

	donationAnchor := createdAt
	if lastDonationAt != nil {
		donationAnchor = *lastDonationAt
	}

	stakeTerm := decayTerm(principal, createdAt, now, p.Lambda)
	donationTerm := decayTerm(donated, donationAnchor, now, p.Lambda)

	value := Round(stakeTerm + donationTerm)
	if value.IsNegative() {
		return decimal.Zero
	}
	return value
}

// ExpirationTime solves for the instant the combined value decays below the
// configured minimum. Zero-value content expires after the grace period.
// A nil result means the item never expires under current parameters.
func (p Params) ExpirationTime(principal, donated decimal.Decimal, createdAt, now time.Time) *time.Time {
	combined := principal.Add(donated)
	if combined.Sign() <= 0 {
		t := createdAt.Add(p.GracePeriod)
		return &t
	}

	minValue := p.MinEffectiveValue.InexactFloat64()
	if minValue <= 0 || p.Lambda <= 0 {
		return nil
	}

	ratio := combined.InexactFloat64() / minValue
	if ratio <= 1 {
		// Already at or below the threshold.
		t := now
		return &t
	}

	lifespan := time.Duration(math.Log(ratio) / p.Lambda * float64(time.Second))
	if lifespan > p.MaxLifespan {
		lifespan = p.MaxLifespan
	}

	t := createdAt.Add(lifespan)
	return &t
}

// ReclaimableStake applies the two decay terms independently and reports how
// much of the stake and donated value the author may withdraw.
func (p Params) ReclaimableStake(principal, donated decimal.Decimal, createdAt time.Time, lastDonationAt *time.Time, now time.Time) Reclaimable {
	donationAnchor := createdAt
	if lastDonationAt != nil {
		donationAnchor = *lastDonationAt
	}

	stake := Round(decayTerm(principal, createdAt, now, p.Lambda))
	donation := Round(decayTerm(donated, donationAnchor, now, p.Lambda))
	if stake.IsNegative() {
		stake = decimal.Zero
	}
	if donation.IsNegative() {
		donation = decimal.Zero
	}

	return Reclaimable{
		StakePortion:    stake,
		DonationPortion: donation,
		Total:           stake.Add(donation),
	}
}

// FormatTimeRemaining renders the time left until expiry for display.
// Deterministic given now; presentation only.
func FormatTimeRemaining(expiresAt *time.Time, now time.Time) string {
	if expiresAt == nil {
		return "never"
	}
	remaining := expiresAt.Sub(now)
	if remaining <= 0 {
		return "expired"
	}
	switch {
	case remaining >= 48*time.Hour:
		return fmt.Sprintf("%dd", int(remaining.Hours()/24))
	case remaining >= time.Hour:
		return fmt.Sprintf("%dh", int(remaining.Hours()))
	case remaining >= time.Minute:
		return fmt.Sprintf("%dm", int(remaining.Minutes()))
	default:
		return "less than a minute"
	}
}

// Round normalizes a float intermediate to the ledger scale.
func Round(value float64) decimal.Decimal {
	return decimal.NewFromFloat(value).Round(LedgerScale)
}

func decayTerm(amount decimal.Decimal, anchor, now time.Time, lambda float64) float64 {
	if amount.Sign() <= 0 {
		return 0
	}
	elapsed := now.Sub(anchor).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	return amount.InexactFloat64() * math.Exp(-lambda*elapsed)
}
