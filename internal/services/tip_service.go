package services

import (
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/emberboard/backend/internal/config"
	"github.com/emberboard/backend/internal/decay"
	"github.com/emberboard/backend/internal/models"
)

// TipService splits inbound emoji tips across the content author, the reply's
// ancestor chain and the protocol burn sink, delegating every transfer to the
// ledger inside one unit of work.
type TipService struct {
	db        *sql.DB
	ledger    *LedgerService
	content   *ContentService
	refresher RefreshDispatcher
	validator *ValidationHelper
	economy   *config.EconomyConfig
}

func NewTipService(db *sql.DB, ledger *LedgerService, content *ContentService, refresher RefreshDispatcher, economy *config.EconomyConfig) *TipService {
	return &TipService{
		db:        db,
		ledger:    ledger,
		content:   content,
		refresher: refresher,
		validator: NewValidationHelper(),
		economy:   economy,
	}
}

// TipSplit is the computed partition of a gross tip.
type TipSplit struct {
	SystemFee        decimal.Decimal
	AuthorShare      decimal.Decimal
	AncestorPool     decimal.Decimal
	PerAncestorShare decimal.Decimal
	AncestorCount    int
}

// Distributed is the portion that actually leaves the tipper as transfers.
func (t TipSplit) Distributed() decimal.Decimal {
	return t.AuthorShare.Add(t.PerAncestorShare.Mul(decimal.NewFromInt(int64(t.AncestorCount))))
}

// SplitTip partitions a gross tip by the configured rates. The rates need not
// sum to one; with zero ancestors the ancestor pool stays undistributed.
func (s *TipService) SplitTip(tip decimal.Decimal, ancestorCount int) TipSplit {
	split := TipSplit{
		SystemFee:     tip.Mul(s.economy.FeeRate).Round(decay.LedgerScale),
		AuthorShare:   tip.Mul(s.economy.AuthorRate).Round(decay.LedgerScale),
		AncestorPool:  tip.Mul(s.economy.AncestorRate).Round(decay.LedgerScale),
		AncestorCount: ancestorCount,
	}
	divisor := int64(ancestorCount)
	if divisor < 1 {
		divisor = 1
	}
	split.PerAncestorShare = split.AncestorPool.Div(decimal.NewFromInt(divisor)).Round(decay.LedgerScale)
	return split
}

// ResolveAncestorChain walks parent references from the content item toward
// the root post and returns the author ids encountered, nearest first.
// Anonymous ancestors are skipped. The walk is capped at the configured depth
// to keep deep reply trees bounded.
func (s *TipService) ResolveAncestorChain(tx *sql.Tx, item *models.ContentItem) ([]string, error) {
	chain := []string{}
	parentID := item.ParentID

	for depth := 0; parentID != nil && depth < s.economy.MaxAncestorDepth; depth++ {
		var authorID *string
		var nextParent *string
		err := tx.QueryRow(`
			SELECT author_id, parent_id FROM content_items WHERE id = $1`,
			*parentID).Scan(&authorID, &nextParent)
		if err == sql.ErrNoRows {
			break
		}
		if err != nil {
			return nil, classifyStorageError("resolve ancestor", err)
		}
		if authorID != nil {
			chain = append(chain, *authorID)
		}
		parentID = nextParent
	}
	return chain, nil
}

// TipRequest is the payload for an emoji tip.
// @Description Emoji tip request structure
type TipRequest struct {
	Emoji  string `json:"emoji" validate:"required"`
	Amount string `json:"amount"`
}

// Tip reacts to a content item with an emoji and an optional tip
// @Summary Tip content with an emoji reaction
// @Description Charges the base reaction cost plus tip plus system fee, splits the tip across author and ancestors, and upserts the reaction
// @Tags content
// @Accept json
// @Produce json
// @Param contentId path string true "Content ID"
// @Param request body TipRequest true "Tip data"
// @Success 200 {object} models.Reaction
// @Failure 400 {object} ErrorResponse
// @Failure 402 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /content/{contentId}/tip [post]
func (s *TipService) Tip(w http.ResponseWriter, r *http.Request) {
	accountID, ok := r.Context().Value("accountID").(string)
	if !ok || accountID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}
	contentID := chi.URLParam(r, "contentId")

	var req TipRequest
	if !s.content.decodeBody(w, r, &req) {
		return
	}
	if req.Emoji == "" || len(req.Emoji) > s.economy.MaxEmojiLength {
		SendServiceError(w, NewValidationError("emoji must be non-empty and length-bounded"))
		return
	}

	tip := decimal.Zero
	if req.Amount != "" {
		parsed, err := decimal.NewFromString(req.Amount)
		if err != nil || parsed.IsNegative() {
			SendServiceError(w, NewValidationError("amount must be a non-negative decimal"))
			return
		}
		tip = parsed.Round(decay.LedgerScale)
	}

	var reaction models.Reaction
	err := s.ledger.WithUnitOfWork(r.Context(), func(tx *sql.Tx) error {
		item, err := s.content.lockContentItem(tx, contentID)
		if err != nil {
			return err
		}

		ancestors, err := s.ResolveAncestorChain(tx, item)
		if err != nil {
			return err
		}

		split := s.SplitTip(tip, len(ancestors))

		// Lock every involved account in sorted order before any mutation.
		involved := append([]string{accountID}, ancestors...)
		if item.AuthorID != nil {
			involved = append(involved, *item.AuthorID)
		}
		if err := s.ledger.LockAccounts(tx, involved...); err != nil {
			return err
		}

		reactionCost, existing, err := s.upsertReaction(tx, accountID, contentID, req.Emoji, tip)
		if err != nil {
			return err
		}

		meta := models.Metadata{"content_id": contentID, "emoji": req.Emoji}
		if _, err := s.ledger.Apply(tx, accountID, reactionCost.Neg(), models.TxKindReactionCost, meta); err != nil {
			return err
		}

		if tip.IsPositive() {
			distributed := split.Distributed()
			if item.AuthorID == nil {
				// Anonymous author: the author share cannot be paid out and
				// is burned with the rest of the remainder.
				distributed = distributed.Sub(split.AuthorShare)
			}

			if distributed.IsPositive() {
				if _, err := s.ledger.Apply(tx, accountID, distributed.Neg(), models.TxKindTipSpend, meta); err != nil {
					return err
				}
			}
			if item.AuthorID != nil && split.AuthorShare.IsPositive() {
				authorMeta := models.Metadata{"content_id": contentID, "tipper": accountID}
				if _, err := s.ledger.Apply(tx, *item.AuthorID, split.AuthorShare, models.TxKindTipAuthor, authorMeta); err != nil {
					return err
				}
			}
			for _, ancestorID := range ancestors {
				ancestorMeta := models.Metadata{"content_id": contentID, "tipper": accountID}
				if _, err := s.ledger.Apply(tx, ancestorID, split.PerAncestorShare, models.TxKindTipAncestor, ancestorMeta); err != nil {
					return err
				}
			}

			// The tipper pays tip + system fee in total. The fee and whatever
			// the split left undistributed are burned as separate records so
			// each component stays observable; issued - burned still equals
			// the sum of balances plus locked stake.
			if split.SystemFee.IsPositive() {
				feeMeta := models.Metadata{"content_id": contentID, "emoji": req.Emoji, "component": "system_fee"}
				if _, err := s.ledger.Apply(tx, accountID, split.SystemFee.Neg(), models.TxKindTipFee, feeMeta); err != nil {
					return err
				}
			}
			if remainder := tip.Sub(distributed); remainder.IsPositive() {
				remainderMeta := models.Metadata{"content_id": contentID, "emoji": req.Emoji, "component": "undistributed"}
				if _, err := s.ledger.Apply(tx, accountID, remainder.Neg(), models.TxKindTipFee, remainderMeta); err != nil {
					return err
				}
			}
		}

		reaction = *existing
		return nil
	})
	if err != nil {
		log.Printf("[TIP] Tip failed for content %s: %v", contentID, err)
		SendServiceError(w, err)
		return
	}

	s.refresher.Dispatch(contentID)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(reaction)
}

// upsertReaction increments the (account, content, emoji) reaction row or
// creates it, returning the reaction cost owed (base for new, re-react for
// increments) and the resulting row.
func (s *TipService) upsertReaction(tx *sql.Tx, accountID, contentID, emoji string, tip decimal.Decimal) (decimal.Decimal, *models.Reaction, error) {
	var reaction models.Reaction
	err := tx.QueryRow(`
		SELECT id, content_id, account_id, emoji, tipped_total, created_at, updated_at
		FROM reactions
		WHERE account_id = $1 AND content_id = $2 AND emoji = $3
		FOR UPDATE`, accountID, contentID, emoji).Scan(
		&reaction.ID, &reaction.ContentID, &reaction.AccountID, &reaction.Emoji,
		&reaction.TippedTotal, &reaction.CreatedAt, &reaction.UpdatedAt)

	now := time.Now()
	if err == sql.ErrNoRows {
		reaction = models.Reaction{
			ID:          uuid.NewString(),
			ContentID:   contentID,
			AccountID:   accountID,
			Emoji:       emoji,
			TippedTotal: tip,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if _, err := tx.Exec(`
			INSERT INTO reactions (id, content_id, account_id, emoji, tipped_total, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			reaction.ID, contentID, accountID, emoji, tip, now, now); err != nil {
			return decimal.Zero, nil, classifyStorageError("insert reaction", err)
		}
		return s.economy.BaseReactionCost, &reaction, nil
	}
	if err != nil {
		return decimal.Zero, nil, classifyStorageError("lock reaction", err)
	}

	reaction.TippedTotal = reaction.TippedTotal.Add(tip)
	reaction.UpdatedAt = now
	if _, err := tx.Exec(`
		UPDATE reactions SET tipped_total = $1, updated_at = $2 WHERE id = $3`,
		reaction.TippedTotal, now, reaction.ID); err != nil {
		return decimal.Zero, nil, classifyStorageError("update reaction", err)
	}
	return s.economy.ReReactionCost, &reaction, nil
}
