package services

import (
	"database/sql"
	"encoding/json"
	"io"
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

// RefreshDispatcher hands a content id to the valuation refresher without
// coupling foreground actions to its failure mode.
type RefreshDispatcher interface {
	Dispatch(contentID string)
}

// ContentService owns content lifecycle actions: creation, donation, reclaim.
// All balance effects go through the ledger inside one unit of work.
type ContentService struct {
	db        *sql.DB
	ledger    *LedgerService
	refresher RefreshDispatcher
	validator *ValidationHelper
	economy   *config.EconomyConfig
	decay     decay.Params
}

func NewContentService(db *sql.DB, ledger *LedgerService, refresher RefreshDispatcher, economy *config.EconomyConfig) *ContentService {
	return &ContentService{
		db:        db,
		ledger:    ledger,
		refresher: refresher,
		validator: NewValidationHelper(),
		economy:   economy,
		decay:     DecayParams(economy),
	}
}

// DecayParams builds the pure decay parameters from the economy config.
func DecayParams(economy *config.EconomyConfig) decay.Params {
	return decay.Params{
		Lambda:            economy.DecayLambda,
		GracePeriod:       economy.GracePeriod,
		MaxLifespan:       economy.MaxLifespan,
		MinEffectiveValue: economy.MinEffectiveValue,
	}
}

// CreateContentRequest is the payload for content creation.
// @Description Content creation request structure
type CreateContentRequest struct {
	Body           string  `json:"body" validate:"required"`
	PrincipalStake string  `json:"principalStake" validate:"required"`
	ParentID       *string `json:"parentId,omitempty"`
	Anonymous      bool    `json:"anonymous"`
}

// DonateRequest is the payload for a donation.
// @Description Donation request structure
type DonateRequest struct {
	Amount    string `json:"amount" validate:"required"`
	Anonymous bool   `json:"anonymous"`
}

// CreateContent creates a post or reply with a locked principal stake
// @Summary Create content
// @Description Charges character cost + principal stake + protocol fee atomically and creates the content item
// @Tags content
// @Accept json
// @Produce json
// @Param request body CreateContentRequest true "Content data"
// @Success 201 {object} models.ContentItem
// @Failure 400 {object} ErrorResponse
// @Failure 402 {object} ErrorResponse
// @Router /content [post]
func (s *ContentService) CreateContent(w http.ResponseWriter, r *http.Request) {
	accountID, ok := r.Context().Value("accountID").(string)
	if !ok || accountID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req CreateContentRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	if len(req.Body) > s.economy.MaxBodyLength {
		SendServiceError(w, NewValidationError("body exceeds maximum length"))
		return
	}

	stake, err := decimal.NewFromString(req.PrincipalStake)
	if err != nil || stake.IsNegative() {
		SendServiceError(w, NewValidationError("principalStake must be a non-negative decimal"))
		return
	}
	stake = stake.Round(decay.LedgerScale)

	characterCost := s.economy.CharacterCost.Mul(decimal.NewFromInt(int64(len(req.Body)))).Round(decay.LedgerScale)
	now := time.Now()
	contentID := uuid.NewString()

	item := models.ContentItem{
		ID:             contentID,
		Body:           req.Body,
		PrincipalStake: stake,
		DonatedValue:   decimal.Zero,
		TotalValue:     stake,
		EffectiveValue: s.decay.EffectiveValue(stake, decimal.Zero, now, nil, now),
		CreatedAt:      now,
		ExpiresAt:      s.decay.ExpirationTime(stake, decimal.Zero, now, now),
		ParentID:       req.ParentID,
	}
	if !req.Anonymous {
		item.AuthorID = &accountID
	}

	err = s.ledger.WithUnitOfWork(r.Context(), func(tx *sql.Tx) error {
		if req.ParentID != nil {
			if _, err := s.lockContentItem(tx, *req.ParentID); err != nil {
				return err
			}
		}

		meta := models.Metadata{"content_id": contentID}
		if _, err := s.ledger.Apply(tx, accountID, characterCost.Neg(), models.TxKindCharacterCost, meta); err != nil {
			return err
		}
		if stake.IsPositive() {
			if _, err := s.ledger.Apply(tx, accountID, stake.Neg(), models.TxKindContentStake, meta); err != nil {
				return err
			}
		}
		if _, err := s.ledger.Apply(tx, accountID, s.economy.ProtocolFee.Neg(), models.TxKindProtocolFee, meta); err != nil {
			return err
		}

		return s.insertContentItem(tx, &item)
	})
	if err != nil {
		log.Printf("[CONTENT] Create failed for account %s: %v", accountID, err)
		SendServiceError(w, err)
		return
	}

	s.refresher.Dispatch(contentID)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(item)
}

// Donate contributes credits to an existing content item
// @Summary Donate to content
// @Description Charges the donor and increments the content item's donated value
// @Tags content
// @Accept json
// @Produce json
// @Param contentId path string true "Content ID"
// @Param request body DonateRequest true "Donation data"
// @Success 200 {object} models.ContentItem
// @Failure 402 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /content/{contentId}/donate [post]
func (s *ContentService) Donate(w http.ResponseWriter, r *http.Request) {
	accountID, ok := r.Context().Value("accountID").(string)
	if !ok || accountID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}
	contentID := chi.URLParam(r, "contentId")

	var req DonateRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil || !amount.IsPositive() {
		SendServiceError(w, NewValidationError("amount must be a positive decimal"))
		return
	}
	amount = amount.Round(decay.LedgerScale)

	var updated models.ContentItem
	err = s.ledger.WithUnitOfWork(r.Context(), func(tx *sql.Tx) error {
		item, err := s.lockContentItem(tx, contentID)
		if err != nil {
			return err
		}

		meta := models.Metadata{"content_id": contentID}
		if _, err := s.ledger.Apply(tx, accountID, amount.Neg(), models.TxKindDonation, meta); err != nil {
			return err
		}

		var donorID *string
		if !req.Anonymous {
			donorID = &accountID
		}
		now := time.Now()
		if _, err := tx.Exec(`
			INSERT INTO donations (id, content_id, donor_id, amount, created_at)
			VALUES ($1, $2, $3, $4, $5)`,
			uuid.NewString(), contentID, donorID, amount, now); err != nil {
			return classifyStorageError("insert donation", err)
		}

		item.DonatedValue = item.DonatedValue.Add(amount)
		item.TotalValue = item.PrincipalStake.Add(item.DonatedValue)
		item.LastDonationAt = &now
		item.EffectiveValue = s.decay.EffectiveValue(item.PrincipalStake, item.DonatedValue, item.CreatedAt, item.LastDonationAt, now)
		item.ExpiresAt = s.decay.ExpirationTime(item.PrincipalStake, item.DonatedValue, item.CreatedAt, now)

		if err := s.updateContentValues(tx, item); err != nil {
			return err
		}
		updated = *item
		return nil
	})
	if err != nil {
		log.Printf("[CONTENT] Donation failed for content %s: %v", contentID, err)
		SendServiceError(w, err)
		return
	}

	s.refresher.Dispatch(contentID)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(updated)
}

// Reclaim withdraws the decayed remainder of the author's own stake
// @Summary Reclaim stake
// @Description Credits the author with the reclaimable portion and decrements the item's stake and donated value
// @Tags content
// @Produce json
// @Param contentId path string true "Content ID"
// @Success 200 {object} object{reclaimedAmount=string}
// @Failure 403 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /content/{contentId}/reclaim [post]
func (s *ContentService) Reclaim(w http.ResponseWriter, r *http.Request) {
	accountID, ok := r.Context().Value("accountID").(string)
	if !ok || accountID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}
	contentID := chi.URLParam(r, "contentId")

	// Ownership and threshold are pre-checked outside the unit of work; both
	// are re-checked under lock before any balance mutation.
	item, err := s.fetchContentItem(contentID)
	if err != nil {
		SendServiceError(w, err)
		return
	}
	if item.AuthorID == nil || *item.AuthorID != accountID {
		SendServiceError(w, NewForbiddenError("only the author may reclaim"))
		return
	}

	probe := s.decay.ReclaimableStake(item.PrincipalStake, item.DonatedValue, item.CreatedAt, item.LastDonationAt, time.Now())
	if probe.Total.LessThan(s.economy.ReclaimThreshold) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"reclaimedAmount": "0"})
		return
	}

	var reclaimed decimal.Decimal
	err = s.ledger.WithUnitOfWork(r.Context(), func(tx *sql.Tx) error {
		locked, err := s.lockContentItem(tx, contentID)
		if err != nil {
			return err
		}
		if locked.AuthorID == nil || *locked.AuthorID != accountID {
			return NewForbiddenError("only the author may reclaim")
		}

		now := time.Now()
		r := s.decay.ReclaimableStake(locked.PrincipalStake, locked.DonatedValue, locked.CreatedAt, locked.LastDonationAt, now)
		if r.Total.LessThan(s.economy.ReclaimThreshold) {
			reclaimed = decimal.Zero
			return nil
		}

		meta := models.Metadata{
			"content_id":       contentID,
			"stake_portion":    r.StakePortion.String(),
			"donation_portion": r.DonationPortion.String(),
		}
		if _, err := s.ledger.Apply(tx, accountID, r.Total, models.TxKindReclaim, meta); err != nil {
			return err
		}

		locked.PrincipalStake = locked.PrincipalStake.Sub(r.StakePortion)
		locked.DonatedValue = locked.DonatedValue.Sub(r.DonationPortion)
		locked.TotalValue = locked.PrincipalStake.Add(locked.DonatedValue)
		locked.EffectiveValue = s.decay.EffectiveValue(locked.PrincipalStake, locked.DonatedValue, locked.CreatedAt, locked.LastDonationAt, now)
		locked.ExpiresAt = s.decay.ExpirationTime(locked.PrincipalStake, locked.DonatedValue, locked.CreatedAt, now)

		if err := s.updateContentValues(tx, locked); err != nil {
			return err
		}
		reclaimed = r.Total
		return nil
	})
	if err != nil {
		log.Printf("[CONTENT] Reclaim failed for content %s: %v", contentID, err)
		SendServiceError(w, err)
		return
	}

	s.refresher.Dispatch(contentID)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"reclaimedAmount": reclaimed.String()})
}

// GetContent returns a single content item
// @Summary Get content item
// @Tags content
// @Produce json
// @Param contentId path string true "Content ID"
// @Success 200 {object} models.ContentItem
// @Failure 404 {object} ErrorResponse
// @Router /content/{contentId} [get]
func (s *ContentService) GetContent(w http.ResponseWriter, r *http.Request) {
	item, err := s.fetchContentItem(chi.URLParam(r, "contentId"))
	if err != nil {
		SendServiceError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(item)
}

func (s *ContentService) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return false
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return false
	}
	if err := s.validator.ValidateStruct(dst); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return false
	}
	return true
}

func (s *ContentService) insertContentItem(tx *sql.Tx, item *models.ContentItem) error {
	_, err := tx.Exec(`
		INSERT INTO content_items
		(id, author_id, body, principal_stake, donated_value, total_value, effective_value,
		 created_at, last_donation_at, expires_at, parent_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		item.ID, item.AuthorID, item.Body, item.PrincipalStake, item.DonatedValue,
		item.TotalValue, item.EffectiveValue, item.CreatedAt, item.LastDonationAt,
		item.ExpiresAt, item.ParentID)
	if err != nil {
		return classifyStorageError("insert content item", err)
	}
	return nil
}

func (s *ContentService) updateContentValues(tx *sql.Tx, item *models.ContentItem) error {
	_, err := tx.Exec(`
		UPDATE content_items
		SET principal_stake = $1, donated_value = $2, total_value = $3, effective_value = $4,
		    last_donation_at = $5, expires_at = $6
		WHERE id = $7`,
		item.PrincipalStake, item.DonatedValue, item.TotalValue, item.EffectiveValue,
		item.LastDonationAt, item.ExpiresAt, item.ID)
	if err != nil {
		return classifyStorageError("update content values", err)
	}
	return nil
}

func (s *ContentService) lockContentItem(tx *sql.Tx, contentID string) (*models.ContentItem, error) {
	return scanContentItem(tx.QueryRow(contentSelect+` WHERE id = $1 FOR UPDATE`, contentID))
}

func (s *ContentService) fetchContentItem(contentID string) (*models.ContentItem, error) {
	return scanContentItem(s.db.QueryRow(contentSelect+` WHERE id = $1`, contentID))
}

const contentSelect = `
	SELECT id, author_id, body, principal_stake, donated_value, total_value, effective_value,
	       created_at, last_donation_at, expires_at, parent_id, archived_at
	FROM content_items`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanContentItem(row rowScanner) (*models.ContentItem, error) {
	var item models.ContentItem
	err := row.Scan(&item.ID, &item.AuthorID, &item.Body, &item.PrincipalStake,
		&item.DonatedValue, &item.TotalValue, &item.EffectiveValue, &item.CreatedAt,
		&item.LastDonationAt, &item.ExpiresAt, &item.ParentID, &item.ArchivedAt)
	if err == sql.ErrNoRows {
		return nil, NewNotFoundError("content not found")
	}
	if err != nil {
		return nil, classifyStorageError("fetch content item", err)
	}
	return &item, nil
}
