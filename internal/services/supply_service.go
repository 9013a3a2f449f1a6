package services

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/emberboard/backend/internal/models"
)

// supplyAdvisoryLockID serializes all snapshot writers. Row locks alone are
// not enough: two transactions inserting around the same snapshot boundary
// (bootstrap or rollover) would each miss the other's delta.
const supplyAdvisoryLockID int64 = 815001

// SupplyService maintains the issued/burned/circulating supply sequence as an
// append-with-carry-forward series of snapshot rows. Writers re-read the
// latest row under lock inside the same transaction as the triggering ledger
// mutation, so no delta is ever lost.
type SupplyService struct {
	db               *sql.DB
	snapshotInterval time.Duration
}

func NewSupplyService(db *sql.DB, snapshotInterval time.Duration) *SupplyService {
	return &SupplyService{
		db:               db,
		snapshotInterval: snapshotInterval,
	}
}

// RecordMint adds newly issued credits to the supply within the caller's
// transaction and returns the affected snapshot's id.
func (s *SupplyService) RecordMint(tx *sql.Tx, amount decimal.Decimal) (int64, error) {
	return s.recordDelta(tx, amount, decimal.Zero)
}

// RecordBurn removes credits from circulating supply within the caller's
// transaction and returns the affected snapshot's id.
func (s *SupplyService) RecordBurn(tx *sql.Tx, amount decimal.Decimal) (int64, error) {
	return s.recordDelta(tx, decimal.Zero, amount)
}

func (s *SupplyService) recordDelta(tx *sql.Tx, issuedDelta, burnedDelta decimal.Decimal) (int64, error) {
	// Taken before the read so concurrent writers queue up and always see the
	// newest snapshot row, including ones inserted while they waited.
	if _, err := tx.Exec(`SELECT pg_advisory_xact_lock($1)`, supplyAdvisoryLockID); err != nil {
		return 0, classifyStorageError("lock supply sequence", err)
	}

	var latest models.SupplySnapshot
	err := tx.QueryRow(`
		SELECT id, total_issued, total_burned, circulating, created_at
		FROM supply_snapshots
		ORDER BY id DESC
		LIMIT 1
		FOR UPDATE`).Scan(
		&latest.ID, &latest.TotalIssued, &latest.TotalBurned, &latest.Circulating, &latest.CreatedAt)

	if err == sql.ErrNoRows {
		// First event ever: baseline is zero.
		return s.insertSnapshot(tx, issuedDelta, burnedDelta)
	}
	if err != nil {
		return 0, classifyStorageError("read supply snapshot", err)
	}

	issued := latest.TotalIssued.Add(issuedDelta)
	burned := latest.TotalBurned.Add(burnedDelta)

	if time.Since(latest.CreatedAt) > s.snapshotInterval {
		return s.insertSnapshot(tx, issued, burned)
	}

	circulating := issued.Sub(burned)
	if _, err := tx.Exec(`
		UPDATE supply_snapshots
		SET total_issued = $1, total_burned = $2, circulating = $3
		WHERE id = $4`,
		issued, burned, circulating, latest.ID); err != nil {
		return 0, classifyStorageError("update supply snapshot", err)
	}
	return latest.ID, nil
}

func (s *SupplyService) insertSnapshot(tx *sql.Tx, issued, burned decimal.Decimal) (int64, error) {
	circulating := issued.Sub(burned)
	var id int64
	err := tx.QueryRow(`
		INSERT INTO supply_snapshots (total_issued, total_burned, circulating, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id`,
		issued, burned, circulating, time.Now()).Scan(&id)
	if err != nil {
		return 0, classifyStorageError("insert supply snapshot", err)
	}
	return id, nil
}

// Current returns the most recent supply snapshot, or a zero baseline when no
// mint or burn has happened yet.
func (s *SupplyService) Current() (*models.SupplySnapshot, error) {
	var snapshot models.SupplySnapshot
	err := s.db.QueryRow(`
		SELECT id, total_issued, total_burned, circulating, created_at
		FROM supply_snapshots
		ORDER BY id DESC
		LIMIT 1`).Scan(
		&snapshot.ID, &snapshot.TotalIssued, &snapshot.TotalBurned, &snapshot.Circulating, &snapshot.CreatedAt)

	if err == sql.ErrNoRows {
		return &models.SupplySnapshot{
			TotalIssued: decimal.Zero,
			TotalBurned: decimal.Zero,
			Circulating: decimal.Zero,
			CreatedAt:   time.Now(),
		}, nil
	}
	if err != nil {
		return nil, classifyStorageError("fetch supply snapshot", err)
	}
	return &snapshot, nil
}

// GetSupply returns the current supply snapshot
// @Summary Current credit supply
// @Description Latest issued/burned/circulating supply snapshot
// @Tags supply
// @Produce json
// @Success 200 {object} models.SupplySnapshot
// @Failure 503 {object} ErrorResponse
// @Router /supply [get]
func (s *SupplyService) GetSupply(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.Current()
	if err != nil {
		SendErrorResponse(w, "Failed to fetch supply", HTTPStatus(err), nil)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snapshot)
}
