package services

import (
	"database/sql"
	"database/sql/driver"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func supplyColumns() []string {
	return []string{"id", "total_issued", "total_burned", "circulating", "created_at"}
}

func expectSupplyLock(mock sqlmock.Sqlmock) {
	mock.ExpectExec("pg_advisory_xact_lock").
		WithArgs(supplyAdvisoryLockID).
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func TestSupplyService_RecordDelta(t *testing.T) {
	t.Run("serializes writers before reading the latest snapshot", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()
		service := NewSupplyService(db, time.Hour)

		// The advisory lock must come first: a writer that reads before
		// queueing can miss a snapshot inserted by a concurrent writer and
		// carry forward stale totals.
		mock.ExpectBegin()
		expectSupplyLock(mock)
		mock.ExpectQuery("FROM supply_snapshots").
			WillReturnRows(sqlmock.NewRows(supplyColumns()).
				AddRow(7, "100", "20", "80", time.Now().Add(-time.Minute)))
		mock.ExpectExec("UPDATE supply_snapshots").
			WillReturnResult(sqlmock.NewResult(0, 1))

		tx, _ := db.Begin()
		_, err = service.RecordMint(tx, decimal.NewFromInt(1))
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("first event creates a zero-baseline snapshot", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()
		service := NewSupplyService(db, time.Hour)

		mock.ExpectBegin()
		expectSupplyLock(mock)
		mock.ExpectQuery("FROM supply_snapshots").
			WillReturnError(sql.ErrNoRows)
		mock.ExpectQuery("INSERT INTO supply_snapshots").
			WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))

		tx, _ := db.Begin()
		id, err := service.RecordMint(tx, decimal.NewFromInt(10))
		assert.NoError(t, err)
		assert.Equal(t, int64(1), id)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("updates the latest snapshot in place within the interval", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()
		service := NewSupplyService(db, time.Hour)

		mock.ExpectBegin()
		expectSupplyLock(mock)
		mock.ExpectQuery("FROM supply_snapshots").
			WillReturnRows(sqlmock.NewRows(supplyColumns()).
				AddRow(7, "100", "20", "80", time.Now().Add(-time.Minute)))
		mock.ExpectExec("UPDATE supply_snapshots").
			WillReturnResult(sqlmock.NewResult(0, 1))

		tx, _ := db.Begin()
		id, err := service.RecordBurn(tx, decimal.NewFromInt(5))
		assert.NoError(t, err)
		assert.Equal(t, int64(7), id)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rolls over to a new snapshot after the interval, carrying totals", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()
		service := NewSupplyService(db, time.Hour)

		mock.ExpectBegin()
		expectSupplyLock(mock)
		mock.ExpectQuery("FROM supply_snapshots").
			WillReturnRows(sqlmock.NewRows(supplyColumns()).
				AddRow(7, "100", "20", "80", time.Now().Add(-2*time.Hour)))
		mock.ExpectQuery("INSERT INTO supply_snapshots").
			WithArgs(decimalArg("103"), decimalArg("20"), decimalArg("83"), sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(8))

		tx, _ := db.Begin()
		id, err := service.RecordMint(tx, decimal.NewFromInt(3))
		assert.NoError(t, err)
		assert.Equal(t, int64(8), id)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestSupplyService_Current(t *testing.T) {
	t.Run("zero baseline before any activity", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()
		service := NewSupplyService(db, time.Hour)

		mock.ExpectQuery("FROM supply_snapshots").
			WillReturnError(sql.ErrNoRows)

		snapshot, err := service.Current()
		assert.NoError(t, err)
		assert.True(t, snapshot.TotalIssued.IsZero())
		assert.True(t, snapshot.Circulating.IsZero())
	})

	t.Run("circulating equals issued minus burned", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()
		service := NewSupplyService(db, time.Hour)

		mock.ExpectQuery("FROM supply_snapshots").
			WillReturnRows(sqlmock.NewRows(supplyColumns()).
				AddRow(3, "250.5", "50.25", "200.25", time.Now()))

		snapshot, err := service.Current()
		assert.NoError(t, err)
		assert.True(t, snapshot.Circulating.Equal(snapshot.TotalIssued.Sub(snapshot.TotalBurned)))
	})
}

// decimalArg matches a driver argument against an exact decimal value.
type decimalArg string

func (d decimalArg) Match(v driver.Value) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}
	got, err := decimal.NewFromString(s)
	if err != nil {
		return false
	}
	want := decimal.RequireFromString(string(d))
	return got.Equal(want)
}
