package services

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"

	"github.com/emberboard/backend/internal/config"
)

func setAuthTestConfig() {
	viper.Set("jwt.secret_key", "test-secret-key")
	viper.Set("jwt.expiry_hours", 72)
	viper.Set("argon2.time", 1)
	viper.Set("argon2.memory", 64*1024)
	viper.Set("argon2.threads", 4)
	viper.Set("argon2.key_length", 32)
	viper.Set("argon2.salt_length", 16)
}

func TestSecretHashing(t *testing.T) {
	setAuthTestConfig()

	t.Run("hash verifies against the original secret", func(t *testing.T) {
		hash, err := hashSecret("correct-horse-battery")
		assert.NoError(t, err)
		assert.True(t, verifySecret("correct-horse-battery", hash))
	})

	t.Run("wrong secret fails verification", func(t *testing.T) {
		hash, err := hashSecret("correct-horse-battery")
		assert.NoError(t, err)
		assert.False(t, verifySecret("wrong-secret", hash))
	})

	t.Run("same secret hashes differently per salt", func(t *testing.T) {
		hash1, _ := hashSecret("secret123")
		hash2, _ := hashSecret("secret123")
		assert.NotEqual(t, hash1, hash2)
	})

	t.Run("malformed stored hash fails closed", func(t *testing.T) {
		assert.False(t, verifySecret("secret123", "not-a-valid-hash"))
		assert.False(t, verifySecret("secret123", "bad$base64!!"))
	})
}

func TestGenerateSessionToken(t *testing.T) {
	setAuthTestConfig()

	tokenString, err := generateSessionToken("acct-42")
	assert.NoError(t, err)

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return []byte("test-secret-key"), nil
	})
	assert.NoError(t, err)
	assert.True(t, token.Valid)

	claims, ok := token.Claims.(jwt.MapClaims)
	assert.True(t, ok)
	assert.Equal(t, "acct-42", claims["account_id"])
}

func accrualTestEconomy() *config.EconomyConfig {
	return &config.EconomyConfig{
		AccrualRatePerHour: decimal.RequireFromString("0.1"),
		AccrualCap:         decimal.RequireFromString("24.0"),
		MinCollection:      decimal.RequireFromString("0.1"),
		CollectionFee:      decimal.RequireFromString("0.01"),
		SnapshotInterval:   time.Hour,
	}
}

func authedRequest(method, target, accountID string) *http.Request {
	r := httptest.NewRequest(method, target, nil)
	ctx := context.WithValue(r.Context(), "accountID", accountID)
	return r.WithContext(ctx)
}

func lockedAccountRow(id, balance string, version int, lastAccrual time.Time) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(accountColumns()).
		AddRow(id, balance, "0", "0", 0, lastAccrual, version, now, now)
}

func TestAccountService_CollectAccrual(t *testing.T) {
	t.Run("collects accrued credits minus the fee", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		supply := NewSupplyService(db, time.Hour)
		ledger := NewLedgerService(db, supply)
		service := NewAccountService(db, ledger, accrualTestEconomy())

		twoHoursAgo := time.Now().Add(-2 * time.Hour)
		snapshotRow := func() *sqlmock.Rows {
			return sqlmock.NewRows(supplyColumns()).
				AddRow(1, "100", "10", "90", time.Now())
		}

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, balance").
			WithArgs("acct1").
			WillReturnRows(lockedAccountRow("acct1", "10", 1, twoHoursAgo))

		// Mint of the accrued amount.
		mock.ExpectQuery("SELECT id, balance").
			WithArgs("acct1").
			WillReturnRows(lockedAccountRow("acct1", "10", 1, twoHoursAgo))
		mock.ExpectExec("UPDATE accounts").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO transaction_entries").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("pg_advisory_xact_lock").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("FROM supply_snapshots").
			WillReturnRows(snapshotRow())
		mock.ExpectExec("UPDATE supply_snapshots").
			WillReturnResult(sqlmock.NewResult(0, 1))

		// Burn of the collection fee.
		mock.ExpectQuery("SELECT id, balance").
			WithArgs("acct1").
			WillReturnRows(lockedAccountRow("acct1", "10.2", 2, twoHoursAgo))
		mock.ExpectExec("UPDATE accounts").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO transaction_entries").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("pg_advisory_xact_lock").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("FROM supply_snapshots").
			WillReturnRows(snapshotRow())
		mock.ExpectExec("UPDATE supply_snapshots").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO burn_records").
			WillReturnResult(sqlmock.NewResult(1, 1))

		// Lifetime metrics.
		mock.ExpectExec("UPDATE accounts").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		w := httptest.NewRecorder()
		service.CollectAccrual(w, authedRequest(http.MethodPost, "/accrual/collect", "acct1"))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "grossAmount")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("collecting too soon is rejected", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		supply := NewSupplyService(db, time.Hour)
		ledger := NewLedgerService(db, supply)
		service := NewAccountService(db, ledger, accrualTestEconomy())

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, balance").
			WithArgs("acct1").
			WillReturnRows(lockedAccountRow("acct1", "10", 1, time.Now().Add(-10*time.Minute)))
		mock.ExpectRollback()

		w := httptest.NewRecorder()
		service.CollectAccrual(w, authedRequest(http.MethodPost, "/accrual/collect", "acct1"))

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing account context is unauthorized", func(t *testing.T) {
		service := NewAccountService(nil, nil, accrualTestEconomy())

		w := httptest.NewRecorder()
		service.CollectAccrual(w, httptest.NewRequest(http.MethodPost, "/accrual/collect", nil))

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestAccountService_ListTransactions(t *testing.T) {
	t.Run("caps the limit parameter", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		supply := NewSupplyService(db, time.Hour)
		ledger := NewLedgerService(db, supply)
		service := NewAccountService(db, ledger, accrualTestEconomy())

		// 500 is out of range, so the default of 20 applies.
		mock.ExpectQuery("FROM transaction_entries").
			WithArgs("acct1", 20).
			WillReturnRows(sqlmock.NewRows([]string{"id", "account_id", "kind", "amount",
				"balance_before", "balance_after", "metadata", "created_at"}))

		w := httptest.NewRecorder()
		service.ListTransactions(w, authedRequest(http.MethodGet, "/accounts/transactions?limit=500", "acct1"))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
