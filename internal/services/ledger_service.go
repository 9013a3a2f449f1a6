package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/emberboard/backend/internal/audit"
	"github.com/emberboard/backend/internal/models"
)

const (
	maxUnitAttempts = 3
	initialBackoff  = 50 * time.Millisecond
)

// burnKinds are the transaction kinds that destroy credits. Every Apply with
// one of these kinds writes a burn record and feeds the supply tracker.
var burnKinds = map[string]bool{
	models.TxKindCharacterCost: true,
	models.TxKindProtocolFee:   true,
	models.TxKindTipFee:        true,
	models.TxKindReactionCost:  true,
	models.TxKindCollectionFee: true,
}

// mintKinds are the transaction kinds that issue new credits into circulation.
var mintKinds = map[string]bool{
	models.TxKindAccrualCollect: true,
}

// LedgerService is the single authority for mutating account balances. Every
// higher-level action composes one or more Apply calls inside one unit of work.
type LedgerService struct {
	db     *sql.DB
	supply *SupplyService
	audit  *audit.Logger
}

func NewLedgerService(db *sql.DB, supply *SupplyService) *LedgerService {
	return &LedgerService{
		db:     db,
		supply: supply,
		audit:  audit.NewLogger(),
	}
}

// WithUnitOfWork runs fn inside a database transaction, committing on success
// and rolling everything back on failure. Conflicts and transient storage
// errors retry the whole unit with exponential backoff, up to three attempts.
func (s *LedgerService) WithUnitOfWork(ctx context.Context, fn func(tx *sql.Tx) error) error {
	unitID := uuid.NewString()
	backoff := initialBackoff

	var lastErr error
	for attempt := 1; attempt <= maxUnitAttempts; attempt++ {
		err := s.runUnit(ctx, fn)
		if err == nil {
			return nil
		}
		lastErr = err

		if !IsRetryable(err) {
			return err
		}

		log.Printf("[LEDGER] Unit %s attempt %d/%d failed, retrying: %v", unitID, attempt, maxUnitAttempts, err)
		select {
		case <-ctx.Done():
			return NewTransientStorageError("unit of work cancelled", ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	return lastErr
}

func (s *LedgerService) runUnit(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifyStorageError("begin unit of work", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return classifyStorageError("commit unit of work", err)
	}
	return nil
}

// LockAccounts pre-locks the given account rows in sorted order so that units
// touching overlapping account sets cannot deadlock each other.
func (s *LedgerService) LockAccounts(tx *sql.Tx, accountIDs ...string) error {
	ids := make([]string, 0, len(accountIDs))
	seen := map[string]bool{}
	for _, id := range accountIDs {
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	for _, id := range ids {
		if _, err := s.lockAccount(tx, id); err != nil {
			return err
		}
	}
	return nil
}

// Apply mutates one account's balance by delta inside the caller's unit of
// work: lock, re-check funds, write, and append exactly one transaction entry.
// Burn kinds additionally append a burn record and feed the supply tracker.
func (s *LedgerService) Apply(tx *sql.Tx, accountID string, delta decimal.Decimal, kind string, metadata models.Metadata) (decimal.Decimal, error) {
	account, err := s.lockAccount(tx, accountID)
	if err != nil {
		return decimal.Zero, err
	}

	newBalance := account.Balance.Add(delta)
	if delta.IsNegative() && newBalance.IsNegative() {
		return decimal.Zero, NewInsufficientFundsError("balance too low for requested debit")
	}
	if newBalance.IsNegative() {
		return decimal.Zero, NewInvariantViolationError("credit produced a negative balance")
	}

	if err := s.updateAccountBalance(tx, account.ID, newBalance, account.Version); err != nil {
		return decimal.Zero, err
	}

	if err := s.appendEntry(tx, account.ID, kind, delta, account.Balance, newBalance, metadata); err != nil {
		return decimal.Zero, err
	}

	unitID := uuid.NewString()
	if burnKinds[kind] {
		burned := delta.Neg()
		snapshotID, err := s.supply.RecordBurn(tx, burned)
		if err != nil {
			return decimal.Zero, err
		}
		if err := s.appendBurn(tx, account.ID, burned, kind, account.Balance, newBalance, snapshotID); err != nil {
			return decimal.Zero, err
		}
		s.audit.LogBurn(unitID, account.ID, kind, burned)
	}

	if mintKinds[kind] {
		if _, err := s.supply.RecordMint(tx, delta); err != nil {
			return decimal.Zero, err
		}
	}

	s.audit.LogMutation(unitID, account.ID, kind, delta)
	return newBalance, nil
}

// GetAccount reads an account without locking it. Callers must not trust the
// returned balance for spend decisions; Apply re-checks under lock.
func (s *LedgerService) GetAccount(accountID string) (*models.Account, error) {
	var account models.Account
	err := s.db.QueryRow(`
		SELECT id, balance, lifetime_allocated, lifetime_collected, collection_count,
		       last_accrual_at, version, created_at, updated_at
		FROM accounts
		WHERE id = $1`, accountID).Scan(
		&account.ID, &account.Balance, &account.LifetimeAllocated, &account.LifetimeCollected,
		&account.CollectionCount, &account.LastAccrualAt, &account.Version,
		&account.CreatedAt, &account.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, NewNotFoundError("account not found")
	}
	if err != nil {
		return nil, classifyStorageError("fetch account", err)
	}
	return &account, nil
}

// ListEntries returns an account's transaction entries, newest first.
func (s *LedgerService) ListEntries(accountID string, limit int) ([]models.TransactionEntry, error) {
	rows, err := s.db.Query(`
		SELECT id, account_id, kind, amount, balance_before, balance_after, metadata, created_at
		FROM transaction_entries
		WHERE account_id = $1
		ORDER BY id DESC
		LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, classifyStorageError("list transaction entries", err)
	}
	defer rows.Close()

	entries := []models.TransactionEntry{}
	for rows.Next() {
		var entry models.TransactionEntry
		var metadataJSON []byte
		if err := rows.Scan(&entry.ID, &entry.AccountID, &entry.Kind, &entry.Amount,
			&entry.BalanceBefore, &entry.BalanceAfter, &metadataJSON, &entry.CreatedAt); err != nil {
			return nil, classifyStorageError("scan transaction entry", err)
		}
		if len(metadataJSON) > 0 {
			_ = json.Unmarshal(metadataJSON, &entry.Metadata)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *LedgerService) lockAccount(tx *sql.Tx, accountID string) (*models.Account, error) {
	var account models.Account
	err := tx.QueryRow(`
		SELECT id, balance, lifetime_allocated, lifetime_collected, collection_count,
		       last_accrual_at, version, created_at, updated_at
		FROM accounts
		WHERE id = $1
		FOR UPDATE`, accountID).Scan(
		&account.ID, &account.Balance, &account.LifetimeAllocated, &account.LifetimeCollected,
		&account.CollectionCount, &account.LastAccrualAt, &account.Version,
		&account.CreatedAt, &account.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, NewNotFoundError("account not found")
	}
	if err != nil {
		return nil, classifyStorageError("lock account", err)
	}
	return &account, nil
}

func (s *LedgerService) updateAccountBalance(tx *sql.Tx, accountID string, newBalance decimal.Decimal, version int) error {
	result, err := tx.Exec(`
		UPDATE accounts
		SET balance = $1, version = version + 1, updated_at = $2
		WHERE id = $3 AND version = $4`,
		newBalance, time.Now(), accountID, version)
	if err != nil {
		return classifyStorageError("update balance", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return classifyStorageError("update balance", err)
	}
	if rowsAffected == 0 {
		return NewConflictError("optimistic lock failed for account "+accountID, nil)
	}
	return nil
}

func (s *LedgerService) appendEntry(tx *sql.Tx, accountID, kind string, amount, before, after decimal.Decimal, metadata models.Metadata) error {
	var metadataJSON []byte
	if metadata != nil {
		metadataJSON, _ = json.Marshal(metadata)
	}
	_, err := tx.Exec(`
		INSERT INTO transaction_entries (account_id, kind, amount, balance_before, balance_after, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		accountID, kind, amount, before, after, metadataJSON, time.Now())
	if err != nil {
		return classifyStorageError("append transaction entry", err)
	}
	return nil
}

func (s *LedgerService) appendBurn(tx *sql.Tx, accountID string, amount decimal.Decimal, action string, before, after decimal.Decimal, snapshotID int64) error {
	_, err := tx.Exec(`
		INSERT INTO burn_records (account_id, amount, action, balance_before, balance_after, snapshot_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		accountID, amount, action, before, after, snapshotID, time.Now())
	if err != nil {
		return classifyStorageError("append burn record", err)
	}
	return nil
}
