package services

import (
	cryptorand "crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"golang.org/x/crypto/argon2"

	"github.com/emberboard/backend/internal/config"
	"github.com/emberboard/backend/internal/decay"
	"github.com/emberboard/backend/internal/models"
)

// AccountService resolves credentials to accounts and owns the accrual
// collection and balance read paths.
type AccountService struct {
	db        *sql.DB
	ledger    *LedgerService
	validator *ValidationHelper
	economy   *config.EconomyConfig
}

func NewAccountService(db *sql.DB, ledger *LedgerService, economy *config.EconomyConfig) *AccountService {
	return &AccountService{
		db:        db,
		ledger:    ledger,
		validator: NewValidationHelper(),
		economy:   economy,
	}
}

// ResolveRequest is the credential payload for account resolution.
// @Description Account resolution request structure
type ResolveRequest struct {
	Handle string `json:"handle" validate:"required,min=3,max=64"`
	Secret string `json:"secret" validate:"required,min=6"`
}

// ResolveResponse carries the session token for subsequent ledger calls.
// @Description Account resolution response structure
type ResolveResponse struct {
	Token   string         `json:"token"`
	Account models.Account `json:"account"`
}

// Resolve resolves a credential to an account, creating it on first sight
// @Summary Resolve or create an account
// @Description Returns a session token; accounts are created on first authentication
// @Tags auth
// @Accept json
// @Produce json
// @Param request body ResolveRequest true "Credential"
// @Success 200 {object} ResolveResponse
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Router /auth/resolve [post]
func (s *AccountService) Resolve(w http.ResponseWriter, r *http.Request) {
	log.Printf("[AUTH] Resolution attempt from IP: %s", r.RemoteAddr)

	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req ResolveRequest
	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request", http.StatusBadRequest, nil)
		return
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	var accountID, secretHash string
	err := s.db.QueryRow(`
		SELECT account_id, secret_hash FROM credentials WHERE handle = $1`,
		req.Handle).Scan(&accountID, &secretHash)

	switch {
	case err == sql.ErrNoRows:
		accountID, err = s.createAccount(req.Handle, req.Secret)
		if err != nil {
			log.Printf("[AUTH] Account creation failed for %s: %v", req.Handle, err)
			SendServiceError(w, err)
			return
		}
		log.Printf("[AUTH] Created account %s for handle %s", accountID, req.Handle)
	case err != nil:
		SendServiceError(w, classifyStorageError("resolve credential", err))
		return
	default:
		if !verifySecret(req.Secret, secretHash) {
			SendErrorResponse(w, "Invalid credentials", http.StatusUnauthorized, nil)
			return
		}
	}

	account, err := s.ledger.GetAccount(accountID)
	if err != nil {
		SendServiceError(w, err)
		return
	}

	token, err := generateSessionToken(accountID)
	if err != nil {
		SendErrorResponse(w, "An Internal Error Occurred", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ResolveResponse{Token: token, Account: *account})
}

// CollectAccrual moves accrued credits into the spendable balance
// @Summary Collect passive accrual
// @Description Mints accrued-but-uncollected credits into the balance minus the collection fee
// @Tags accounts
// @Produce json
// @Success 200 {object} object{netAmount=string,grossAmount=string}
// @Failure 400 {object} ErrorResponse
// @Router /accrual/collect [post]
func (s *AccountService) CollectAccrual(w http.ResponseWriter, r *http.Request) {
	accountID, ok := r.Context().Value("accountID").(string)
	if !ok || accountID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var gross, net decimal.Decimal
	err := s.ledger.WithUnitOfWork(r.Context(), func(tx *sql.Tx) error {
		account, err := s.ledger.lockAccount(tx, accountID)
		if err != nil {
			return err
		}

		now := time.Now()
		hours := decimal.NewFromFloat(now.Sub(account.LastAccrualAt).Hours())
		accrued := s.economy.AccrualRatePerHour.Mul(hours).Round(decay.LedgerScale)
		if accrued.GreaterThan(s.economy.AccrualCap) {
			accrued = s.economy.AccrualCap
		}
		if accrued.LessThan(s.economy.MinCollection) {
			return NewInsufficientAccrualError(fmt.Sprintf("accrued %s is below the minimum collection of %s", accrued, s.economy.MinCollection))
		}

		meta := models.Metadata{"accrued_hours": hours.Round(2).String()}
		if _, err := s.ledger.Apply(tx, accountID, accrued, models.TxKindAccrualCollect, meta); err != nil {
			return err
		}
		if _, err := s.ledger.Apply(tx, accountID, s.economy.CollectionFee.Neg(), models.TxKindCollectionFee, nil); err != nil {
			return err
		}

		gross = accrued
		net = accrued.Sub(s.economy.CollectionFee)

		// The account row is already locked; lifetime metrics ride along in
		// the same transaction.
		if _, err := tx.Exec(`
			UPDATE accounts
			SET last_accrual_at = $1,
			    lifetime_allocated = lifetime_allocated + $2,
			    lifetime_collected = lifetime_collected + $3,
			    collection_count = collection_count + 1
			WHERE id = $4`,
			now, accrued, net, accountID); err != nil {
			return classifyStorageError("update accrual metrics", err)
		}
		return nil
	})
	if err != nil {
		log.Printf("[ACCRUAL] Collection failed for account %s: %v", accountID, err)
		SendServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"netAmount":   net.String(),
		"grossAmount": gross.String(),
	})
}

// GetBalance returns the account balance and lifetime metrics
// @Summary Get account balance
// @Tags accounts
// @Produce json
// @Success 200 {object} models.Account
// @Failure 404 {object} ErrorResponse
// @Router /accounts/balance [get]
func (s *AccountService) GetBalance(w http.ResponseWriter, r *http.Request) {
	accountID, ok := r.Context().Value("accountID").(string)
	if !ok || accountID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	account, err := s.ledger.GetAccount(accountID)
	if err != nil {
		SendServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(account)
}

// ListTransactions returns the account's recent transaction entries
// @Summary List recent transaction entries
// @Tags accounts
// @Produce json
// @Param limit query int false "Number of entries to return (default: 20, max: 100)"
// @Success 200 {array} models.TransactionEntry
// @Router /accounts/transactions [get]
func (s *AccountService) ListTransactions(w http.ResponseWriter, r *http.Request) {
	accountID, ok := r.Context().Value("accountID").(string)
	if !ok || accountID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	limit := 20
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l >= 1 && l <= 100 {
			limit = l
		}
	}

	entries, err := s.ledger.ListEntries(accountID, limit)
	if err != nil {
		SendServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entries)
}

func (s *AccountService) createAccount(handle, secret string) (string, error) {
	hash, err := hashSecret(secret)
	if err != nil {
		return "", err
	}

	accountID := uuid.NewString()
	now := time.Now()

	tx, err := s.db.Begin()
	if err != nil {
		return "", classifyStorageError("begin account creation", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO accounts (id, balance, lifetime_allocated, lifetime_collected, collection_count,
		                      last_accrual_at, version, created_at, updated_at)
		VALUES ($1, 0, 0, 0, 0, $2, 1, $2, $2)`,
		accountID, now); err != nil {
		return "", classifyStorageError("insert account", err)
	}
	if _, err := tx.Exec(`
		INSERT INTO credentials (handle, secret_hash, account_id, created_at)
		VALUES ($1, $2, $3, $4)`,
		handle, hash, accountID, now); err != nil {
		return "", classifyStorageError("insert credential", err)
	}
	if err := tx.Commit(); err != nil {
		return "", classifyStorageError("commit account creation", err)
	}
	return accountID, nil
}

func generateSessionToken(accountID string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"account_id": accountID,
		"exp":        time.Now().Add(time.Duration(viper.GetInt("jwt.expiry_hours")) * time.Hour).Unix(),
	})
	return token.SignedString([]byte(viper.GetString("jwt.secret_key")))
}

func hashSecret(secret string) (string, error) {
	salt := make([]byte, viper.GetInt("argon2.salt_length"))
	if _, err := cryptorand.Read(salt); err != nil {
		return "", err
	}

	hash := argon2.IDKey([]byte(secret), salt,
		uint32(viper.GetInt("argon2.time")),
		uint32(viper.GetInt("argon2.memory")),
		uint8(viper.GetInt("argon2.threads")),
		uint32(viper.GetInt("argon2.key_length")))
	return fmt.Sprintf("%s$%s", base64.StdEncoding.EncodeToString(salt), base64.StdEncoding.EncodeToString(hash)), nil
}

func verifySecret(secret, hashed string) bool {
	parts := strings.Split(hashed, "$")
	if len(parts) != 2 {
		return false
	}

	salt, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return false
	}
	hash, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return false
	}

	computed := argon2.IDKey([]byte(secret), salt,
		uint32(viper.GetInt("argon2.time")),
		uint32(viper.GetInt("argon2.memory")),
		uint8(viper.GetInt("argon2.threads")),
		uint32(viper.GetInt("argon2.key_length")))
	return string(hash) == string(computed)
}
