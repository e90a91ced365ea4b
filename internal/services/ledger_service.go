package services

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/lib/pq"

	"github.com/greenfelt/wallet/internal/config"
	"github.com/greenfelt/wallet/internal/models"
)

// LedgerService owns the account and entry tables. It is the system of
// record for balances: every mutation appends entries and bumps the account
// version inside one database transaction, serialized per account via
// sorted FOR UPDATE row locks.
type LedgerService struct {
	db          *sql.DB
	audit       *AuditLogger
	sys         config.SystemAccounts
	maxAttempts int
}

func NewLedgerService(db *sql.DB, cfg *config.WalletConfig) *LedgerService {
	maxAttempts := cfg.MaxConflictRetries
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &LedgerService{
		db:          db,
		audit:       NewAuditLogger(),
		sys:         cfg.SystemAccounts,
		maxAttempts: maxAttempts,
	}
}

// SystemAccounts exposes the well-known account ids to collaborating
// services (reservation engine, handlers).
func (s *LedgerService) SystemAccounts() config.SystemAccounts {
	return s.sys
}

// OperationResult is the snapshot stored with the idempotency record and
// returned verbatim on replay.
type OperationResult struct {
	Operation        string `json:"operation"`
	AccountID        string `json:"accountId,omitempty"`
	ReservationID    string `json:"reservationId,omitempty"`
	Amount           int64  `json:"amount"`
	Rake             int64  `json:"rake,omitempty"`
	Ref              string `json:"ref,omitempty"`
	NewRealBalance   int64  `json:"newRealBalance"`
	NewCreditBalance int64  `json:"newCreditBalance"`
	Settled          bool   `json:"settled,omitempty"`
	Released         bool   `json:"released,omitempty"`
	Replayed         bool   `json:"-"`
}

// requestHash fingerprints an operation's arguments so a reused idempotency
// key with different arguments can be rejected without touching balances.
func requestHash(parts ...string) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{':'})
		}
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Deposit credits external funds to an account. Deposits are the one
// operation without an offsetting entry: the source is outside the ledger's
// closed world. toCredit targets the promotional credit balance.
func (s *LedgerService) Deposit(ctx context.Context, accountID string, amount int64, ref, key string, toCredit bool) (*OperationResult, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("deposit amount must be positive, got %d", amount)
	}
	kind := models.KindReal
	if toCredit {
		kind = models.KindCredit
	}
	hash := requestHash(models.OpDeposit, accountID, ref, kind, fmt.Sprint(amount))
	return s.Execute(ctx, models.OpDeposit, key, hash, ErrAlreadyResolved, func(tx *sql.Tx) (*OperationResult, error) {
		acct, err := s.LockAccount(tx, accountID)
		if err != nil {
			return nil, err
		}
		if toCredit {
			acct.CreditBalance += amount
		} else {
			acct.RealBalance += amount
		}
		if err := s.WriteEntry(tx, accountID, amount, kind, models.OpDeposit, ref, key); err != nil {
			return nil, err
		}
		if err := s.SaveAccount(tx, acct); err != nil {
			return nil, err
		}
		s.audit.LogOperation(models.OpDeposit, ref, accountID, amount)
		return &OperationResult{
			Operation:        models.OpDeposit,
			AccountID:        accountID,
			Amount:           amount,
			Ref:              ref,
			NewRealBalance:   acct.RealBalance,
			NewCreditBalance: acct.CreditBalance,
		}, nil
	})
}

// Withdraw debits real funds. Credit funds are non-withdrawable; the check
// runs against the real balance only.
func (s *LedgerService) Withdraw(ctx context.Context, accountID string, amount int64, ref, key string) (*OperationResult, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("withdraw amount must be positive, got %d", amount)
	}
	hash := requestHash(models.OpWithdraw, accountID, ref, fmt.Sprint(amount))
	return s.Execute(ctx, models.OpWithdraw, key, hash, ErrAlreadyResolved, func(tx *sql.Tx) (*OperationResult, error) {
		acct, err := s.LockAccount(tx, accountID)
		if err != nil {
			return nil, err
		}
		if amount > acct.RealBalance {
			return nil, fmt.Errorf("withdraw %d from %s: %w", amount, accountID, ErrInsufficientFunds)
		}
		acct.RealBalance -= amount
		if err := s.WriteEntry(tx, accountID, -amount, models.KindReal, models.OpWithdraw, ref, key); err != nil {
			return nil, err
		}
		if err := s.SaveAccount(tx, acct); err != nil {
			return nil, err
		}
		s.audit.LogOperation(models.OpWithdraw, ref, accountID, amount)
		return &OperationResult{
			Operation:        models.OpWithdraw,
			AccountID:        accountID,
			Amount:           amount,
			Ref:              ref,
			NewRealBalance:   acct.RealBalance,
			NewCreditBalance: acct.CreditBalance,
		}, nil
	})
}

// BalanceInfo is the live balance view for one account.
type BalanceInfo struct {
	AccountID       string `json:"accountId"`
	RealBalance     int64  `json:"realBalance"`
	CreditBalance   int64  `json:"creditBalance"`
	PendingReserved int64  `json:"pendingReserved"`
	Available       int64  `json:"available"`
}

// Balance reports live balances plus the sum of the account's own Pending
// holds. Held funds already sit on the reserve account, so Available equals
// the real balance.
func (s *LedgerService) Balance(ctx context.Context, accountID string) (*BalanceInfo, error) {
	info := &BalanceInfo{AccountID: accountID}
	err := s.db.QueryRowContext(ctx,
		`SELECT real_balance, credit_balance FROM accounts WHERE id = $1`, accountID).
		Scan(&info.RealBalance, &info.CreditBalance)
	if err != nil {
		return nil, err
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM reservations WHERE account_id = $1 AND state = 'PENDING'`, accountID).
		Scan(&info.PendingReserved)
	if err != nil {
		return nil, err
	}
	info.Available = info.RealBalance
	return info, nil
}

// Entries lists an account's ledger entries, newest first.
func (s *LedgerService) Entries(ctx context.Context, accountID string, limit int) ([]models.LedgerEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT sequence, account_id, delta, kind, operation, ref, idempotency_key, created_at FROM ledger_entries WHERE account_id = $1 ORDER BY sequence DESC LIMIT $2`,
		accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []models.LedgerEntry{}
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.Sequence, &e.AccountID, &e.Delta, &e.Kind, &e.Operation, &e.Ref, &e.IdempotencyKey, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Execute runs one ledger operation: idempotency check, user callback,
// idempotency record write, commit — retried on transient account conflicts
// up to the bounded attempt count. mismatchErr is returned when the key was
// seen before with different arguments.
//
// The reservation engine routes its transitions through here so that no two
// components can independently race on the same account's balance.
func (s *LedgerService) Execute(ctx context.Context, operation, key, hash string, mismatchErr error, fn func(tx *sql.Tx) (*OperationResult, error)) (*OperationResult, error) {
	var res *OperationResult
	var err error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		res, err = s.attempt(ctx, operation, key, hash, mismatchErr, fn)
		if !errors.Is(err, ErrConflictRetry) {
			return res, err
		}
		log.Printf("[LEDGER] %s conflict on attempt %d/%d, retrying", operation, attempt, s.maxAttempts)
	}
	return nil, fmt.Errorf("%s: attempts exhausted: %w", operation, ErrConflictRetry)
}

func (s *LedgerService) attempt(ctx context.Context, operation, key, hash string, mismatchErr error, fn func(tx *sql.Tx) (*OperationResult, error)) (*OperationResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if key != "" {
		rec, found, err := s.idempotencyRecord(tx, key)
		if err != nil {
			return nil, err
		}
		if found {
			if rec.Operation != operation || rec.RequestHash != hash {
				return nil, fmt.Errorf("idempotency key %s reused with different arguments: %w", key, mismatchErr)
			}
			var prior OperationResult
			if err := json.Unmarshal(rec.Result, &prior); err != nil {
				return nil, fmt.Errorf("corrupt idempotency record for key %s: %w", key, err)
			}
			prior.Replayed = true
			return &prior, nil
		}
	}

	res, err := fn(tx)
	if err != nil {
		return nil, err
	}

	if key != "" {
		payload, err := json.Marshal(res)
		if err != nil {
			return nil, err
		}
		if _, err := tx.Exec(
			`INSERT INTO idempotency_keys (key, operation, request_hash, result, applied_at) VALUES ($1, $2, $3, $4, $5)`,
			key, operation, hash, payload, time.Now()); err != nil {
			// A concurrent request won the key; retry to replay its result.
			if isUniqueViolation(err) {
				return nil, fmt.Errorf("idempotency key race on %s: %w", key, ErrConflictRetry)
			}
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		if isSerializationFailure(err) {
			return nil, fmt.Errorf("commit: %w", ErrConflictRetry)
		}
		return nil, err
	}
	return res, nil
}

func (s *LedgerService) idempotencyRecord(tx *sql.Tx, key string) (*models.IdempotencyRecord, bool, error) {
	rec := &models.IdempotencyRecord{Key: key}
	err := tx.QueryRow(
		`SELECT operation, request_hash, result FROM idempotency_keys WHERE key = $1`, key).
		Scan(&rec.Operation, &rec.RequestHash, &rec.Result)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

// LockAccount takes the account's row lock, creating the row lazily on
// first reference.
func (s *LedgerService) LockAccount(tx *sql.Tx, accountID string) (*models.Account, error) {
	if _, err := tx.Exec(`INSERT INTO accounts (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, accountID); err != nil {
		return nil, err
	}
	var account models.Account
	err := tx.QueryRow(
		`SELECT id, real_balance, credit_balance, version, updated_at FROM accounts WHERE id = $1 FOR UPDATE`,
		accountID).Scan(&account.ID, &account.RealBalance, &account.CreditBalance, &account.Version, &account.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// LockAccounts locks a set of accounts in sorted id order to prevent
// deadlocks between concurrent multi-account operations.
func (s *LedgerService) LockAccounts(tx *sql.Tx, accountIDs ...string) (map[string]*models.Account, error) {
	ids := make([]string, 0, len(accountIDs))
	seen := map[string]bool{}
	for _, id := range accountIDs {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	locked := make(map[string]*models.Account, len(ids))
	for _, id := range ids {
		acct, err := s.LockAccount(tx, id)
		if err != nil {
			return nil, err
		}
		locked[id] = acct
	}
	return locked, nil
}

// WriteEntry appends one immutable ledger entry.
func (s *LedgerService) WriteEntry(tx *sql.Tx, accountID string, delta int64, kind, operation, ref, key string) error {
	idemKey := sql.NullString{String: key, Valid: key != ""}
	_, err := tx.Exec(
		`INSERT INTO ledger_entries (account_id, delta, kind, operation, ref, idempotency_key, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		accountID, delta, kind, operation, ref, idemKey, time.Now())
	return err
}

// SaveAccount persists the mutated balances with an optimistic version
// check. Zero rows affected means another writer got there first.
func (s *LedgerService) SaveAccount(tx *sql.Tx, acct *models.Account) error {
	if acct.RealBalance < 0 || acct.CreditBalance < 0 {
		return fmt.Errorf("account %s would go negative: %w", acct.ID, ErrInsufficientFunds)
	}
	result, err := tx.Exec(
		`UPDATE accounts SET real_balance = $1, credit_balance = $2, version = version + 1, updated_at = $3 WHERE id = $4 AND version = $5`,
		acct.RealBalance, acct.CreditBalance, time.Now(), acct.ID, acct.Version)
	if err != nil {
		return err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return fmt.Errorf("account %s version %d: %w", acct.ID, acct.Version, ErrConflictRetry)
	}
	acct.Version++
	return nil
}

// TransferLocked moves amount between two already-locked accounts as a
// paired debit/credit (double-entry: the deltas sum to zero). Both entries
// and both balance updates belong to the surrounding transaction.
func (s *LedgerService) TransferLocked(tx *sql.Tx, from, to *models.Account, amount int64, operation, ref, key string) error {
	if amount <= 0 {
		return fmt.Errorf("transfer amount must be positive, got %d", amount)
	}
	if from.RealBalance < amount {
		return fmt.Errorf("transfer %d from %s: %w", amount, from.ID, ErrInsufficientFunds)
	}
	if err := s.WriteEntry(tx, from.ID, -amount, models.KindReal, operation, ref, key); err != nil {
		return err
	}
	if err := s.WriteEntry(tx, to.ID, amount, models.KindReal, operation, ref, key); err != nil {
		return err
	}
	from.RealBalance -= amount
	to.RealBalance += amount
	if err := s.SaveAccount(tx, from); err != nil {
		return err
	}
	return s.SaveAccount(tx, to)
}

// Transfer is the standalone internal primitive: locks both accounts in
// sorted order and applies the paired entries atomically.
func (s *LedgerService) Transfer(ctx context.Context, fromID, toID string, amount int64, operation, ref, key string) (*OperationResult, error) {
	hash := requestHash(operation, fromID, toID, ref, fmt.Sprint(amount))
	return s.Execute(ctx, operation, key, hash, ErrAlreadyResolved, func(tx *sql.Tx) (*OperationResult, error) {
		locked, err := s.LockAccounts(tx, fromID, toID)
		if err != nil {
			return nil, err
		}
		if err := s.TransferLocked(tx, locked[fromID], locked[toID], amount, operation, ref, key); err != nil {
			return nil, err
		}
		return &OperationResult{
			Operation:        operation,
			AccountID:        fromID,
			Amount:           amount,
			Ref:              ref,
			NewRealBalance:   locked[fromID].RealBalance,
			NewCreditBalance: locked[fromID].CreditBalance,
		}, nil
	})
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

func isSerializationFailure(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	return false
}
