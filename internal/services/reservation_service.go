package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/greenfelt/wallet/internal/models"
)

// ReservationService drives the hold lifecycle: Pending, then exactly one of
// Committed or RolledBack. Funds move to the reserve account the moment the
// hold is taken, so a crash can never leave money both spendable and at the
// table. All transitions run through the ledger's Execute wrapper and share
// its idempotency and retry behavior.
type ReservationService struct {
	ledger     *LedgerService
	audit      *AuditLogger
	staleAfter time.Duration
}

func NewReservationService(ledger *LedgerService, staleAfter time.Duration) *ReservationService {
	return &ReservationService{
		ledger:     ledger,
		audit:      NewAuditLogger(),
		staleAfter: staleAfter,
	}
}

// Reserve places a hold: the amount leaves the owner's real balance and sits
// on the reserve account until Commit or Rollback. The expected rake is
// recorded on the reservation and checked again at commit time.
func (s *ReservationService) Reserve(ctx context.Context, accountID string, amount, rake int64, ref, key string) (*OperationResult, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("reserve amount must be positive, got %d", amount)
	}
	if rake < 0 || rake > amount {
		return nil, fmt.Errorf("rake %d out of range for amount %d", rake, amount)
	}
	reserveID := s.ledger.SystemAccounts().Reserve
	hash := requestHash(models.OpReserve, accountID, ref, fmt.Sprint(amount), fmt.Sprint(rake))
	return s.ledger.Execute(ctx, models.OpReserve, key, hash, ErrReservationMismatch, func(tx *sql.Tx) (*OperationResult, error) {
		locked, err := s.ledger.LockAccounts(tx, accountID, reserveID)
		if err != nil {
			return nil, err
		}
		owner := locked[accountID]
		if amount > owner.RealBalance {
			return nil, fmt.Errorf("reserve %d from %s: %w", amount, accountID, ErrInsufficientFunds)
		}

		reservationID := uuid.New().String()
		if _, err := tx.Exec(
			`INSERT INTO reservations (id, account_id, amount, rake, ref, state, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			reservationID, accountID, amount, rake, ref, models.ReservationPending, time.Now()); err != nil {
			return nil, err
		}
		if err := s.ledger.TransferLocked(tx, owner, locked[reserveID], amount, models.OpReserve, ref, key); err != nil {
			return nil, err
		}

		s.audit.LogOperation(models.OpReserve, ref, accountID, amount)
		return &OperationResult{
			Operation:        models.OpReserve,
			AccountID:        accountID,
			ReservationID:    reservationID,
			Amount:           amount,
			Rake:             rake,
			Ref:              ref,
			NewRealBalance:   owner.RealBalance,
			NewCreditBalance: owner.CreditBalance,
		}, nil
	})
}

// Commit settles a Pending reservation: rake moves to the rake account and
// the remainder to the payout accounts. Payouts must sum to amount-rake; an
// empty map pays the whole remainder to the prize pool for later award.
// Amount and rake must match the reservation exactly.
func (s *ReservationService) Commit(ctx context.Context, reservationID string, amount, rake int64, payouts map[string]int64, ref, key string) (*OperationResult, error) {
	sys := s.ledger.SystemAccounts()
	if len(payouts) == 0 {
		payouts = map[string]int64{sys.Prize: amount - rake}
	}
	var payoutTotal int64
	for acct, share := range payouts {
		if share < 0 {
			return nil, fmt.Errorf("payout to %s is negative: %w", acct, ErrReservationMismatch)
		}
		payoutTotal += share
	}
	if payoutTotal != amount-rake {
		return nil, fmt.Errorf("payouts sum to %d, want %d: %w", payoutTotal, amount-rake, ErrReservationMismatch)
	}

	hash := requestHash(models.OpReserveCommit, reservationID, ref, fmt.Sprint(amount), fmt.Sprint(rake), canonicalPayouts(payouts))
	return s.ledger.Execute(ctx, models.OpReserveCommit, key, hash, ErrReservationMismatch, func(tx *sql.Tx) (*OperationResult, error) {
		rsv, err := s.lockReservation(tx, reservationID)
		if err != nil {
			return nil, err
		}
		if rsv.State != models.ReservationPending {
			return nil, fmt.Errorf("reservation %s is %s: %w", reservationID, rsv.State, ErrAlreadyResolved)
		}
		if rsv.Amount != amount || rsv.Rake != rake {
			return nil, fmt.Errorf("commit args amount=%d rake=%d vs reservation amount=%d rake=%d: %w",
				amount, rake, rsv.Amount, rsv.Rake, ErrReservationMismatch)
		}

		ids := []string{sys.Reserve, sys.Rake}
		for acct := range payouts {
			ids = append(ids, acct)
		}
		locked, err := s.ledger.LockAccounts(tx, ids...)
		if err != nil {
			return nil, err
		}

		reserve := locked[sys.Reserve]
		if reserve.RealBalance < amount {
			// The hold was placed, so the funds must be here. Anything else
			// is corruption and must not settle.
			return nil, fmt.Errorf("reserve account holds %d, need %d: %w", reserve.RealBalance, amount, ErrIntegrityViolation)
		}
		if err := s.ledger.WriteEntry(tx, sys.Reserve, -amount, models.KindReal, models.OpReserveCommit, ref, key); err != nil {
			return nil, err
		}
		reserve.RealBalance -= amount
		if rake > 0 {
			if err := s.ledger.WriteEntry(tx, sys.Rake, rake, models.KindReal, models.OpReserveCommit, ref, key); err != nil {
				return nil, err
			}
			locked[sys.Rake].RealBalance += rake
		}
		for _, acct := range sortedPayoutAccounts(payouts) {
			share := payouts[acct]
			if share == 0 {
				continue
			}
			if err := s.ledger.WriteEntry(tx, acct, share, models.KindReal, models.OpReserveCommit, ref, key); err != nil {
				return nil, err
			}
			locked[acct].RealBalance += share
		}
		for _, id := range sortedAccountIDs(locked) {
			if err := s.ledger.SaveAccount(tx, locked[id]); err != nil {
				return nil, err
			}
		}
		if err := s.resolveReservation(tx, reservationID, models.ReservationCommitted); err != nil {
			return nil, err
		}

		s.audit.LogOperation(models.OpReserveCommit, ref, rsv.AccountID, amount)
		return &OperationResult{
			Operation:     models.OpReserveCommit,
			AccountID:     rsv.AccountID,
			ReservationID: reservationID,
			Amount:        amount,
			Rake:          rake,
			Ref:           ref,
			Settled:       true,
		}, nil
	})
}

// Rollback releases a Pending reservation: the full amount returns from the
// reserve account to the owner. Amount must match the reservation exactly.
func (s *ReservationService) Rollback(ctx context.Context, reservationID string, amount int64, ref, key string) (*OperationResult, error) {
	reserveID := s.ledger.SystemAccounts().Reserve
	hash := requestHash(models.OpReserveRollback, reservationID, ref, fmt.Sprint(amount))
	return s.ledger.Execute(ctx, models.OpReserveRollback, key, hash, ErrReservationMismatch, func(tx *sql.Tx) (*OperationResult, error) {
		rsv, err := s.lockReservation(tx, reservationID)
		if err != nil {
			return nil, err
		}
		if rsv.State != models.ReservationPending {
			return nil, fmt.Errorf("reservation %s is %s: %w", reservationID, rsv.State, ErrAlreadyResolved)
		}
		if rsv.Amount != amount {
			return nil, fmt.Errorf("rollback amount %d vs reservation amount %d: %w", amount, rsv.Amount, ErrReservationMismatch)
		}

		locked, err := s.ledger.LockAccounts(tx, reserveID, rsv.AccountID)
		if err != nil {
			return nil, err
		}
		if err := s.ledger.TransferLocked(tx, locked[reserveID], locked[rsv.AccountID], amount, models.OpReserveRollback, ref, key); err != nil {
			return nil, err
		}
		if err := s.resolveReservation(tx, reservationID, models.ReservationRolledBack); err != nil {
			return nil, err
		}

		owner := locked[rsv.AccountID]
		s.audit.LogOperation(models.OpReserveRollback, ref, rsv.AccountID, amount)
		return &OperationResult{
			Operation:        models.OpReserveRollback,
			AccountID:        rsv.AccountID,
			ReservationID:    reservationID,
			Amount:           amount,
			Ref:              ref,
			NewRealBalance:   owner.RealBalance,
			NewCreditBalance: owner.CreditBalance,
			Released:         true,
		}, nil
	})
}

// Get returns one reservation by id.
func (s *ReservationService) Get(ctx context.Context, reservationID string) (*models.Reservation, error) {
	var rsv models.Reservation
	err := s.ledger.db.QueryRowContext(ctx,
		`SELECT id, account_id, amount, rake, ref, state, created_at, resolved_at FROM reservations WHERE id = $1`,
		reservationID).
		Scan(&rsv.ID, &rsv.AccountID, &rsv.Amount, &rsv.Rake, &rsv.Ref, &rsv.State, &rsv.CreatedAt, &rsv.ResolvedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("reservation %s: %w", reservationID, ErrReservationNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &rsv, nil
}

// ExpireStale force-rolls-back Pending reservations older than the staleness
// window. Administrative only: it runs when an operator invokes it, never on
// a timer, and every release is audited with the acting operator.
func (s *ReservationService) ExpireStale(ctx context.Context, actor string) ([]models.Reservation, error) {
	cutoff := time.Now().Add(-s.staleAfter)
	rows, err := s.ledger.db.QueryContext(ctx,
		`SELECT id, account_id, amount, rake, ref, created_at FROM reservations WHERE state = 'PENDING' AND created_at < $1 ORDER BY created_at`,
		cutoff)
	if err != nil {
		return nil, err
	}
	stale := []models.Reservation{}
	for rows.Next() {
		var rsv models.Reservation
		if err := rows.Scan(&rsv.ID, &rsv.AccountID, &rsv.Amount, &rsv.Rake, &rsv.Ref, &rsv.CreatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		stale = append(stale, rsv)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	expired := []models.Reservation{}
	var sweepErrs []error
	for _, rsv := range stale {
		// Deterministic key: a repeated expiry run replays instead of
		// double-releasing.
		key := "expire:" + rsv.ID
		if _, err := s.Rollback(ctx, rsv.ID, rsv.Amount, rsv.Ref, key); err != nil {
			// Resolved between the scan and the sweep; nothing to release.
			if errors.Is(err, ErrAlreadyResolved) {
				continue
			}
			s.audit.LogError(models.OpReserveRollback, rsv.ID, rsv.AccountID, err)
			sweepErrs = append(sweepErrs, fmt.Errorf("reservation %s: %w", rsv.ID, err))
			continue
		}
		s.audit.LogForcedRollback(rsv.ID, rsv.AccountID, actor, rsv.Amount)
		expired = append(expired, rsv)
	}
	return expired, errors.Join(sweepErrs...)
}

func (s *ReservationService) lockReservation(tx *sql.Tx, reservationID string) (*models.Reservation, error) {
	var rsv models.Reservation
	err := tx.QueryRow(
		`SELECT id, account_id, amount, rake, ref, state, created_at FROM reservations WHERE id = $1 FOR UPDATE`,
		reservationID).
		Scan(&rsv.ID, &rsv.AccountID, &rsv.Amount, &rsv.Rake, &rsv.Ref, &rsv.State, &rsv.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("reservation %s: %w", reservationID, ErrReservationNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &rsv, nil
}

func (s *ReservationService) resolveReservation(tx *sql.Tx, reservationID, state string) error {
	result, err := tx.Exec(
		`UPDATE reservations SET state = $1, resolved_at = $2 WHERE id = $3 AND state = 'PENDING'`,
		state, time.Now(), reservationID)
	if err != nil {
		return err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return fmt.Errorf("reservation %s left PENDING concurrently: %w", reservationID, ErrConflictRetry)
	}
	return nil
}

func canonicalPayouts(payouts map[string]int64) string {
	parts := make([]string, 0, len(payouts))
	for _, acct := range sortedPayoutAccounts(payouts) {
		parts = append(parts, fmt.Sprintf("%s=%d", acct, payouts[acct]))
	}
	return strings.Join(parts, ",")
}

func sortedPayoutAccounts(payouts map[string]int64) []string {
	ids := make([]string, 0, len(payouts))
	for acct := range payouts {
		ids = append(ids, acct)
	}
	sort.Strings(ids)
	return ids
}

func sortedAccountIDs(accounts map[string]*models.Account) []string {
	ids := make([]string, 0, len(accounts))
	for id := range accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
