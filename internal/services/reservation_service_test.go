package services

import (
	"context"
	"database/sql/driver"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
)

// deltaSum matches any entry delta while accumulating it, so a test can
// assert the written entries balance without pinning each value.
type deltaSum struct{ total *int64 }

func (d deltaSum) Match(v driver.Value) bool {
	if n, ok := v.(int64); ok {
		*d.total += n
	}
	return true
}

func newReservationFixture(t *testing.T) (*ReservationService, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)

	ledger := NewLedgerService(db, testWalletConfig())
	service := NewReservationService(ledger, 30*time.Minute)
	return service, mock, func() { db.Close() }
}

func expectPendingReservation(mock sqlmock.Sqlmock, reservationID, accountID string, amount, rake int64, ref, state string) {
	mock.ExpectQuery("SELECT id, account_id, amount, rake, ref, state, created_at FROM reservations WHERE id = \\$1 FOR UPDATE").
		WithArgs(reservationID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "account_id", "amount", "rake", "ref", "state", "created_at"}).
			AddRow(reservationID, accountID, amount, rake, ref, state, time.Now()))
}

func TestReservationService_Reserve(t *testing.T) {
	service, mock, closeDB := newReservationFixture(t)
	defer closeDB()

	t.Run("successful reserve moves funds to the reserve account", func(t *testing.T) {
		mock.ExpectBegin()
		expectNoIdempotencyRecord(mock, "rsv-key")
		// Sorted lock order: reserve before u1.
		expectLockAccount(mock, "reserve", 0, 0, 1)
		expectLockAccount(mock, "u1", 1000, 0, 5)

		mock.ExpectExec("INSERT INTO reservations").
			WithArgs(sqlmock.AnyArg(), "u1", int64(200), int64(10), "hand-77", "PENDING", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectExec("INSERT INTO ledger_entries").
			WithArgs("u1", int64(-200), "REAL", "reserve", "hand-77", "rsv-key", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("INSERT INTO ledger_entries").
			WithArgs("reserve", int64(200), "REAL", "reserve", "hand-77", "rsv-key", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(2, 1))

		mock.ExpectExec("UPDATE accounts SET real_balance").
			WithArgs(int64(800), int64(0), sqlmock.AnyArg(), "u1", 5).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE accounts SET real_balance").
			WithArgs(int64(200), int64(0), sqlmock.AnyArg(), "reserve", 1).
			WillReturnResult(sqlmock.NewResult(0, 1))

		mock.ExpectExec("INSERT INTO idempotency_keys").
			WithArgs("rsv-key", "reserve", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectCommit()

		res, err := service.Reserve(context.Background(), "u1", 200, 10, "hand-77", "rsv-key")
		assert.NoError(t, err)
		assert.NotEmpty(t, res.ReservationID)
		assert.Equal(t, int64(800), res.NewRealBalance)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insufficient funds", func(t *testing.T) {
		mock.ExpectBegin()
		expectNoIdempotencyRecord(mock, "rsv-key-2")
		expectLockAccount(mock, "reserve", 0, 0, 1)
		expectLockAccount(mock, "u2", 50, 0, 1)
		mock.ExpectRollback()

		_, err := service.Reserve(context.Background(), "u2", 200, 10, "hand-78", "rsv-key-2")
		assert.ErrorIs(t, err, ErrInsufficientFunds)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects rake above amount", func(t *testing.T) {
		_, err := service.Reserve(context.Background(), "u1", 100, 150, "hand-79", "rsv-key-3")
		assert.Error(t, err)
	})
}

func TestReservationService_Commit(t *testing.T) {
	service, mock, closeDB := newReservationFixture(t)
	defer closeDB()

	t.Run("successful commit splits rake and prize", func(t *testing.T) {
		mock.ExpectBegin()
		expectNoIdempotencyRecord(mock, "cmt-key")
		expectPendingReservation(mock, "rsv-1", "u1", 200, 10, "hand-77", "PENDING")

		// Sorted lock order: prize, rake, reserve.
		expectLockAccount(mock, "prize", 0, 0, 1)
		expectLockAccount(mock, "rake", 40, 0, 2)
		expectLockAccount(mock, "reserve", 500, 0, 3)

		mock.ExpectExec("INSERT INTO ledger_entries").
			WithArgs("reserve", int64(-200), "REAL", "reserveCommit", "hand-77", "cmt-key", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("INSERT INTO ledger_entries").
			WithArgs("rake", int64(10), "REAL", "reserveCommit", "hand-77", "cmt-key", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(2, 1))
		mock.ExpectExec("INSERT INTO ledger_entries").
			WithArgs("prize", int64(190), "REAL", "reserveCommit", "hand-77", "cmt-key", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(3, 1))

		mock.ExpectExec("UPDATE accounts SET real_balance").
			WithArgs(int64(190), int64(0), sqlmock.AnyArg(), "prize", 1).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE accounts SET real_balance").
			WithArgs(int64(50), int64(0), sqlmock.AnyArg(), "rake", 2).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE accounts SET real_balance").
			WithArgs(int64(300), int64(0), sqlmock.AnyArg(), "reserve", 3).
			WillReturnResult(sqlmock.NewResult(0, 1))

		mock.ExpectExec("UPDATE reservations SET state = \\$1, resolved_at = \\$2 WHERE id = \\$3 AND state = 'PENDING'").
			WithArgs("COMMITTED", sqlmock.AnyArg(), "rsv-1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		mock.ExpectExec("INSERT INTO idempotency_keys").
			WithArgs("cmt-key", "reserveCommit", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectCommit()

		res, err := service.Commit(context.Background(), "rsv-1", 200, 10, nil, "hand-77", "cmt-key")
		assert.NoError(t, err)
		assert.True(t, res.Settled)
		assert.Equal(t, "u1", res.AccountID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("amount mismatch", func(t *testing.T) {
		mock.ExpectBegin()
		expectNoIdempotencyRecord(mock, "cmt-key-2")
		expectPendingReservation(mock, "rsv-1", "u1", 200, 10, "hand-77", "PENDING")
		mock.ExpectRollback()

		_, err := service.Commit(context.Background(), "rsv-1", 250, 10, nil, "hand-77", "cmt-key-2")
		assert.ErrorIs(t, err, ErrReservationMismatch)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("already resolved under a new key", func(t *testing.T) {
		mock.ExpectBegin()
		expectNoIdempotencyRecord(mock, "cmt-key-3")
		expectPendingReservation(mock, "rsv-1", "u1", 200, 10, "hand-77", "COMMITTED")
		mock.ExpectRollback()

		_, err := service.Commit(context.Background(), "rsv-1", 200, 10, nil, "hand-77", "cmt-key-3")
		assert.ErrorIs(t, err, ErrAlreadyResolved)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("payouts must sum to amount minus rake", func(t *testing.T) {
		payouts := map[string]int64{"winner": 100}
		_, err := service.Commit(context.Background(), "rsv-1", 200, 10, payouts, "hand-77", "cmt-key-4")
		assert.ErrorIs(t, err, ErrReservationMismatch)
	})

	t.Run("missing reservation", func(t *testing.T) {
		mock.ExpectBegin()
		expectNoIdempotencyRecord(mock, "cmt-key-5")
		mock.ExpectQuery("SELECT id, account_id, amount, rake, ref, state, created_at FROM reservations WHERE id = \\$1 FOR UPDATE").
			WithArgs("rsv-missing").
			WillReturnRows(sqlmock.NewRows([]string{"id", "account_id", "amount", "rake", "ref", "state", "created_at"}))
		mock.ExpectRollback()

		_, err := service.Commit(context.Background(), "rsv-missing", 200, 10, nil, "hand-77", "cmt-key-5")
		assert.ErrorIs(t, err, ErrReservationNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestReservationService_Rollback(t *testing.T) {
	service, mock, closeDB := newReservationFixture(t)
	defer closeDB()

	t.Run("successful rollback returns the full hold", func(t *testing.T) {
		mock.ExpectBegin()
		expectNoIdempotencyRecord(mock, "rb-key")
		expectPendingReservation(mock, "rsv-1", "u1", 200, 10, "hand-77", "PENDING")

		expectLockAccount(mock, "reserve", 500, 0, 1)
		expectLockAccount(mock, "u1", 800, 0, 6)

		mock.ExpectExec("INSERT INTO ledger_entries").
			WithArgs("reserve", int64(-200), "REAL", "reserveRollback", "hand-77", "rb-key", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("INSERT INTO ledger_entries").
			WithArgs("u1", int64(200), "REAL", "reserveRollback", "hand-77", "rb-key", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(2, 1))

		mock.ExpectExec("UPDATE accounts SET real_balance").
			WithArgs(int64(300), int64(0), sqlmock.AnyArg(), "reserve", 1).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE accounts SET real_balance").
			WithArgs(int64(1000), int64(0), sqlmock.AnyArg(), "u1", 6).
			WillReturnResult(sqlmock.NewResult(0, 1))

		mock.ExpectExec("UPDATE reservations SET state = \\$1, resolved_at = \\$2 WHERE id = \\$3 AND state = 'PENDING'").
			WithArgs("ROLLED_BACK", sqlmock.AnyArg(), "rsv-1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		mock.ExpectExec("INSERT INTO idempotency_keys").
			WithArgs("rb-key", "reserveRollback", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectCommit()

		res, err := service.Rollback(context.Background(), "rsv-1", 200, "hand-77", "rb-key")
		assert.NoError(t, err)
		assert.True(t, res.Released)
		assert.Equal(t, int64(1000), res.NewRealBalance)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rollback of resolved reservation fails", func(t *testing.T) {
		mock.ExpectBegin()
		expectNoIdempotencyRecord(mock, "rb-key-2")
		expectPendingReservation(mock, "rsv-1", "u1", 200, 10, "hand-77", "ROLLED_BACK")
		mock.ExpectRollback()

		_, err := service.Rollback(context.Background(), "rsv-1", 200, "hand-77", "rb-key-2")
		assert.ErrorIs(t, err, ErrAlreadyResolved)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("amount mismatch", func(t *testing.T) {
		mock.ExpectBegin()
		expectNoIdempotencyRecord(mock, "rb-key-3")
		expectPendingReservation(mock, "rsv-1", "u1", 200, 10, "hand-77", "PENDING")
		mock.ExpectRollback()

		_, err := service.Rollback(context.Background(), "rsv-1", 150, "hand-77", "rb-key-3")
		assert.ErrorIs(t, err, ErrReservationMismatch)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestReservationService_ConcurrentResolution(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	cfg := testWalletConfig()
	cfg.MaxConflictRetries = 1
	ledger := NewLedgerService(db, cfg)
	service := NewReservationService(ledger, 30*time.Minute)

	// The reservation reads as PENDING but another writer resolves it before
	// the state-guarded update lands: zero rows affected, transient conflict.
	mock.ExpectBegin()
	expectNoIdempotencyRecord(mock, "race-key")
	expectPendingReservation(mock, "rsv-1", "u1", 200, 10, "hand-77", "PENDING")

	expectLockAccount(mock, "reserve", 500, 0, 1)
	expectLockAccount(mock, "u1", 800, 0, 6)

	mock.ExpectExec("INSERT INTO ledger_entries").
		WithArgs("reserve", int64(-200), "REAL", "reserveRollback", "hand-77", "race-key", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO ledger_entries").
		WithArgs("u1", int64(200), "REAL", "reserveRollback", "hand-77", "race-key", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(2, 1))

	mock.ExpectExec("UPDATE accounts SET real_balance").
		WithArgs(int64(300), int64(0), sqlmock.AnyArg(), "reserve", 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE accounts SET real_balance").
		WithArgs(int64(1000), int64(0), sqlmock.AnyArg(), "u1", 6).
		WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectExec("UPDATE reservations SET state = \\$1, resolved_at = \\$2 WHERE id = \\$3 AND state = 'PENDING'").
		WithArgs("ROLLED_BACK", sqlmock.AnyArg(), "rsv-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err = service.Rollback(context.Background(), "rsv-1", 200, "hand-77", "race-key")
	assert.ErrorIs(t, err, ErrConflictRetry)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReservationService_Conservation(t *testing.T) {
	service, mock, closeDB := newReservationFixture(t)
	defer closeDB()

	var total int64
	sum := deltaSum{total: &total}
	anyEntry := func() []driver.Value {
		return []driver.Value{sqlmock.AnyArg(), sum, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()}
	}

	// Reserve 200 from u1.
	mock.ExpectBegin()
	expectNoIdempotencyRecord(mock, "c-rsv")
	expectLockAccount(mock, "reserve", 0, 0, 1)
	expectLockAccount(mock, "u1", 1000, 0, 1)
	mock.ExpectExec("INSERT INTO reservations").
		WithArgs(sqlmock.AnyArg(), "u1", int64(200), int64(10), "hand-9", "PENDING", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO ledger_entries").WithArgs(anyEntry()...).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO ledger_entries").WithArgs(anyEntry()...).WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectExec("UPDATE accounts SET real_balance").
		WithArgs(int64(800), int64(0), sqlmock.AnyArg(), "u1", 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE accounts SET real_balance").
		WithArgs(int64(200), int64(0), sqlmock.AnyArg(), "reserve", 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO idempotency_keys").
		WithArgs("c-rsv", "reserve", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	res, err := service.Reserve(context.Background(), "u1", 200, 10, "hand-9", "c-rsv")
	assert.NoError(t, err)

	// Commit the hold: rake and prize shares.
	mock.ExpectBegin()
	expectNoIdempotencyRecord(mock, "c-cmt")
	expectPendingReservation(mock, res.ReservationID, "u1", 200, 10, "hand-9", "PENDING")
	expectLockAccount(mock, "prize", 0, 0, 1)
	expectLockAccount(mock, "rake", 0, 0, 1)
	expectLockAccount(mock, "reserve", 200, 0, 2)
	mock.ExpectExec("INSERT INTO ledger_entries").WithArgs(anyEntry()...).WillReturnResult(sqlmock.NewResult(3, 1))
	mock.ExpectExec("INSERT INTO ledger_entries").WithArgs(anyEntry()...).WillReturnResult(sqlmock.NewResult(4, 1))
	mock.ExpectExec("INSERT INTO ledger_entries").WithArgs(anyEntry()...).WillReturnResult(sqlmock.NewResult(5, 1))
	mock.ExpectExec("UPDATE accounts SET real_balance").
		WithArgs(int64(190), int64(0), sqlmock.AnyArg(), "prize", 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE accounts SET real_balance").
		WithArgs(int64(10), int64(0), sqlmock.AnyArg(), "rake", 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE accounts SET real_balance").
		WithArgs(int64(0), int64(0), sqlmock.AnyArg(), "reserve", 2).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE reservations SET state").
		WithArgs("COMMITTED", sqlmock.AnyArg(), res.ReservationID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO idempotency_keys").
		WithArgs("c-cmt", "reserveCommit", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	_, err = service.Commit(context.Background(), res.ReservationID, 200, 10, nil, "hand-9", "c-cmt")
	assert.NoError(t, err)

	// Every internal movement is double-entry: across the whole
	// reserve/commit cycle the written deltas cancel out.
	assert.Equal(t, int64(0), total)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReservationService_ExpireStale(t *testing.T) {
	service, mock, closeDB := newReservationFixture(t)
	defer closeDB()

	t.Run("no stale reservations", func(t *testing.T) {
		mock.ExpectQuery("SELECT id, account_id, amount, rake, ref, created_at FROM reservations WHERE state = 'PENDING' AND created_at < \\$1 ORDER BY created_at").
			WithArgs(sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id", "account_id", "amount", "rake", "ref", "created_at"}))

		expired, err := service.ExpireStale(context.Background(), "ops-alice")
		assert.NoError(t, err)
		assert.Empty(t, expired)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("releases each stale hold with a deterministic key", func(t *testing.T) {
		mock.ExpectQuery("SELECT id, account_id, amount, rake, ref, created_at FROM reservations WHERE state = 'PENDING' AND created_at < \\$1 ORDER BY created_at").
			WithArgs(sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id", "account_id", "amount", "rake", "ref", "created_at"}).
				AddRow("rsv-old", "u1", 200, 10, "hand-42", time.Now().Add(-2*time.Hour)))

		mock.ExpectBegin()
		expectNoIdempotencyRecord(mock, "expire:rsv-old")
		expectPendingReservation(mock, "rsv-old", "u1", 200, 10, "hand-42", "PENDING")

		expectLockAccount(mock, "reserve", 200, 0, 1)
		expectLockAccount(mock, "u1", 0, 0, 1)

		mock.ExpectExec("INSERT INTO ledger_entries").
			WithArgs("reserve", int64(-200), "REAL", "reserveRollback", "hand-42", "expire:rsv-old", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("INSERT INTO ledger_entries").
			WithArgs("u1", int64(200), "REAL", "reserveRollback", "hand-42", "expire:rsv-old", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(2, 1))

		mock.ExpectExec("UPDATE accounts SET real_balance").
			WithArgs(int64(0), int64(0), sqlmock.AnyArg(), "reserve", 1).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE accounts SET real_balance").
			WithArgs(int64(200), int64(0), sqlmock.AnyArg(), "u1", 1).
			WillReturnResult(sqlmock.NewResult(0, 1))

		mock.ExpectExec("UPDATE reservations SET state = \\$1, resolved_at = \\$2 WHERE id = \\$3 AND state = 'PENDING'").
			WithArgs("ROLLED_BACK", sqlmock.AnyArg(), "rsv-old").
			WillReturnResult(sqlmock.NewResult(0, 1))

		mock.ExpectExec("INSERT INTO idempotency_keys").
			WithArgs("expire:rsv-old", "reserveRollback", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectCommit()

		expired, err := service.ExpireStale(context.Background(), "ops-alice")
		assert.NoError(t, err)
		assert.Len(t, expired, 1)
		assert.Equal(t, "rsv-old", expired[0].ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("skips holds resolved concurrently and sweeps the rest", func(t *testing.T) {
		mock.ExpectQuery("SELECT id, account_id, amount, rake, ref, created_at FROM reservations WHERE state = 'PENDING' AND created_at < \\$1 ORDER BY created_at").
			WithArgs(sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id", "account_id", "amount", "rake", "ref", "created_at"}).
				AddRow("rsv-a", "u1", 200, 10, "hand-1", time.Now().Add(-2*time.Hour)).
				AddRow("rsv-b", "u2", 100, 0, "hand-2", time.Now().Add(-2*time.Hour)))

		// rsv-a was committed between the scan and the sweep.
		mock.ExpectBegin()
		expectNoIdempotencyRecord(mock, "expire:rsv-a")
		expectPendingReservation(mock, "rsv-a", "u1", 200, 10, "hand-1", "COMMITTED")
		mock.ExpectRollback()

		// rsv-b releases normally.
		mock.ExpectBegin()
		expectNoIdempotencyRecord(mock, "expire:rsv-b")
		expectPendingReservation(mock, "rsv-b", "u2", 100, 0, "hand-2", "PENDING")
		expectLockAccount(mock, "reserve", 100, 0, 1)
		expectLockAccount(mock, "u2", 0, 0, 1)
		mock.ExpectExec("INSERT INTO ledger_entries").
			WithArgs("reserve", int64(-100), "REAL", "reserveRollback", "hand-2", "expire:rsv-b", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("INSERT INTO ledger_entries").
			WithArgs("u2", int64(100), "REAL", "reserveRollback", "hand-2", "expire:rsv-b", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(2, 1))
		mock.ExpectExec("UPDATE accounts SET real_balance").
			WithArgs(int64(0), int64(0), sqlmock.AnyArg(), "reserve", 1).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE accounts SET real_balance").
			WithArgs(int64(100), int64(0), sqlmock.AnyArg(), "u2", 1).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE reservations SET state").
			WithArgs("ROLLED_BACK", sqlmock.AnyArg(), "rsv-b").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO idempotency_keys").
			WithArgs("expire:rsv-b", "reserveRollback", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		expired, err := service.ExpireStale(context.Background(), "ops-alice")
		assert.NoError(t, err)
		assert.Len(t, expired, 1)
		assert.Equal(t, "rsv-b", expired[0].ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("collects failures and continues the sweep", func(t *testing.T) {
		mock.ExpectQuery("SELECT id, account_id, amount, rake, ref, created_at FROM reservations WHERE state = 'PENDING' AND created_at < \\$1 ORDER BY created_at").
			WithArgs(sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id", "account_id", "amount", "rake", "ref", "created_at"}).
				AddRow("rsv-c", "u3", 300, 0, "hand-3", time.Now().Add(-2*time.Hour)).
				AddRow("rsv-d", "u4", 50, 0, "hand-4", time.Now().Add(-2*time.Hour)))

		// rsv-c hits a storage failure.
		mock.ExpectBegin()
		expectNoIdempotencyRecord(mock, "expire:rsv-c")
		mock.ExpectQuery("SELECT id, account_id, amount, rake, ref, state, created_at FROM reservations WHERE id = \\$1 FOR UPDATE").
			WithArgs("rsv-c").
			WillReturnError(assert.AnError)
		mock.ExpectRollback()

		// rsv-d still releases.
		mock.ExpectBegin()
		expectNoIdempotencyRecord(mock, "expire:rsv-d")
		expectPendingReservation(mock, "rsv-d", "u4", 50, 0, "hand-4", "PENDING")
		expectLockAccount(mock, "reserve", 50, 0, 1)
		expectLockAccount(mock, "u4", 0, 0, 1)
		mock.ExpectExec("INSERT INTO ledger_entries").
			WithArgs("reserve", int64(-50), "REAL", "reserveRollback", "hand-4", "expire:rsv-d", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("INSERT INTO ledger_entries").
			WithArgs("u4", int64(50), "REAL", "reserveRollback", "hand-4", "expire:rsv-d", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(2, 1))
		mock.ExpectExec("UPDATE accounts SET real_balance").
			WithArgs(int64(0), int64(0), sqlmock.AnyArg(), "reserve", 1).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE accounts SET real_balance").
			WithArgs(int64(50), int64(0), sqlmock.AnyArg(), "u4", 1).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE reservations SET state").
			WithArgs("ROLLED_BACK", sqlmock.AnyArg(), "rsv-d").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO idempotency_keys").
			WithArgs("expire:rsv-d", "reserveRollback", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		expired, err := service.ExpireStale(context.Background(), "ops-alice")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "rsv-c")
		assert.Len(t, expired, 1)
		assert.Equal(t, "rsv-d", expired[0].ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
