package services

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
)

func TestVelocityChecker_Check(t *testing.T) {
	t.Run("under the limit", func(t *testing.T) {
		client, mock := redismock.NewClientMock()
		checker := NewVelocityChecker(client, 3, time.Hour)

		mock.ExpectIncr("velocity:deposit:dev-1").SetVal(1)
		mock.ExpectExpire("velocity:deposit:dev-1", time.Hour).SetVal(true)

		err := checker.Check(context.Background(), "deposit", "dev-1")
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("window expiry only set on first hit", func(t *testing.T) {
		client, mock := redismock.NewClientMock()
		checker := NewVelocityChecker(client, 3, time.Hour)

		mock.ExpectIncr("velocity:deposit:dev-1").SetVal(2)

		err := checker.Check(context.Background(), "deposit", "dev-1")
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("over the limit", func(t *testing.T) {
		client, mock := redismock.NewClientMock()
		checker := NewVelocityChecker(client, 3, time.Hour)

		mock.ExpectIncr("velocity:withdraw:10.0.0.9").SetVal(4)

		err := checker.Check(context.Background(), "withdraw", "10.0.0.9")
		assert.ErrorIs(t, err, ErrVelocityExceeded)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("redis trouble does not block the ledger", func(t *testing.T) {
		client, mock := redismock.NewClientMock()
		checker := NewVelocityChecker(client, 3, time.Hour)

		mock.ExpectIncr("velocity:deposit:dev-1").SetErr(assert.AnError)

		err := checker.Check(context.Background(), "deposit", "dev-1")
		assert.NoError(t, err)
	})

	t.Run("nil client is a no-op", func(t *testing.T) {
		checker := NewVelocityChecker(nil, 3, time.Hour)
		assert.NoError(t, checker.Check(context.Background(), "deposit", "dev-1"))
	})

	t.Run("empty source is not counted", func(t *testing.T) {
		client, _ := redismock.NewClientMock()
		checker := NewVelocityChecker(client, 3, time.Hour)
		assert.NoError(t, checker.Check(context.Background(), "deposit", ""))
	})
}
