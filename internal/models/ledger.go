package models

import (
	"database/sql"
	"time"
)

// Ledger operation names as recorded in the entry log.
const (
	OpDeposit         = "deposit"
	OpWithdraw        = "withdraw"
	OpReserve         = "reserve"
	OpReserveCommit   = "reserveCommit"
	OpReserveRollback = "reserveRollback"
)

// Balance kinds. Credit funds are promotional and non-withdrawable.
const (
	KindReal   = "REAL"
	KindCredit = "CREDIT"
)

// Reservation states.
const (
	ReservationPending    = "PENDING"
	ReservationCommitted  = "COMMITTED"
	ReservationRolledBack = "ROLLED_BACK"
)

type Account struct {
	ID            string    `json:"id" db:"id"`
	RealBalance   int64     `json:"realBalance" db:"real_balance"` // in minor units
	CreditBalance int64     `json:"creditBalance" db:"credit_balance"`
	Version       int       `json:"version" db:"version"` // for optimistic locking
	UpdatedAt     time.Time `json:"updatedAt" db:"updated_at"`
}

// LedgerEntry is an immutable, append-only fact. Entries are never updated
// or deleted; corrections are written as new offsetting entries.
type LedgerEntry struct {
	Sequence       int64          `json:"sequence" db:"sequence"`
	AccountID      string         `json:"accountId" db:"account_id"`
	Delta          int64          `json:"delta" db:"delta"` // signed, in minor units
	Kind           string         `json:"kind" db:"kind"`   // REAL or CREDIT
	Operation      string         `json:"operation" db:"operation"`
	Ref            string         `json:"ref" db:"ref"` // caller correlation id, e.g. hand id
	IdempotencyKey sql.NullString `json:"idempotencyKey" db:"idempotency_key"`
	CreatedAt      time.Time      `json:"createdAt" db:"created_at"`
}

// Reservation is a pessimistic hold on funds pending commit or rollback.
type Reservation struct {
	ID         string     `json:"id" db:"id"`
	AccountID  string     `json:"accountId" db:"account_id"`
	Amount     int64      `json:"amount" db:"amount"`
	Rake       int64      `json:"rake" db:"rake"`
	Ref        string     `json:"ref" db:"ref"`
	State      string     `json:"state" db:"state"`
	CreatedAt  time.Time  `json:"createdAt" db:"created_at"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty" db:"resolved_at"`
}

// IdempotencyRecord pins the outcome of an applied operation to its key.
// Rows are permanent; replaying the key returns the stored result.
type IdempotencyRecord struct {
	Key         string    `json:"key" db:"key"`
	Operation   string    `json:"operation" db:"operation"`
	RequestHash string    `json:"requestHash" db:"request_hash"`
	Result      []byte    `json:"result" db:"result"`
	AppliedAt   time.Time `json:"appliedAt" db:"applied_at"`
}

// Disbursement tracks a withdrawal payout handed to the external provider.
type Disbursement struct {
	ID          string     `json:"id" db:"id"`
	AccountID   string     `json:"accountId" db:"account_id"`
	Amount      int64      `json:"amount" db:"amount"`
	Currency    string     `json:"currency" db:"currency"`
	ProviderRef string     `json:"providerRef" db:"provider_ref"`
	Status      string     `json:"status" db:"status"`
	CreatedAt   time.Time  `json:"createdAt" db:"created_at"`
	CompletedAt *time.Time `json:"completedAt,omitempty" db:"completed_at"`
}
