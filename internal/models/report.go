package models

import "time"

// BalancePair is a replayed balance for a single account.
type BalancePair struct {
	RealBalance   int64 `json:"realBalance"`
	CreditBalance int64 `json:"creditBalance"`
}

// BalanceDiff reports a disagreement between the replayed entry log and the
// live account table. Any diff is an integrity failure; it is reported,
// never corrected.
type BalanceDiff struct {
	AccountID      string `json:"accountId"`
	LiveReal       int64  `json:"liveReal"`
	ReplayedReal   int64  `json:"replayedReal"`
	LiveCredit     int64  `json:"liveCredit"`
	ReplayedCredit int64  `json:"replayedCredit"`
}

// AuditReport is the durable output of a verify run.
type AuditReport struct {
	ID           string        `json:"id" db:"id"`
	Consistent   bool          `json:"consistent" db:"consistent"`
	Diffs        []BalanceDiff `json:"diffs" db:"diffs"`
	FromSequence int64         `json:"fromSequence" db:"from_sequence"`
	CreatedAt    time.Time     `json:"createdAt" db:"created_at"`
}

// LedgerSnapshot captures replayed balances up to a sequence so audits can
// restart without folding from genesis.
type LedgerSnapshot struct {
	ID           string                 `json:"id" db:"id"`
	LastSequence int64                  `json:"lastSequence" db:"last_sequence"`
	Balances     map[string]BalancePair `json:"balances" db:"balances"`
	CreatedAt    time.Time              `json:"createdAt" db:"created_at"`
}
