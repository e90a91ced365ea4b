package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/greenfelt/wallet/internal/models"
)

const complianceQueue = "compliance_reports"

// AuditService rebuilds balances from the entry log and compares them
// against the live account rows. It only ever reads ledger state and writes
// reports and snapshots; a discrepancy is evidence, never something to fix
// in place.
type AuditService struct {
	db    *sql.DB
	redis *redis.Client
}

func NewAuditService(db *sql.DB, redisClient *redis.Client) *AuditService {
	return &AuditService{db: db, redis: redisClient}
}

// Replay folds all entries with sequence greater than fromSequence, in
// sequence order, onto zero balances. The fold is deterministic: the same
// log prefix always yields the same balances. Returns the balances and the
// last sequence consumed.
func (s *AuditService) Replay(ctx context.Context, fromSequence int64) (map[string]models.BalancePair, int64, error) {
	return s.replayOnto(ctx, map[string]models.BalancePair{}, fromSequence)
}

func (s *AuditService) replayOnto(ctx context.Context, balances map[string]models.BalancePair, fromSequence int64) (map[string]models.BalancePair, int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sequence, account_id, delta, kind FROM ledger_entries WHERE sequence > $1 ORDER BY sequence`,
		fromSequence)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	lastSequence := fromSequence
	for rows.Next() {
		var (
			sequence  int64
			accountID string
			delta     int64
			kind      string
		)
		if err := rows.Scan(&sequence, &accountID, &delta, &kind); err != nil {
			return nil, 0, err
		}
		pair := balances[accountID]
		switch kind {
		case models.KindCredit:
			pair.CreditBalance += delta
		default:
			pair.RealBalance += delta
		}
		balances[accountID] = pair
		lastSequence = sequence
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return balances, lastSequence, nil
}

// Verify replays the full log (resuming from the latest snapshot when one
// exists) and diffs the result against live balances. The report is
// persisted either way; an inconsistent one is additionally pushed to the
// compliance queue. Balances are never corrected here.
func (s *AuditService) Verify(ctx context.Context) (*models.AuditReport, error) {
	balances, fromSequence, err := s.loadLatestSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	balances, lastSequence, err := s.replayOnto(ctx, balances, fromSequence)
	if err != nil {
		return nil, err
	}

	live, err := s.liveBalances(ctx)
	if err != nil {
		return nil, err
	}

	report := &models.AuditReport{
		ID:           uuid.New().String(),
		Consistent:   true,
		Diffs:        []models.BalanceDiff{},
		FromSequence: fromSequence,
		CreatedAt:    time.Now(),
	}
	for _, accountID := range unionAccountIDs(live, balances) {
		l, r := live[accountID], balances[accountID]
		if l == r {
			continue
		}
		report.Consistent = false
		report.Diffs = append(report.Diffs, models.BalanceDiff{
			AccountID:      accountID,
			LiveReal:       l.RealBalance,
			ReplayedReal:   r.RealBalance,
			LiveCredit:     l.CreditBalance,
			ReplayedCredit: r.CreditBalance,
		})
	}

	if err := s.saveReport(ctx, report); err != nil {
		return nil, err
	}
	if !report.Consistent {
		log.Printf("[AUDIT] %s through sequence %d: %d account(s) diverged: %v",
			ErrIntegrityViolation, lastSequence, len(report.Diffs), report.Diffs)
		s.pushToComplianceQueue(ctx, report)
	} else {
		log.Printf("[AUDIT] ledger consistent through sequence %d", lastSequence)
	}
	return report, nil
}

// SaveSnapshot materializes replayed balances at the current log head so a
// later Verify or Replay can resume without refolding the whole log.
func (s *AuditService) SaveSnapshot(ctx context.Context) (*models.LedgerSnapshot, error) {
	balances, fromSequence, err := s.loadLatestSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	balances, lastSequence, err := s.replayOnto(ctx, balances, fromSequence)
	if err != nil {
		return nil, err
	}
	if lastSequence == fromSequence {
		return nil, fmt.Errorf("no entries past sequence %d, nothing to snapshot", fromSequence)
	}

	snapshot := &models.LedgerSnapshot{
		ID:           uuid.New().String(),
		LastSequence: lastSequence,
		Balances:     balances,
		CreatedAt:    time.Now(),
	}
	payload, err := json.Marshal(snapshot.Balances)
	if err != nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO ledger_snapshots (id, last_sequence, balances, created_at) VALUES ($1, $2, $3, $4)`,
		snapshot.ID, snapshot.LastSequence, payload, snapshot.CreatedAt); err != nil {
		return nil, err
	}
	log.Printf("[AUDIT] snapshot %s at sequence %d (%d accounts)", snapshot.ID, lastSequence, len(balances))
	return snapshot, nil
}

func (s *AuditService) loadLatestSnapshot(ctx context.Context) (map[string]models.BalancePair, int64, error) {
	var (
		lastSequence int64
		payload      []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT last_sequence, balances FROM ledger_snapshots ORDER BY last_sequence DESC LIMIT 1`).
		Scan(&lastSequence, &payload)
	if err == sql.ErrNoRows {
		return map[string]models.BalancePair{}, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	balances := map[string]models.BalancePair{}
	if err := json.Unmarshal(payload, &balances); err != nil {
		return nil, 0, fmt.Errorf("corrupt snapshot at sequence %d: %w", lastSequence, err)
	}
	return balances, lastSequence, nil
}

func (s *AuditService) liveBalances(ctx context.Context) (map[string]models.BalancePair, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, real_balance, credit_balance FROM accounts ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	live := map[string]models.BalancePair{}
	for rows.Next() {
		var (
			accountID string
			pair      models.BalancePair
		)
		if err := rows.Scan(&accountID, &pair.RealBalance, &pair.CreditBalance); err != nil {
			return nil, err
		}
		live[accountID] = pair
	}
	return live, rows.Err()
}

func (s *AuditService) saveReport(ctx context.Context, report *models.AuditReport) error {
	diffs, err := json.Marshal(report.Diffs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_reports (id, consistent, diffs, from_sequence, created_at) VALUES ($1, $2, $3, $4, $5)`,
		report.ID, report.Consistent, diffs, report.FromSequence, report.CreatedAt)
	return err
}

func (s *AuditService) pushToComplianceQueue(ctx context.Context, report *models.AuditReport) {
	if s.redis == nil {
		return
	}
	payload, err := json.Marshal(report)
	if err != nil {
		return
	}
	if err := s.redis.LPush(ctx, complianceQueue, payload).Err(); err != nil {
		log.Printf("[AUDIT] failed to queue report %s: %v", report.ID, err)
	}
}

func unionAccountIDs(a, b map[string]models.BalancePair) []string {
	seen := map[string]bool{}
	ids := []string{}
	for id := range a {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	for id := range b {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
