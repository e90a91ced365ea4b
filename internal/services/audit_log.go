package services

import (
	"encoding/json"
	"log"
	"time"
)

// AuditEvent is a structured record of a ledger mutation or administrative
// action, emitted as JSON on the standard logger.
type AuditEvent struct {
	Timestamp time.Time `json:"timestamp"`
	EventType string    `json:"event_type"`
	Ref       string    `json:"ref"`
	AccountID string    `json:"account_id"`
	Amount    int64     `json:"amount"`
	Status    string    `json:"status"`
	Details   any       `json:"details"`
}

type AuditLogger struct{}

func NewAuditLogger() *AuditLogger {
	return &AuditLogger{}
}

func (a *AuditLogger) LogOperation(operation, ref, accountID string, amount int64) {
	a.log(AuditEvent{
		Timestamp: time.Now(),
		EventType: operation,
		Ref:       ref,
		AccountID: accountID,
		Amount:    amount,
		Status:    "SUCCESS",
	})
}

func (a *AuditLogger) LogForcedRollback(reservationID, accountID, actor string, amount int64) {
	a.log(AuditEvent{
		Timestamp: time.Now(),
		EventType: "FORCED_ROLLBACK",
		Ref:       reservationID,
		AccountID: accountID,
		Amount:    amount,
		Status:    "SUCCESS",
		Details:   map[string]string{"actor": actor},
	})
}

func (a *AuditLogger) LogError(operation, ref, accountID string, err error) {
	a.log(AuditEvent{
		Timestamp: time.Now(),
		EventType: operation,
		Ref:       ref,
		AccountID: accountID,
		Status:    "FAILED",
		Details:   map[string]string{"error": err.Error()},
	})
}

func (a *AuditLogger) log(event AuditEvent) {
	data, _ := json.Marshal(event)
	log.Printf("AUDIT: %s", string(data))
}
