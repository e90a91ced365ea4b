package services

import (
	"context"
	"database/sql"
	"encoding/xml"
	"fmt"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/moov-io/iso20022/pkg/common"
	"github.com/moov-io/iso20022/pkg/pacs_v08"

	"github.com/greenfelt/wallet/internal/models"
)

const settlementQueue = "settlement_queue"

const (
	DisbursementPending   = "PENDING"
	DisbursementCompleted = "COMPLETED"
)

// SettlementService hands completed withdrawals to the external payment
// provider: one disbursement row per withdrawal plus a pacs.008 credit
// transfer document queued for the provider's settlement rail.
type SettlementService struct {
	db        *sql.DB
	redis     *redis.Client
	bic       string
	agentCode string
}

func NewSettlementService(db *sql.DB, redisClient *redis.Client, bic, agentCode string) *SettlementService {
	return &SettlementService{
		db:        db,
		redis:     redisClient,
		bic:       bic,
		agentCode: agentCode,
	}
}

// QueueDisbursement records a payout for an already-debited withdrawal and
// pushes the pacs.008 document to the settlement queue. The ledger debit has
// committed by the time this runs; a queue failure leaves the row PENDING
// for a later retry rather than failing the withdrawal.
func (s *SettlementService) QueueDisbursement(ctx context.Context, accountID string, amount int64, currency, ref string) (*models.Disbursement, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("disbursement amount must be positive, got %d", amount)
	}
	d := &models.Disbursement{
		ID:        uuid.New().String(),
		AccountID: accountID,
		Amount:    amount,
		Currency:  currency,
		Status:    DisbursementPending,
		CreatedAt: time.Now(),
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO disbursements (id, account_id, amount, currency, status, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		d.ID, d.AccountID, d.Amount, d.Currency, d.Status, d.CreatedAt); err != nil {
		return nil, err
	}

	doc, err := s.CreatePacs008(d, ref)
	if err != nil {
		return nil, err
	}
	xmlData, err := s.ConvertToXML(doc)
	if err != nil {
		return nil, err
	}
	if s.redis != nil {
		if err := s.redis.LPush(ctx, settlementQueue, xmlData).Err(); err != nil {
			log.Printf("[SETTLEMENT] failed to queue disbursement %s: %v", d.ID, err)
		}
	}
	return d, nil
}

// MarkCompleted records the provider's confirmation for a disbursement.
func (s *SettlementService) MarkCompleted(ctx context.Context, disbursementID, providerRef string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE disbursements SET status = $1, provider_ref = $2, completed_at = $3 WHERE id = $4 AND status = 'PENDING'`,
		DisbursementCompleted, providerRef, time.Now(), disbursementID)
	if err != nil {
		return err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return fmt.Errorf("disbursement %s not pending", disbursementID)
	}
	return nil
}

// Pending lists disbursements still awaiting provider confirmation.
func (s *SettlementService) Pending(ctx context.Context) ([]models.Disbursement, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, account_id, amount, currency, status, created_at FROM disbursements WHERE status = 'PENDING' ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	pending := []models.Disbursement{}
	for rows.Next() {
		var d models.Disbursement
		if err := rows.Scan(&d.ID, &d.AccountID, &d.Amount, &d.Currency, &d.Status, &d.CreatedAt); err != nil {
			return nil, err
		}
		pending = append(pending, d)
	}
	return pending, rows.Err()
}

// CreatePacs008 builds the FIToFICustomerCreditTransfer document for one
// disbursement. Amounts are converted from minor units to the currency's
// major unit for the wire format.
func (s *SettlementService) CreatePacs008(d *models.Disbursement, ref string) (*pacs_v08.FIToFICustomerCreditTransferV08, error) {
	msgId := uuid.New().String()
	now := time.Now()
	settlementDate := now
	majorAmount := float64(d.Amount) / 100

	doc := &pacs_v08.FIToFICustomerCreditTransferV08{
		GrpHdr: pacs_v08.GroupHeader93{
			MsgId:   common.Max35Text(msgId),
			CreDtTm: common.ISODateTime(now),
			NbOfTxs: "1",
			TtlIntrBkSttlmAmt: &pacs_v08.ActiveCurrencyAndAmount{
				Ccy:   common.ActiveCurrencyCode(d.Currency),
				Value: majorAmount,
			},
			IntrBkSttlmDt: (*common.ISODate)(&settlementDate),
			SttlmInf: pacs_v08.SettlementInstruction7{
				SttlmMtd: "CLRG",
			},
		},
		CdtTrfTxInf: []pacs_v08.CreditTransferTransaction39{
			{
				PmtId: pacs_v08.PaymentIdentification7{
					InstrId:    &[]common.Max35Text{common.Max35Text(d.ID)}[0],
					EndToEndId: common.Max35Text(ref),
					TxId:       &[]common.Max35Text{common.Max35Text(d.ID)}[0],
				},
				IntrBkSttlmAmt: pacs_v08.ActiveCurrencyAndAmount{
					Ccy:   common.ActiveCurrencyCode(d.Currency),
					Value: majorAmount,
				},
				IntrBkSttlmDt: (*common.ISODate)(&settlementDate),
				ChrgBr:        "SLEV",
				DbtrAgt: pacs_v08.BranchAndFinancialInstitutionIdentification6{
					FinInstnId: pacs_v08.FinancialInstitutionIdentification18{
						BICFI: &[]common.BICFIDec2014Identifier{common.BICFIDec2014Identifier(s.bic)}[0],
					},
				},
				Dbtr: pacs_v08.PartyIdentification135{
					Nm: &[]common.Max140Text{common.Max140Text("wallet")}[0],
				},
				CdtrAgt: pacs_v08.BranchAndFinancialInstitutionIdentification6{
					FinInstnId: pacs_v08.FinancialInstitutionIdentification18{
						ClrSysMmbId: &pacs_v08.ClearingSystemMemberIdentification2{
							MmbId: common.Max35Text(s.agentCode),
						},
					},
				},
				Cdtr: pacs_v08.PartyIdentification135{
					Nm: &[]common.Max140Text{common.Max140Text(d.AccountID)}[0],
				},
			},
		},
	}
	return doc, nil
}

// ConvertToXML renders an ISO 20022 document as an XML string.
func (s *SettlementService) ConvertToXML(doc interface{}) (string, error) {
	xmlData, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal XML: %w", err)
	}
	return xml.Header + string(xmlData), nil
}
