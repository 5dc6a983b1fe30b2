package billing

import (
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
)

const (
	StatusPosted = "posted"
	MethodCheck  = "check"
)

// PaymentPosting is a payer remittance posted against a claim. Amounts are
// stored as given.
type PaymentPosting struct {
	ID                    uuid.UUID   `db:"id" json:"id"`
	ClaimID               *uuid.UUID  `db:"claim_id" json:"claim_id"`
	PatientID             uuid.UUID   `db:"patient_id" json:"patient_id"`
	InsurancePayerID      *uuid.UUID  `db:"insurance_payer_id" json:"insurance_payer_id"`
	PostingDate           pgtype.Date `db:"posting_date" json:"posting_date"`
	PaymentAmount         float64     `db:"payment_amount" json:"payment_amount"`
	DeductibleAmount      float64     `db:"deductible_amount" json:"deductible_amount"`
	CoinsuranceAmount     float64     `db:"coinsurance_amount" json:"coinsurance_amount"`
	CopayAmount           float64     `db:"copay_amount" json:"copay_amount"`
	AdjustmentAmount      float64     `db:"adjustment_amount" json:"adjustment_amount"`
	AdjustmentReason      *string     `db:"adjustment_reason" json:"adjustment_reason"`
	PaymentMethod         string      `db:"payment_method" json:"payment_method"`
	CheckNumber           *string     `db:"check_number" json:"check_number"`
	ERANumber             *string     `db:"era_number" json:"era_number"`
	EOBNumber             *string     `db:"eob_number" json:"eob_number"`
	RemittanceDocumentKey *string     `db:"remittance_document_key" json:"remittance_document_key"`
	Status                string      `db:"status" json:"status"`
	Notes                 *string     `db:"notes" json:"notes"`
	CreatedAt             time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt             time.Time   `db:"updated_at" json:"updated_at"`
}

// PostingInput is the body of POST and PUT. Nil fields take their default
// on create and keep the stored value on update.
type PostingInput struct {
	ClaimID           *uuid.UUID   `json:"claim_id"`
	PatientID         *uuid.UUID   `json:"patient_id"`
	InsurancePayerID  *uuid.UUID   `json:"insurance_payer_id"`
	PostingDate       *pgtype.Date `json:"posting_date"`
	PaymentAmount     *float64     `json:"payment_amount"`
	DeductibleAmount  *float64     `json:"deductible_amount"`
	CoinsuranceAmount *float64     `json:"coinsurance_amount"`
	CopayAmount       *float64     `json:"copay_amount"`
	AdjustmentAmount  *float64     `json:"adjustment_amount"`
	AdjustmentReason  *string      `json:"adjustment_reason"`
	PaymentMethod     *string      `json:"payment_method"`
	CheckNumber       *string      `json:"check_number"`
	ERANumber         *string      `json:"era_number"`
	EOBNumber         *string      `json:"eob_number"`
	Status            *string      `json:"status"`
	Notes             *string      `json:"notes"`
}

// PostingFilter narrows a listing. Zero fields are ignored.
type PostingFilter struct {
	PatientID        string
	ClaimID          string
	InsurancePayerID string
	Status           string
}

func (f PostingFilter) params() map[string]string {
	return map[string]string{
		"patientId":        f.PatientID,
		"claimId":          f.ClaimID,
		"insurancePayerId": f.InsurancePayerID,
		"status":           f.Status,
	}
}

type DeleteResult struct {
	Message        string          `json:"message"`
	PaymentPosting *PaymentPosting `json:"payment_posting"`
}
