package laborder

import (
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/medflow/medflow/internal/domain/diagnosis"
)

const (
	PriorityRoutine = "routine"

	OrderOneTime   = "one-time"
	OrderRecurring = "recurring"

	CollectClinic = "clinic-collect"

	StatusPending   = "pending"
	StatusSentToLab = "sent_to_lab"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
)

var (
	validPriorities  = map[string]bool{"routine": true, "urgent": true, "stat": true}
	validOrderStatus = map[string]bool{OrderOneTime: true, OrderRecurring: true}
	validCollection  = map[string]bool{"clinic-collect": true, "lab-collect": true}
	validStatuses    = map[string]bool{StatusPending: true, StatusSentToLab: true, StatusCompleted: true, StatusCancelled: true}
	validRecipients  = map[string]bool{"provider": true, "patient": true, "practice": true, "external": true}
)

// statusTransitions lists the statuses an order may move to.
var statusTransitions = map[string][]string{
	StatusPending:   {StatusSentToLab, StatusCompleted, StatusCancelled},
	StatusSentToLab: {StatusCompleted, StatusCancelled},
	StatusCompleted: {},
	StatusCancelled: {},
}

// Recipient receives a copy of the results.
type Recipient struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// LabOrder maps to the lab_order table. TestCodes are CPT codes and
// DiagnosisCodes ICD-10 codes.
type LabOrder struct {
	ID                  uuid.UUID   `db:"id" json:"id"`
	PatientID           uuid.UUID   `db:"patient_id" json:"patient_id"`
	ProviderID          *uuid.UUID  `db:"provider_id" json:"provider_id,omitempty"`
	LaboratoryID        uuid.UUID   `db:"laboratory_id" json:"laboratory_id"`
	LinkedDiagnosisID   *uuid.UUID  `db:"linked_diagnosis_id" json:"linked_diagnosis_id,omitempty"`
	TestCodes           []string    `db:"test_codes" json:"test_codes"`
	DiagnosisCodes      []string    `db:"diagnosis_codes" json:"diagnosis_codes"`
	Priority            string      `db:"priority" json:"priority"`
	OrderStatus         string      `db:"order_status" json:"order_status"`
	OrderStatusDate     pgtype.Date `db:"order_status_date" json:"order_status_date"`
	Frequency           *string     `db:"frequency" json:"frequency,omitempty"`
	CollectionClass     string      `db:"collection_class" json:"collection_class"`
	ResultRecipients    []Recipient `db:"result_recipients" json:"result_recipients"`
	SpecialInstructions *string     `db:"special_instructions" json:"special_instructions,omitempty"`
	Status              string      `db:"status" json:"status"`
	CreatedAt           time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time   `db:"updated_at" json:"updated_at"`
}

type Laboratory struct {
	ID      uuid.UUID `db:"id" json:"id"`
	Name    string    `db:"name" json:"name"`
	Code    *string   `db:"code" json:"code,omitempty"`
	Phone   *string   `db:"phone" json:"phone,omitempty"`
	Fax     *string   `db:"fax" json:"fax,omitempty"`
	Address *string   `db:"address" json:"address,omitempty"`
	Active  bool      `db:"active" json:"active"`
}

// SubmitRequest is an order plus the options of the order form.
type SubmitRequest struct {
	LabOrder
	// CreateDiagnosis also records a diagnosis carrying the order's codes.
	CreateDiagnosis bool   `json:"create_diagnosis"`
	DiagnosisName   string `json:"diagnosis_name,omitempty"`
}

// SubmitResult reports the saved order. DiagnosisError is set when the
// order was saved but its companion diagnosis was not.
type SubmitResult struct {
	Order          *LabOrder            `json:"lab_order"`
	Diagnosis      *diagnosis.Diagnosis `json:"diagnosis,omitempty"`
	DiagnosisError string               `json:"diagnosis_error,omitempty"`
}
