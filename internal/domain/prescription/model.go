package prescription

import (
	"time"

	"github.com/google/uuid"
)

const (
	StatusActive = "active"

	ERxNotSent = "not_sent"
	ERxQueued  = "queued"
	ERxFailed  = "failed"
)

var validStatuses = map[string]bool{
	"active": true, "completed": true, "discontinued": true, "cancelled": true, "on-hold": true,
}

// Prescription maps to the prescription table.
type Prescription struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	PatientID      uuid.UUID  `db:"patient_id" json:"patient_id"`
	ProviderID     *uuid.UUID `db:"provider_id" json:"provider_id,omitempty"`
	MedicationName string     `db:"medication_name" json:"medication_name"`
	NDCCode        *string    `db:"ndc_code" json:"ndc_code,omitempty"`
	Dosage         *string    `db:"dosage" json:"dosage,omitempty"`
	Frequency      *string    `db:"frequency" json:"frequency,omitempty"`
	Duration       *string    `db:"duration" json:"duration,omitempty"`
	Quantity       *int       `db:"quantity" json:"quantity,omitempty"`
	Refills        int        `db:"refills" json:"refills"`
	Instructions   *string    `db:"instructions" json:"instructions,omitempty"`
	Status         string     `db:"status" json:"status"`
	DiagnosisID    *uuid.UUID `db:"diagnosis_id" json:"diagnosis_id,omitempty"`
	PharmacyID     *uuid.UUID `db:"pharmacy_id" json:"pharmacy_id,omitempty"`
	ERxStatus      string     `db:"erx_status" json:"erx_status"`
	ERxReference   *string    `db:"erx_reference" json:"erx_reference,omitempty"`
	SentAt         *time.Time `db:"sent_at" json:"sent_at,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
}

// Medication is an entry of the medication catalog.
type Medication struct {
	ID          uuid.UUID `db:"id" json:"id"`
	NDCCode     *string   `db:"ndc_code" json:"ndc_code,omitempty"`
	Name        string    `db:"name" json:"name"`
	GenericName *string   `db:"generic_name" json:"generic_name,omitempty"`
	Strength    *string   `db:"strength" json:"strength,omitempty"`
	Form        *string   `db:"form" json:"form,omitempty"`
	DrugClass   *string   `db:"drug_class" json:"drug_class,omitempty"`
	Active      bool      `db:"active" json:"active"`
}

// Key identifies a catalog entry: its NDC when it has one.
func (m *Medication) Key() string {
	if m.NDCCode != nil && *m.NDCCode != "" {
		return *m.NDCCode
	}
	return m.ID.String()
}

type Pharmacy struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	NCPDPID   *string   `db:"ncpdp_id" json:"ncpdp_id,omitempty"`
	Phone     *string   `db:"phone" json:"phone,omitempty"`
	Fax       *string   `db:"fax" json:"fax,omitempty"`
	Address   *string   `db:"address" json:"address,omitempty"`
	City      *string   `db:"city" json:"city,omitempty"`
	State     *string   `db:"state" json:"state,omitempty"`
	Zip       *string   `db:"zip" json:"zip,omitempty"`
	Active    bool      `db:"active" json:"active"`
	IsPrimary bool      `db:"is_primary" json:"is_primary"`
}

// DrugInteraction is a row of drug_interaction. MedicationA and MedicationB
// hold either names or NDC codes.
type DrugInteraction struct {
	ID          uuid.UUID `db:"id" json:"id"`
	MedicationA string    `db:"medication_a" json:"medication_a"`
	MedicationB string    `db:"medication_b" json:"medication_b"`
	Severity    string    `db:"severity" json:"severity"`
	Description string    `db:"description" json:"description"`
}

// SafetyWarning is shown next to a medication being prescribed.
type SafetyWarning struct {
	Severity       string     `json:"severity"`
	Description    string     `json:"description"`
	Medication     string     `json:"interacting_medication,omitempty"`
	PrescriptionID *uuid.UUID `json:"prescription_id,omitempty"`
}

// MedicationSearch narrows a catalog search.
type MedicationSearch struct {
	Query     string
	DrugClass string
	Form      string
	Limit     int
	Exclude   map[string]bool
}

// ItemInput is one medication of a batch submission.
type ItemInput struct {
	MedicationName string  `json:"medication_name" validate:"required"`
	NDCCode        *string `json:"ndc_code,omitempty"`
	Dosage         string  `json:"dosage" validate:"required"`
	Frequency      string  `json:"frequency" validate:"required"`
	Duration       string  `json:"duration" validate:"required"`
	Quantity       *int    `json:"quantity,omitempty" validate:"omitempty,gte=0"`
	Refills        int     `json:"refills" validate:"gte=0"`
	Instructions   *string `json:"instructions,omitempty"`
}

// SubmitRequest creates several prescriptions for one patient and sends
// them to PharmacyID when set.
type SubmitRequest struct {
	PatientID   uuid.UUID   `json:"patient_id" validate:"required"`
	ProviderID  *uuid.UUID  `json:"provider_id,omitempty"`
	PharmacyID  *uuid.UUID  `json:"pharmacy_id,omitempty"`
	DiagnosisID *uuid.UUID  `json:"diagnosis_id,omitempty"`
	Items       []ItemInput `json:"items" validate:"required,min=1,dive"`
}

// Failure records a step of a batch that did not complete.
type Failure struct {
	Step    string `json:"step"`
	Index   int    `json:"index"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type SubmitReport struct {
	Prescriptions []*Prescription `json:"prescriptions"`
	Transmitted   int             `json:"transmitted"`
	Failures      []Failure       `json:"failures"`
}
