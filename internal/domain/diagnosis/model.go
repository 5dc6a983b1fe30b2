package diagnosis

import (
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
)

const (
	CodeTypeICD10 = "ICD-10"
	CodeTypeCPT   = "CPT"

	StatusActive   = "Active"
	StatusResolved = "Resolved"
	StatusChronic  = "Chronic"
)

var validStatuses = map[string]bool{
	StatusActive: true, StatusResolved: true, StatusChronic: true,
}

var validSeverities = map[string]bool{
	"Mild": true, "Moderate": true, "Severe": true,
}

// CodeRef is a selected code with the description shown next to it.
type CodeRef struct {
	Code        string `json:"code" validate:"required"`
	Description string `json:"description"`
}

// Diagnosis maps to the diagnosis table. ICDCodes and CPTCodes are the
// structured selection; DiagnosisCode and Notes carry the flattened form.
type Diagnosis struct {
	ID            uuid.UUID   `db:"id" json:"id"`
	PatientID     uuid.UUID   `db:"patient_id" json:"patient_id"`
	ProviderID    *uuid.UUID  `db:"provider_id" json:"provider_id,omitempty"`
	DiagnosisCode *string     `db:"diagnosis_code" json:"diagnosis_code"`
	DiagnosisName string      `db:"diagnosis_name" json:"diagnosis_name"`
	Description   *string     `db:"description" json:"description,omitempty"`
	Severity      *string     `db:"severity" json:"severity,omitempty"`
	Status        string      `db:"status" json:"status"`
	DiagnosedDate pgtype.Date `db:"diagnosed_date" json:"diagnosed_date"`
	Notes         *string     `db:"notes" json:"notes,omitempty"`
	ICDCodes      []CodeRef   `db:"-" json:"icd_codes,omitempty"`
	CPTCodes      []CodeRef   `db:"-" json:"cpt_codes,omitempty"`
	CreatedAt     time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time   `db:"updated_at" json:"updated_at"`
}

// Code is a row of the diagnosis_code child table.
type Code struct {
	Type        string `json:"type"`
	Code        string `json:"code"`
	Description string `json:"description"`
	Position    int    `json:"position"`
}

// EditView is a diagnosis prepared for the edit form: codes resolved and
// the generated blocks removed from the notes.
type EditView struct {
	Diagnosis    *Diagnosis `json:"diagnosis"`
	ICDCodes     []CodeRef  `json:"icd_codes"`
	CPTCodes     []CodeRef  `json:"cpt_codes"`
	DisplayNotes string     `json:"display_notes"`
	// Source is "structured" when codes came from the child table and
	// "notes" when they were parsed from a legacy row.
	Source string `json:"source"`
}
