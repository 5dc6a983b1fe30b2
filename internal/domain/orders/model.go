// Package orders saves a diagnosis together with the prescriptions and lab
// orders written for it.
package orders

import (
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/medflow/medflow/internal/domain/diagnosis"
	"github.com/medflow/medflow/internal/domain/laborder"
	"github.com/medflow/medflow/internal/domain/prescription"
)

type Mode string

const (
	ModeCreate Mode = "create"
	ModeUpdate Mode = "update"
)

// Cascade steps named in failures.
const (
	StepPrescription = "prescription"
	StepLabOrder     = "lab_order"
)

// Failure is a dependent record that could not be created.
type Failure = prescription.Failure

// LabOrderInput is one lab order of the diagnosis form. TestCodes is the
// order's own CPT selection.
type LabOrderInput struct {
	LaboratoryID        uuid.UUID            `json:"laboratory_id"`
	TestCodes           []diagnosis.CodeRef  `json:"test_codes"`
	Priority            string               `json:"priority,omitempty"`
	OrderStatus         string               `json:"order_status,omitempty"`
	OrderStatusDate     pgtype.Date          `json:"order_status_date"`
	Frequency           *string              `json:"frequency,omitempty"`
	CollectionClass     string               `json:"collection_class,omitempty"`
	ResultRecipients    []laborder.Recipient `json:"result_recipients,omitempty"`
	SpecialInstructions *string              `json:"special_instructions,omitempty"`
}

// SaveRequest is the diagnosis form: the diagnosis with its code selection
// and, when creating, the orders to place with it.
type SaveRequest struct {
	diagnosis.Diagnosis
	Medications []prescription.ItemInput `json:"medications,omitempty"`
	LabOrders   []LabOrderInput          `json:"lab_orders,omitempty"`
	// Atomic saves everything in one transaction and fails on the first
	// error instead of reporting it.
	Atomic bool `json:"atomic"`
}

type CascadeReport struct {
	Diagnosis            *diagnosis.Diagnosis         `json:"diagnosis"`
	Prescriptions        []*prescription.Prescription `json:"prescriptions"`
	LabOrders            []*laborder.LabOrder         `json:"lab_orders"`
	PrescriptionsCreated int                          `json:"prescriptions_created"`
	LabOrdersCreated     int                          `json:"lab_orders_created"`
	Failures             []Failure                    `json:"failures"`
}

// Related lists the records created from a diagnosis.
type Related struct {
	Diagnosis     *diagnosis.Diagnosis         `json:"diagnosis"`
	Prescriptions []*prescription.Prescription `json:"prescriptions"`
	LabOrders     []*laborder.LabOrder         `json:"lab_orders"`
}
