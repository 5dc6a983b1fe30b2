//go:build integration

package integration

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/rs/zerolog"

	"github.com/medflow/medflow/internal/domain/diagnosis"
	"github.com/medflow/medflow/internal/domain/laborder"
	"github.com/medflow/medflow/internal/domain/orders"
	"github.com/medflow/medflow/internal/domain/prescription"
	"github.com/medflow/medflow/internal/platform/apperr"
	"github.com/medflow/medflow/internal/platform/db"
)

type cascadeStack struct {
	diagnoses *diagnosis.Service
	rx        *prescription.Service
	labs      *laborder.Service
	orders    *orders.Service
}

func newCascadeStack() *cascadeStack {
	logger := zerolog.Nop()
	tx := db.NewTransactor(globalPool)

	dx := diagnosis.NewService(diagnosis.NewRepoPG(globalPool), nil, logger)
	dx.SetTransactor(tx)
	rx := prescription.NewService(prescription.NewRepoPG(globalPool), prescription.NewCatalogRepoPG(globalPool),
		prescription.NewPharmacyRepoPG(globalPool), prescription.NewInteractionRepoPG(globalPool), logger)
	labs := laborder.NewService(laborder.NewRepoPG(globalPool), laborder.NewLaboratoryRepoPG(globalPool), dx, logger)
	o := orders.NewService(dx, rx, labs, logger)
	o.SetTransactor(tx)
	return &cascadeStack{diagnoses: dx, rx: rx, labs: labs, orders: o}
}

func cascadeRequest(labID uuid.UUID) orders.SaveRequest {
	return orders.SaveRequest{
		Diagnosis: diagnosis.Diagnosis{
			PatientID: uuid.New(),
			ICDCodes: []diagnosis.CodeRef{
				{Code: "E11.9", Description: "Type 2 diabetes mellitus without complications"},
				{Code: "E78.5", Description: "Hyperlipidemia, unspecified"},
			},
			CPTCodes: []diagnosis.CodeRef{{Code: "99213", Description: "Office visit, established patient"}},
		},
		Medications: []prescription.ItemInput{
			{MedicationName: "Metformin 500mg", Dosage: "1 tab", Frequency: "bid", Duration: "30 days"},
			{MedicationName: "Atorvastatin 20mg", Dosage: "1 tab", Frequency: "daily", Duration: "30 days", Refills: -1},
			{MedicationName: "Aspirin 81mg", Dosage: "1 tab", Frequency: "daily", Duration: "30 days"},
		},
		LabOrders: []orders.LabOrderInput{{
			LaboratoryID:    labID,
			TestCodes:       []diagnosis.CodeRef{{Code: "83036", Description: "Hemoglobin A1c"}},
			OrderStatusDate: pgtype.Date{Time: time.Now().UTC(), Valid: true},
		}},
	}
}

func TestCascade_CreateContinuesPastFailure(t *testing.T) {
	practice := newPractice(t, "cascade")
	labID := createLaboratory(t, practice, "Quest Diagnostics")
	stack := newCascadeStack()

	inPractice(t, practice, func(ctx context.Context) error {
		report, err := stack.orders.Save(ctx, orders.ModeCreate, cascadeRequest(labID))
		if err != nil {
			return err
		}
		if report.PrescriptionsCreated != 2 || report.LabOrdersCreated != 1 {
			t.Errorf("expected 2 prescriptions and 1 lab order, got %d and %d", report.PrescriptionsCreated, report.LabOrdersCreated)
		}
		if len(report.Failures) != 1 || report.Failures[0].Index != 1 {
			t.Errorf("expected the second medication to fail, got %+v", report.Failures)
		}

		stored, err := stack.diagnoses.Get(ctx, report.Diagnosis.ID)
		if err != nil {
			return err
		}
		if stored.DiagnosisCode == nil || *stored.DiagnosisCode != "E11.9, E78.5" {
			t.Errorf("unexpected diagnosis_code %v", stored.DiagnosisCode)
		}
		icd, cpt := diagnosis.DecodeCodes(stored)
		if len(icd) != 2 || len(cpt) != 1 || cpt[0] != "99213" {
			t.Errorf("codes did not survive the round trip: %v %v", icd, cpt)
		}

		rel, err := stack.orders.Related(ctx, report.Diagnosis.ID)
		if err != nil {
			return err
		}
		if len(rel.Prescriptions) != 2 || len(rel.LabOrders) != 1 {
			t.Errorf("related: expected 2 prescriptions and 1 lab order, got %d and %d", len(rel.Prescriptions), len(rel.LabOrders))
		}
		if got := rel.LabOrders[0].DiagnosisCodes; len(got) != 2 || got[0] != "E11.9" {
			t.Errorf("lab order should carry the diagnosis ICD codes, got %v", got)
		}
		return nil
	})
}

func TestCascade_AtomicRollsBack(t *testing.T) {
	practice := newPractice(t, "atomic")
	labID := createLaboratory(t, practice, "LabCorp")
	stack := newCascadeStack()

	req := cascadeRequest(labID)
	req.Atomic = true

	inPractice(t, practice, func(ctx context.Context) error {
		if _, err := stack.orders.Save(ctx, orders.ModeCreate, req); !apperr.Is(err, apperr.KindValidation) {
			t.Fatalf("expected the prescription validation error, got %v", err)
		}
		var count int
		if err := db.ConnFromContext(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM diagnosis WHERE patient_id = $1`, req.PatientID).Scan(&count); err != nil {
			return err
		}
		if count != 0 {
			t.Errorf("diagnosis should be rolled back, found %d", count)
		}
		return nil
	})
}

func TestLabOrder_LegacyDiagnosisLink(t *testing.T) {
	practice := newPractice(t, "legacy")
	labID := createLaboratory(t, practice, "Sonic Reference Lab")
	stack := newCascadeStack()

	inPractice(t, practice, func(ctx context.Context) error {
		d := &diagnosis.Diagnosis{
			PatientID: uuid.New(),
			ICDCodes:  []diagnosis.CodeRef{{Code: "I10", Description: "Essential (primary) hypertension"}},
		}
		if err := stack.diagnoses.Create(ctx, d); err != nil {
			return err
		}
		o := &laborder.LabOrder{
			PatientID:       d.PatientID,
			LaboratoryID:    labID,
			TestCodes:       []string{"80053"},
			OrderStatusDate: pgtype.Date{Time: time.Now().UTC(), Valid: true},
		}
		if err := stack.labs.Create(ctx, o); err != nil {
			return err
		}

		related, err := stack.labs.ListRelated(ctx, d)
		if err != nil {
			return err
		}
		if len(related) != 0 {
			t.Errorf("an order without shared codes should not be related, got %d", len(related))
		}

		linked, err := stack.labs.LinkDiagnosis(ctx, o.ID, d.ID)
		if err != nil {
			return err
		}
		if len(linked.DiagnosisCodes) != 1 || linked.DiagnosisCodes[0] != "I10" {
			t.Errorf("link should merge the diagnosis codes, got %v", linked.DiagnosisCodes)
		}
		related, err = stack.labs.ListRelated(ctx, d)
		if err != nil {
			return err
		}
		if len(related) != 1 {
			t.Errorf("expected the linked order, got %d", len(related))
		}
		return nil
	})
}
