package orders

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medflow/medflow/internal/domain/diagnosis"
	"github.com/medflow/medflow/internal/domain/laborder"
	"github.com/medflow/medflow/internal/domain/prescription"
	"github.com/medflow/medflow/internal/platform/apperr"
	"github.com/medflow/medflow/internal/platform/events"
)

type Diagnoses interface {
	Create(ctx context.Context, d *diagnosis.Diagnosis) error
	Update(ctx context.Context, d *diagnosis.Diagnosis) error
	Get(ctx context.Context, id uuid.UUID) (*diagnosis.Diagnosis, error)
}

type Prescriptions interface {
	Create(ctx context.Context, p *prescription.Prescription) error
	ListByDiagnosis(ctx context.Context, diagnosisID uuid.UUID) ([]*prescription.Prescription, error)
}

type LabOrders interface {
	Create(ctx context.Context, o *laborder.LabOrder) error
	ListRelated(ctx context.Context, d *diagnosis.Diagnosis) ([]*laborder.LabOrder, error)
}

// Transactor runs fn in a database transaction.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type Service struct {
	diagnoses     Diagnoses
	prescriptions Prescriptions
	labOrders     LabOrders
	tx            Transactor
	logger        zerolog.Logger
}

func NewService(diagnoses Diagnoses, prescriptions Prescriptions, labOrders LabOrders, logger zerolog.Logger) *Service {
	return &Service{diagnoses: diagnoses, prescriptions: prescriptions, labOrders: labOrders, logger: logger}
}

// SetTransactor enables atomic saves.
func (s *Service) SetTransactor(tx Transactor) { s.tx = tx }

// stepError marks a failure of a dependent record in an atomic save.
type stepError struct {
	step  string
	index int
	err   error
}

func (e *stepError) Error() string { return fmt.Sprintf("%s %d: %v", e.step, e.index, e.err) }
func (e *stepError) Unwrap() error { return e.err }

// Save creates or updates the diagnosis and, on create, its prescriptions
// and lab orders in order. Only a failure of the diagnosis itself aborts the
// save; a failing prescription or lab order is logged and listed in the
// report while the remaining ones are still created. With req.Atomic the
// whole save runs in one transaction and the first failure rolls it back.
func (s *Service) Save(ctx context.Context, mode Mode, req SaveRequest) (*CascadeReport, error) {
	d := req.Diagnosis
	switch mode {
	case ModeCreate:
		d.ID = uuid.Nil
	case ModeUpdate:
		if d.ID == uuid.Nil {
			return nil, apperr.Validation("id", "id is required")
		}
	default:
		return nil, apperr.Validation("mode", "mode must be create or update")
	}
	if err := diagnosis.Validate(&d); err != nil {
		return nil, err
	}

	if req.Atomic {
		return s.saveAtomic(ctx, mode, &d, req)
	}
	return s.save(ctx, mode, &d, req, false)
}

func (s *Service) saveAtomic(ctx context.Context, mode Mode, d *diagnosis.Diagnosis, req SaveRequest) (*CascadeReport, error) {
	if s.tx == nil {
		return nil, apperr.NotImplemented("atomic saves are not available")
	}

	txCtx, outbox := events.WithOutbox(ctx)
	var report *CascadeReport
	err := s.tx.InTx(txCtx, func(ctx context.Context) error {
		var err error
		report, err = s.save(ctx, mode, d, req, true)
		return err
	})
	if err != nil {
		outbox.Discard()
		var se *stepError
		if errors.As(err, &se) {
			s.logger.Error().Err(se.err).Str("step", se.step).Int("index", se.index).Msg("atomic save rolled back")
			return nil, se.err
		}
		return nil, err
	}
	outbox.Flush(ctx, s.logger)
	return report, nil
}

func (s *Service) save(ctx context.Context, mode Mode, d *diagnosis.Diagnosis, req SaveRequest, stopOnError bool) (*CascadeReport, error) {
	var err error
	if mode == ModeCreate {
		err = s.diagnoses.Create(ctx, d)
	} else {
		err = s.diagnoses.Update(ctx, d)
	}
	if err != nil {
		return nil, err
	}

	report := &CascadeReport{
		Diagnosis:     d,
		Prescriptions: []*prescription.Prescription{},
		LabOrders:     []*laborder.LabOrder{},
		Failures:      []Failure{},
	}
	if mode != ModeCreate {
		if len(req.Medications)+len(req.LabOrders) > 0 {
			s.logger.Debug().Str("diagnosis_id", d.ID.String()).Msg("orders are only placed when a diagnosis is created")
		}
		return report, nil
	}

	for i, item := range req.Medications {
		p := newPrescription(d, item)
		if err := s.prescriptions.Create(ctx, p); err != nil {
			if stopOnError {
				return nil, &stepError{step: StepPrescription, index: i, err: err}
			}
			s.logger.Error().Err(err).Str("diagnosis_id", d.ID.String()).Int("index", i).
				Str("medication", item.MedicationName).Msg("cascade prescription failed")
			report.Failures = append(report.Failures, prescription.NewFailure(StepPrescription, i, err))
			continue
		}
		report.Prescriptions = append(report.Prescriptions, p)
		report.PrescriptionsCreated++
	}

	icd := codes(d.ICDCodes)
	for i, in := range req.LabOrders {
		o := newLabOrder(d, icd, in)
		if err := s.labOrders.Create(ctx, o); err != nil {
			if stopOnError {
				return nil, &stepError{step: StepLabOrder, index: i, err: err}
			}
			s.logger.Error().Err(err).Str("diagnosis_id", d.ID.String()).Int("index", i).Msg("cascade lab order failed")
			report.Failures = append(report.Failures, prescription.NewFailure(StepLabOrder, i, err))
			continue
		}
		report.LabOrders = append(report.LabOrders, o)
		report.LabOrdersCreated++
	}
	return report, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func newPrescription(d *diagnosis.Diagnosis, item prescription.ItemInput) *prescription.Prescription {
	id := d.ID
	return &prescription.Prescription{
		PatientID:      d.PatientID,
		ProviderID:     d.ProviderID,
		DiagnosisID:    &id,
		MedicationName: item.MedicationName,
		NDCCode:        item.NDCCode,
		Dosage:         optional(item.Dosage),
		Frequency:      optional(item.Frequency),
		Duration:       optional(item.Duration),
		Quantity:       item.Quantity,
		Refills:        item.Refills,
		Instructions:   item.Instructions,
	}
}

// newLabOrder carries the diagnosis ICD selection onto the order and takes
// the test codes from the order's own CPT selection.
func newLabOrder(d *diagnosis.Diagnosis, icd []string, in LabOrderInput) *laborder.LabOrder {
	id := d.ID
	return &laborder.LabOrder{
		PatientID:           d.PatientID,
		ProviderID:          d.ProviderID,
		LaboratoryID:        in.LaboratoryID,
		LinkedDiagnosisID:   &id,
		TestCodes:           codes(in.TestCodes),
		DiagnosisCodes:      append([]string{}, icd...),
		Priority:            in.Priority,
		OrderStatus:         in.OrderStatus,
		OrderStatusDate:     in.OrderStatusDate,
		Frequency:           in.Frequency,
		CollectionClass:     in.CollectionClass,
		ResultRecipients:    in.ResultRecipients,
		SpecialInstructions: in.SpecialInstructions,
	}
}

func codes(refs []diagnosis.CodeRef) []string {
	out := make([]string, 0, len(refs))
	for _, r := range refs {
		out = append(out, r.Code)
	}
	return out
}

// Related returns a diagnosis with the prescriptions and lab orders that
// belong to it.
func (s *Service) Related(ctx context.Context, id uuid.UUID) (*Related, error) {
	d, err := s.diagnoses.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	rx, err := s.prescriptions.ListByDiagnosis(ctx, id)
	if err != nil {
		return nil, err
	}
	if rx == nil {
		rx = []*prescription.Prescription{}
	}
	labs, err := s.labOrders.ListRelated(ctx, d)
	if err != nil {
		return nil, err
	}
	return &Related{Diagnosis: d, Prescriptions: rx, LabOrders: labs}, nil
}
