package laborder

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medflow/medflow/internal/domain/diagnosis"
	"github.com/medflow/medflow/internal/domain/terminology"
	"github.com/medflow/medflow/internal/platform/apperr"
	"github.com/medflow/medflow/internal/platform/events"
)

// Diagnoses is the part of the diagnosis service lab orders depend on.
type Diagnoses interface {
	Get(ctx context.Context, id uuid.UUID) (*diagnosis.Diagnosis, error)
	Codes(ctx context.Context, d *diagnosis.Diagnosis) (icd, cpt []diagnosis.CodeRef)
	Create(ctx context.Context, d *diagnosis.Diagnosis) error
}

type Service struct {
	repo      Repository
	labs      LaboratoryRepository
	diagnoses Diagnoses
	codes     diagnosis.CodeLookup
	publisher events.Publisher
	logger    zerolog.Logger
}

func NewService(repo Repository, labs LaboratoryRepository, diagnoses Diagnoses, logger zerolog.Logger) *Service {
	return &Service{repo: repo, labs: labs, diagnoses: diagnoses, logger: logger}
}

// SetCodeLookup lets companion diagnoses carry code descriptions.
func (s *Service) SetCodeLookup(codes diagnosis.CodeLookup) { s.codes = codes }

func (s *Service) SetPublisher(p events.Publisher) { s.publisher = p }

// Validate checks the required order fields in form order and names the
// first one missing.
func Validate(o *LabOrder) error {
	if o.PatientID == uuid.Nil {
		return apperr.Validation("patient_id", "patient is required")
	}
	if o.LaboratoryID == uuid.Nil {
		return apperr.Validation("laboratory_id", "laboratory is required")
	}
	if len(cleanCodes(o.TestCodes)) == 0 {
		return apperr.Validation("test_codes", "at least one test code is required")
	}
	orderStatus := o.OrderStatus
	if orderStatus == "" {
		orderStatus = OrderOneTime
	}
	if !validOrderStatus[orderStatus] {
		return apperr.Validation("order_status", "order status must be one-time or recurring")
	}
	if orderStatus == OrderRecurring && (o.Frequency == nil || strings.TrimSpace(*o.Frequency) == "") {
		return apperr.Validation("frequency", "frequency is required for recurring orders")
	}
	if orderStatus == OrderOneTime && !o.OrderStatusDate.Valid {
		return apperr.Validation("order_status_date", "order date is required for one-time orders")
	}
	if o.Priority != "" && !validPriorities[o.Priority] {
		return apperr.Validation("priority", "priority must be one of: routine, urgent, stat")
	}
	if o.CollectionClass != "" && !validCollection[o.CollectionClass] {
		return apperr.Validation("collection_class", "collection class must be clinic-collect or lab-collect")
	}
	if o.Status != "" && !validStatuses[o.Status] {
		return apperr.Validation("status", "unknown status "+o.Status)
	}
	for _, r := range o.ResultRecipients {
		if strings.TrimSpace(r.Name) == "" {
			return apperr.Validation("result_recipients", "result recipients need a name")
		}
		if r.Type != "" && !validRecipients[r.Type] {
			return apperr.Validation("result_recipients", "unknown recipient type "+r.Type)
		}
	}
	return nil
}

func prepare(o *LabOrder) error {
	if err := Validate(o); err != nil {
		return err
	}
	if o.Priority == "" {
		o.Priority = PriorityRoutine
	}
	if o.OrderStatus == "" {
		o.OrderStatus = OrderOneTime
	}
	if o.CollectionClass == "" {
		o.CollectionClass = CollectClinic
	}
	if o.Status == "" {
		o.Status = StatusPending
	}
	o.TestCodes = cleanCodes(o.TestCodes)
	o.DiagnosisCodes = cleanCodes(o.DiagnosisCodes)
	if o.ResultRecipients == nil {
		o.ResultRecipients = []Recipient{}
	}
	return nil
}

// cleanCodes trims, upper-cases and de-duplicates codes, never returning nil.
func cleanCodes(codes []string) []string {
	out := make([]string, 0, len(codes))
	seen := make(map[string]bool, len(codes))
	for _, c := range codes {
		c = terminology.NormalizeCode(c)
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

// Create validates and stores a new order.
func (s *Service) Create(ctx context.Context, o *LabOrder) error {
	if err := prepare(o); err != nil {
		return err
	}
	if err := s.repo.Create(ctx, o); err != nil {
		return apperr.FromDB(err, "lab order")
	}
	events.Emit(ctx, s.publisher, s.logger, events.New(ctx, events.LabOrderCreated, "lab_order", o.ID, o.PatientID, o))
	return nil
}

// Update replaces the editable fields of an open order.
func (s *Service) Update(ctx context.Context, o *LabOrder) error {
	if o.ID == uuid.Nil {
		return apperr.Validation("id", "id is required")
	}
	existing, err := s.repo.GetByID(ctx, o.ID)
	if err != nil {
		return apperr.FromDB(err, "lab order")
	}
	if isClosed(existing.Status) {
		return apperr.Validation("status", "a "+existing.Status+" order cannot be edited")
	}
	o.PatientID = existing.PatientID
	o.Status = ""
	if err := prepare(o); err != nil {
		return err
	}
	return apperr.FromDB(s.repo.Update(ctx, o), "lab order")
}

// Submit saves the order form. With CreateDiagnosis set on a new order a
// companion diagnosis is recorded afterwards; if that fails the order stays
// saved and the failure is reported in DiagnosisError.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	o := req.LabOrder
	creating := o.ID == uuid.Nil

	if creating {
		if err := s.Create(ctx, &o); err != nil {
			return nil, err
		}
	} else if err := s.Update(ctx, &o); err != nil {
		return nil, err
	}

	res := &SubmitResult{Order: &o}
	if !creating || !req.CreateDiagnosis {
		return res, nil
	}

	dx, err := s.companionDiagnosis(ctx, &o, req.DiagnosisName)
	if err != nil {
		s.logger.Warn().Err(err).Str("lab_order_id", o.ID.String()).Msg("companion diagnosis failed")
		res.DiagnosisError = failureMessage(err)
		return res, nil
	}
	res.Diagnosis = dx

	o.LinkedDiagnosisID = &dx.ID
	if err := s.repo.Update(ctx, &o); err != nil {
		s.logger.Warn().Err(err).Str("lab_order_id", o.ID.String()).Msg("link companion diagnosis failed")
		o.LinkedDiagnosisID = nil
	}
	return res, nil
}

func failureMessage(err error) string {
	var typed *apperr.Error
	if errors.As(err, &typed) {
		return typed.Message
	}
	return "could not create diagnosis"
}

// companionDiagnosis records the order's ICD codes as a diagnosis. The CPT
// test codes end up in its notes block.
func (s *Service) companionDiagnosis(ctx context.Context, o *LabOrder, name string) (*diagnosis.Diagnosis, error) {
	if s.diagnoses == nil {
		return nil, apperr.NotImplemented("diagnoses are not available")
	}
	icd, cpt := s.describe(ctx, o.DiagnosisCodes, o.TestCodes)
	dx := &diagnosis.Diagnosis{
		PatientID:     o.PatientID,
		ProviderID:    o.ProviderID,
		DiagnosisName: strings.TrimSpace(name),
		ICDCodes:      icd,
		CPTCodes:      cpt,
	}
	if err := s.diagnoses.Create(ctx, dx); err != nil {
		return nil, err
	}
	return dx, nil
}

// describe pairs codes with their reference descriptions when a lookup is
// configured. Lookup failures leave descriptions empty.
func (s *Service) describe(ctx context.Context, icdCodes, cptCodes []string) (icd, cpt []diagnosis.CodeRef) {
	desc := map[string]string{}
	if s.codes != nil && len(icdCodes)+len(cptCodes) > 0 {
		all := append(append([]string{}, icdCodes...), cptCodes...)
		res, err := s.codes.LookupCodes(ctx, "", all)
		if err != nil {
			s.logger.Warn().Err(err).Msg("code lookup failed")
		} else {
			for _, mc := range res.Codes {
				desc[mc.Type+"|"+mc.Code] = mc.Description
			}
		}
	}
	refs := func(codes []string, codeType string) []diagnosis.CodeRef {
		out := make([]diagnosis.CodeRef, 0, len(codes))
		for _, c := range codes {
			out = append(out, diagnosis.CodeRef{Code: c, Description: desc[codeType+"|"+c]})
		}
		return out
	}
	return refs(icdCodes, terminology.TypeICD10), refs(cptCodes, terminology.TypeCPT)
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*LabOrder, error) {
	o, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, apperr.FromDB(err, "lab order")
	}
	return o, nil
}

func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	return apperr.FromDB(s.repo.Delete(ctx, id), "lab order")
}

func (s *Service) ListByPatient(ctx context.Context, patientID uuid.UUID, status string, limit, offset int) ([]*LabOrder, int, error) {
	if status != "" && !validStatuses[status] {
		return nil, 0, apperr.Validation("status", "unknown status "+status)
	}
	items, total, err := s.repo.ListByPatient(ctx, patientID, status, limit, offset)
	if err != nil {
		return nil, 0, apperr.FromDB(err, "lab order")
	}
	return items, total, nil
}

// ListRelated returns the lab orders belonging to a diagnosis: those linked
// to it and those of the same patient that share one of its ICD codes.
func (s *Service) ListRelated(ctx context.Context, d *diagnosis.Diagnosis) ([]*LabOrder, error) {
	var icd []string
	if s.diagnoses != nil {
		refs, _ := s.diagnoses.Codes(ctx, d)
		icd = refCodes(refs)
	}
	items, err := s.repo.ListRelated(ctx, d.ID, d.PatientID, icd)
	if err != nil {
		return nil, apperr.FromDB(err, "lab order")
	}
	if items == nil {
		items = []*LabOrder{}
	}
	return items, nil
}

func refCodes(refs []diagnosis.CodeRef) []string {
	codes := make([]string, 0, len(refs))
	for _, r := range refs {
		codes = append(codes, r.Code)
	}
	return cleanCodes(codes)
}

// mergeCodes appends the codes of extra that base does not have.
func mergeCodes(base, extra []string) []string {
	return cleanCodes(append(append([]string{}, base...), extra...))
}

// LinkDiagnosis merges the codes of a diagnosis into the order and links
// the two.
func (s *Service) LinkDiagnosis(ctx context.Context, orderID, diagnosisID uuid.UUID) (*LabOrder, error) {
	if s.diagnoses == nil {
		return nil, apperr.NotImplemented("diagnoses are not available")
	}
	o, err := s.repo.GetByID(ctx, orderID)
	if err != nil {
		return nil, apperr.FromDB(err, "lab order")
	}
	if isClosed(o.Status) {
		return nil, apperr.Validation("status", "a "+o.Status+" order cannot be edited")
	}
	dx, err := s.diagnoses.Get(ctx, diagnosisID)
	if err != nil {
		return nil, err
	}
	if dx.PatientID != o.PatientID {
		return nil, apperr.Validation("diagnosis_id", "diagnosis belongs to a different patient")
	}

	icd, cpt := s.diagnoses.Codes(ctx, dx)
	o.DiagnosisCodes = mergeCodes(o.DiagnosisCodes, refCodes(icd))
	o.TestCodes = mergeCodes(o.TestCodes, refCodes(cpt))
	o.LinkedDiagnosisID = &dx.ID
	if o.ResultRecipients == nil {
		o.ResultRecipients = []Recipient{}
	}
	if err := s.repo.Update(ctx, o); err != nil {
		return nil, apperr.FromDB(err, "lab order")
	}
	return o, nil
}

func isClosed(status string) bool {
	return status == StatusCompleted || status == StatusCancelled
}

func canMove(from, to string) bool {
	for _, s := range statusTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (s *Service) transition(ctx context.Context, id uuid.UUID, to, eventType string) (*LabOrder, error) {
	o, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, apperr.FromDB(err, "lab order")
	}
	if !canMove(o.Status, to) {
		return nil, apperr.Validation("status", "cannot move a "+o.Status+" order to "+to)
	}
	if err := s.repo.SetStatus(ctx, id, to); err != nil {
		return nil, apperr.FromDB(err, "lab order")
	}
	o.Status = to
	if eventType != "" {
		events.Emit(ctx, s.publisher, s.logger, events.New(ctx, eventType, "lab_order", o.ID, o.PatientID,
			map[string]string{"status": to, "laboratory_id": o.LaboratoryID.String()}))
	}
	return o, nil
}

func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (*LabOrder, error) {
	return s.transition(ctx, id, StatusCancelled, events.LabOrderCancelled)
}

func (s *Service) SendToLab(ctx context.Context, id uuid.UUID) (*LabOrder, error) {
	return s.transition(ctx, id, StatusSentToLab, events.LabOrderSentToLab)
}

func (s *Service) Complete(ctx context.Context, id uuid.UUID) (*LabOrder, error) {
	return s.transition(ctx, id, StatusCompleted, "")
}

func (s *Service) ListLaboratories(ctx context.Context, activeOnly bool) ([]*Laboratory, error) {
	items, err := s.labs.List(ctx, activeOnly)
	if err != nil {
		return nil, apperr.FromDB(err, "laboratory")
	}
	if items == nil {
		items = []*Laboratory{}
	}
	return items, nil
}

func (s *Service) GetLaboratory(ctx context.Context, id uuid.UUID) (*Laboratory, error) {
	l, err := s.labs.GetByID(ctx, id)
	if err != nil {
		return nil, apperr.FromDB(err, "laboratory")
	}
	return l, nil
}
