package prescription

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medflow/medflow/internal/platform/apperr"
	"github.com/medflow/medflow/internal/platform/db"
	"github.com/medflow/medflow/internal/platform/erx"
	"github.com/medflow/medflow/internal/platform/events"
	"github.com/medflow/medflow/pkg/picker"
)

const (
	defaultSearchLimit = 20
	maxSearchLimit     = 100

	// activeScanLimit bounds how many active prescriptions a safety check
	// compares against.
	activeScanLimit = 500
)

type Service struct {
	repo         Repository
	catalog      CatalogRepository
	pharmacies   PharmacyRepository
	interactions InteractionRepository
	transmitter  erx.Transmitter
	publisher    events.Publisher
	logger       zerolog.Logger
}

func NewService(repo Repository, catalog CatalogRepository, pharmacies PharmacyRepository, interactions InteractionRepository, logger zerolog.Logger) *Service {
	return &Service{
		repo:         repo,
		catalog:      catalog,
		pharmacies:   pharmacies,
		interactions: interactions,
		transmitter:  erx.Disabled{},
		logger:       logger,
	}
}

// SetTransmitter configures the eRx gateway. Without one SendErx returns a
// not-implemented error.
func (s *Service) SetTransmitter(t erx.Transmitter) {
	if t == nil {
		t = erx.Disabled{}
	}
	s.transmitter = t
}

func (s *Service) SetPublisher(p events.Publisher) { s.publisher = p }

func validate(p *Prescription) error {
	if p.PatientID == uuid.Nil {
		return apperr.Validation("patient_id", "patient is required")
	}
	if strings.TrimSpace(p.MedicationName) == "" {
		return apperr.Validation("medication_name", "medication name is required")
	}
	if p.Status != "" && !validStatuses[p.Status] {
		return apperr.Validation("status", "status must be one of: active, completed, discontinued, cancelled, on-hold")
	}
	if p.Refills < 0 {
		return apperr.Validation("refills", "refills must not be negative")
	}
	if p.Quantity != nil && *p.Quantity < 0 {
		return apperr.Validation("quantity", "quantity must not be negative")
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// deriveQuantity fills an unset quantity from frequency and duration.
func deriveQuantity(p *Prescription) {
	if p.Quantity != nil {
		return
	}
	if q := AutoQuantity(deref(p.Frequency), deref(p.Duration), 0); q > 0 {
		p.Quantity = &q
	}
}

func (s *Service) Create(ctx context.Context, p *Prescription) error {
	if err := validate(p); err != nil {
		return err
	}
	if p.Status == "" {
		p.Status = StatusActive
	}
	p.ERxStatus = ERxNotSent
	deriveQuantity(p)

	if err := s.repo.Create(ctx, p); err != nil {
		return apperr.FromDB(err, "prescription")
	}
	events.Emit(ctx, s.publisher, s.logger, events.New(ctx, events.PrescriptionCreated, "prescription", p.ID, p.PatientID, p))
	return nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Prescription, error) {
	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, apperr.FromDB(err, "prescription")
	}
	return p, nil
}

func (s *Service) Update(ctx context.Context, p *Prescription) error {
	if p.ID == uuid.Nil {
		return apperr.Validation("id", "id is required")
	}
	existing, err := s.repo.GetByID(ctx, p.ID)
	if err != nil {
		return apperr.FromDB(err, "prescription")
	}
	p.PatientID = existing.PatientID
	if err := validate(p); err != nil {
		return err
	}
	if p.Status == "" {
		p.Status = existing.Status
	}
	deriveQuantity(p)
	return apperr.FromDB(s.repo.Update(ctx, p), "prescription")
}

func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	return apperr.FromDB(s.repo.Delete(ctx, id), "prescription")
}

func (s *Service) ListByPatient(ctx context.Context, patientID uuid.UUID, status string, limit, offset int) ([]*Prescription, int, error) {
	if status != "" && !validStatuses[status] {
		return nil, 0, apperr.Validation("status", "unknown status "+status)
	}
	items, total, err := s.repo.ListByPatient(ctx, patientID, status, limit, offset)
	if err != nil {
		return nil, 0, apperr.FromDB(err, "prescription")
	}
	return items, total, nil
}

// ListByDiagnosis returns the prescriptions written for a diagnosis.
func (s *Service) ListByDiagnosis(ctx context.Context, diagnosisID uuid.UUID) ([]*Prescription, error) {
	items, err := s.repo.ListByDiagnosis(ctx, diagnosisID)
	if err != nil {
		return nil, apperr.FromDB(err, "prescription")
	}
	return items, nil
}

// Submit creates one prescription per item, in order. When a pharmacy is
// given each created prescription is also transmitted. A failing item is
// recorded in the report and the remaining items still run.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*SubmitReport, error) {
	if req.PatientID == uuid.Nil {
		return nil, apperr.Validation("patient_id", "patient is required")
	}
	if len(req.Items) == 0 {
		return nil, apperr.Validation("items", "at least one medication is required")
	}

	report := &SubmitReport{Prescriptions: []*Prescription{}, Failures: []Failure{}}
	for i, item := range req.Items {
		p := &Prescription{
			PatientID:      req.PatientID,
			ProviderID:     req.ProviderID,
			DiagnosisID:    req.DiagnosisID,
			PharmacyID:     req.PharmacyID,
			MedicationName: item.MedicationName,
			NDCCode:        item.NDCCode,
			Dosage:         optional(item.Dosage),
			Frequency:      optional(item.Frequency),
			Duration:       optional(item.Duration),
			Quantity:       item.Quantity,
			Refills:        item.Refills,
			Instructions:   item.Instructions,
		}
		if err := s.Create(ctx, p); err != nil {
			s.logger.Error().Err(err).Int("index", i).Str("patient_id", req.PatientID.String()).
				Str("medication", item.MedicationName).Msg("prescription create failed")
			report.Failures = append(report.Failures, NewFailure("create", i, err))
			continue
		}
		report.Prescriptions = append(report.Prescriptions, p)

		if req.PharmacyID == nil {
			continue
		}
		sent, err := s.SendErx(ctx, p.ID)
		if err != nil {
			s.logger.Warn().Err(err).Int("index", i).Str("prescription_id", p.ID.String()).Msg("erx transmission failed")
			report.Failures = append(report.Failures, NewFailure("transmit", i, err))
			continue
		}
		*p = *sent
		report.Transmitted++
	}
	return report, nil
}

func optional(s string) *string {
	if s = strings.TrimSpace(s); s == "" {
		return nil
	}
	return &s
}

// NewFailure describes a failed batch step with the client-safe message of
// err.
func NewFailure(step string, index int, err error) Failure {
	msg := "internal error"
	var typed *apperr.Error
	if errors.As(err, &typed) {
		msg = typed.Message
	}
	return Failure{Step: step, Index: index, Kind: string(apperr.KindOf(err)), Message: msg}
}

// SendErx queues the prescription for its pharmacy.
func (s *Service) SendErx(ctx context.Context, id uuid.UUID) (*Prescription, error) {
	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, apperr.FromDB(err, "prescription")
	}
	if p.PharmacyID == nil {
		return nil, apperr.Validation("pharmacy_id", "a pharmacy is required to send a prescription electronically")
	}
	ph, err := s.pharmacies.GetByID(ctx, *p.PharmacyID)
	if err != nil {
		return nil, apperr.FromDB(err, "pharmacy")
	}

	msg := erx.Message{
		PrescriptionID: p.ID,
		PatientID:      p.PatientID,
		PharmacyID:     ph.ID,
		PharmacyNCPDP:  deref(ph.NCPDPID),
		MedicationName: p.MedicationName,
		NDCCode:        deref(p.NDCCode),
		Dosage:         deref(p.Dosage),
		Frequency:      deref(p.Frequency),
		Duration:       deref(p.Duration),
		Refills:        p.Refills,
		Instructions:   deref(p.Instructions),
		Practice:       db.PracticeFromContext(ctx),
		RequestedAt:    time.Now().UTC(),
	}
	if p.ProviderID != nil {
		msg.ProviderID = *p.ProviderID
	}
	if p.Quantity != nil {
		msg.Quantity = *p.Quantity
	}

	ref, err := s.transmitter.Transmit(ctx, msg)
	if err != nil {
		if apperr.Is(err, apperr.KindNotImplemented) {
			return nil, err
		}
		if serr := s.repo.SetERxStatus(ctx, p.ID, ERxFailed, nil, nil); serr != nil {
			s.logger.Error().Err(serr).Str("prescription_id", p.ID.String()).Msg("record erx failure")
		}
		return nil, err
	}

	sentAt := msg.RequestedAt
	if err := s.repo.SetERxStatus(ctx, p.ID, ERxQueued, &ref, &sentAt); err != nil {
		return nil, apperr.FromDB(err, "prescription")
	}
	p.ERxStatus = ERxQueued
	p.ERxReference = &ref
	p.SentAt = &sentAt
	events.Emit(ctx, s.publisher, s.logger, events.New(ctx, events.PrescriptionQueued, "prescription", p.ID, p.PatientID,
		map[string]string{"pharmacy_id": ph.ID.String(), "erx_reference": ref}))
	return p, nil
}

// CheckSafety compares a medication (NDC code or name) with the patient's
// active prescriptions. It reports catalogued interactions and duplicate
// therapy.
func (s *Service) CheckSafety(ctx context.Context, patientID uuid.UUID, medication string) ([]SafetyWarning, error) {
	medication = strings.TrimSpace(medication)
	if patientID == uuid.Nil {
		return nil, apperr.Validation("patient_id", "patient is required")
	}
	if medication == "" {
		return nil, apperr.Validation("ndc", "medication is required")
	}

	candidate := []string{medication}
	if m, err := s.catalog.GetByNDC(ctx, medication); err == nil {
		candidate = append(candidate, m.Name)
		if m.GenericName != nil {
			candidate = append(candidate, *m.GenericName)
		}
	} else if !apperr.Is(apperr.FromDB(err, "medication"), apperr.KindNotFound) {
		return nil, apperr.FromDB(err, "medication")
	}

	active, _, err := s.repo.ListByPatient(ctx, patientID, StatusActive, activeScanLimit, 0)
	if err != nil {
		return nil, apperr.FromDB(err, "prescription")
	}

	warnings := []SafetyWarning{}
	if len(active) == 0 {
		return warnings, nil
	}

	isCandidate := keySet(candidate)
	owner := make(map[string]*Prescription, len(active)*2)
	var activeKeys []string
	for _, p := range active {
		for _, k := range prescriptionKeys(p) {
			if isCandidate[k] {
				id := p.ID
				warnings = append(warnings, SafetyWarning{
					Severity:       "moderate",
					Description:    "duplicate therapy: patient already has an active prescription for " + p.MedicationName,
					Medication:     p.MedicationName,
					PrescriptionID: &id,
				})
				break
			}
		}
		for _, k := range prescriptionKeys(p) {
			if _, ok := owner[k]; !ok {
				owner[k] = p
				activeKeys = append(activeKeys, k)
			}
		}
	}

	found, err := s.interactions.Between(ctx, candidate, activeKeys)
	if err != nil {
		return nil, apperr.FromDB(err, "drug interaction")
	}
	for _, di := range found {
		other := strings.ToLower(di.MedicationB)
		if isCandidate[other] {
			other = strings.ToLower(di.MedicationA)
		}
		w := SafetyWarning{Severity: di.Severity, Description: di.Description, Medication: other}
		if p, ok := owner[other]; ok {
			id := p.ID
			w.Medication = p.MedicationName
			w.PrescriptionID = &id
		}
		warnings = append(warnings, w)
	}
	return warnings, nil
}

func keySet(keys []string) map[string]bool {
	set := make(map[string]bool, len(keys))
	for _, k := range keys {
		set[strings.ToLower(k)] = true
	}
	return set
}

func prescriptionKeys(p *Prescription) []string {
	keys := []string{strings.ToLower(p.MedicationName)}
	if p.NDCCode != nil && *p.NDCCode != "" {
		keys = append(keys, strings.ToLower(*p.NDCCode))
	}
	return keys
}

// SearchMedications searches the active catalog. Entries whose key is in
// params.Exclude are left out.
func (s *Service) SearchMedications(ctx context.Context, params MedicationSearch) ([]*Medication, error) {
	params.Query = strings.TrimSpace(params.Query)
	if params.Query == "" && params.DrugClass == "" && params.Form == "" {
		return nil, apperr.Validation("q", "a search term or filter is required")
	}
	if params.Limit <= 0 {
		params.Limit = defaultSearchLimit
	}
	if params.Limit > maxSearchLimit {
		params.Limit = maxSearchLimit
	}
	want := params.Limit
	params.Limit += len(params.Exclude)

	items, err := s.catalog.Search(ctx, params)
	if err != nil {
		return nil, apperr.FromDB(err, "medication")
	}
	items = picker.Exclude(items, params.Exclude, (*Medication).Key)
	if len(items) > want {
		items = items[:want]
	}
	return items, nil
}

func (s *Service) GetMedication(ctx context.Context, id uuid.UUID) (*Medication, error) {
	m, err := s.catalog.GetByID(ctx, id)
	if err != nil {
		return nil, apperr.FromDB(err, "medication")
	}
	return m, nil
}

func (s *Service) PreferredPharmacies(ctx context.Context, patientID uuid.UUID) ([]*Pharmacy, error) {
	items, err := s.pharmacies.ListPreferred(ctx, patientID)
	if err != nil {
		return nil, apperr.FromDB(err, "pharmacy")
	}
	if items == nil {
		items = []*Pharmacy{}
	}
	return items, nil
}

func (s *Service) SetPreferredPharmacy(ctx context.Context, patientID, pharmacyID uuid.UUID, primary bool) error {
	if _, err := s.pharmacies.GetByID(ctx, pharmacyID); err != nil {
		return apperr.FromDB(err, "pharmacy")
	}
	return apperr.FromDB(s.pharmacies.SetPreferred(ctx, patientID, pharmacyID, primary), "pharmacy")
}
