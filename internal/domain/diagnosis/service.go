package diagnosis

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medflow/medflow/internal/domain/terminology"
	"github.com/medflow/medflow/internal/platform/apperr"
	"github.com/medflow/medflow/internal/platform/events"
)

// CodeLookup resolves code strings to reference entries in one call.
type CodeLookup interface {
	LookupCodes(ctx context.Context, codeType string, codes []string) (*terminology.LookupResult, error)
}

// Transactor runs fn in a database transaction.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type Service struct {
	repo      Repository
	codes     CodeLookup
	tx        Transactor
	publisher events.Publisher
	logger    zerolog.Logger
}

func NewService(repo Repository, codes CodeLookup, logger zerolog.Logger) *Service {
	return &Service{repo: repo, codes: codes, logger: logger}
}

// SetTransactor makes writes of a diagnosis and its codes atomic.
func (s *Service) SetTransactor(tx Transactor) { s.tx = tx }

func (s *Service) SetPublisher(p events.Publisher) { s.publisher = p }

func (s *Service) inTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.tx == nil {
		return fn(ctx)
	}
	return s.tx.InTx(ctx, fn)
}

// Validate checks a diagnosis before it is written.
func Validate(d *Diagnosis) error {
	if d.PatientID == uuid.Nil {
		return apperr.Validation("patient_id", "patient is required")
	}
	if strings.TrimSpace(d.DiagnosisName) == "" && len(d.ICDCodes) == 0 {
		return apperr.Validation("diagnosis_name", "diagnosis name or at least one ICD code is required")
	}
	for _, c := range append(append([]CodeRef{}, d.ICDCodes...), d.CPTCodes...) {
		if strings.TrimSpace(c.Code) == "" {
			return apperr.Validation("codes", "selected codes must not be blank")
		}
	}
	if d.Severity != nil && *d.Severity != "" && !validSeverities[*d.Severity] {
		return apperr.Validation("severity", "severity must be one of: Mild, Moderate, Severe")
	}
	if d.Status != "" && !validStatuses[d.Status] {
		return apperr.Validation("status", "status must be one of: Active, Resolved, Chronic")
	}
	return nil
}

func prepare(d *Diagnosis) error {
	if err := Validate(d); err != nil {
		return err
	}
	if d.Status == "" {
		d.Status = StatusActive
	}
	if d.Severity != nil && *d.Severity == "" {
		d.Severity = nil
	}
	ApplyCodes(d)
	return nil
}

// Create stores d with its codes. Flattened columns are derived from
// d.ICDCodes and d.CPTCodes.
func (s *Service) Create(ctx context.Context, d *Diagnosis) error {
	if err := prepare(d); err != nil {
		return err
	}
	err := s.inTx(ctx, func(ctx context.Context) error {
		if err := s.repo.Create(ctx, d); err != nil {
			return err
		}
		return s.repo.ReplaceCodes(ctx, d.ID, ChildRows(d))
	})
	if err != nil {
		return apperr.FromDB(err, "diagnosis")
	}
	events.Emit(ctx, s.publisher, s.logger, events.New(ctx, events.DiagnosisCreated, "diagnosis", d.ID, d.PatientID, d))
	return nil
}

// Update replaces the diagnosis fields and its code selection.
func (s *Service) Update(ctx context.Context, d *Diagnosis) error {
	if d.ID == uuid.Nil {
		return apperr.Validation("id", "id is required")
	}
	if err := prepare(d); err != nil {
		return err
	}
	err := s.inTx(ctx, func(ctx context.Context) error {
		if err := s.repo.Update(ctx, d); err != nil {
			return err
		}
		return s.repo.ReplaceCodes(ctx, d.ID, ChildRows(d))
	})
	if err != nil {
		return apperr.FromDB(err, "diagnosis")
	}
	events.Emit(ctx, s.publisher, s.logger, events.New(ctx, events.DiagnosisUpdated, "diagnosis", d.ID, d.PatientID, d))
	return nil
}

// Get returns the diagnosis with its structured codes when it has any.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Diagnosis, error) {
	d, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, apperr.FromDB(err, "diagnosis")
	}
	rows, err := s.repo.ListCodes(ctx, id)
	if err != nil {
		return nil, apperr.FromDB(err, "diagnosis")
	}
	d.ICDCodes, d.CPTCodes = SplitRows(rows)
	return d, nil
}

func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	return apperr.FromDB(s.repo.Delete(ctx, id), "diagnosis")
}

func (s *Service) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Diagnosis, int, error) {
	items, total, err := s.repo.ListByPatient(ctx, patientID, limit, offset)
	if err != nil {
		return nil, 0, apperr.FromDB(err, "diagnosis")
	}
	return items, total, nil
}

// LoadForEdit reconstructs the code selection of a diagnosis. Rows in the
// diagnosis_code table win; rows written before that table existed are
// decoded from diagnosis_code and the notes blocks, then resolved against
// the reference table in one lookup. Codes that do not resolve are dropped.
func (s *Service) LoadForEdit(ctx context.Context, id uuid.UUID) (*EditView, error) {
	d, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	view := &EditView{Diagnosis: d, ICDCodes: []CodeRef{}, CPTCodes: []CodeRef{}}
	if d.Notes != nil {
		view.DisplayNotes = StripCodeBlocks(*d.Notes)
	}

	if len(d.ICDCodes)+len(d.CPTCodes) > 0 {
		view.Source = "structured"
		view.ICDCodes = append(view.ICDCodes, d.ICDCodes...)
		view.CPTCodes = append(view.CPTCodes, d.CPTCodes...)
		return view, nil
	}

	view.Source = "notes"
	icd, cpt := s.ResolveCodes(ctx, d)
	view.ICDCodes = append(view.ICDCodes, icd...)
	view.CPTCodes = append(view.CPTCodes, cpt...)
	return view, nil
}

// ResolveCodes decodes the flattened codes of d and resolves them in one
// batch. A failed lookup is logged and yields no codes.
func (s *Service) ResolveCodes(ctx context.Context, d *Diagnosis) (icd, cpt []CodeRef) {
	icdCodes, cptCodes := DecodeCodes(d)
	if len(icdCodes)+len(cptCodes) == 0 {
		return nil, nil
	}
	if s.codes == nil {
		return bare(icdCodes), bare(cptCodes)
	}

	all := append(append([]string{}, icdCodes...), cptCodes...)
	res, err := s.codes.LookupCodes(ctx, "", all)
	if err != nil {
		s.logger.Warn().Err(err).Str("diagnosis_id", d.ID.String()).Msg("code lookup failed")
		return nil, nil
	}
	resolved := make(map[string]*terminology.MedicalCode, len(res.Codes))
	for _, mc := range res.Codes {
		resolved[mc.Code] = mc
	}

	pick := func(codes []string, codeType string) []CodeRef {
		var out []CodeRef
		for _, code := range codes {
			mc, ok := resolved[terminology.NormalizeCode(code)]
			if !ok || mc.Type != codeType {
				s.logger.Warn().Str("diagnosis_id", d.ID.String()).Str("code", code).Str("type", codeType).
					Msg("dropping unresolved code")
				continue
			}
			out = append(out, CodeRef{Code: mc.Code, Description: mc.Description})
		}
		return out
	}
	return pick(icdCodes, terminology.TypeICD10), pick(cptCodes, terminology.TypeCPT)
}

func bare(codes []string) []CodeRef {
	out := make([]CodeRef, len(codes))
	for i, c := range codes {
		out[i] = CodeRef{Code: c}
	}
	return out
}

// Codes returns the combined code selection of a diagnosis, structured rows
// first and the decoded flattened columns otherwise.
func (s *Service) Codes(ctx context.Context, d *Diagnosis) (icd, cpt []CodeRef) {
	if len(d.ICDCodes)+len(d.CPTCodes) > 0 {
		return d.ICDCodes, d.CPTCodes
	}
	return s.ResolveCodes(ctx, d)
}
