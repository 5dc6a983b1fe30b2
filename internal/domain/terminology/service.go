package terminology

import (
	"context"
	"strings"

	"github.com/medflow/medflow/internal/platform/apperr"
	"github.com/medflow/medflow/pkg/picker"
)

const (
	defaultSearchLimit = 20
	maxSearchLimit     = 100
	maxLookupCodes     = 200
)

// Service provides medical code lookup and search.
type Service struct {
	codes Repository
}

func NewService(codes Repository) *Service {
	return &Service{codes: codes}
}

func validateType(codeType string) error {
	if codeType != "" && !validCodeTypes[codeType] {
		return apperr.Validation("type", "type must be one of: ICD-10, CPT")
	}
	return nil
}

// GetByCode looks up a single code.
func (s *Service) GetByCode(ctx context.Context, codeType, code string) (*MedicalCode, error) {
	code = NormalizeCode(code)
	if code == "" {
		return nil, apperr.Validation("code", "code is required")
	}
	if err := validateType(codeType); err != nil {
		return nil, err
	}
	mc, err := s.codes.GetByCode(ctx, codeType, code)
	if err != nil {
		return nil, apperr.FromDB(err, "medical code")
	}
	return mc, nil
}

// LookupCodes resolves a batch of codes. Blank and repeated codes are
// skipped; the result keeps the order of first appearance.
func (s *Service) LookupCodes(ctx context.Context, codeType string, codes []string) (*LookupResult, error) {
	if err := validateType(codeType); err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(codes))
	wanted := make([]string, 0, len(codes))
	for _, raw := range codes {
		code := NormalizeCode(raw)
		if code == "" || seen[code] {
			continue
		}
		seen[code] = true
		wanted = append(wanted, code)
	}
	if len(wanted) > maxLookupCodes {
		return nil, apperr.Validationf("at most %d codes may be looked up at once", maxLookupCodes)
	}

	result := &LookupResult{Codes: []*MedicalCode{}, Missing: []string{}}
	if len(wanted) == 0 {
		return result, nil
	}

	found, err := s.codes.LookupCodes(ctx, codeType, wanted)
	if err != nil {
		return nil, apperr.FromDB(err, "medical code")
	}
	for _, code := range wanted {
		if mc, ok := found[code]; ok {
			result.Codes = append(result.Codes, mc)
		} else {
			result.Missing = append(result.Missing, code)
		}
	}
	return result, nil
}

// Search matches codes by prefix and descriptions by substring. Codes in
// params.Exclude never appear in the result.
func (s *Service) Search(ctx context.Context, params SearchParams) ([]*MedicalCode, error) {
	params.Query = strings.TrimSpace(params.Query)
	if params.Query == "" {
		return nil, apperr.Validation("q", "query parameter 'q' is required")
	}
	if err := validateType(params.Type); err != nil {
		return nil, err
	}
	if params.Limit <= 0 {
		params.Limit = defaultSearchLimit
	}
	if params.Limit > maxSearchLimit {
		params.Limit = maxSearchLimit
	}

	results, err := s.codes.Search(ctx, params)
	if err != nil {
		return nil, apperr.FromDB(err, "medical code")
	}
	results = picker.Exclude(results, params.Exclude, codeKey)
	if len(results) > params.Limit {
		results = results[:params.Limit]
	}
	return results, nil
}

func codeKey(m *MedicalCode) string { return m.Code }
