package terminology

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"

	"github.com/medflow/medflow/internal/platform/apperr"
)

// -- Mock Repository --

type mockCodeRepo struct {
	codes       map[string]*MedicalCode
	lookupCalls int
	getCalls    int
	fail        error
}

func newMockCodeRepo() *mockCodeRepo {
	m := &mockCodeRepo{codes: make(map[string]*MedicalCode)}
	for _, mc := range []*MedicalCode{
		{Code: "E11.9", Description: "Type 2 diabetes mellitus without complications", Type: TypeICD10},
		{Code: "E11.65", Description: "Type 2 diabetes mellitus with hyperglycemia", Type: TypeICD10},
		{Code: "I10", Description: "Essential (primary) hypertension", Type: TypeICD10},
		{Code: "83036", Description: "Hemoglobin A1c", Type: TypeCPT},
		{Code: "80053", Description: "Comprehensive metabolic panel", Type: TypeCPT},
	} {
		m.codes[mc.Code] = mc
	}
	return m
}

func (m *mockCodeRepo) GetByCode(_ context.Context, codeType, code string) (*MedicalCode, error) {
	m.getCalls++
	if m.fail != nil {
		return nil, m.fail
	}
	mc, ok := m.codes[code]
	if !ok || (codeType != "" && mc.Type != codeType) {
		return nil, fmt.Errorf("medical code get: %w", pgx.ErrNoRows)
	}
	return mc, nil
}

func (m *mockCodeRepo) LookupCodes(_ context.Context, codeType string, codes []string) (map[string]*MedicalCode, error) {
	m.lookupCalls++
	if m.fail != nil {
		return nil, m.fail
	}
	out := make(map[string]*MedicalCode)
	for _, code := range codes {
		if mc, ok := m.codes[code]; ok && (codeType == "" || mc.Type == codeType) {
			out[code] = mc
		}
	}
	return out, nil
}

func (m *mockCodeRepo) Search(_ context.Context, params SearchParams) ([]*MedicalCode, error) {
	if m.fail != nil {
		return nil, m.fail
	}
	var out []*MedicalCode
	q := strings.ToLower(params.Query)
	for _, mc := range m.codes {
		if params.Type != "" && mc.Type != params.Type {
			continue
		}
		if strings.HasPrefix(strings.ToLower(mc.Code), q) || strings.Contains(strings.ToLower(mc.Description), q) {
			out = append(out, mc)
		}
	}
	return out, nil
}

func newTestService() (*Service, *mockCodeRepo) {
	repo := newMockCodeRepo()
	return NewService(repo), repo
}

// -- Tests --

func TestService_GetByCode(t *testing.T) {
	svc, _ := newTestService()
	mc, err := svc.GetByCode(context.Background(), "", " e11.9 ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mc.Description != "Type 2 diabetes mellitus without complications" {
		t.Errorf("unexpected description %q", mc.Description)
	}
}

func TestService_GetByCode_NotFound(t *testing.T) {
	svc, _ := newTestService()
	_, err := svc.GetByCode(context.Background(), "", "Z99.99")
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestService_GetByCode_Validation(t *testing.T) {
	svc, _ := newTestService()
	if _, err := svc.GetByCode(context.Background(), "", "  "); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("expected validation error for blank code, got %v", err)
	}
	if _, err := svc.GetByCode(context.Background(), "SNOMED", "I10"); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("expected validation error for bad type, got %v", err)
	}
}

func TestService_LookupCodes_SingleBatch(t *testing.T) {
	svc, repo := newTestService()
	res, err := svc.LookupCodes(context.Background(), "", []string{"I10", "e11.9", "I10", "", "BOGUS"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if repo.lookupCalls != 1 {
		t.Errorf("expected one repository call, got %d", repo.lookupCalls)
	}
	if len(res.Codes) != 2 || res.Codes[0].Code != "I10" || res.Codes[1].Code != "E11.9" {
		t.Errorf("unexpected codes %+v", res.Codes)
	}
	if len(res.Missing) != 1 || res.Missing[0] != "BOGUS" {
		t.Errorf("unexpected missing %v", res.Missing)
	}
}

func TestService_LookupCodes_Empty(t *testing.T) {
	svc, repo := newTestService()
	res, err := svc.LookupCodes(context.Background(), TypeCPT, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if repo.lookupCalls != 0 {
		t.Error("expected no repository call for empty input")
	}
	if res.Codes == nil || res.Missing == nil {
		t.Error("expected empty slices, not nil")
	}
}

func TestService_LookupCodes_TooMany(t *testing.T) {
	svc, _ := newTestService()
	codes := make([]string, maxLookupCodes+1)
	for i := range codes {
		codes[i] = fmt.Sprintf("C%d", i)
	}
	if _, err := svc.LookupCodes(context.Background(), "", codes); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestService_Search(t *testing.T) {
	svc, _ := newTestService()
	results, err := svc.Search(context.Background(), SearchParams{
		Query:   "diabetes",
		Type:    TypeICD10,
		Exclude: map[string]bool{"E11.9": true},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 || results[0].Code != "E11.65" {
		t.Errorf("expected only E11.65, got %+v", results)
	}
}

func TestService_Search_RequiresQuery(t *testing.T) {
	svc, _ := newTestService()
	if _, err := svc.Search(context.Background(), SearchParams{Query: " "}); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestService_Search_Limit(t *testing.T) {
	svc, _ := newTestService()
	results, err := svc.Search(context.Background(), SearchParams{Query: "e", Limit: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 2 {
		t.Errorf("expected 2 results, got %d", len(results))
	}
}

func TestNormalizeCode(t *testing.T) {
	tests := []struct{ in, want string }{
		{"e11.9", "E11.9"},
		{"  83036 ", "83036"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NormalizeCode(tt.in); got != tt.want {
			t.Errorf("NormalizeCode(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
