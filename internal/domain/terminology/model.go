package terminology

import "strings"

const (
	TypeICD10 = "ICD-10"
	TypeCPT   = "CPT"
)

var validCodeTypes = map[string]bool{
	TypeICD10: true, TypeCPT: true,
}

// MedicalCode is an ICD-10 diagnosis or CPT procedure code.
type MedicalCode struct {
	Code        string `db:"code" json:"code"`
	Description string `db:"description" json:"description"`
	Type        string `db:"type" json:"type"`
}

// Label renders the code the way pickers and notes show it.
func (m *MedicalCode) Label() string {
	return m.Code + " - " + m.Description
}

// NormalizeCode trims and upper-cases a code as typed by a user.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// SearchParams narrows a code search.
type SearchParams struct {
	Query   string
	Type    string
	Limit   int
	Exclude map[string]bool
}

// LookupRequest is the body of a batch lookup.
type LookupRequest struct {
	Codes []string `json:"codes" validate:"required,min=1,max=200"`
	Type  string   `json:"type,omitempty" validate:"omitempty,oneof=ICD-10 CPT"`
}

// LookupResult lists resolved codes in request order and the codes that
// did not resolve.
type LookupResult struct {
	Codes   []*MedicalCode `json:"codes"`
	Missing []string       `json:"missing"`
}
