package terminology

import "context"

// Repository reads the medical_code reference table. An empty codeType
// matches either code system.
type Repository interface {
	GetByCode(ctx context.Context, codeType, code string) (*MedicalCode, error)
	// LookupCodes resolves codes in one round trip. The result is keyed by
	// code; codes that do not exist are absent.
	LookupCodes(ctx context.Context, codeType string, codes []string) (map[string]*MedicalCode, error)
	Search(ctx context.Context, params SearchParams) ([]*MedicalCode, error)
}
