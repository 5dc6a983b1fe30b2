package prescription

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, p *Prescription) error
	GetByID(ctx context.Context, id uuid.UUID) (*Prescription, error)
	Update(ctx context.Context, p *Prescription) error
	Delete(ctx context.Context, id uuid.UUID) error
	ListByPatient(ctx context.Context, patientID uuid.UUID, status string, limit, offset int) ([]*Prescription, int, error)
	ListByDiagnosis(ctx context.Context, diagnosisID uuid.UUID) ([]*Prescription, error)
	SetERxStatus(ctx context.Context, id uuid.UUID, status string, reference *string, sentAt *time.Time) error
}

type CatalogRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Medication, error)
	GetByNDC(ctx context.Context, ndc string) (*Medication, error)
	Search(ctx context.Context, params MedicationSearch) ([]*Medication, error)
}

type PharmacyRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Pharmacy, error)
	ListPreferred(ctx context.Context, patientID uuid.UUID) ([]*Pharmacy, error)
	SetPreferred(ctx context.Context, patientID, pharmacyID uuid.UUID, primary bool) error
}

type InteractionRepository interface {
	// Between returns interactions with one side in a and the other in b.
	// Keys are lower-cased names or NDC codes.
	Between(ctx context.Context, a, b []string) ([]*DrugInteraction, error)
}
