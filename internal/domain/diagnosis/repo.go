package diagnosis

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, d *Diagnosis) error
	GetByID(ctx context.Context, id uuid.UUID) (*Diagnosis, error)
	Update(ctx context.Context, d *Diagnosis) error
	Delete(ctx context.Context, id uuid.UUID) error
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Diagnosis, int, error)
	// Structured codes
	ReplaceCodes(ctx context.Context, diagnosisID uuid.UUID, codes []Code) error
	ListCodes(ctx context.Context, diagnosisID uuid.UUID) ([]Code, error)
}
