package laborder

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, o *LabOrder) error
	GetByID(ctx context.Context, id uuid.UUID) (*LabOrder, error)
	Update(ctx context.Context, o *LabOrder) error
	Delete(ctx context.Context, id uuid.UUID) error
	SetStatus(ctx context.Context, id uuid.UUID, status string) error
	ListByPatient(ctx context.Context, patientID uuid.UUID, status string, limit, offset int) ([]*LabOrder, int, error)
	// ListRelated returns orders linked to the diagnosis, plus orders of the
	// same patient whose diagnosis codes overlap icdCodes.
	ListRelated(ctx context.Context, diagnosisID, patientID uuid.UUID, icdCodes []string) ([]*LabOrder, error)
}

type LaboratoryRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Laboratory, error)
	List(ctx context.Context, activeOnly bool) ([]*Laboratory, error)
}
