package billing

import (
	"context"

	"github.com/google/uuid"
)

type PostingRepository interface {
	Create(ctx context.Context, p *PaymentPosting) error
	GetByID(ctx context.Context, id uuid.UUID) (*PaymentPosting, error)
	// Update applies the non-nil fields of in and returns the stored row.
	Update(ctx context.Context, id uuid.UUID, in PostingInput) (*PaymentPosting, error)
	// Delete removes the row and returns it.
	Delete(ctx context.Context, id uuid.UUID) (*PaymentPosting, error)
	List(ctx context.Context, f PostingFilter) ([]*PaymentPosting, error)
	ListByClaim(ctx context.Context, claimID uuid.UUID) ([]*PaymentPosting, error)
	SetRemittanceKey(ctx context.Context, id uuid.UUID, key string) error
}
