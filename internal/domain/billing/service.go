package billing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/rs/zerolog"

	"github.com/medflow/medflow/internal/platform/apperr"
	"github.com/medflow/medflow/internal/platform/blobstore"
	"github.com/medflow/medflow/internal/platform/events"
)

// Messages returned to clients for server-side failures. The cause is only
// logged.
const (
	msgList   = "Failed to fetch payment postings"
	msgGet    = "Failed to fetch payment posting"
	msgCreate = "Failed to create payment posting"
	msgUpdate = "Failed to update payment posting"
	msgDelete = "Failed to delete payment posting"
	msgUpload = "Failed to store remittance document"

	DeletedMessage = "Payment posting deleted successfully"
)

type Service struct {
	postings  PostingRepository
	blobs     blobstore.Store
	publisher events.Publisher
	logger    zerolog.Logger
	now       func() time.Time
}

func NewService(postings PostingRepository, blobs blobstore.Store, logger zerolog.Logger) *Service {
	return &Service{postings: postings, blobs: blobs, logger: logger, now: time.Now}
}

func (s *Service) SetPublisher(p events.Publisher) { s.publisher = p }

// classify keeps not-found and typed errors and turns everything else into
// a server error carrying msg.
func classify(err error, msg string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound("payment posting")
	}
	var typed *apperr.Error
	if errors.As(err, &typed) {
		return err
	}
	return apperr.Wrap(apperr.KindServer, msg, err)
}

func checkUUID(field, raw string) error {
	if raw == "" {
		return nil
	}
	if _, err := uuid.Parse(raw); err != nil {
		return apperr.Validation(field, "invalid "+field)
	}
	return nil
}

// List returns postings matching f, newest posting date first.
func (s *Service) List(ctx context.Context, f PostingFilter) ([]*PaymentPosting, error) {
	for field, raw := range map[string]string{"patientId": f.PatientID, "claimId": f.ClaimID, "insurancePayerId": f.InsurancePayerID} {
		if err := checkUUID(field, raw); err != nil {
			return nil, err
		}
	}
	items, err := s.postings.List(ctx, f)
	if err != nil {
		return nil, classify(err, msgList)
	}
	return items, nil
}

func (s *Service) ListByClaim(ctx context.Context, claimID uuid.UUID) ([]*PaymentPosting, error) {
	items, err := s.postings.ListByClaim(ctx, claimID)
	if err != nil {
		return nil, classify(err, msgList)
	}
	return items, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*PaymentPosting, error) {
	p, err := s.postings.GetByID(ctx, id)
	if err != nil {
		return nil, classify(err, msgGet)
	}
	return p, nil
}

func orZero(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func orDefault(v *string, def string) string {
	if v == nil || *v == "" {
		return def
	}
	return *v
}

// newPosting applies the create defaults: zero amounts, status posted,
// method check and today's posting date.
func (s *Service) newPosting(in PostingInput) *PaymentPosting {
	p := &PaymentPosting{
		ClaimID:           in.ClaimID,
		InsurancePayerID:  in.InsurancePayerID,
		PaymentAmount:     orZero(in.PaymentAmount),
		DeductibleAmount:  orZero(in.DeductibleAmount),
		CoinsuranceAmount: orZero(in.CoinsuranceAmount),
		CopayAmount:       orZero(in.CopayAmount),
		AdjustmentAmount:  orZero(in.AdjustmentAmount),
		AdjustmentReason:  in.AdjustmentReason,
		PaymentMethod:     orDefault(in.PaymentMethod, MethodCheck),
		CheckNumber:       in.CheckNumber,
		ERANumber:         in.ERANumber,
		EOBNumber:         in.EOBNumber,
		Status:            orDefault(in.Status, StatusPosted),
		Notes:             in.Notes,
	}
	if in.PatientID != nil {
		p.PatientID = *in.PatientID
	}
	if in.PostingDate != nil && in.PostingDate.Valid {
		p.PostingDate = *in.PostingDate
	} else {
		y, m, d := s.now().Date()
		p.PostingDate = pgtype.Date{Time: time.Date(y, m, d, 0, 0, 0, 0, time.UTC), Valid: true}
	}
	return p
}

func (s *Service) Create(ctx context.Context, in PostingInput) (*PaymentPosting, error) {
	if in.PatientID == nil || *in.PatientID == uuid.Nil {
		return nil, apperr.Validation("patient_id", "patient_id is required")
	}
	p := s.newPosting(in)
	if err := s.postings.Create(ctx, p); err != nil {
		return nil, classify(err, msgCreate)
	}
	events.Emit(ctx, s.publisher, s.logger, events.New(ctx, events.PaymentPostingPosted, "payment_posting", p.ID, p.PatientID,
		map[string]any{"payment_amount": p.PaymentAmount, "claim_id": p.ClaimID}))
	return p, nil
}

// Update changes only the fields present in in.
func (s *Service) Update(ctx context.Context, id uuid.UUID, in PostingInput) (*PaymentPosting, error) {
	if in.PatientID != nil && *in.PatientID == uuid.Nil {
		return nil, apperr.Validation("patient_id", "patient_id must not be empty")
	}
	p, err := s.postings.Update(ctx, id, in)
	if err != nil {
		return nil, classify(err, msgUpdate)
	}
	return p, nil
}

// Delete removes the posting and its remittance document.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) (*DeleteResult, error) {
	p, err := s.postings.Delete(ctx, id)
	if err != nil {
		return nil, classify(err, msgDelete)
	}
	if p.RemittanceDocumentKey != nil && s.blobs != nil {
		if err := s.blobs.Delete(ctx, *p.RemittanceDocumentKey); err != nil && !errors.Is(err, blobstore.ErrNotFound) {
			s.logger.Warn().Err(err).Str("key", *p.RemittanceDocumentKey).Msg("remittance document not removed")
		}
	}
	return &DeleteResult{Message: DeletedMessage, PaymentPosting: p}, nil
}

func remittanceKey(id uuid.UUID) string {
	return fmt.Sprintf("payment-postings/%s/remittance", id)
}

func blobError(err error, msg string) error {
	switch {
	case errors.Is(err, blobstore.ErrNotFound):
		return apperr.NotFound("remittance document")
	case errors.Is(err, blobstore.ErrFileTooLarge):
		return apperr.Validation("file", "file exceeds the 25 MB limit")
	case errors.Is(err, blobstore.ErrInvalidContentType):
		return apperr.Validation("file", "file type is not accepted")
	}
	return apperr.Wrap(apperr.KindServer, msg, err)
}

// AttachRemittance stores an ERA/EOB document for the posting, replacing
// any earlier one.
func (s *Service) AttachRemittance(ctx context.Context, id uuid.UUID, filename, contentType string, content io.Reader) (*PaymentPosting, error) {
	if s.blobs == nil {
		return nil, apperr.NotImplemented("document storage is not configured")
	}
	p, err := s.postings.GetByID(ctx, id)
	if err != nil {
		return nil, classify(err, msgGet)
	}
	key := remittanceKey(id)
	obj := blobstore.Object{
		Key:         key,
		ContentType: contentType,
		Metadata:    map[string]string{"filename": filename, "patient_id": p.PatientID.String()},
	}
	if _, err := s.blobs.Put(ctx, obj, content); err != nil {
		return nil, blobError(err, msgUpload)
	}
	if err := s.postings.SetRemittanceKey(ctx, id, key); err != nil {
		return nil, classify(err, msgUpload)
	}
	p.RemittanceDocumentKey = &key
	return p, nil
}

// Remittance opens the stored document. The caller closes the reader.
func (s *Service) Remittance(ctx context.Context, id uuid.UUID) (io.ReadCloser, *blobstore.Object, error) {
	if s.blobs == nil {
		return nil, nil, apperr.NotImplemented("document storage is not configured")
	}
	p, err := s.postings.GetByID(ctx, id)
	if err != nil {
		return nil, nil, classify(err, msgGet)
	}
	if p.RemittanceDocumentKey == nil {
		return nil, nil, apperr.NotFound("remittance document")
	}
	rc, obj, err := s.blobs.Get(ctx, *p.RemittanceDocumentKey)
	if err != nil {
		return nil, nil, blobError(err, msgGet)
	}
	return rc, obj, nil
}
