package billing

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medflow/medflow/internal/platform/db"
)

// =========== Payment Posting Repository ===========

type postingRepoPG struct{ pool *pgxpool.Pool }

func NewPostingRepoPG(pool *pgxpool.Pool) PostingRepository { return &postingRepoPG{pool: pool} }

func (r *postingRepoPG) conn(ctx context.Context) db.Querier {
	return db.Resolve(ctx, r.pool)
}

const postingCols = `id, claim_id, patient_id, insurance_payer_id, posting_date,
	payment_amount, deductible_amount, coinsurance_amount, copay_amount, adjustment_amount,
	adjustment_reason, payment_method, check_number, era_number, eob_number,
	remittance_document_key, status, notes, created_at, updated_at`

const postingOrder = "posting_date DESC, created_at DESC"

var postingFilters = map[string]db.Filter{
	"patientId":        {Column: "patient_id", Kind: db.FilterEq},
	"claimId":          {Column: "claim_id", Kind: db.FilterEq},
	"insurancePayerId": {Column: "insurance_payer_id", Kind: db.FilterEq},
	"status":           {Column: "status", Kind: db.FilterEq},
}

func (r *postingRepoPG) scanPosting(row pgx.Row) (*PaymentPosting, error) {
	var p PaymentPosting
	err := row.Scan(&p.ID, &p.ClaimID, &p.PatientID, &p.InsurancePayerID, &p.PostingDate,
		&p.PaymentAmount, &p.DeductibleAmount, &p.CoinsuranceAmount, &p.CopayAmount, &p.AdjustmentAmount,
		&p.AdjustmentReason, &p.PaymentMethod, &p.CheckNumber, &p.ERANumber, &p.EOBNumber,
		&p.RemittanceDocumentKey, &p.Status, &p.Notes, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *postingRepoPG) Create(ctx context.Context, p *PaymentPosting) error {
	p.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO payment_posting (id, claim_id, patient_id, insurance_payer_id, posting_date,
			payment_amount, deductible_amount, coinsurance_amount, copay_amount, adjustment_amount,
			adjustment_reason, payment_method, check_number, era_number, eob_number, status, notes)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		RETURNING created_at, updated_at`,
		p.ID, p.ClaimID, p.PatientID, p.InsurancePayerID, p.PostingDate,
		p.PaymentAmount, p.DeductibleAmount, p.CoinsuranceAmount, p.CopayAmount, p.AdjustmentAmount,
		p.AdjustmentReason, p.PaymentMethod, p.CheckNumber, p.ERANumber, p.EOBNumber, p.Status, p.Notes).
		Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create payment posting: %w", err)
	}
	return nil
}

func (r *postingRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*PaymentPosting, error) {
	p, err := r.scanPosting(r.conn(ctx).QueryRow(ctx, `SELECT `+postingCols+` FROM payment_posting WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get payment posting: %w", err)
	}
	return p, nil
}

func (r *postingRepoPG) Update(ctx context.Context, id uuid.UUID, in PostingInput) (*PaymentPosting, error) {
	p, err := r.scanPosting(r.conn(ctx).QueryRow(ctx, `
		UPDATE payment_posting SET
			claim_id           = COALESCE($2, claim_id),
			patient_id         = COALESCE($3, patient_id),
			insurance_payer_id = COALESCE($4, insurance_payer_id),
			posting_date       = COALESCE($5, posting_date),
			payment_amount     = COALESCE($6, payment_amount),
			deductible_amount  = COALESCE($7, deductible_amount),
			coinsurance_amount = COALESCE($8, coinsurance_amount),
			copay_amount       = COALESCE($9, copay_amount),
			adjustment_amount  = COALESCE($10, adjustment_amount),
			adjustment_reason  = COALESCE($11, adjustment_reason),
			payment_method     = COALESCE($12, payment_method),
			check_number       = COALESCE($13, check_number),
			era_number         = COALESCE($14, era_number),
			eob_number         = COALESCE($15, eob_number),
			status             = COALESCE($16, status),
			notes              = COALESCE($17, notes),
			updated_at         = NOW()
		WHERE id = $1
		RETURNING `+postingCols,
		id, in.ClaimID, in.PatientID, in.InsurancePayerID, in.PostingDate,
		in.PaymentAmount, in.DeductibleAmount, in.CoinsuranceAmount, in.CopayAmount, in.AdjustmentAmount,
		in.AdjustmentReason, in.PaymentMethod, in.CheckNumber, in.ERANumber, in.EOBNumber, in.Status, in.Notes))
	if err != nil {
		return nil, fmt.Errorf("update payment posting: %w", err)
	}
	return p, nil
}

func (r *postingRepoPG) Delete(ctx context.Context, id uuid.UUID) (*PaymentPosting, error) {
	p, err := r.scanPosting(r.conn(ctx).QueryRow(ctx, `DELETE FROM payment_posting WHERE id = $1 RETURNING `+postingCols, id))
	if err != nil {
		return nil, fmt.Errorf("delete payment posting: %w", err)
	}
	return p, nil
}

func (r *postingRepoPG) list(ctx context.Context, q *db.SelectQuery) ([]*PaymentPosting, error) {
	rows, err := r.conn(ctx).Query(ctx, q.SQL(), q.Args()...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []*PaymentPosting{}
	for rows.Next() {
		p, err := r.scanPosting(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

// postingQuery ANDs the non-empty filters of f.
func postingQuery(f PostingFilter) *db.SelectQuery {
	return db.NewSelectQuery("payment_posting", postingCols).
		Apply(f.params(), postingFilters).
		OrderBy(postingOrder)
}

func (r *postingRepoPG) List(ctx context.Context, f PostingFilter) ([]*PaymentPosting, error) {
	items, err := r.list(ctx, postingQuery(f))
	if err != nil {
		return nil, fmt.Errorf("list payment postings: %w", err)
	}
	return items, nil
}

func (r *postingRepoPG) ListByClaim(ctx context.Context, claimID uuid.UUID) ([]*PaymentPosting, error) {
	q := db.NewSelectQuery("payment_posting", postingCols).Eq("claim_id", claimID).OrderBy(postingOrder)
	items, err := r.list(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list claim payment postings: %w", err)
	}
	return items, nil
}

func (r *postingRepoPG) SetRemittanceKey(ctx context.Context, id uuid.UUID, key string) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE payment_posting SET remittance_document_key = $2, updated_at = NOW() WHERE id = $1`, id, key)
	if err != nil {
		return fmt.Errorf("set remittance key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("set remittance key: %w", pgx.ErrNoRows)
	}
	return nil
}
