package laborder

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medflow/medflow/internal/platform/db"
)

// =========== Lab Order Repository ===========

type labOrderRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &labOrderRepoPG{pool: pool} }

func (r *labOrderRepoPG) conn(ctx context.Context) db.Querier {
	return db.Resolve(ctx, r.pool)
}

const orderCols = `id, patient_id, provider_id, laboratory_id, linked_diagnosis_id, test_codes, diagnosis_codes,
	priority, order_status, order_status_date, frequency, collection_class, result_recipients,
	special_instructions, status, created_at, updated_at`

func (r *labOrderRepoPG) scanOrder(row pgx.Row) (*LabOrder, error) {
	var o LabOrder
	err := row.Scan(&o.ID, &o.PatientID, &o.ProviderID, &o.LaboratoryID, &o.LinkedDiagnosisID, &o.TestCodes, &o.DiagnosisCodes,
		&o.Priority, &o.OrderStatus, &o.OrderStatusDate, &o.Frequency, &o.CollectionClass, &o.ResultRecipients,
		&o.SpecialInstructions, &o.Status, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (r *labOrderRepoPG) Create(ctx context.Context, o *LabOrder) error {
	o.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO lab_order (id, patient_id, provider_id, laboratory_id, linked_diagnosis_id, test_codes, diagnosis_codes,
			priority, order_status, order_status_date, frequency, collection_class, result_recipients,
			special_instructions, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		RETURNING created_at, updated_at`,
		o.ID, o.PatientID, o.ProviderID, o.LaboratoryID, o.LinkedDiagnosisID, o.TestCodes, o.DiagnosisCodes,
		o.Priority, o.OrderStatus, o.OrderStatusDate, o.Frequency, o.CollectionClass, o.ResultRecipients,
		o.SpecialInstructions, o.Status).Scan(&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create lab order: %w", err)
	}
	return nil
}

func (r *labOrderRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*LabOrder, error) {
	o, err := r.scanOrder(r.conn(ctx).QueryRow(ctx, `SELECT `+orderCols+` FROM lab_order WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get lab order: %w", err)
	}
	return o, nil
}

func (r *labOrderRepoPG) Update(ctx context.Context, o *LabOrder) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE lab_order SET provider_id=$2, laboratory_id=$3, linked_diagnosis_id=$4, test_codes=$5,
			diagnosis_codes=$6, priority=$7, order_status=$8, order_status_date=$9, frequency=$10,
			collection_class=$11, result_recipients=$12, special_instructions=$13, updated_at=NOW()
		WHERE id = $1
		RETURNING patient_id, status, created_at, updated_at`,
		o.ID, o.ProviderID, o.LaboratoryID, o.LinkedDiagnosisID, o.TestCodes,
		o.DiagnosisCodes, o.Priority, o.OrderStatus, o.OrderStatusDate, o.Frequency,
		o.CollectionClass, o.ResultRecipients, o.SpecialInstructions).
		Scan(&o.PatientID, &o.Status, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update lab order: %w", err)
	}
	return nil
}

func (r *labOrderRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM lab_order WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete lab order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete lab order: %w", pgx.ErrNoRows)
	}
	return nil
}

func (r *labOrderRepoPG) SetStatus(ctx context.Context, id uuid.UUID, status string) error {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE lab_order SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("set lab order status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("set lab order status: %w", pgx.ErrNoRows)
	}
	return nil
}

func (r *labOrderRepoPG) list(ctx context.Context, sql string, args ...any) ([]*LabOrder, error) {
	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*LabOrder
	for rows.Next() {
		o, err := r.scanOrder(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, o)
	}
	return items, rows.Err()
}

func (r *labOrderRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, status string, limit, offset int) ([]*LabOrder, int, error) {
	q := db.NewSelectQuery("lab_order", orderCols).Eq("patient_id", patientID)
	if status != "" {
		q.Eq("status", status)
	}
	q.OrderBy("created_at DESC")

	var total int
	if err := r.conn(ctx).QueryRow(ctx, q.CountSQL(), q.Args()...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count lab orders: %w", err)
	}
	items, err := r.list(ctx, q.PageSQL(), q.PageArgs(limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list lab orders: %w", err)
	}
	return items, total, nil
}

func (r *labOrderRepoPG) ListRelated(ctx context.Context, diagnosisID, patientID uuid.UUID, icdCodes []string) ([]*LabOrder, error) {
	if icdCodes == nil {
		icdCodes = []string{}
	}
	items, err := r.list(ctx, `SELECT `+orderCols+` FROM lab_order
		WHERE linked_diagnosis_id = $1
		   OR (patient_id = $2 AND diagnosis_codes && $3::text[])
		ORDER BY created_at DESC`, diagnosisID, patientID, icdCodes)
	if err != nil {
		return nil, fmt.Errorf("list related lab orders: %w", err)
	}
	return items, nil
}

// =========== Laboratory Repository ===========

type laboratoryRepoPG struct{ pool *pgxpool.Pool }

func NewLaboratoryRepoPG(pool *pgxpool.Pool) LaboratoryRepository {
	return &laboratoryRepoPG{pool: pool}
}

const labCols = `id, name, code, phone, fax, address, active`

func scanLaboratory(row pgx.Row) (*Laboratory, error) {
	var l Laboratory
	if err := row.Scan(&l.ID, &l.Name, &l.Code, &l.Phone, &l.Fax, &l.Address, &l.Active); err != nil {
		return nil, err
	}
	return &l, nil
}

func (r *laboratoryRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Laboratory, error) {
	l, err := scanLaboratory(db.Resolve(ctx, r.pool).QueryRow(ctx, `SELECT `+labCols+` FROM laboratory WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get laboratory: %w", err)
	}
	return l, nil
}

func (r *laboratoryRepoPG) List(ctx context.Context, activeOnly bool) ([]*Laboratory, error) {
	q := db.NewSelectQuery("laboratory", labCols)
	if activeOnly {
		q.Where("active")
	}
	q.OrderBy("name")

	rows, err := db.Resolve(ctx, r.pool).Query(ctx, q.SQL(), q.Args()...)
	if err != nil {
		return nil, fmt.Errorf("list laboratories: %w", err)
	}
	defer rows.Close()
	var items []*Laboratory
	for rows.Next() {
		l, err := scanLaboratory(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, l)
	}
	return items, rows.Err()
}
