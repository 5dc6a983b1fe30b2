package diagnosis

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medflow/medflow/internal/platform/db"
)

type diagnosisRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &diagnosisRepoPG{pool: pool} }

func (r *diagnosisRepoPG) conn(ctx context.Context) db.Querier {
	return db.Resolve(ctx, r.pool)
}

const diagnosisCols = `id, patient_id, provider_id, diagnosis_code, diagnosis_name, description,
	severity, status, diagnosed_date, notes, created_at, updated_at`

func (r *diagnosisRepoPG) scanDiagnosis(row pgx.Row) (*Diagnosis, error) {
	var d Diagnosis
	err := row.Scan(&d.ID, &d.PatientID, &d.ProviderID, &d.DiagnosisCode, &d.DiagnosisName, &d.Description,
		&d.Severity, &d.Status, &d.DiagnosedDate, &d.Notes, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *diagnosisRepoPG) Create(ctx context.Context, d *Diagnosis) error {
	d.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO diagnosis (id, patient_id, provider_id, diagnosis_code, diagnosis_name, description,
			severity, status, diagnosed_date, notes)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING created_at, updated_at`,
		d.ID, d.PatientID, d.ProviderID, d.DiagnosisCode, d.DiagnosisName, d.Description,
		d.Severity, d.Status, d.DiagnosedDate, d.Notes).Scan(&d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create diagnosis: %w", err)
	}
	return nil
}

func (r *diagnosisRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Diagnosis, error) {
	d, err := r.scanDiagnosis(r.conn(ctx).QueryRow(ctx, `SELECT `+diagnosisCols+` FROM diagnosis WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get diagnosis: %w", err)
	}
	return d, nil
}

func (r *diagnosisRepoPG) Update(ctx context.Context, d *Diagnosis) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE diagnosis SET provider_id=$2, diagnosis_code=$3, diagnosis_name=$4, description=$5,
			severity=$6, status=$7, diagnosed_date=$8, notes=$9, updated_at=NOW()
		WHERE id = $1
		RETURNING patient_id, created_at, updated_at`,
		d.ID, d.ProviderID, d.DiagnosisCode, d.DiagnosisName, d.Description,
		d.Severity, d.Status, d.DiagnosedDate, d.Notes).Scan(&d.PatientID, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update diagnosis: %w", err)
	}
	return nil
}

func (r *diagnosisRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM diagnosis WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete diagnosis: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete diagnosis: %w", pgx.ErrNoRows)
	}
	return nil
}

func (r *diagnosisRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Diagnosis, int, error) {
	q := db.NewSelectQuery("diagnosis", diagnosisCols).
		Eq("patient_id", patientID).
		OrderBy("diagnosed_date DESC NULLS LAST, created_at DESC")

	var total int
	if err := r.conn(ctx).QueryRow(ctx, q.CountSQL(), q.Args()...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count diagnoses: %w", err)
	}
	rows, err := r.conn(ctx).Query(ctx, q.PageSQL(), q.PageArgs(limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list diagnoses: %w", err)
	}
	defer rows.Close()
	var items []*Diagnosis
	for rows.Next() {
		d, err := r.scanDiagnosis(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, d)
	}
	return items, total, rows.Err()
}

func (r *diagnosisRepoPG) ReplaceCodes(ctx context.Context, diagnosisID uuid.UUID, codes []Code) error {
	q := r.conn(ctx)
	if _, err := q.Exec(ctx, `DELETE FROM diagnosis_code WHERE diagnosis_id = $1`, diagnosisID); err != nil {
		return fmt.Errorf("clear diagnosis codes: %w", err)
	}
	if len(codes) == 0 {
		return nil
	}

	types := make([]string, len(codes))
	values := make([]string, len(codes))
	descs := make([]string, len(codes))
	positions := make([]int32, len(codes))
	for i, c := range codes {
		types[i], values[i], descs[i], positions[i] = c.Type, c.Code, c.Description, int32(c.Position)
	}
	_, err := q.Exec(ctx, `
		INSERT INTO diagnosis_code (diagnosis_id, code_type, code, description, position)
		SELECT $1, t.code_type, t.code, t.description, t.position
		FROM unnest($2::text[], $3::text[], $4::text[], $5::int[]) AS t(code_type, code, description, position)`,
		diagnosisID, types, values, descs, positions)
	if err != nil {
		return fmt.Errorf("insert diagnosis codes: %w", err)
	}
	return nil
}

func (r *diagnosisRepoPG) ListCodes(ctx context.Context, diagnosisID uuid.UUID) ([]Code, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT code_type, code, COALESCE(description, ''), position
		FROM diagnosis_code WHERE diagnosis_id = $1
		ORDER BY code_type DESC, position`, diagnosisID)
	if err != nil {
		return nil, fmt.Errorf("list diagnosis codes: %w", err)
	}
	defer rows.Close()
	var codes []Code
	for rows.Next() {
		var c Code
		if err := rows.Scan(&c.Type, &c.Code, &c.Description, &c.Position); err != nil {
			return nil, err
		}
		codes = append(codes, c)
	}
	return codes, rows.Err()
}
