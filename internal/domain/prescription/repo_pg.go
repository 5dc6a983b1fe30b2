package prescription

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medflow/medflow/internal/platform/db"
)

// =========== Prescription Repository ===========

type prescriptionRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &prescriptionRepoPG{pool: pool} }

func (r *prescriptionRepoPG) conn(ctx context.Context) db.Querier {
	return db.Resolve(ctx, r.pool)
}

const rxCols = `id, patient_id, provider_id, medication_name, ndc_code, dosage, frequency, duration,
	quantity, refills, instructions, status, diagnosis_id, pharmacy_id,
	erx_status, erx_reference, sent_at, created_at, updated_at`

func (r *prescriptionRepoPG) scanPrescription(row pgx.Row) (*Prescription, error) {
	var p Prescription
	err := row.Scan(&p.ID, &p.PatientID, &p.ProviderID, &p.MedicationName, &p.NDCCode, &p.Dosage, &p.Frequency, &p.Duration,
		&p.Quantity, &p.Refills, &p.Instructions, &p.Status, &p.DiagnosisID, &p.PharmacyID,
		&p.ERxStatus, &p.ERxReference, &p.SentAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *prescriptionRepoPG) Create(ctx context.Context, p *Prescription) error {
	p.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO prescription (id, patient_id, provider_id, medication_name, ndc_code, dosage, frequency, duration,
			quantity, refills, instructions, status, diagnosis_id, pharmacy_id, erx_status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		RETURNING created_at, updated_at`,
		p.ID, p.PatientID, p.ProviderID, p.MedicationName, p.NDCCode, p.Dosage, p.Frequency, p.Duration,
		p.Quantity, p.Refills, p.Instructions, p.Status, p.DiagnosisID, p.PharmacyID, p.ERxStatus).
		Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create prescription: %w", err)
	}
	return nil
}

func (r *prescriptionRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Prescription, error) {
	p, err := r.scanPrescription(r.conn(ctx).QueryRow(ctx, `SELECT `+rxCols+` FROM prescription WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get prescription: %w", err)
	}
	return p, nil
}

func (r *prescriptionRepoPG) Update(ctx context.Context, p *Prescription) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE prescription SET provider_id=$2, medication_name=$3, ndc_code=$4, dosage=$5, frequency=$6,
			duration=$7, quantity=$8, refills=$9, instructions=$10, status=$11, diagnosis_id=$12,
			pharmacy_id=$13, updated_at=NOW()
		WHERE id = $1
		RETURNING patient_id, erx_status, erx_reference, sent_at, created_at, updated_at`,
		p.ID, p.ProviderID, p.MedicationName, p.NDCCode, p.Dosage, p.Frequency,
		p.Duration, p.Quantity, p.Refills, p.Instructions, p.Status, p.DiagnosisID,
		p.PharmacyID).Scan(&p.PatientID, &p.ERxStatus, &p.ERxReference, &p.SentAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update prescription: %w", err)
	}
	return nil
}

func (r *prescriptionRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM prescription WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete prescription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete prescription: %w", pgx.ErrNoRows)
	}
	return nil
}

func (r *prescriptionRepoPG) list(ctx context.Context, sql string, args ...any) ([]*Prescription, error) {
	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Prescription
	for rows.Next() {
		p, err := r.scanPrescription(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

func (r *prescriptionRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, status string, limit, offset int) ([]*Prescription, int, error) {
	q := db.NewSelectQuery("prescription", rxCols).Eq("patient_id", patientID)
	if status != "" {
		q.Eq("status", status)
	}
	q.OrderBy("created_at DESC")

	var total int
	if err := r.conn(ctx).QueryRow(ctx, q.CountSQL(), q.Args()...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count prescriptions: %w", err)
	}
	items, err := r.list(ctx, q.PageSQL(), q.PageArgs(limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list prescriptions: %w", err)
	}
	return items, total, nil
}

func (r *prescriptionRepoPG) ListByDiagnosis(ctx context.Context, diagnosisID uuid.UUID) ([]*Prescription, error) {
	items, err := r.list(ctx, `SELECT `+rxCols+` FROM prescription WHERE diagnosis_id = $1 ORDER BY created_at`, diagnosisID)
	if err != nil {
		return nil, fmt.Errorf("list prescriptions by diagnosis: %w", err)
	}
	return items, nil
}

func (r *prescriptionRepoPG) SetERxStatus(ctx context.Context, id uuid.UUID, status string, reference *string, sentAt *time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE prescription SET erx_status=$2, erx_reference=COALESCE($3, erx_reference),
			sent_at=COALESCE($4, sent_at), updated_at=NOW()
		WHERE id = $1`, id, status, reference, sentAt)
	if err != nil {
		return fmt.Errorf("set erx status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("set erx status: %w", pgx.ErrNoRows)
	}
	return nil
}

// =========== Catalog Repository ===========

type catalogRepoPG struct{ pool *pgxpool.Pool }

func NewCatalogRepoPG(pool *pgxpool.Pool) CatalogRepository { return &catalogRepoPG{pool: pool} }

func (r *catalogRepoPG) conn(ctx context.Context) db.Querier {
	return db.Resolve(ctx, r.pool)
}

const medCols = `id, ndc_code, name, generic_name, strength, form, drug_class, active`

func scanMedication(row pgx.Row) (*Medication, error) {
	var m Medication
	if err := row.Scan(&m.ID, &m.NDCCode, &m.Name, &m.GenericName, &m.Strength, &m.Form, &m.DrugClass, &m.Active); err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *catalogRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Medication, error) {
	m, err := scanMedication(r.conn(ctx).QueryRow(ctx, `SELECT `+medCols+` FROM medication_catalog WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get medication: %w", err)
	}
	return m, nil
}

func (r *catalogRepoPG) GetByNDC(ctx context.Context, ndc string) (*Medication, error) {
	m, err := scanMedication(r.conn(ctx).QueryRow(ctx, `SELECT `+medCols+` FROM medication_catalog WHERE ndc_code = $1`, ndc))
	if err != nil {
		return nil, fmt.Errorf("get medication by ndc: %w", err)
	}
	return m, nil
}

var medicationFilters = map[string]db.Filter{
	"drug_class": {Column: "drug_class", Kind: db.FilterEq},
	"form":       {Column: "form", Kind: db.FilterEq},
}

func (r *catalogRepoPG) Search(ctx context.Context, params MedicationSearch) ([]*Medication, error) {
	q := db.NewSelectQuery("medication_catalog", medCols).Where("active")
	if params.Query != "" {
		q.Where("(name ILIKE '%%' || $%d || '%%' OR generic_name ILIKE '%%' || $%d || '%%' OR ndc_code = $%d)",
			params.Query, params.Query, params.Query)
	}
	q.Apply(map[string]string{"drug_class": params.DrugClass, "form": params.Form}, medicationFilters)
	q.OrderBy("name")

	rows, err := r.conn(ctx).Query(ctx, q.PageSQL(), q.PageArgs(params.Limit, 0)...)
	if err != nil {
		return nil, fmt.Errorf("search medications: %w", err)
	}
	defer rows.Close()
	var items []*Medication
	for rows.Next() {
		m, err := scanMedication(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, m)
	}
	return items, rows.Err()
}

// =========== Pharmacy Repository ===========

type pharmacyRepoPG struct{ pool *pgxpool.Pool }

func NewPharmacyRepoPG(pool *pgxpool.Pool) PharmacyRepository { return &pharmacyRepoPG{pool: pool} }

func (r *pharmacyRepoPG) conn(ctx context.Context) db.Querier {
	return db.Resolve(ctx, r.pool)
}

const pharmacyCols = `p.id, p.name, p.ncpdp_id, p.phone, p.fax, p.address, p.city, p.state, p.zip, p.active`

func (r *pharmacyRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Pharmacy, error) {
	var ph Pharmacy
	err := r.conn(ctx).QueryRow(ctx, `SELECT `+pharmacyCols+` FROM pharmacy p WHERE p.id = $1`, id).
		Scan(&ph.ID, &ph.Name, &ph.NCPDPID, &ph.Phone, &ph.Fax, &ph.Address, &ph.City, &ph.State, &ph.Zip, &ph.Active)
	if err != nil {
		return nil, fmt.Errorf("get pharmacy: %w", err)
	}
	return &ph, nil
}

func (r *pharmacyRepoPG) ListPreferred(ctx context.Context, patientID uuid.UUID) ([]*Pharmacy, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+pharmacyCols+`, pp.is_primary
		FROM patient_preferred_pharmacy pp
		JOIN pharmacy p ON p.id = pp.pharmacy_id
		WHERE pp.patient_id = $1 AND p.active
		ORDER BY pp.is_primary DESC, p.name`, patientID)
	if err != nil {
		return nil, fmt.Errorf("list preferred pharmacies: %w", err)
	}
	defer rows.Close()
	var items []*Pharmacy
	for rows.Next() {
		var ph Pharmacy
		if err := rows.Scan(&ph.ID, &ph.Name, &ph.NCPDPID, &ph.Phone, &ph.Fax, &ph.Address, &ph.City, &ph.State, &ph.Zip, &ph.Active, &ph.IsPrimary); err != nil {
			return nil, err
		}
		items = append(items, &ph)
	}
	return items, rows.Err()
}

func (r *pharmacyRepoPG) SetPreferred(ctx context.Context, patientID, pharmacyID uuid.UUID, primary bool) error {
	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		q := r.conn(ctx)
		if primary {
			if _, err := q.Exec(ctx, `UPDATE patient_preferred_pharmacy SET is_primary = FALSE WHERE patient_id = $1`, patientID); err != nil {
				return fmt.Errorf("clear primary pharmacy: %w", err)
			}
		}
		_, err := q.Exec(ctx, `
			INSERT INTO patient_preferred_pharmacy (patient_id, pharmacy_id, is_primary)
			VALUES ($1, $2, $3)
			ON CONFLICT (patient_id, pharmacy_id) DO UPDATE SET is_primary = EXCLUDED.is_primary`,
			patientID, pharmacyID, primary)
		if err != nil {
			return fmt.Errorf("set preferred pharmacy: %w", err)
		}
		return nil
	})
}

// =========== Interaction Repository ===========

type interactionRepoPG struct{ pool *pgxpool.Pool }

func NewInteractionRepoPG(pool *pgxpool.Pool) InteractionRepository {
	return &interactionRepoPG{pool: pool}
}

func (r *interactionRepoPG) Between(ctx context.Context, a, b []string) ([]*DrugInteraction, error) {
	if len(a) == 0 || len(b) == 0 {
		return nil, nil
	}
	lower := func(in []string) []string {
		out := make([]string, len(in))
		for i, s := range in {
			out[i] = strings.ToLower(s)
		}
		return out
	}
	rows, err := db.Resolve(ctx, r.pool).Query(ctx, `
		SELECT id, medication_a, medication_b, severity, description
		FROM drug_interaction
		WHERE (lower(medication_a) = ANY($1) AND lower(medication_b) = ANY($2))
		   OR (lower(medication_b) = ANY($1) AND lower(medication_a) = ANY($2))`, lower(a), lower(b))
	if err != nil {
		return nil, fmt.Errorf("find interactions: %w", err)
	}
	defer rows.Close()
	var items []*DrugInteraction
	for rows.Next() {
		var di DrugInteraction
		if err := rows.Scan(&di.ID, &di.MedicationA, &di.MedicationB, &di.Severity, &di.Description); err != nil {
			return nil, err
		}
		items = append(items, &di)
	}
	return items, rows.Err()
}
