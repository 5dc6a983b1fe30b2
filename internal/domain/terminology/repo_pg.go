package terminology

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medflow/medflow/internal/platform/db"
)

type codeRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &codeRepoPG{pool: pool} }

func (r *codeRepoPG) conn(ctx context.Context) db.Querier {
	return db.Resolve(ctx, r.pool)
}

const codeCols = `code, description, type`

func scanCode(row pgx.Row) (*MedicalCode, error) {
	var c MedicalCode
	if err := row.Scan(&c.Code, &c.Description, &c.Type); err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *codeRepoPG) GetByCode(ctx context.Context, codeType, code string) (*MedicalCode, error) {
	c, err := scanCode(r.conn(ctx).QueryRow(ctx,
		`SELECT `+codeCols+` FROM medical_code
		 WHERE code = $1 AND ($2::text = '' OR type = $2::text) AND active
		 ORDER BY type LIMIT 1`, code, codeType))
	if err != nil {
		return nil, fmt.Errorf("medical code get: %w", err)
	}
	return c, nil
}

func (r *codeRepoPG) LookupCodes(ctx context.Context, codeType string, codes []string) (map[string]*MedicalCode, error) {
	out := make(map[string]*MedicalCode, len(codes))
	if len(codes) == 0 {
		return out, nil
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+codeCols+` FROM medical_code
		 WHERE code = ANY($1) AND ($2::text = '' OR type = $2::text) AND active
		 ORDER BY type`, codes, codeType)
	if err != nil {
		return nil, fmt.Errorf("medical code lookup: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		c, err := scanCode(rows)
		if err != nil {
			return nil, err
		}
		if _, dup := out[c.Code]; !dup {
			out[c.Code] = c
		}
	}
	return out, rows.Err()
}

func (r *codeRepoPG) Search(ctx context.Context, params SearchParams) ([]*MedicalCode, error) {
	q := db.NewSelectQuery("medical_code", codeCols).Where("active")
	if params.Query != "" {
		q.Where("(code ILIKE $%d || '%%' OR description ILIKE '%%' || $%d || '%%')", params.Query, params.Query)
	}
	if params.Type != "" {
		q.Eq("type", params.Type)
	}
	if len(params.Exclude) > 0 {
		skip := make([]string, 0, len(params.Exclude))
		for code := range params.Exclude {
			skip = append(skip, code)
		}
		q.Where("code <> ALL($%d)", skip)
	}
	q.OrderBy("code")

	rows, err := r.conn(ctx).Query(ctx, q.PageSQL(), q.PageArgs(params.Limit, 0)...)
	if err != nil {
		return nil, fmt.Errorf("medical code search: %w", err)
	}
	defer rows.Close()
	var results []*MedicalCode
	for rows.Next() {
		c, err := scanCode(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, c)
	}
	return results, rows.Err()
}
