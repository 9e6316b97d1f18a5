package catalog

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/norha/clinic/internal/platform/db"
	"github.com/norha/clinic/pkg/apperr"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const tariffCols = `id, code, name, department, price_private, price_insurance, active, created_at, updated_at`

func (r *repoPG) scanTariff(row pgx.Row) (*TariffAct, error) {
	var t TariffAct
	err := row.Scan(&t.ID, &t.Code, &t.Name, &t.Department, &t.PricePrivate, &t.PriceInsurance,
		&t.Active, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFoundf("tariff act not found")
	}
	return &t, err
}

func (r *repoPG) Create(ctx context.Context, t *TariffAct) error {
	t.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO tariff_acts (id, code, name, department, price_private, price_insurance, active)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		t.ID, t.Code, t.Name, t.Department, t.PricePrivate, t.PriceInsurance, t.Active)
	if db.IsUniqueViolation(err) {
		return apperr.Conflictf("tariff code %s already exists", t.Code)
	}
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*TariffAct, error) {
	return r.scanTariff(r.conn(ctx).QueryRow(ctx, `SELECT `+tariffCols+` FROM tariff_acts WHERE id = $1`, id))
}

func (r *repoPG) GetByCode(ctx context.Context, code string) (*TariffAct, error) {
	return r.scanTariff(r.conn(ctx).QueryRow(ctx, `SELECT `+tariffCols+` FROM tariff_acts WHERE code = $1`, code))
}

func (r *repoPG) Upsert(ctx context.Context, t *TariffAct) (bool, error) {
	t.ID = uuid.New()
	// xmax = 0 distinguishes a fresh insert from a conflict-update
	var created bool
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO tariff_acts (id, code, name, department, price_private, price_insurance, active)
		VALUES ($1,$2,$3,$4,$5,$6,TRUE)
		ON CONFLICT (code) DO UPDATE SET
			name = EXCLUDED.name,
			department = EXCLUDED.department,
			price_private = EXCLUDED.price_private,
			price_insurance = EXCLUDED.price_insurance,
			active = TRUE,
			updated_at = NOW()
		RETURNING id, (xmax = 0)`,
		t.ID, t.Code, t.Name, t.Department, t.PricePrivate, t.PriceInsurance).Scan(&t.ID, &created)
	return created, err
}

func (r *repoPG) Update(ctx context.Context, t *TariffAct) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE tariff_acts SET name=$2, department=$3, price_private=$4, price_insurance=$5,
			active=$6, updated_at=NOW()
		WHERE id = $1`,
		t.ID, t.Name, t.Department, t.PricePrivate, t.PriceInsurance, t.Active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFoundf("tariff act not found")
	}
	return nil
}

func (r *repoPG) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE tariff_acts SET active=$2, updated_at=NOW() WHERE id = $1`, id, active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFoundf("tariff act not found")
	}
	return nil
}

func (r *repoPG) List(ctx context.Context, activeOnly bool, limit, offset int) ([]*TariffAct, int, error) {
	where := ``
	if activeOnly {
		where = `WHERE active`
	}
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM tariff_acts `+where).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+tariffCols+` FROM tariff_acts `+where+` ORDER BY department, name LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	return r.collect(rows, total)
}

func (r *repoPG) Search(ctx context.Context, query string, activeOnly bool, limit, offset int) ([]*TariffAct, int, error) {
	pattern := "%" + query + "%"
	where := `WHERE (code ILIKE $1 OR name ILIKE $1 OR department ILIKE $1)`
	if activeOnly {
		where += ` AND active`
	}
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM tariff_acts `+where, pattern).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+tariffCols+` FROM tariff_acts `+where+` ORDER BY department, name LIMIT $2 OFFSET $3`, pattern, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	return r.collect(rows, total)
}

func (r *repoPG) collect(rows pgx.Rows, total int) ([]*TariffAct, int, error) {
	var items []*TariffAct
	for rows.Next() {
		t, err := r.scanTariff(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, t)
	}
	return items, total, rows.Err()
}
