package staff

import (
	"context"
	"errors"
	"strconv"

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

const staffCols = `id, username, full_name, role, phone, password_hash, active, created_at, updated_at`

func (r *repoPG) scan(row pgx.Row) (*Staff, error) {
	var s Staff
	err := row.Scan(&s.ID, &s.Username, &s.FullName, &s.Role, &s.Phone, &s.PasswordHash, &s.Active,
		&s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFoundf("staff member not found")
	}
	return &s, err
}

func (r *repoPG) Create(ctx context.Context, s *Staff) error {
	s.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO staff (id, username, full_name, role, phone, password_hash, active)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		s.ID, s.Username, s.FullName, s.Role, s.Phone, s.PasswordHash, s.Active)
	if db.IsUniqueViolation(err) {
		return apperr.Conflictf("username %s is taken", s.Username)
	}
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Staff, error) {
	return r.scan(r.conn(ctx).QueryRow(ctx, `SELECT `+staffCols+` FROM staff WHERE id = $1`, id))
}

func (r *repoPG) GetByUsername(ctx context.Context, username string) (*Staff, error) {
	return r.scan(r.conn(ctx).QueryRow(ctx, `SELECT `+staffCols+` FROM staff WHERE username = $1`, username))
}

func (r *repoPG) Update(ctx context.Context, s *Staff) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE staff SET full_name=$2, role=$3, phone=$4, password_hash=$5, active=$6, updated_at=NOW()
		WHERE id = $1`,
		s.ID, s.FullName, s.Role, s.Phone, s.PasswordHash, s.Active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFoundf("staff member not found")
	}
	return nil
}

func (r *repoPG) List(ctx context.Context, role string, limit, offset int) ([]*Staff, int, error) {
	where := ""
	args := []interface{}{}
	if role != "" {
		args = append(args, role)
		where = `WHERE role = $1`
	}
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM staff `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+staffCols+` FROM staff `+where+
		` ORDER BY full_name LIMIT $`+strconv.Itoa(len(args)-1)+` OFFSET $`+strconv.Itoa(len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Staff
	for rows.Next() {
		s, err := r.scan(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, s)
	}
	return items, total, rows.Err()
}
