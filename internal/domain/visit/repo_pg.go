package visit

import (
	"context"
	"errors"
	"fmt"

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

// -- Departments --

func (r *repoPG) CreateDepartment(ctx context.Context, d *Department) error {
	d.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx,
		`INSERT INTO departments (id, name) VALUES ($1, $2)`, d.ID, d.Name)
	if db.IsUniqueViolation(err) {
		return apperr.Conflictf("department %s already exists", d.Name)
	}
	return err
}

func (r *repoPG) GetDepartment(ctx context.Context, id uuid.UUID) (*Department, error) {
	var d Department
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT id, name, created_at FROM departments WHERE id = $1`, id).
		Scan(&d.ID, &d.Name, &d.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFoundf("department not found")
	}
	return &d, err
}

func (r *repoPG) ListDepartments(ctx context.Context) ([]*Department, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT id, name, created_at FROM departments ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Department
	for rows.Next() {
		var d Department
		if err := rows.Scan(&d.ID, &d.Name, &d.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, &d)
	}
	return items, rows.Err()
}

func (r *repoPG) LockDepartment(ctx context.Context, id uuid.UUID) error {
	var locked uuid.UUID
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT id FROM departments WHERE id = $1 FOR UPDATE`, id).Scan(&locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFoundf("department not found")
	}
	return err
}

func (r *repoPG) MaxQueuePosition(ctx context.Context, departmentID uuid.UUID) (int, error) {
	var max int
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT COALESCE(MAX(position), 0) FROM waiting_queue_entries WHERE department_id = $1`,
		departmentID).Scan(&max)
	return max, err
}

// -- Visits --

const visitCols = `id, patient_id, department_id, doctor_id, weight_kg, status, created_at, updated_at`

func (r *repoPG) scanVisit(row pgx.Row) (*Visit, error) {
	var v Visit
	err := row.Scan(&v.ID, &v.PatientID, &v.DepartmentID, &v.DoctorID, &v.WeightKg,
		&v.Status, &v.CreatedAt, &v.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFoundf("visit not found")
	}
	return &v, err
}

func (r *repoPG) CreateVisit(ctx context.Context, v *Visit) error {
	v.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO visits (id, patient_id, department_id, doctor_id, weight_kg, status)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		v.ID, v.PatientID, v.DepartmentID, v.DoctorID, v.WeightKg, v.Status)
	return err
}

func (r *repoPG) GetVisit(ctx context.Context, id uuid.UUID) (*Visit, error) {
	return r.scanVisit(r.conn(ctx).QueryRow(ctx, `SELECT `+visitCols+` FROM visits WHERE id = $1`, id))
}

func (r *repoPG) UpdateVisitStatus(ctx context.Context, id uuid.UUID, status string) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE visits SET status=$2, updated_at=NOW() WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFoundf("visit not found")
	}
	return nil
}

func (r *repoPG) UpdateVisit(ctx context.Context, v *Visit) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE visits SET doctor_id=$2, weight_kg=$3, status=$4, updated_at=NOW()
		WHERE id = $1`,
		v.ID, v.DoctorID, v.WeightKg, v.Status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFoundf("visit not found")
	}
	return nil
}

func (r *repoPG) ListVisits(ctx context.Context, f VisitFilter, limit, offset int) ([]*Visit, int, error) {
	where := `WHERE 1=1`
	args := []interface{}{}
	n := 0
	add := func(clause string, v interface{}) {
		n++
		args = append(args, v)
		where += fmt.Sprintf(" AND "+clause, n)
	}
	if f.PatientID != nil {
		add("patient_id = $%d", *f.PatientID)
	}
	if f.DepartmentID != nil {
		add("department_id = $%d", *f.DepartmentID)
	}
	if f.DoctorID != nil {
		add("doctor_id = $%d", *f.DoctorID)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM visits `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	query := fmt.Sprintf(`SELECT `+visitCols+` FROM visits `+where+` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, n+1, n+2)
	rows, err := r.conn(ctx).Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Visit
	for rows.Next() {
		v, err := r.scanVisit(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, v)
	}
	return items, total, rows.Err()
}

// -- Queue --

const queueCols = `id, visit_id, department_id, position, status, desk, receptionist_id, checked_in_at, updated_at`

func (r *repoPG) scanQueueEntry(row pgx.Row) (*QueueEntry, error) {
	var e QueueEntry
	err := row.Scan(&e.ID, &e.VisitID, &e.DepartmentID, &e.Position, &e.Status,
		&e.Desk, &e.ReceptionistID, &e.CheckedInAt, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFoundf("queue entry not found")
	}
	return &e, err
}

func (r *repoPG) CreateQueueEntry(ctx context.Context, e *QueueEntry) error {
	e.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO waiting_queue_entries (id, visit_id, department_id, position, status, desk, receptionist_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		e.ID, e.VisitID, e.DepartmentID, e.Position, e.Status, e.Desk, e.ReceptionistID)
	return err
}

func (r *repoPG) GetQueueEntry(ctx context.Context, id uuid.UUID) (*QueueEntry, error) {
	return r.scanQueueEntry(r.conn(ctx).QueryRow(ctx,
		`SELECT `+queueCols+` FROM waiting_queue_entries WHERE id = $1`, id))
}

func (r *repoPG) UpdateQueueEntryStatus(ctx context.Context, id uuid.UUID, status string) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE waiting_queue_entries SET status=$2, updated_at=NOW() WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFoundf("queue entry not found")
	}
	return nil
}

func (r *repoPG) ListQueue(ctx context.Context, departmentID uuid.UUID, statuses []string) ([]*QueueEntry, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+queueCols+` FROM waiting_queue_entries
		WHERE department_id = $1 AND status = ANY($2)
		ORDER BY position, checked_in_at`, departmentID, statuses)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*QueueEntry
	for rows.Next() {
		e, err := r.scanQueueEntry(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, e)
	}
	return items, rows.Err()
}

// -- Triage --

const triageCols = `id, visit_id, temperature_c, pulse, respiratory_rate, blood_pressure,
	symptoms, notes, recorded_by, created_at, updated_at`

func (r *repoPG) scanTriage(row pgx.Row) (*Triage, error) {
	var t Triage
	err := row.Scan(&t.ID, &t.VisitID, &t.TemperatureC, &t.Pulse, &t.RespiratoryRate,
		&t.BloodPressure, &t.Symptoms, &t.Notes, &t.RecordedBy, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFoundf("triage not found")
	}
	return &t, err
}

// UpsertTriage writes the visit's single triage row, updating vitals in place
// when one already exists.
func (r *repoPG) UpsertTriage(ctx context.Context, t *Triage) error {
	t.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO triage (id, visit_id, temperature_c, pulse, respiratory_rate, blood_pressure, symptoms, notes, recorded_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (visit_id) DO UPDATE SET
			temperature_c = EXCLUDED.temperature_c,
			pulse = EXCLUDED.pulse,
			respiratory_rate = EXCLUDED.respiratory_rate,
			blood_pressure = EXCLUDED.blood_pressure,
			symptoms = EXCLUDED.symptoms,
			notes = EXCLUDED.notes,
			recorded_by = EXCLUDED.recorded_by,
			updated_at = NOW()
		RETURNING id`,
		t.ID, t.VisitID, t.TemperatureC, t.Pulse, t.RespiratoryRate,
		t.BloodPressure, t.Symptoms, t.Notes, t.RecordedBy).Scan(&t.ID)
}

func (r *repoPG) GetTriage(ctx context.Context, visitID uuid.UUID) (*Triage, error) {
	return r.scanTriage(r.conn(ctx).QueryRow(ctx,
		`SELECT `+triageCols+` FROM triage WHERE visit_id = $1`, visitID))
}
