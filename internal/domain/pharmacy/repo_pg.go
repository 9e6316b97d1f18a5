package pharmacy

import (
	"context"
	"errors"
	"strconv"
	"time"

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

// -- Inventory items --

const itemCols = `id, name, sku, category, description, unit, unit_cost, created_at, updated_at`

func (r *repoPG) scanItem(row pgx.Row) (*InventoryItem, error) {
	var i InventoryItem
	err := row.Scan(&i.ID, &i.Name, &i.SKU, &i.Category, &i.Description, &i.Unit, &i.UnitCost,
		&i.CreatedAt, &i.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFoundf("inventory item not found")
	}
	return &i, err
}

func (r *repoPG) CreateItem(ctx context.Context, i *InventoryItem) error {
	i.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO inventory_items (id, name, sku, category, description, unit, unit_cost)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		i.ID, i.Name, i.SKU, i.Category, i.Description, i.Unit, i.UnitCost)
	if db.IsUniqueViolation(err) {
		return apperr.Conflictf("an inventory item with this sku already exists")
	}
	return err
}

func (r *repoPG) GetItem(ctx context.Context, id uuid.UUID) (*InventoryItem, error) {
	return r.scanItem(r.conn(ctx).QueryRow(ctx, `SELECT `+itemCols+` FROM inventory_items WHERE id = $1`, id))
}

func (r *repoPG) UpdateItem(ctx context.Context, i *InventoryItem) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE inventory_items SET name=$2, sku=$3, category=$4, description=$5, unit=$6,
			unit_cost=$7, updated_at=NOW()
		WHERE id = $1`,
		i.ID, i.Name, i.SKU, i.Category, i.Description, i.Unit, i.UnitCost)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFoundf("inventory item not found")
	}
	return nil
}

func (r *repoPG) ListItems(ctx context.Context, f ItemFilter, limit, offset int) ([]*InventoryItem, int, error) {
	where := ""
	args := []interface{}{}
	if f.Category != "" {
		args = append(args, f.Category)
		where = `WHERE category = $1`
	}
	if f.Query != "" {
		args = append(args, "%"+f.Query+"%")
		clause := `name ILIKE $` + strconv.Itoa(len(args))
		if where == "" {
			where = `WHERE ` + clause
		} else {
			where += ` AND ` + clause
		}
	}
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM inventory_items `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+itemCols+` FROM inventory_items `+where+
		` ORDER BY name LIMIT $`+strconv.Itoa(len(args)-1)+` OFFSET $`+strconv.Itoa(len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*InventoryItem
	for rows.Next() {
		i, err := r.scanItem(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, i)
	}
	return items, total, rows.Err()
}

// -- Stock --

const stockCols = `s.id, s.item_id, i.name, s.qty_available, s.expiry_date, s.batch_number,
	s.unit_price, s.created_at, s.updated_at`

const stockFrom = ` FROM pharmacy_stock s JOIN inventory_items i ON i.id = s.item_id `

func (r *repoPG) scanStock(row pgx.Row) (*PharmacyStock, error) {
	var s PharmacyStock
	err := row.Scan(&s.ID, &s.ItemID, &s.ItemName, &s.QtyAvailable, &s.ExpiryDate, &s.BatchNumber,
		&s.UnitPrice, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFoundf("stock record not found")
	}
	return &s, err
}

func (r *repoPG) EnsureStock(ctx context.Context, itemID uuid.UUID) (*PharmacyStock, error) {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO pharmacy_stock (id, item_id) VALUES ($1, $2)
		ON CONFLICT (item_id) DO NOTHING`, uuid.New(), itemID)
	if err != nil {
		return nil, err
	}
	return r.GetStockByItem(ctx, itemID)
}

func (r *repoPG) GetStock(ctx context.Context, id uuid.UUID) (*PharmacyStock, error) {
	return r.scanStock(r.conn(ctx).QueryRow(ctx, `SELECT `+stockCols+stockFrom+`WHERE s.id = $1`, id))
}

func (r *repoPG) GetStockByItem(ctx context.Context, itemID uuid.UUID) (*PharmacyStock, error) {
	return r.scanStock(r.conn(ctx).QueryRow(ctx, `SELECT `+stockCols+stockFrom+`WHERE s.item_id = $1`, itemID))
}

func (r *repoPG) GetStockForUpdate(ctx context.Context, id uuid.UUID) (*PharmacyStock, error) {
	// the join is read separately so the lock stays on the stock row only
	var itemID uuid.UUID
	err := r.conn(ctx).QueryRow(ctx, `SELECT item_id FROM pharmacy_stock WHERE id = $1 FOR UPDATE`, id).Scan(&itemID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFoundf("stock record not found")
	}
	if err != nil {
		return nil, err
	}
	return r.GetStock(ctx, id)
}

func (r *repoPG) UpdateStock(ctx context.Context, s *PharmacyStock) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE pharmacy_stock SET qty_available=$2, expiry_date=$3, batch_number=$4,
			unit_price=$5, updated_at=NOW()
		WHERE id = $1`,
		s.ID, s.QtyAvailable, s.ExpiryDate, s.BatchNumber, s.UnitPrice)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFoundf("stock record not found")
	}
	return nil
}

func (r *repoPG) ListStock(ctx context.Context, limit, offset int) ([]*PharmacyStock, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM pharmacy_stock`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+stockCols+stockFrom+`ORDER BY i.name LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	stocks, err := r.collectStock(rows)
	return stocks, total, err
}

func (r *repoPG) ListLowStock(ctx context.Context, threshold int) ([]*PharmacyStock, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+stockCols+stockFrom+
		`WHERE s.qty_available <= $1 ORDER BY s.qty_available, i.name`, threshold)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return r.collectStock(rows)
}

func (r *repoPG) collectStock(rows pgx.Rows) ([]*PharmacyStock, error) {
	var stocks []*PharmacyStock
	for rows.Next() {
		s, err := r.scanStock(rows)
		if err != nil {
			return nil, err
		}
		stocks = append(stocks, s)
	}
	return stocks, rows.Err()
}

// -- Prescriptions --

const prescriptionCols = `id, visit_id, patient_id, doctor_id, prescription_type, instructions, created_at`

func (r *repoPG) scanPrescription(row pgx.Row) (*Prescription, error) {
	var p Prescription
	err := row.Scan(&p.ID, &p.VisitID, &p.PatientID, &p.DoctorID, &p.Type, &p.Instructions, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFoundf("prescription not found")
	}
	return &p, err
}

func (r *repoPG) CreatePrescription(ctx context.Context, p *Prescription) error {
	p.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO prescriptions (id, visit_id, patient_id, doctor_id, prescription_type, instructions)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		p.ID, p.VisitID, p.PatientID, p.DoctorID, p.Type, p.Instructions)
	return err
}

func (r *repoPG) CreatePrescriptionItem(ctx context.Context, i *PrescriptionItem) error {
	i.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO prescription_items (id, prescription_id, inventory_item_id, custom_name,
			quantity, dosage, frequency, duration, instructions)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		i.ID, i.PrescriptionID, i.ItemID, i.CustomName,
		i.Quantity, i.Dosage, i.Frequency, i.Duration, i.Instructions)
	return err
}

func (r *repoPG) GetPrescription(ctx context.Context, id uuid.UUID) (*Prescription, error) {
	return r.scanPrescription(r.conn(ctx).QueryRow(ctx,
		`SELECT `+prescriptionCols+` FROM prescriptions WHERE id = $1`, id))
}

func (r *repoPG) ListPrescriptionItems(ctx context.Context, prescriptionID uuid.UUID) ([]*PrescriptionItem, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, prescription_id, inventory_item_id, custom_name, quantity,
			dosage, frequency, duration, instructions, created_at
		FROM prescription_items WHERE prescription_id = $1 ORDER BY created_at`, prescriptionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*PrescriptionItem
	for rows.Next() {
		var i PrescriptionItem
		if err := rows.Scan(&i.ID, &i.PrescriptionID, &i.ItemID, &i.CustomName, &i.Quantity,
			&i.Dosage, &i.Frequency, &i.Duration, &i.Instructions, &i.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, &i)
	}
	return items, rows.Err()
}

func (r *repoPG) ListPrescriptionsByVisit(ctx context.Context, visitID uuid.UUID) ([]*Prescription, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+prescriptionCols+` FROM prescriptions WHERE visit_id = $1 ORDER BY created_at DESC`, visitID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return r.collectPrescriptions(rows)
}

func (r *repoPG) ListPrescriptions(ctx context.Context, prescriptionType string, since *time.Time, limit, offset int) ([]*Prescription, int, error) {
	where := ""
	args := []interface{}{}
	if prescriptionType != "" {
		args = append(args, prescriptionType)
		where = `WHERE prescription_type = $1`
	}
	if since != nil {
		args = append(args, *since)
		clause := `created_at >= $` + strconv.Itoa(len(args))
		if where == "" {
			where = `WHERE ` + clause
		} else {
			where += ` AND ` + clause
		}
	}
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM prescriptions `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+prescriptionCols+` FROM prescriptions `+where+
		` ORDER BY created_at DESC LIMIT $`+strconv.Itoa(len(args)-1)+` OFFSET $`+strconv.Itoa(len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	list, err := r.collectPrescriptions(rows)
	return list, total, err
}

func (r *repoPG) collectPrescriptions(rows pgx.Rows) ([]*Prescription, error) {
	var list []*Prescription
	for rows.Next() {
		p, err := r.scanPrescription(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, p)
	}
	return list, rows.Err()
}

// -- Dispenses and movements --

func (r *repoPG) CreateDispense(ctx context.Context, d *Dispense) error {
	d.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO pharmacy_dispenses (id, prescription_id, stock_id, qty)
		VALUES ($1,$2,$3,$4)`,
		d.ID, d.PrescriptionID, d.StockID, d.Qty)
	return err
}

func (r *repoPG) CreateMovement(ctx context.Context, m *StockMovement) error {
	m.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO stock_movements (id, item_id, movement_type, qty, performed_by)
		VALUES ($1,$2,$3,$4,$5)`,
		m.ID, m.ItemID, m.Type, m.Qty, m.PerformedBy)
	return err
}

func (r *repoPG) ListMovementsByItem(ctx context.Context, itemID uuid.UUID, limit, offset int) ([]*StockMovement, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM stock_movements WHERE item_id = $1`, itemID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, item_id, movement_type, qty, performed_by, moved_at
		FROM stock_movements WHERE item_id = $1 ORDER BY moved_at DESC LIMIT $2 OFFSET $3`,
		itemID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var moves []*StockMovement
	for rows.Next() {
		var m StockMovement
		if err := rows.Scan(&m.ID, &m.ItemID, &m.Type, &m.Qty, &m.PerformedBy, &m.MovedAt); err != nil {
			return nil, 0, err
		}
		moves = append(moves, &m)
	}
	return moves, total, rows.Err()
}
