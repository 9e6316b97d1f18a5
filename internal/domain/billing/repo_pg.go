package billing

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

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

// -- Billing items --

const itemCols = `id, visit_id, tariff_id, act_code, act_name, qty,
	price_private_snapshot, price_insurance_snapshot, notes, created_at`

func (r *repoPG) scanItem(row pgx.Row) (*BillingItem, error) {
	var i BillingItem
	err := row.Scan(&i.ID, &i.VisitID, &i.TariffID, &i.ActCode, &i.ActName, &i.Qty,
		&i.PricePrivateSnapshot, &i.PriceInsuranceSnapshot, &i.Notes, &i.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFoundf("billing item not found")
	}
	return &i, err
}

func (r *repoPG) CreateItem(ctx context.Context, i *BillingItem) error {
	i.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO billing_items (id, visit_id, tariff_id, act_code, act_name, qty,
			price_private_snapshot, price_insurance_snapshot, notes)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		i.ID, i.VisitID, i.TariffID, i.ActCode, i.ActName, i.Qty,
		i.PricePrivateSnapshot, i.PriceInsuranceSnapshot, i.Notes)
	return err
}

func (r *repoPG) GetItem(ctx context.Context, id uuid.UUID) (*BillingItem, error) {
	return r.scanItem(r.conn(ctx).QueryRow(ctx, `SELECT `+itemCols+` FROM billing_items WHERE id = $1`, id))
}

func (r *repoPG) GetItemByVisitAndTariff(ctx context.Context, visitID, tariffID uuid.UUID) (*BillingItem, error) {
	return r.scanItem(r.conn(ctx).QueryRow(ctx,
		`SELECT `+itemCols+` FROM billing_items WHERE visit_id = $1 AND tariff_id = $2`, visitID, tariffID))
}

func (r *repoPG) UpdateItemQty(ctx context.Context, id uuid.UUID, qty int) error {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE billing_items SET qty=$2 WHERE id = $1`, id, qty)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFoundf("billing item not found")
	}
	return nil
}

func (r *repoPG) DeleteItem(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM billing_items WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFoundf("billing item not found")
	}
	return nil
}

func (r *repoPG) ListItemsByVisit(ctx context.Context, visitID uuid.UUID) ([]*BillingItem, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+itemCols+` FROM billing_items WHERE visit_id = $1 ORDER BY created_at`, visitID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*BillingItem
	for rows.Next() {
		i, err := r.scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	return items, rows.Err()
}

// -- Invoices --

const invoiceCols = `id, visit_id, receipt_number, total_private, total_insurance,
	paid, paid_at, status, created_by, created_at, updated_at`

func (r *repoPG) scanInvoice(row pgx.Row) (*Invoice, error) {
	var inv Invoice
	err := row.Scan(&inv.ID, &inv.VisitID, &inv.ReceiptNumber, &inv.TotalPrivate, &inv.TotalInsurance,
		&inv.Paid, &inv.PaidAt, &inv.Status, &inv.CreatedBy, &inv.CreatedAt, &inv.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFoundf("invoice not found")
	}
	return &inv, err
}

func (r *repoPG) EnsureInvoice(ctx context.Context, visitID uuid.UUID, receiptNumber string, createdBy *uuid.UUID) (*Invoice, error) {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO invoices (id, visit_id, receipt_number, status, created_by)
		VALUES ($1,$2,$3,'outpatient',$4)
		ON CONFLICT (visit_id) DO NOTHING`,
		uuid.New(), visitID, receiptNumber, createdBy)
	if err != nil {
		// receipt numbers are unique too; a collision there surfaces as a conflict
		if db.IsUniqueViolation(err) {
			return nil, apperr.Conflictf("receipt number %s already exists", receiptNumber)
		}
		return nil, err
	}
	return r.GetInvoiceByVisit(ctx, visitID)
}

func (r *repoPG) GetInvoice(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	return r.scanInvoice(r.conn(ctx).QueryRow(ctx, `SELECT `+invoiceCols+` FROM invoices WHERE id = $1`, id))
}

func (r *repoPG) GetInvoiceByVisit(ctx context.Context, visitID uuid.UUID) (*Invoice, error) {
	return r.scanInvoice(r.conn(ctx).QueryRow(ctx, `SELECT `+invoiceCols+` FROM invoices WHERE visit_id = $1`, visitID))
}

func (r *repoPG) UpdateInvoiceTotals(ctx context.Context, id uuid.UUID, totalPrivate, totalInsurance decimal.Decimal) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE invoices SET total_private=$2, total_insurance=$3, updated_at=NOW()
		WHERE id = $1`, id, totalPrivate, totalInsurance)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFoundf("invoice not found")
	}
	return nil
}

func (r *repoPG) SetInvoicePaid(ctx context.Context, id uuid.UUID, paid bool, paidAt *time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE invoices SET paid=$2, paid_at=$3, updated_at=NOW()
		WHERE id = $1`, id, paid, paidAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFoundf("invoice not found")
	}
	return nil
}

func (r *repoPG) ListInvoices(ctx context.Context, f InvoiceFilter, limit, offset int) ([]*Invoice, int, error) {
	where := ``
	args := []interface{}{}
	if f.Paid != nil {
		where = `WHERE paid = $1`
		args = append(args, *f.Paid)
	}
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM invoices `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	limitPos := len(args) + 1
	args = append(args, limit, offset)
	query := `SELECT ` + invoiceCols + ` FROM invoices ` + where +
		` ORDER BY created_at DESC LIMIT $` + strconv.Itoa(limitPos) + ` OFFSET $` + strconv.Itoa(limitPos+1)
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Invoice
	for rows.Next() {
		inv, err := r.scanInvoice(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, inv)
	}
	return items, total, rows.Err()
}

// -- Payments --

const paymentCols = `id, invoice_id, amount, method, reference, paid_at`

func (r *repoPG) CreatePayment(ctx context.Context, p *Payment) error {
	p.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO payments (id, invoice_id, amount, method, reference)
		VALUES ($1,$2,$3,$4,$5)`,
		p.ID, p.InvoiceID, p.Amount, p.Method, p.Reference)
	return err
}

func (r *repoPG) ListPaymentsByInvoice(ctx context.Context, invoiceID uuid.UUID) ([]*Payment, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+paymentCols+` FROM payments WHERE invoice_id = $1 ORDER BY paid_at`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Payment
	for rows.Next() {
		var p Payment
		if err := rows.Scan(&p.ID, &p.InvoiceID, &p.Amount, &p.Method, &p.Reference, &p.PaidAt); err != nil {
			return nil, err
		}
		items = append(items, &p)
	}
	return items, rows.Err()
}

// -- Refunds --

const refundCols = `id, invoice_id, amount, reason, status, requested_by, requested_at,
	processed_by, processed_at, notes`

func (r *repoPG) scanRefund(row pgx.Row) (*Refund, error) {
	var rf Refund
	err := row.Scan(&rf.ID, &rf.InvoiceID, &rf.Amount, &rf.Reason, &rf.Status,
		&rf.RequestedBy, &rf.RequestedAt, &rf.ProcessedBy, &rf.ProcessedAt, &rf.Notes)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFoundf("refund not found")
	}
	return &rf, err
}

func (r *repoPG) CreateRefund(ctx context.Context, rf *Refund) error {
	rf.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO refunds (id, invoice_id, amount, reason, status, requested_by, processed_by, processed_at, notes)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		rf.ID, rf.InvoiceID, rf.Amount, rf.Reason, rf.Status,
		rf.RequestedBy, rf.ProcessedBy, rf.ProcessedAt, rf.Notes)
	return err
}

func (r *repoPG) GetRefund(ctx context.Context, id uuid.UUID) (*Refund, error) {
	return r.scanRefund(r.conn(ctx).QueryRow(ctx, `SELECT `+refundCols+` FROM refunds WHERE id = $1`, id))
}

func (r *repoPG) UpdateRefund(ctx context.Context, rf *Refund) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE refunds SET status=$2, processed_by=$3, processed_at=$4, notes=$5
		WHERE id = $1`,
		rf.ID, rf.Status, rf.ProcessedBy, rf.ProcessedAt, rf.Notes)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFoundf("refund not found")
	}
	return nil
}

func (r *repoPG) ListRefunds(ctx context.Context, status string, limit, offset int) ([]*Refund, int, error) {
	where := ``
	args := []interface{}{}
	if status != "" {
		where = `WHERE status = $1`
		args = append(args, status)
	}
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM refunds `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	limitPos := len(args) + 1
	args = append(args, limit, offset)
	query := `SELECT ` + refundCols + ` FROM refunds ` + where +
		` ORDER BY requested_at DESC LIMIT $` + strconv.Itoa(limitPos) + ` OFFSET $` + strconv.Itoa(limitPos+1)
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Refund
	for rows.Next() {
		rf, err := r.scanRefund(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, rf)
	}
	return items, total, rows.Err()
}
