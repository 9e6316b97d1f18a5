package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Repository interface {
	// Billing items
	CreateItem(ctx context.Context, i *BillingItem) error
	GetItem(ctx context.Context, id uuid.UUID) (*BillingItem, error)
	GetItemByVisitAndTariff(ctx context.Context, visitID, tariffID uuid.UUID) (*BillingItem, error)
	UpdateItemQty(ctx context.Context, id uuid.UUID, qty int) error
	DeleteItem(ctx context.Context, id uuid.UUID) error
	ListItemsByVisit(ctx context.Context, visitID uuid.UUID) ([]*BillingItem, error)

	// Invoices. EnsureInvoice inserts the visit's invoice if absent and
	// returns the row either way; the 1:1 constraint makes it race-safe.
	EnsureInvoice(ctx context.Context, visitID uuid.UUID, receiptNumber string, createdBy *uuid.UUID) (*Invoice, error)
	GetInvoice(ctx context.Context, id uuid.UUID) (*Invoice, error)
	GetInvoiceByVisit(ctx context.Context, visitID uuid.UUID) (*Invoice, error)
	UpdateInvoiceTotals(ctx context.Context, id uuid.UUID, totalPrivate, totalInsurance decimal.Decimal) error
	SetInvoicePaid(ctx context.Context, id uuid.UUID, paid bool, paidAt *time.Time) error
	ListInvoices(ctx context.Context, f InvoiceFilter, limit, offset int) ([]*Invoice, int, error)

	// Payments (append-only)
	CreatePayment(ctx context.Context, p *Payment) error
	ListPaymentsByInvoice(ctx context.Context, invoiceID uuid.UUID) ([]*Payment, error)

	// Refunds
	CreateRefund(ctx context.Context, r *Refund) error
	GetRefund(ctx context.Context, id uuid.UUID) (*Refund, error)
	UpdateRefund(ctx context.Context, r *Refund) error
	ListRefunds(ctx context.Context, status string, limit, offset int) ([]*Refund, int, error)
}

type InvoiceFilter struct {
	Paid *bool
}
