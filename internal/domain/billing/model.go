package billing

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/norha/clinic/pkg/apperr"
)

// Payment methods.
const (
	MethodCash      = "cash"
	MethodMomo      = "momo"
	MethodCard      = "card"
	MethodInsurance = "insurance"
)

// instantMethods settle the invoice at the desk. Insurance stays pending
// until the insurer confirms.
var instantMethods = map[string]bool{
	MethodCash: true, MethodMomo: true, MethodCard: true,
}

var validMethods = map[string]bool{
	MethodCash: true, MethodMomo: true, MethodCard: true, MethodInsurance: true,
}

// ClearsImmediately reports whether a payment method settles the invoice on
// the spot.
func ClearsImmediately(method string) bool {
	return instantMethods[method]
}

// Refund statuses.
const (
	RefundPending   = "pending"
	RefundApproved  = "approved"
	RefundRejected  = "rejected"
	RefundCompleted = "completed"
)

// BillingItem is one act on a visit's billing sheet. Prices are snapshotted
// from the tariff at the time the act is added; later tariff edits never
// change a billed item.
type BillingItem struct {
	ID                     uuid.UUID        `db:"id" json:"id"`
	VisitID                uuid.UUID        `db:"visit_id" json:"visit_id"`
	TariffID               *uuid.UUID       `db:"tariff_id" json:"tariff_id,omitempty"`
	ActCode                string           `db:"act_code" json:"act_code"`
	ActName                string           `db:"act_name" json:"act_name"`
	Qty                    int              `db:"qty" json:"qty"`
	PricePrivateSnapshot   decimal.Decimal  `db:"price_private_snapshot" json:"price_private_snapshot"`
	PriceInsuranceSnapshot *decimal.Decimal `db:"price_insurance_snapshot" json:"price_insurance_snapshot,omitempty"`
	Notes                  *string          `db:"notes" json:"notes,omitempty"`
	CreatedAt              time.Time        `db:"created_at" json:"created_at"`
}

// LineTotal is qty times the private snapshot.
func (i *BillingItem) LineTotal() decimal.Decimal {
	return i.PricePrivateSnapshot.Mul(decimal.NewFromInt(int64(i.Qty)))
}

// InsuranceLineTotal is qty times the insurance snapshot, zero when the act
// has no insurance price.
func (i *BillingItem) InsuranceLineTotal() decimal.Decimal {
	if i.PriceInsuranceSnapshot == nil {
		return decimal.Zero
	}
	return i.PriceInsuranceSnapshot.Mul(decimal.NewFromInt(int64(i.Qty)))
}

type Invoice struct {
	ID             uuid.UUID       `db:"id" json:"id"`
	VisitID        uuid.UUID       `db:"visit_id" json:"visit_id"`
	ReceiptNumber  string          `db:"receipt_number" json:"receipt_number"`
	TotalPrivate   decimal.Decimal `db:"total_private" json:"total_private"`
	TotalInsurance decimal.Decimal `db:"total_insurance" json:"total_insurance"`
	Paid           bool            `db:"paid" json:"paid"`
	PaidAt         *time.Time      `db:"paid_at" json:"paid_at,omitempty"`
	Status         string          `db:"status" json:"status"`
	CreatedBy      *uuid.UUID      `db:"created_by" json:"created_by,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updated_at"`
}

// CombinedTotal is the full amount due across both payer sides.
func (inv *Invoice) CombinedTotal() decimal.Decimal {
	return inv.TotalPrivate.Add(inv.TotalInsurance)
}

// Payment is an append-only ledger row. Corrections happen through refunds,
// never by editing a payment.
type Payment struct {
	ID        uuid.UUID       `db:"id" json:"id"`
	InvoiceID uuid.UUID       `db:"invoice_id" json:"invoice_id"`
	Amount    decimal.Decimal `db:"amount" json:"amount"`
	Method    string          `db:"method" json:"method"`
	Reference *string         `db:"reference" json:"reference,omitempty"`
	PaidAt    time.Time       `db:"paid_at" json:"paid_at"`
}

type Refund struct {
	ID          uuid.UUID       `db:"id" json:"id"`
	InvoiceID   uuid.UUID       `db:"invoice_id" json:"invoice_id"`
	Amount      decimal.Decimal `db:"amount" json:"amount"`
	Reason      string          `db:"reason" json:"reason"`
	Status      string          `db:"status" json:"status"`
	RequestedBy *uuid.UUID      `db:"requested_by" json:"requested_by,omitempty"`
	RequestedAt time.Time       `db:"requested_at" json:"requested_at"`
	ProcessedBy *uuid.UUID      `db:"processed_by" json:"processed_by,omitempty"`
	ProcessedAt *time.Time      `db:"processed_at" json:"processed_at,omitempty"`
	Notes       *string         `db:"notes" json:"notes,omitempty"`
}

// ParseQuantity converts a raw quantity input. Non-numeric input is rejected;
// a parsed value below one is raised to one.
func ParseQuantity(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 1, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperr.Validationf("invalid quantity %q", raw)
	}
	if n < 1 {
		return 1, nil
	}
	return n, nil
}

// CoverageSplit divides an insurance-side total between the insurer and the
// patient. The insurer share is truncated to two decimal places; the patient
// share is the remainder, so the two always sum to the total.
func CoverageSplit(totalInsurance decimal.Decimal, coveragePct int) (insurer, patient decimal.Decimal, err error) {
	if coveragePct < 0 || coveragePct > 100 {
		return decimal.Zero, decimal.Zero, apperr.Validationf("coverage percent %d is out of [0,100]", coveragePct)
	}
	insurer = totalInsurance.Mul(decimal.NewFromInt(int64(coveragePct))).
		Div(decimal.NewFromInt(100)).
		Truncate(2)
	patient = totalInsurance.Sub(insurer)
	return insurer, patient, nil
}
