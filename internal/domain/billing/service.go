package billing

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/norha/clinic/internal/domain/catalog"
	"github.com/norha/clinic/internal/domain/visit"
	"github.com/norha/clinic/internal/platform/db"
	"github.com/norha/clinic/pkg/apperr"
	"github.com/norha/clinic/pkg/refcode"
)

// VisitInfo is the slice of a visit the billing workflow needs.
type VisitInfo struct {
	ID        uuid.UUID
	PatientID uuid.UUID
	Status    string
}

// VisitDirectory lets billing read visits and drive their status without
// depending on the visit service directly.
type VisitDirectory interface {
	Get(ctx context.Context, id uuid.UUID) (*VisitInfo, error)
	SetStatus(ctx context.Context, id uuid.UUID, status string) error
}

// CoverageLookup resolves a patient's insurance coverage percentage.
type CoverageLookup interface {
	CoveragePct(ctx context.Context, patientID uuid.UUID) (int, error)
}

// ContactDirectory resolves a patient's name and phone for receipt messages.
type ContactDirectory interface {
	Contact(ctx context.Context, patientID uuid.UUID) (name, phone string, err error)
}

// Announcer fires patient-facing messages without blocking the caller.
type Announcer interface {
	SendFromTemplateAsync(templateID string, data map[string]string, recipient string)
}

type Service struct {
	repo      Repository
	visits    VisitDirectory
	coverage  CoverageLookup
	contacts  ContactDirectory
	announcer Announcer
	pool      *pgxpool.Pool
	logger    zerolog.Logger
}

func NewService(repo Repository, visits VisitDirectory, coverage CoverageLookup, pool *pgxpool.Pool, logger zerolog.Logger) *Service {
	return &Service{repo: repo, visits: visits, coverage: coverage, pool: pool, logger: logger}
}

// EnableReceipts turns on the payment receipt SMS sent when an invoice
// settles. Left off, payments work the same but no message goes out.
func (s *Service) EnableReceipts(contacts ContactDirectory, announcer Announcer) {
	s.contacts = contacts
	s.announcer = announcer
}

func (s *Service) inTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.pool == nil {
		return fn(ctx)
	}
	return db.RunInTx(ctx, s.pool, fn)
}

// billable visit states for adding or removing sheet items
var sheetMutableStatuses = map[string]bool{
	visit.StatusOpen: true, visit.StatusWaiting: true, visit.StatusInConsultation: true,
	visit.StatusBilled: true,
}

// -- Billing sheet --

type AddItemInput struct {
	VisitID  uuid.UUID
	TariffID *uuid.UUID
	Snapshot catalog.TariffSnapshot
	Qty      string
	Notes    *string
}

// AddItem puts an act on the visit's billing sheet, creating the invoice on
// first use and recomputing its totals.
func (s *Service) AddItem(ctx context.Context, in AddItemInput) (*BillingItem, error) {
	qty, err := ParseQuantity(in.Qty)
	if err != nil {
		return nil, err
	}
	if in.Snapshot.Name == "" {
		return nil, apperr.Validationf("act name is required")
	}
	if in.Snapshot.PricePrivate.IsNegative() {
		return nil, apperr.Validationf("price_private must not be negative")
	}

	var item *BillingItem
	err = s.inTx(ctx, func(ctx context.Context) error {
		v, err := s.visits.Get(ctx, in.VisitID)
		if err != nil {
			return err
		}
		if !sheetMutableStatuses[v.Status] {
			return apperr.Conflictf("billing sheet of a %s visit cannot be changed", v.Status)
		}
		item = &BillingItem{
			VisitID:                in.VisitID,
			TariffID:               in.TariffID,
			ActCode:                in.Snapshot.Code,
			ActName:                in.Snapshot.Name,
			Qty:                    qty,
			PricePrivateSnapshot:   in.Snapshot.PricePrivate,
			PriceInsuranceSnapshot: in.Snapshot.PriceInsurance,
			Notes:                  in.Notes,
		}
		if err := s.repo.CreateItem(ctx, item); err != nil {
			return err
		}
		if _, err := s.ensureInvoice(ctx, in.VisitID, nil); err != nil {
			return err
		}
		return s.recomputeTotals(ctx, in.VisitID)
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// AddOrIncrementItem adds the tariff to the sheet, or bumps the quantity when
// it is already there.
func (s *Service) AddOrIncrementItem(ctx context.Context, visitID uuid.UUID, act *catalog.TariffAct, qtyRaw string) (*BillingItem, error) {
	qty, err := ParseQuantity(qtyRaw)
	if err != nil {
		return nil, err
	}
	var item *BillingItem
	err = s.inTx(ctx, func(ctx context.Context) error {
		v, err := s.visits.Get(ctx, visitID)
		if err != nil {
			return err
		}
		if !sheetMutableStatuses[v.Status] {
			return apperr.Conflictf("billing sheet of a %s visit cannot be changed", v.Status)
		}
		existing, err := s.repo.GetItemByVisitAndTariff(ctx, visitID, act.ID)
		switch {
		case err == nil:
			existing.Qty += qty
			if err := s.repo.UpdateItemQty(ctx, existing.ID, existing.Qty); err != nil {
				return err
			}
			item = existing
		case errors.Is(err, apperr.ErrNotFound):
			snap := act.Snapshot()
			item = &BillingItem{
				VisitID:                visitID,
				TariffID:               &act.ID,
				ActCode:                snap.Code,
				ActName:                snap.Name,
				Qty:                    qty,
				PricePrivateSnapshot:   snap.PricePrivate,
				PriceInsuranceSnapshot: snap.PriceInsurance,
			}
			if err := s.repo.CreateItem(ctx, item); err != nil {
				return err
			}
		default:
			return err
		}
		if _, err := s.ensureInvoice(ctx, visitID, nil); err != nil {
			return err
		}
		return s.recomputeTotals(ctx, visitID)
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// RemoveItem takes an act off the sheet and recomputes.
func (s *Service) RemoveItem(ctx context.Context, itemID uuid.UUID) error {
	return s.inTx(ctx, func(ctx context.Context) error {
		item, err := s.repo.GetItem(ctx, itemID)
		if err != nil {
			return err
		}
		v, err := s.visits.Get(ctx, item.VisitID)
		if err != nil {
			return err
		}
		if !sheetMutableStatuses[v.Status] {
			return apperr.Conflictf("billing sheet of a %s visit cannot be changed", v.Status)
		}
		if err := s.repo.DeleteItem(ctx, itemID); err != nil {
			return err
		}
		return s.recomputeTotals(ctx, item.VisitID)
	})
}

func (s *Service) ListItems(ctx context.Context, visitID uuid.UUID) ([]*BillingItem, error) {
	return s.repo.ListItemsByVisit(ctx, visitID)
}

// ensureInvoice get-or-creates the visit's invoice, retrying receipt number
// collisions.
func (s *Service) ensureInvoice(ctx context.Context, visitID uuid.UUID, createdBy *uuid.UUID) (*Invoice, error) {
	for attempt := 0; ; attempt++ {
		inv, err := s.repo.EnsureInvoice(ctx, visitID, refcode.Receipt(), createdBy)
		if errors.Is(err, apperr.ErrConflict) && attempt < 3 {
			continue
		}
		return inv, err
	}
}

// recomputeTotals re-derives the invoice totals from the sheet. The invoice
// row is the only place totals live; nothing else writes them.
func (s *Service) recomputeTotals(ctx context.Context, visitID uuid.UUID) error {
	items, err := s.repo.ListItemsByVisit(ctx, visitID)
	if err != nil {
		return err
	}
	totalPrivate := decimal.Zero
	totalInsurance := decimal.Zero
	for _, item := range items {
		totalPrivate = totalPrivate.Add(item.LineTotal())
		totalInsurance = totalInsurance.Add(item.InsuranceLineTotal())
	}
	inv, err := s.repo.GetInvoiceByVisit(ctx, visitID)
	if err != nil {
		return err
	}
	return s.repo.UpdateInvoiceTotals(ctx, inv.ID, totalPrivate, totalInsurance)
}

// RecomputeTotals re-derives and persists the invoice totals for a visit.
func (s *Service) RecomputeTotals(ctx context.Context, visitID uuid.UUID) (*Invoice, error) {
	var inv *Invoice
	err := s.inTx(ctx, func(ctx context.Context) error {
		if err := s.recomputeTotals(ctx, visitID); err != nil {
			return err
		}
		var err error
		inv, err = s.repo.GetInvoiceByVisit(ctx, visitID)
		return err
	})
	return inv, err
}

// -- Close to cashier --

// CloseVisit sends the visit to the cashier: at least one act must be on the
// sheet, totals are recomputed, and the visit becomes billed.
func (s *Service) CloseVisit(ctx context.Context, visitID uuid.UUID, closedBy *uuid.UUID) (*Invoice, error) {
	var inv *Invoice
	err := s.inTx(ctx, func(ctx context.Context) error {
		v, err := s.visits.Get(ctx, visitID)
		if err != nil {
			return err
		}
		items, err := s.repo.ListItemsByVisit(ctx, visitID)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return apperr.Validationf("cannot send to cashier: the billing sheet is empty")
		}
		if _, err := s.ensureInvoice(ctx, visitID, closedBy); err != nil {
			return err
		}
		if err := s.recomputeTotals(ctx, visitID); err != nil {
			return err
		}
		if v.Status != visit.StatusBilled {
			if err := s.visits.SetStatus(ctx, visitID, visit.StatusBilled); err != nil {
				return err
			}
		}
		inv, err = s.repo.GetInvoiceByVisit(ctx, visitID)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("visit_id", visitID.String()).
		Str("receipt_number", inv.ReceiptNumber).
		Str("total_private", inv.TotalPrivate.String()).
		Str("total_insurance", inv.TotalInsurance.String()).
		Msg("visit sent to cashier")
	return inv, nil
}

// -- Payments --

// RecordPayment appends a payment to the invoice ledger and applies the
// settlement rule: cash, momo and card settle the invoice and complete the
// visit; insurance leaves it pending and parks the visit as
// awaiting_payment. Settlement depends on the method only, not the amount.
func (s *Service) RecordPayment(ctx context.Context, invoiceID uuid.UUID, amount decimal.Decimal, method string, reference *string) (*Payment, error) {
	method = strings.TrimSpace(method)
	if !validMethods[method] {
		return nil, apperr.Validationf("invalid payment method %q", method)
	}
	if !amount.IsPositive() {
		return nil, apperr.Validationf("payment amount must be positive")
	}

	var payment *Payment
	var inv *Invoice
	err := s.inTx(ctx, func(ctx context.Context) error {
		var err error
		inv, err = s.repo.GetInvoice(ctx, invoiceID)
		if err != nil {
			return err
		}
		if err := s.recomputeTotals(ctx, inv.VisitID); err != nil {
			return err
		}
		inv, err = s.repo.GetInvoiceByVisit(ctx, inv.VisitID)
		if err != nil {
			return err
		}
		if !inv.CombinedTotal().IsPositive() {
			return apperr.Validationf("no billable items found on this visit")
		}
		payment = &Payment{InvoiceID: inv.ID, Amount: amount, Method: method, Reference: reference}
		if err := s.repo.CreatePayment(ctx, payment); err != nil {
			return err
		}
		return s.settle(ctx, inv, method)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("invoice_id", invoiceID.String()).
		Str("method", method).
		Str("amount", amount.String()).
		Msg("payment recorded")
	if ClearsImmediately(method) {
		s.sendReceipt(ctx, inv, amount)
	}
	return payment, nil
}

// cashierPayableStatuses are visit states the cashier can take money for.
var cashierPayableStatuses = map[string]bool{
	visit.StatusBilled: true, visit.StatusAwaitingPayment: true,
}

// CashierMarkPaid is the cashier desk path: the invoice must be unpaid, the
// visit ready for payment, and the amount is the freshly recomputed total.
func (s *Service) CashierMarkPaid(ctx context.Context, visitID uuid.UUID, method string, reference *string) (*Invoice, error) {
	method = strings.TrimSpace(method)
	if !validMethods[method] {
		return nil, apperr.Validationf("invalid payment method %q", method)
	}

	var inv *Invoice
	err := s.inTx(ctx, func(ctx context.Context) error {
		v, err := s.visits.Get(ctx, visitID)
		if err != nil {
			return err
		}
		if !cashierPayableStatuses[v.Status] {
			return apperr.Conflictf("visit in status %s is not ready for payment", v.Status)
		}
		if _, err := s.ensureInvoice(ctx, visitID, nil); err != nil {
			return err
		}
		if err := s.recomputeTotals(ctx, visitID); err != nil {
			return err
		}
		inv, err = s.repo.GetInvoiceByVisit(ctx, visitID)
		if err != nil {
			return err
		}
		if inv.Paid {
			return apperr.Conflictf("invoice %s is already paid", inv.ReceiptNumber)
		}
		due := inv.CombinedTotal()
		if !due.IsPositive() {
			return apperr.Validationf("no billable items found on this visit")
		}
		payment := &Payment{InvoiceID: inv.ID, Amount: due, Method: method, Reference: reference}
		if err := s.repo.CreatePayment(ctx, payment); err != nil {
			return err
		}
		return s.settle(ctx, inv, method)
	})
	if err != nil {
		return nil, err
	}
	if ClearsImmediately(method) {
		s.sendReceipt(ctx, inv, inv.CombinedTotal())
	}
	return s.repo.GetInvoice(ctx, inv.ID)
}

// sendReceipt fires the payment receipt SMS after a settled payment. Lookup
// or delivery failures are logged, never surfaced to the payer.
func (s *Service) sendReceipt(ctx context.Context, inv *Invoice, amount decimal.Decimal) {
	if s.announcer == nil || s.contacts == nil {
		return
	}
	v, err := s.visits.Get(ctx, inv.VisitID)
	if err != nil {
		s.logger.Warn().Err(err).Str("invoice_id", inv.ID.String()).Msg("receipt sms: visit lookup failed")
		return
	}
	name, phone, err := s.contacts.Contact(ctx, v.PatientID)
	if err != nil {
		s.logger.Warn().Err(err).Str("patient_id", v.PatientID.String()).Msg("receipt sms: contact lookup failed")
		return
	}
	if phone == "" {
		return
	}
	s.announcer.SendFromTemplateAsync("payment-receipt", map[string]string{
		"patient_name":   name,
		"amount":         amount.StringFixed(0),
		"receipt_number": inv.ReceiptNumber,
	}, phone)
}

// settle applies the method-driven settlement rule to the invoice and visit.
func (s *Service) settle(ctx context.Context, inv *Invoice, method string) error {
	v, err := s.visits.Get(ctx, inv.VisitID)
	if err != nil {
		return err
	}
	if ClearsImmediately(method) {
		now := time.Now()
		if err := s.repo.SetInvoicePaid(ctx, inv.ID, true, &now); err != nil {
			return err
		}
		if v.Status != visit.StatusCompleted {
			return s.visits.SetStatus(ctx, inv.VisitID, visit.StatusCompleted)
		}
		return nil
	}
	if err := s.repo.SetInvoicePaid(ctx, inv.ID, false, nil); err != nil {
		return err
	}
	if v.Status != visit.StatusAwaitingPayment {
		return s.visits.SetStatus(ctx, inv.VisitID, visit.StatusAwaitingPayment)
	}
	return nil
}

// -- Invoice reads --

func (s *Service) GetInvoice(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	return s.repo.GetInvoice(ctx, id)
}

func (s *Service) GetInvoiceByVisit(ctx context.Context, visitID uuid.UUID) (*Invoice, error) {
	return s.repo.GetInvoiceByVisit(ctx, visitID)
}

func (s *Service) ListInvoices(ctx context.Context, f InvoiceFilter, limit, offset int) ([]*Invoice, int, error) {
	return s.repo.ListInvoices(ctx, f, limit, offset)
}

func (s *Service) ListPayments(ctx context.Context, invoiceID uuid.UUID) ([]*Payment, error) {
	return s.repo.ListPaymentsByInvoice(ctx, invoiceID)
}

// InvoiceBreakdown is the cashier's view of an invoice with the insurer and
// patient shares resolved from the patient's coverage.
type InvoiceBreakdown struct {
	Invoice      *Invoice        `json:"invoice"`
	CoveragePct  int             `json:"coverage_pct"`
	InsurerShare decimal.Decimal `json:"insurer_share"`
	PatientShare decimal.Decimal `json:"patient_share"`
	// PatientTotal adds the private side to the patient's insurance share.
	PatientTotal decimal.Decimal `json:"patient_total"`
}

// Breakdown resolves the coverage split for an invoice.
func (s *Service) Breakdown(ctx context.Context, invoiceID uuid.UUID) (*InvoiceBreakdown, error) {
	inv, err := s.repo.GetInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	v, err := s.visits.Get(ctx, inv.VisitID)
	if err != nil {
		return nil, err
	}
	pct, err := s.coverage.CoveragePct(ctx, v.PatientID)
	if err != nil {
		return nil, err
	}
	insurer, patient, err := CoverageSplit(inv.TotalInsurance, pct)
	if err != nil {
		return nil, err
	}
	return &InvoiceBreakdown{
		Invoice:      inv,
		CoveragePct:  pct,
		InsurerShare: insurer,
		PatientShare: patient,
		PatientTotal: inv.TotalPrivate.Add(patient),
	}, nil
}

// -- Refunds --

// RequestRefund opens a refund against an invoice. The amount may not exceed
// the invoice's combined total. Cashier-initiated refunds complete
// immediately; others await processing.
func (s *Service) RequestRefund(ctx context.Context, invoiceID uuid.UUID, amount decimal.Decimal, reason string, requestedBy *uuid.UUID, autoComplete bool) (*Refund, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, apperr.Validationf("a refund reason is required")
	}
	if !amount.IsPositive() {
		return nil, apperr.Validationf("refund amount must be positive")
	}

	var rf *Refund
	err := s.inTx(ctx, func(ctx context.Context) error {
		inv, err := s.repo.GetInvoice(ctx, invoiceID)
		if err != nil {
			return err
		}
		if amount.GreaterThan(inv.CombinedTotal()) {
			return apperr.Validationf("refund amount %s exceeds the invoice total %s", amount, inv.CombinedTotal())
		}
		rf = &Refund{
			InvoiceID:   inv.ID,
			Amount:      amount,
			Reason:      reason,
			Status:      RefundPending,
			RequestedBy: requestedBy,
		}
		if autoComplete {
			now := time.Now()
			rf.Status = RefundCompleted
			rf.ProcessedBy = requestedBy
			rf.ProcessedAt = &now
		}
		return s.repo.CreateRefund(ctx, rf)
	})
	if err != nil {
		return nil, err
	}
	return rf, nil
}

// ProcessRefund approves or rejects a pending refund.
func (s *Service) ProcessRefund(ctx context.Context, refundID uuid.UUID, approve bool, processedBy *uuid.UUID, notes *string) (*Refund, error) {
	var rf *Refund
	err := s.inTx(ctx, func(ctx context.Context) error {
		var err error
		rf, err = s.repo.GetRefund(ctx, refundID)
		if err != nil {
			return err
		}
		if rf.Status != RefundPending {
			return apperr.Conflictf("refund is already %s", rf.Status)
		}
		now := time.Now()
		if approve {
			rf.Status = RefundApproved
		} else {
			rf.Status = RefundRejected
		}
		rf.ProcessedBy = processedBy
		rf.ProcessedAt = &now
		rf.Notes = notes
		return s.repo.UpdateRefund(ctx, rf)
	})
	return rf, err
}

// CompleteRefund marks an approved refund as disbursed.
func (s *Service) CompleteRefund(ctx context.Context, refundID uuid.UUID, processedBy *uuid.UUID) (*Refund, error) {
	var rf *Refund
	err := s.inTx(ctx, func(ctx context.Context) error {
		var err error
		rf, err = s.repo.GetRefund(ctx, refundID)
		if err != nil {
			return err
		}
		if rf.Status != RefundApproved {
			return apperr.Conflictf("only an approved refund can be completed, current status is %s", rf.Status)
		}
		now := time.Now()
		rf.Status = RefundCompleted
		rf.ProcessedBy = processedBy
		rf.ProcessedAt = &now
		return s.repo.UpdateRefund(ctx, rf)
	})
	return rf, err
}

func (s *Service) ListRefunds(ctx context.Context, status string, limit, offset int) ([]*Refund, int, error) {
	return s.repo.ListRefunds(ctx, status, limit, offset)
}
