package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/norha/clinic/internal/domain/catalog"
	"github.com/norha/clinic/internal/domain/visit"
	"github.com/norha/clinic/pkg/apperr"
)

// -- Mock Repository --

type mockRepo struct {
	items    map[uuid.UUID]*BillingItem
	invoices map[uuid.UUID]*Invoice
	payments map[uuid.UUID]*Payment
	refunds  map[uuid.UUID]*Refund
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		items:    make(map[uuid.UUID]*BillingItem),
		invoices: make(map[uuid.UUID]*Invoice),
		payments: make(map[uuid.UUID]*Payment),
		refunds:  make(map[uuid.UUID]*Refund),
	}
}

func (m *mockRepo) CreateItem(_ context.Context, i *BillingItem) error {
	i.ID = uuid.New()
	i.CreatedAt = time.Now()
	clone := *i
	m.items[i.ID] = &clone
	return nil
}

func (m *mockRepo) GetItem(_ context.Context, id uuid.UUID) (*BillingItem, error) {
	i, ok := m.items[id]
	if !ok {
		return nil, apperr.NotFoundf("billing item not found")
	}
	return i, nil
}

func (m *mockRepo) GetItemByVisitAndTariff(_ context.Context, visitID, tariffID uuid.UUID) (*BillingItem, error) {
	for _, i := range m.items {
		if i.VisitID == visitID && i.TariffID != nil && *i.TariffID == tariffID {
			return i, nil
		}
	}
	return nil, apperr.NotFoundf("billing item not found")
}

func (m *mockRepo) UpdateItemQty(_ context.Context, id uuid.UUID, qty int) error {
	i, ok := m.items[id]
	if !ok {
		return apperr.NotFoundf("billing item not found")
	}
	i.Qty = qty
	return nil
}

func (m *mockRepo) DeleteItem(_ context.Context, id uuid.UUID) error {
	if _, ok := m.items[id]; !ok {
		return apperr.NotFoundf("billing item not found")
	}
	delete(m.items, id)
	return nil
}

func (m *mockRepo) ListItemsByVisit(_ context.Context, visitID uuid.UUID) ([]*BillingItem, error) {
	var out []*BillingItem
	for _, i := range m.items {
		if i.VisitID == visitID {
			out = append(out, i)
		}
	}
	return out, nil
}

func (m *mockRepo) EnsureInvoice(_ context.Context, visitID uuid.UUID, receiptNumber string, createdBy *uuid.UUID) (*Invoice, error) {
	for _, inv := range m.invoices {
		if inv.VisitID == visitID {
			return inv, nil
		}
	}
	for _, inv := range m.invoices {
		if inv.ReceiptNumber == receiptNumber {
			return nil, apperr.Conflictf("receipt number %s already exists", receiptNumber)
		}
	}
	inv := &Invoice{
		ID:            uuid.New(),
		VisitID:       visitID,
		ReceiptNumber: receiptNumber,
		Status:        "outpatient",
		CreatedBy:     createdBy,
		CreatedAt:     time.Now(),
	}
	m.invoices[inv.ID] = inv
	return inv, nil
}

func (m *mockRepo) GetInvoice(_ context.Context, id uuid.UUID) (*Invoice, error) {
	inv, ok := m.invoices[id]
	if !ok {
		return nil, apperr.NotFoundf("invoice not found")
	}
	return inv, nil
}

func (m *mockRepo) GetInvoiceByVisit(_ context.Context, visitID uuid.UUID) (*Invoice, error) {
	for _, inv := range m.invoices {
		if inv.VisitID == visitID {
			return inv, nil
		}
	}
	return nil, apperr.NotFoundf("invoice not found")
}

func (m *mockRepo) UpdateInvoiceTotals(_ context.Context, id uuid.UUID, totalPrivate, totalInsurance decimal.Decimal) error {
	inv, ok := m.invoices[id]
	if !ok {
		return apperr.NotFoundf("invoice not found")
	}
	inv.TotalPrivate = totalPrivate
	inv.TotalInsurance = totalInsurance
	return nil
}

func (m *mockRepo) SetInvoicePaid(_ context.Context, id uuid.UUID, paid bool, paidAt *time.Time) error {
	inv, ok := m.invoices[id]
	if !ok {
		return apperr.NotFoundf("invoice not found")
	}
	inv.Paid = paid
	inv.PaidAt = paidAt
	return nil
}

func (m *mockRepo) ListInvoices(_ context.Context, f InvoiceFilter, limit, offset int) ([]*Invoice, int, error) {
	var out []*Invoice
	for _, inv := range m.invoices {
		if f.Paid != nil && inv.Paid != *f.Paid {
			continue
		}
		out = append(out, inv)
	}
	return out, len(out), nil
}

func (m *mockRepo) CreatePayment(_ context.Context, p *Payment) error {
	p.ID = uuid.New()
	p.PaidAt = time.Now()
	clone := *p
	m.payments[p.ID] = &clone
	return nil
}

func (m *mockRepo) ListPaymentsByInvoice(_ context.Context, invoiceID uuid.UUID) ([]*Payment, error) {
	var out []*Payment
	for _, p := range m.payments {
		if p.InvoiceID == invoiceID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *mockRepo) CreateRefund(_ context.Context, rf *Refund) error {
	rf.ID = uuid.New()
	rf.RequestedAt = time.Now()
	clone := *rf
	m.refunds[rf.ID] = &clone
	return nil
}

func (m *mockRepo) GetRefund(_ context.Context, id uuid.UUID) (*Refund, error) {
	rf, ok := m.refunds[id]
	if !ok {
		return nil, apperr.NotFoundf("refund not found")
	}
	return rf, nil
}

func (m *mockRepo) UpdateRefund(_ context.Context, rf *Refund) error {
	if _, ok := m.refunds[rf.ID]; !ok {
		return apperr.NotFoundf("refund not found")
	}
	clone := *rf
	m.refunds[rf.ID] = &clone
	return nil
}

func (m *mockRepo) ListRefunds(_ context.Context, status string, limit, offset int) ([]*Refund, int, error) {
	var out []*Refund
	for _, rf := range m.refunds {
		if status != "" && rf.Status != status {
			continue
		}
		out = append(out, rf)
	}
	return out, len(out), nil
}

// -- Mock visit directory / coverage --

type mockVisits struct {
	visits map[uuid.UUID]*VisitInfo
}

func newMockVisits() *mockVisits {
	return &mockVisits{visits: make(map[uuid.UUID]*VisitInfo)}
}

func (m *mockVisits) add(status string) *VisitInfo {
	v := &VisitInfo{ID: uuid.New(), PatientID: uuid.New(), Status: status}
	m.visits[v.ID] = v
	return v
}

func (m *mockVisits) Get(_ context.Context, id uuid.UUID) (*VisitInfo, error) {
	v, ok := m.visits[id]
	if !ok {
		return nil, apperr.NotFoundf("visit not found")
	}
	clone := *v
	return &clone, nil
}

func (m *mockVisits) SetStatus(_ context.Context, id uuid.UUID, status string) error {
	v, ok := m.visits[id]
	if !ok {
		return apperr.NotFoundf("visit not found")
	}
	v.Status = status
	return nil
}

type mockCoverage struct {
	pct map[uuid.UUID]int
}

func (m *mockCoverage) CoveragePct(_ context.Context, patientID uuid.UUID) (int, error) {
	return m.pct[patientID], nil
}

// -- Helpers --

func newTestService() (*Service, *mockRepo, *mockVisits, *mockCoverage) {
	repo := newMockRepo()
	visits := newMockVisits()
	coverage := &mockCoverage{pct: make(map[uuid.UUID]int)}
	return NewService(repo, visits, coverage, nil, zerolog.Nop()), repo, visits, coverage
}

func testAct(private int64, insurance *int64) *catalog.TariffAct {
	act := &catalog.TariffAct{
		ID:           uuid.New(),
		Code:         "D11",
		Name:         "Detartrage",
		PricePrivate: decimal.NewFromInt(private),
		Active:       true,
	}
	if insurance != nil {
		v := decimal.NewFromInt(*insurance)
		act.PriceInsurance = &v
	}
	return act
}

func int64Ptr(v int64) *int64 { return &v }

func addAct(t *testing.T, svc *Service, visitID uuid.UUID, act *catalog.TariffAct, qty string) *BillingItem {
	t.Helper()
	item, err := svc.AddItem(context.Background(), AddItemInput{
		VisitID:  visitID,
		TariffID: &act.ID,
		Snapshot: act.Snapshot(),
		Qty:      qty,
	})
	if err != nil {
		t.Fatalf("AddItem: %v", err)
	}
	return item
}

// -- Quantity parsing --

func TestParseQuantity(t *testing.T) {
	tests := []struct {
		raw     string
		want    int
		wantErr bool
	}{
		{"3", 3, false},
		{" 2 ", 2, false},
		{"", 1, false},
		{"0", 1, false},
		{"-5", 1, false},
		{"abc", 0, true},
		{"2.5", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseQuantity(tt.raw)
		if tt.wantErr {
			if !errors.Is(err, apperr.ErrValidation) {
				t.Errorf("ParseQuantity(%q) error = %v, want validation error", tt.raw, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseQuantity(%q): %v", tt.raw, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseQuantity(%q) = %d, want %d", tt.raw, got, tt.want)
		}
	}
}

// -- Coverage split --

func TestCoverageSplit(t *testing.T) {
	total := decimal.NewFromInt(100000)

	insurer, patient, err := CoverageSplit(total, 80)
	if err != nil {
		t.Fatalf("CoverageSplit: %v", err)
	}
	if !insurer.Equal(decimal.NewFromInt(80000)) || !patient.Equal(decimal.NewFromInt(20000)) {
		t.Errorf("split = %s/%s, want 80000/20000", insurer, patient)
	}

	// shares always sum back to the total even when truncation bites
	odd := decimal.RequireFromString("100.01")
	insurer, patient, err = CoverageSplit(odd, 33)
	if err != nil {
		t.Fatalf("CoverageSplit: %v", err)
	}
	if !insurer.Add(patient).Equal(odd) {
		t.Errorf("insurer %s + patient %s != total %s", insurer, patient, odd)
	}
	if !insurer.Equal(decimal.RequireFromString("33.00")) {
		t.Errorf("insurer share = %s, want 33.00 (truncated)", insurer)
	}

	for _, pct := range []int{-1, 101} {
		if _, _, err := CoverageSplit(total, pct); !errors.Is(err, apperr.ErrValidation) {
			t.Errorf("CoverageSplit(pct=%d) error = %v, want validation error", pct, err)
		}
	}

	// boundary percentages
	insurer, patient, _ = CoverageSplit(total, 0)
	if !insurer.IsZero() || !patient.Equal(total) {
		t.Errorf("pct=0 split = %s/%s", insurer, patient)
	}
	insurer, patient, _ = CoverageSplit(total, 100)
	if !insurer.Equal(total) || !patient.IsZero() {
		t.Errorf("pct=100 split = %s/%s", insurer, patient)
	}
}

// -- Billing sheet / totals --

func TestAddItem_TotalsFormula(t *testing.T) {
	svc, repo, visits, _ := newTestService()
	v := visits.add(visit.StatusInConsultation)

	addAct(t, svc, v.ID, testAct(150000, int64Ptr(100000)), "2")
	actNoIns := testAct(50000, nil)
	actNoIns.Code = "D12"
	addAct(t, svc, v.ID, actNoIns, "3")

	inv, err := repo.GetInvoiceByVisit(context.Background(), v.ID)
	if err != nil {
		t.Fatalf("invoice not created: %v", err)
	}
	// 2*150000 + 3*50000
	if !inv.TotalPrivate.Equal(decimal.NewFromInt(450000)) {
		t.Errorf("total_private = %s, want 450000", inv.TotalPrivate)
	}
	// 2*100000 + 3*0
	if !inv.TotalInsurance.Equal(decimal.NewFromInt(200000)) {
		t.Errorf("total_insurance = %s, want 200000", inv.TotalInsurance)
	}
}

func TestAddItem_InvalidQtyRejected(t *testing.T) {
	svc, repo, visits, _ := newTestService()
	v := visits.add(visit.StatusOpen)

	_, err := svc.AddItem(context.Background(), AddItemInput{
		VisitID:  v.ID,
		Snapshot: testAct(1000, nil).Snapshot(),
		Qty:      "two",
	})
	if !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
	if len(repo.items) != 0 {
		t.Error("item must not be created on a parse failure")
	}
}

func TestAddItem_ZeroQtyClampedToOne(t *testing.T) {
	svc, _, visits, _ := newTestService()
	v := visits.add(visit.StatusOpen)

	item := addAct(t, svc, v.ID, testAct(1000, nil), "0")
	if item.Qty != 1 {
		t.Errorf("qty = %d, want clamped to 1", item.Qty)
	}
}

func TestAddItem_SingleInvoicePerVisit(t *testing.T) {
	svc, repo, visits, _ := newTestService()
	v := visits.add(visit.StatusOpen)

	addAct(t, svc, v.ID, testAct(1000, nil), "1")
	second := testAct(2000, nil)
	second.Code = "D12"
	addAct(t, svc, v.ID, second, "1")

	if len(repo.invoices) != 1 {
		t.Errorf("invoices = %d, want exactly 1 per visit", len(repo.invoices))
	}
	inv, _ := repo.GetInvoiceByVisit(context.Background(), v.ID)
	if len(inv.ReceiptNumber) != 12 {
		t.Errorf("receipt number %q is not 12 characters", inv.ReceiptNumber)
	}
}

func TestAddItem_SnapshotInsulatedFromTariffEdits(t *testing.T) {
	svc, repo, visits, _ := newTestService()
	v := visits.add(visit.StatusOpen)

	act := testAct(150000, int64Ptr(100000))
	item := addAct(t, svc, v.ID, act, "1")

	// tariff price changes after billing
	act.PricePrivate = decimal.NewFromInt(999999)

	stored := repo.items[item.ID]
	if !stored.PricePrivateSnapshot.Equal(decimal.NewFromInt(150000)) {
		t.Errorf("snapshot price = %s, want 150000", stored.PricePrivateSnapshot)
	}
}

func TestAddItem_CompletedVisitRejected(t *testing.T) {
	svc, _, visits, _ := newTestService()
	v := visits.add(visit.StatusCompleted)

	_, err := svc.AddItem(context.Background(), AddItemInput{
		VisitID:  v.ID,
		Snapshot: testAct(1000, nil).Snapshot(),
		Qty:      "1",
	})
	if !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("expected conflict, got %v", err)
	}
}

func TestAddOrIncrementItem(t *testing.T) {
	svc, repo, visits, _ := newTestService()
	v := visits.add(visit.StatusInConsultation)
	act := testAct(10000, nil)

	first, err := svc.AddOrIncrementItem(context.Background(), v.ID, act, "2")
	if err != nil {
		t.Fatalf("AddOrIncrementItem: %v", err)
	}
	second, err := svc.AddOrIncrementItem(context.Background(), v.ID, act, "3")
	if err != nil {
		t.Fatalf("AddOrIncrementItem again: %v", err)
	}
	if first.ID != second.ID {
		t.Error("same tariff must increment the existing row")
	}
	if second.Qty != 5 {
		t.Errorf("qty = %d, want 5", second.Qty)
	}
	if len(repo.items) != 1 {
		t.Errorf("items = %d, want 1", len(repo.items))
	}
	inv, _ := repo.GetInvoiceByVisit(context.Background(), v.ID)
	if !inv.TotalPrivate.Equal(decimal.NewFromInt(50000)) {
		t.Errorf("total_private = %s, want 50000", inv.TotalPrivate)
	}
}

func TestRemoveItem_Recomputes(t *testing.T) {
	svc, repo, visits, _ := newTestService()
	v := visits.add(visit.StatusOpen)

	keep := addAct(t, svc, v.ID, testAct(10000, nil), "1")
	dropAct := testAct(5000, nil)
	dropAct.Code = "D12"
	drop := addAct(t, svc, v.ID, dropAct, "2")

	if err := svc.RemoveItem(context.Background(), drop.ID); err != nil {
		t.Fatalf("RemoveItem: %v", err)
	}
	inv, _ := repo.GetInvoiceByVisit(context.Background(), v.ID)
	if !inv.TotalPrivate.Equal(decimal.NewFromInt(10000)) {
		t.Errorf("total_private = %s, want 10000", inv.TotalPrivate)
	}
	if _, ok := repo.items[keep.ID]; !ok {
		t.Error("remaining item must survive")
	}

	if err := svc.RemoveItem(context.Background(), drop.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected not found on double remove, got %v", err)
	}
}

// -- Close to cashier --

func TestCloseVisit_RequiresItems(t *testing.T) {
	svc, _, visits, _ := newTestService()
	v := visits.add(visit.StatusInConsultation)

	_, err := svc.CloseVisit(context.Background(), v.ID, nil)
	if !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
	got, _ := visits.Get(context.Background(), v.ID)
	if got.Status != visit.StatusInConsultation {
		t.Errorf("visit status changed to %s on a failed close", got.Status)
	}
}

func TestCloseVisit_SetsBilled(t *testing.T) {
	svc, _, visits, _ := newTestService()
	v := visits.add(visit.StatusInConsultation)
	addAct(t, svc, v.ID, testAct(150000, int64Ptr(100000)), "1")

	inv, err := svc.CloseVisit(context.Background(), v.ID, nil)
	if err != nil {
		t.Fatalf("CloseVisit: %v", err)
	}
	got, _ := visits.Get(context.Background(), v.ID)
	if got.Status != visit.StatusBilled {
		t.Errorf("visit status = %s, want billed", got.Status)
	}
	if !inv.TotalPrivate.Equal(decimal.NewFromInt(150000)) || !inv.TotalInsurance.Equal(decimal.NewFromInt(100000)) {
		t.Errorf("totals = %s/%s", inv.TotalPrivate, inv.TotalInsurance)
	}
	if inv.Paid {
		t.Error("a freshly closed invoice must be unpaid")
	}
}

// -- Payments / settlement --

func payableInvoice(t *testing.T, svc *Service, visits *mockVisits) (*Invoice, *VisitInfo) {
	t.Helper()
	v := visits.add(visit.StatusInConsultation)
	addAct(t, svc, v.ID, testAct(150000, int64Ptr(100000)), "1")
	inv, err := svc.CloseVisit(context.Background(), v.ID, nil)
	if err != nil {
		t.Fatalf("CloseVisit: %v", err)
	}
	return inv, v
}

func TestRecordPayment_InstantMethodSettles(t *testing.T) {
	for _, method := range []string{MethodCash, MethodMomo, MethodCard} {
		t.Run(method, func(t *testing.T) {
			svc, repo, visits, _ := newTestService()
			inv, v := payableInvoice(t, svc, visits)

			p, err := svc.RecordPayment(context.Background(), inv.ID, decimal.NewFromInt(250000), method, nil)
			if err != nil {
				t.Fatalf("RecordPayment: %v", err)
			}
			if p.ID == uuid.Nil {
				t.Error("payment not persisted")
			}
			stored := repo.invoices[inv.ID]
			if !stored.Paid || stored.PaidAt == nil {
				t.Error("instant method must settle the invoice")
			}
			got, _ := visits.Get(context.Background(), v.ID)
			if got.Status != visit.StatusCompleted {
				t.Errorf("visit status = %s, want completed", got.Status)
			}
		})
	}
}

func TestRecordPayment_InsuranceStaysPending(t *testing.T) {
	svc, repo, visits, _ := newTestService()
	inv, v := payableInvoice(t, svc, visits)

	if _, err := svc.RecordPayment(context.Background(), inv.ID, decimal.NewFromInt(250000), MethodInsurance, nil); err != nil {
		t.Fatalf("RecordPayment: %v", err)
	}
	stored := repo.invoices[inv.ID]
	if stored.Paid || stored.PaidAt != nil {
		t.Error("insurance must leave the invoice unpaid")
	}
	got, _ := visits.Get(context.Background(), v.ID)
	if got.Status != visit.StatusAwaitingPayment {
		t.Errorf("visit status = %s, want awaiting_payment", got.Status)
	}
}

func TestRecordPayment_AppendsLedger(t *testing.T) {
	svc, _, visits, _ := newTestService()
	inv, _ := payableInvoice(t, svc, visits)

	// insurance first, then a cash settlement; both rows stay
	if _, err := svc.RecordPayment(context.Background(), inv.ID, decimal.NewFromInt(200000), MethodInsurance, nil); err != nil {
		t.Fatalf("RecordPayment: %v", err)
	}
	if _, err := svc.RecordPayment(context.Background(), inv.ID, decimal.NewFromInt(50000), MethodCash, nil); err != nil {
		t.Fatalf("RecordPayment: %v", err)
	}
	payments, err := svc.ListPayments(context.Background(), inv.ID)
	if err != nil {
		t.Fatalf("ListPayments: %v", err)
	}
	if len(payments) != 2 {
		t.Errorf("ledger rows = %d, want 2", len(payments))
	}
}

func TestRecordPayment_Guards(t *testing.T) {
	svc, _, visits, _ := newTestService()
	inv, _ := payableInvoice(t, svc, visits)

	if _, err := svc.RecordPayment(context.Background(), inv.ID, decimal.Zero, MethodCash, nil); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("zero amount: expected validation error, got %v", err)
	}
	if _, err := svc.RecordPayment(context.Background(), inv.ID, decimal.NewFromInt(-5), MethodCash, nil); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("negative amount: expected validation error, got %v", err)
	}
	if _, err := svc.RecordPayment(context.Background(), inv.ID, decimal.NewFromInt(100), "cheque", nil); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("unknown method: expected validation error, got %v", err)
	}
}

func TestCashierMarkPaid(t *testing.T) {
	svc, _, visits, _ := newTestService()
	_, v := payableInvoice(t, svc, visits)

	inv, err := svc.CashierMarkPaid(context.Background(), v.ID, MethodCash, nil)
	if err != nil {
		t.Fatalf("CashierMarkPaid: %v", err)
	}
	if !inv.Paid {
		t.Error("invoice must be settled")
	}
	payments, _ := svc.ListPayments(context.Background(), inv.ID)
	if len(payments) != 1 {
		t.Fatalf("ledger rows = %d, want 1", len(payments))
	}
	if !payments[0].Amount.Equal(decimal.NewFromInt(250000)) {
		t.Errorf("payment amount = %s, want the combined total 250000", payments[0].Amount)
	}
}

func TestCashierMarkPaid_RejectsPaidInvoice(t *testing.T) {
	svc, _, visits, _ := newTestService()
	_, v := payableInvoice(t, svc, visits)

	if _, err := svc.CashierMarkPaid(context.Background(), v.ID, MethodCash, nil); err != nil {
		t.Fatalf("first CashierMarkPaid: %v", err)
	}
	// a completed visit is no longer payable
	if _, err := svc.CashierMarkPaid(context.Background(), v.ID, MethodCash, nil); !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("expected conflict, got %v", err)
	}
}

func TestCashierMarkPaid_RejectsNotReadyVisit(t *testing.T) {
	svc, _, visits, _ := newTestService()
	v := visits.add(visit.StatusOpen)
	addAct(t, svc, v.ID, testAct(1000, nil), "1")

	if _, err := svc.CashierMarkPaid(context.Background(), v.ID, MethodCash, nil); !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("expected conflict for an open visit, got %v", err)
	}
}

func TestCashierMarkPaid_InsuranceParksVisit(t *testing.T) {
	svc, _, visits, _ := newTestService()
	_, v := payableInvoice(t, svc, visits)

	inv, err := svc.CashierMarkPaid(context.Background(), v.ID, MethodInsurance, nil)
	if err != nil {
		t.Fatalf("CashierMarkPaid: %v", err)
	}
	if inv.Paid {
		t.Error("insurance settlement must leave the invoice pending")
	}
	got, _ := visits.Get(context.Background(), v.ID)
	if got.Status != visit.StatusAwaitingPayment {
		t.Errorf("visit status = %s, want awaiting_payment", got.Status)
	}

	// the insurer confirms later: the awaiting visit is still payable
	inv2, err := svc.CashierMarkPaid(context.Background(), v.ID, MethodCash, nil)
	if err != nil {
		t.Fatalf("second CashierMarkPaid: %v", err)
	}
	if !inv2.Paid {
		t.Error("cash confirmation must settle")
	}
}

// -- Breakdown --

func TestBreakdown(t *testing.T) {
	svc, _, visits, coverage := newTestService()
	inv, v := payableInvoice(t, svc, visits) // 150000 private / 100000 insurance
	coverage.pct[v.PatientID] = 80

	bd, err := svc.Breakdown(context.Background(), inv.ID)
	if err != nil {
		t.Fatalf("Breakdown: %v", err)
	}
	if !bd.InsurerShare.Equal(decimal.NewFromInt(80000)) {
		t.Errorf("insurer share = %s, want 80000", bd.InsurerShare)
	}
	if !bd.PatientShare.Equal(decimal.NewFromInt(20000)) {
		t.Errorf("patient share = %s, want 20000", bd.PatientShare)
	}
	if !bd.PatientTotal.Equal(decimal.NewFromInt(170000)) {
		t.Errorf("patient total = %s, want 170000", bd.PatientTotal)
	}
}

// -- Refunds --

func TestRequestRefund_Boundary(t *testing.T) {
	svc, _, visits, _ := newTestService()
	inv, _ := payableInvoice(t, svc, visits) // combined 250000

	if _, err := svc.RequestRefund(context.Background(), inv.ID, decimal.NewFromInt(250001), "overcharge", nil, false); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("expected validation error above the total, got %v", err)
	}
	rf, err := svc.RequestRefund(context.Background(), inv.ID, decimal.NewFromInt(250000), "full refund", nil, false)
	if err != nil {
		t.Fatalf("RequestRefund at the boundary: %v", err)
	}
	if rf.Status != RefundPending {
		t.Errorf("status = %s, want pending", rf.Status)
	}
}

func TestRequestRefund_CashierAutoCompletes(t *testing.T) {
	svc, _, visits, _ := newTestService()
	inv, _ := payableInvoice(t, svc, visits)

	cashier := uuid.New()
	rf, err := svc.RequestRefund(context.Background(), inv.ID, decimal.NewFromInt(1000), "duplicate act", &cashier, true)
	if err != nil {
		t.Fatalf("RequestRefund: %v", err)
	}
	if rf.Status != RefundCompleted || rf.ProcessedAt == nil {
		t.Errorf("cashier refund = %+v, want completed with a timestamp", rf)
	}
}

func TestProcessRefund(t *testing.T) {
	svc, _, visits, _ := newTestService()
	inv, _ := payableInvoice(t, svc, visits)

	rf, err := svc.RequestRefund(context.Background(), inv.ID, decimal.NewFromInt(1000), "overcharge", nil, false)
	if err != nil {
		t.Fatalf("RequestRefund: %v", err)
	}

	admin := uuid.New()
	approved, err := svc.ProcessRefund(context.Background(), rf.ID, true, &admin, nil)
	if err != nil {
		t.Fatalf("ProcessRefund: %v", err)
	}
	if approved.Status != RefundApproved || approved.ProcessedBy == nil {
		t.Errorf("refund = %+v, want approved", approved)
	}

	// cannot process twice
	if _, err := svc.ProcessRefund(context.Background(), rf.ID, false, &admin, nil); !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("expected conflict, got %v", err)
	}

	done, err := svc.CompleteRefund(context.Background(), rf.ID, &admin)
	if err != nil {
		t.Fatalf("CompleteRefund: %v", err)
	}
	if done.Status != RefundCompleted {
		t.Errorf("status = %s, want completed", done.Status)
	}
}

// -- Receipt SMS --

type mockContacts struct {
	names  map[uuid.UUID]string
	phones map[uuid.UUID]string
}

func newMockContacts() *mockContacts {
	return &mockContacts{names: make(map[uuid.UUID]string), phones: make(map[uuid.UUID]string)}
}

func (m *mockContacts) Contact(_ context.Context, patientID uuid.UUID) (string, string, error) {
	name, ok := m.names[patientID]
	if !ok {
		return "", "", apperr.NotFoundf("patient not found")
	}
	return name, m.phones[patientID], nil
}

type sentReceipt struct {
	template  string
	data      map[string]string
	recipient string
}

type mockAnnouncer struct {
	sent []sentReceipt
}

func (m *mockAnnouncer) SendFromTemplateAsync(templateID string, data map[string]string, recipient string) {
	m.sent = append(m.sent, sentReceipt{template: templateID, data: data, recipient: recipient})
}

func TestCashierMarkPaid_SendsReceiptSMS(t *testing.T) {
	svc, _, visits, _ := newTestService()
	contacts := newMockContacts()
	announcer := &mockAnnouncer{}
	svc.EnableReceipts(contacts, announcer)

	inv, v := payableInvoice(t, svc, visits)
	contacts.names[v.PatientID] = "Mariama Camara"
	contacts.phones[v.PatientID] = "+224621000111"

	if _, err := svc.CashierMarkPaid(context.Background(), v.ID, MethodCash, nil); err != nil {
		t.Fatalf("CashierMarkPaid: %v", err)
	}

	if len(announcer.sent) != 1 {
		t.Fatalf("expected 1 receipt sms, got %d", len(announcer.sent))
	}
	got := announcer.sent[0]
	if got.template != "payment-receipt" {
		t.Errorf("template = %q, want payment-receipt", got.template)
	}
	if got.recipient != "+224621000111" {
		t.Errorf("recipient = %q", got.recipient)
	}
	if got.data["patient_name"] != "Mariama Camara" {
		t.Errorf("patient_name = %q", got.data["patient_name"])
	}
	if got.data["amount"] != "250000" {
		t.Errorf("amount = %q, want 250000", got.data["amount"])
	}
	if got.data["receipt_number"] != inv.ReceiptNumber {
		t.Errorf("receipt_number = %q, want %q", got.data["receipt_number"], inv.ReceiptNumber)
	}
}

func TestRecordPayment_InsuranceSendsNoReceipt(t *testing.T) {
	svc, _, visits, _ := newTestService()
	contacts := newMockContacts()
	announcer := &mockAnnouncer{}
	svc.EnableReceipts(contacts, announcer)

	inv, v := payableInvoice(t, svc, visits)
	contacts.names[v.PatientID] = "Mariama Camara"
	contacts.phones[v.PatientID] = "+224621000111"

	if _, err := svc.RecordPayment(context.Background(), inv.ID, decimal.NewFromInt(250000), MethodInsurance, nil); err != nil {
		t.Fatalf("RecordPayment: %v", err)
	}
	if len(announcer.sent) != 0 {
		t.Errorf("insurance payment must not send a receipt sms, got %d", len(announcer.sent))
	}
}

func TestRecordPayment_NoPhoneSkipsReceipt(t *testing.T) {
	svc, _, visits, _ := newTestService()
	contacts := newMockContacts()
	announcer := &mockAnnouncer{}
	svc.EnableReceipts(contacts, announcer)

	inv, v := payableInvoice(t, svc, visits)
	contacts.names[v.PatientID] = "Mariama Camara"

	if _, err := svc.RecordPayment(context.Background(), inv.ID, decimal.NewFromInt(250000), MethodCash, nil); err != nil {
		t.Fatalf("RecordPayment: %v", err)
	}
	if len(announcer.sent) != 0 {
		t.Errorf("missing phone must skip the receipt sms, got %d", len(announcer.sent))
	}
}

func TestRecordPayment_ZeroDueRejected(t *testing.T) {
	svc, repo, visits, _ := newTestService()
	v := visits.add(visit.StatusInConsultation)
	item := addAct(t, svc, v.ID, testAct(150000, nil), "1")
	if err := svc.RemoveItem(context.Background(), item.ID); err != nil {
		t.Fatalf("RemoveItem: %v", err)
	}

	inv, err := svc.GetInvoiceByVisit(context.Background(), v.ID)
	if err != nil {
		t.Fatalf("GetInvoiceByVisit: %v", err)
	}

	_, err = svc.RecordPayment(context.Background(), inv.ID, decimal.NewFromInt(100), MethodCash, nil)
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error for zero-due invoice, got %v", err)
	}
	stored := repo.invoices[inv.ID]
	if stored.Paid || stored.PaidAt != nil {
		t.Error("zero-due invoice must not settle")
	}
	if len(repo.payments) != 0 {
		t.Errorf("payment ledger rows = %d, want 0", len(repo.payments))
	}
	if visits.visits[v.ID].Status != visit.StatusInConsultation {
		t.Errorf("visit status = %s, want unchanged", visits.visits[v.ID].Status)
	}
}

func TestRecordPayment_InsuranceOnSettledInvoiceParksVisit(t *testing.T) {
	svc, repo, visits, _ := newTestService()
	inv, v := payableInvoice(t, svc, visits)

	if _, err := svc.RecordPayment(context.Background(), inv.ID, decimal.NewFromInt(250000), MethodCash, nil); err != nil {
		t.Fatalf("RecordPayment(cash): %v", err)
	}
	if visits.visits[v.ID].Status != visit.StatusCompleted {
		t.Fatalf("visit status = %s, want completed", visits.visits[v.ID].Status)
	}

	// a late insurance payment still appends to the ledger and re-parks
	// the completed visit, against the reception transition graph
	if _, err := svc.RecordPayment(context.Background(), inv.ID, decimal.NewFromInt(100000), MethodInsurance, nil); err != nil {
		t.Fatalf("RecordPayment(insurance): %v", err)
	}
	if len(repo.payments) != 2 {
		t.Errorf("payment ledger rows = %d, want 2", len(repo.payments))
	}
	stored := repo.invoices[inv.ID]
	if stored.Paid || stored.PaidAt != nil {
		t.Error("insurance settlement must leave the invoice pending")
	}
	if visits.visits[v.ID].Status != visit.StatusAwaitingPayment {
		t.Errorf("visit status = %s, want awaiting_payment", visits.visits[v.ID].Status)
	}
}

func TestRecordPayment_InstantOnOpenVisitCompletes(t *testing.T) {
	svc, repo, visits, _ := newTestService()
	v := visits.add(visit.StatusOpen)
	addAct(t, svc, v.ID, testAct(150000, nil), "1")

	inv, err := svc.GetInvoiceByVisit(context.Background(), v.ID)
	if err != nil {
		t.Fatalf("GetInvoiceByVisit: %v", err)
	}
	if _, err := svc.RecordPayment(context.Background(), inv.ID, decimal.NewFromInt(150000), MethodCash, nil); err != nil {
		t.Fatalf("RecordPayment: %v", err)
	}
	if !repo.invoices[inv.ID].Paid {
		t.Error("invoice not settled")
	}
	if visits.visits[v.ID].Status != visit.StatusCompleted {
		t.Errorf("visit status = %s, want completed", visits.visits[v.ID].Status)
	}
}
