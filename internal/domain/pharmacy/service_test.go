package pharmacy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/norha/clinic/pkg/apperr"
)

// -- Mock repository --

type mockRepo struct {
	items         map[uuid.UUID]*InventoryItem
	stocks        map[uuid.UUID]*PharmacyStock
	prescriptions map[uuid.UUID]*Prescription
	rxItems       map[uuid.UUID]*PrescriptionItem
	dispenses     []*Dispense
	movements     []*StockMovement
	lockCalls     int
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		items:         make(map[uuid.UUID]*InventoryItem),
		stocks:        make(map[uuid.UUID]*PharmacyStock),
		prescriptions: make(map[uuid.UUID]*Prescription),
		rxItems:       make(map[uuid.UUID]*PrescriptionItem),
	}
}

func (m *mockRepo) CreateItem(_ context.Context, i *InventoryItem) error {
	i.ID = uuid.New()
	i.CreatedAt = time.Now()
	clone := *i
	m.items[i.ID] = &clone
	return nil
}

func (m *mockRepo) GetItem(_ context.Context, id uuid.UUID) (*InventoryItem, error) {
	i, ok := m.items[id]
	if !ok {
		return nil, apperr.NotFoundf("inventory item not found")
	}
	clone := *i
	return &clone, nil
}

func (m *mockRepo) UpdateItem(_ context.Context, i *InventoryItem) error {
	if _, ok := m.items[i.ID]; !ok {
		return apperr.NotFoundf("inventory item not found")
	}
	clone := *i
	m.items[i.ID] = &clone
	return nil
}

func (m *mockRepo) ListItems(_ context.Context, f ItemFilter, limit, offset int) ([]*InventoryItem, int, error) {
	var out []*InventoryItem
	for _, i := range m.items {
		if f.Category != "" && i.Category != f.Category {
			continue
		}
		out = append(out, i)
	}
	return out, len(out), nil
}

func (m *mockRepo) EnsureStock(_ context.Context, itemID uuid.UUID) (*PharmacyStock, error) {
	for _, s := range m.stocks {
		if s.ItemID == itemID {
			return s, nil
		}
	}
	name := ""
	if i, ok := m.items[itemID]; ok {
		name = i.Name
	}
	s := &PharmacyStock{ID: uuid.New(), ItemID: itemID, ItemName: name}
	m.stocks[s.ID] = s
	return s, nil
}

func (m *mockRepo) GetStock(_ context.Context, id uuid.UUID) (*PharmacyStock, error) {
	s, ok := m.stocks[id]
	if !ok {
		return nil, apperr.NotFoundf("stock record not found")
	}
	clone := *s
	return &clone, nil
}

func (m *mockRepo) GetStockByItem(_ context.Context, itemID uuid.UUID) (*PharmacyStock, error) {
	for _, s := range m.stocks {
		if s.ItemID == itemID {
			clone := *s
			return &clone, nil
		}
	}
	return nil, apperr.NotFoundf("stock record not found")
}

func (m *mockRepo) GetStockForUpdate(ctx context.Context, id uuid.UUID) (*PharmacyStock, error) {
	m.lockCalls++
	return m.GetStock(ctx, id)
}

func (m *mockRepo) UpdateStock(_ context.Context, s *PharmacyStock) error {
	if _, ok := m.stocks[s.ID]; !ok {
		return apperr.NotFoundf("stock record not found")
	}
	clone := *s
	m.stocks[s.ID] = &clone
	return nil
}

func (m *mockRepo) ListStock(_ context.Context, limit, offset int) ([]*PharmacyStock, int, error) {
	var out []*PharmacyStock
	for _, s := range m.stocks {
		out = append(out, s)
	}
	return out, len(out), nil
}

func (m *mockRepo) ListLowStock(_ context.Context, threshold int) ([]*PharmacyStock, error) {
	var out []*PharmacyStock
	for _, s := range m.stocks {
		if s.QtyAvailable <= threshold {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *mockRepo) CreatePrescription(_ context.Context, p *Prescription) error {
	p.ID = uuid.New()
	p.CreatedAt = time.Now()
	clone := *p
	m.prescriptions[p.ID] = &clone
	return nil
}

func (m *mockRepo) CreatePrescriptionItem(_ context.Context, i *PrescriptionItem) error {
	i.ID = uuid.New()
	i.CreatedAt = time.Now()
	clone := *i
	m.rxItems[i.ID] = &clone
	return nil
}

func (m *mockRepo) GetPrescription(_ context.Context, id uuid.UUID) (*Prescription, error) {
	p, ok := m.prescriptions[id]
	if !ok {
		return nil, apperr.NotFoundf("prescription not found")
	}
	clone := *p
	return &clone, nil
}

func (m *mockRepo) ListPrescriptionItems(_ context.Context, prescriptionID uuid.UUID) ([]*PrescriptionItem, error) {
	var out []*PrescriptionItem
	for _, i := range m.rxItems {
		if i.PrescriptionID == prescriptionID {
			out = append(out, i)
		}
	}
	return out, nil
}

func (m *mockRepo) ListPrescriptionsByVisit(_ context.Context, visitID uuid.UUID) ([]*Prescription, error) {
	var out []*Prescription
	for _, p := range m.prescriptions {
		if p.VisitID == visitID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *mockRepo) ListPrescriptions(_ context.Context, prescriptionType string, since *time.Time, limit, offset int) ([]*Prescription, int, error) {
	var out []*Prescription
	for _, p := range m.prescriptions {
		if prescriptionType != "" && p.Type != prescriptionType {
			continue
		}
		out = append(out, p)
	}
	return out, len(out), nil
}

func (m *mockRepo) CreateDispense(_ context.Context, d *Dispense) error {
	d.ID = uuid.New()
	d.DispensedAt = time.Now()
	clone := *d
	m.dispenses = append(m.dispenses, &clone)
	return nil
}

func (m *mockRepo) CreateMovement(_ context.Context, mv *StockMovement) error {
	mv.ID = uuid.New()
	mv.MovedAt = time.Now()
	clone := *mv
	m.movements = append(m.movements, &clone)
	return nil
}

func (m *mockRepo) ListMovementsByItem(_ context.Context, itemID uuid.UUID, limit, offset int) ([]*StockMovement, int, error) {
	var out []*StockMovement
	for _, mv := range m.movements {
		if mv.ItemID == itemID {
			out = append(out, mv)
		}
	}
	return out, len(out), nil
}

// -- Mock visit lookup --

type mockVisits struct {
	visits map[uuid.UUID]*VisitRef
}

func (m *mockVisits) add() *VisitRef {
	v := &VisitRef{ID: uuid.New(), PatientID: uuid.New(), Status: "in_consultation"}
	m.visits[v.ID] = v
	return v
}

func (m *mockVisits) Get(_ context.Context, id uuid.UUID) (*VisitRef, error) {
	v, ok := m.visits[id]
	if !ok {
		return nil, apperr.NotFoundf("visit not found")
	}
	return v, nil
}

// -- Helpers --

func newTestService() (*Service, *mockRepo, *mockVisits) {
	repo := newMockRepo()
	visits := &mockVisits{visits: make(map[uuid.UUID]*VisitRef)}
	return NewService(repo, visits, nil, 10, zerolog.Nop()), repo, visits
}

func mustMedicine(t *testing.T, svc *Service, repo *mockRepo, name string, qty int) *PharmacyStock {
	t.Helper()
	item := &InventoryItem{Name: name, Category: CategoryMedicine, UnitCost: decimal.NewFromInt(500)}
	if err := svc.CreateItem(context.Background(), item); err != nil {
		t.Fatalf("CreateItem: %v", err)
	}
	stock, err := repo.GetStockByItem(context.Background(), item.ID)
	if err != nil {
		t.Fatalf("GetStockByItem: %v", err)
	}
	stock.QtyAvailable = qty
	if err := repo.UpdateStock(context.Background(), stock); err != nil {
		t.Fatalf("UpdateStock: %v", err)
	}
	return stock
}

func strPtr(s string) *string { return &s }

// -- Inventory --

func TestCreateItem_MedicineGetsStockRow(t *testing.T) {
	svc, repo, _ := newTestService()

	item := &InventoryItem{Name: "Amoxicilline 500mg", Category: CategoryMedicine}
	if err := svc.CreateItem(context.Background(), item); err != nil {
		t.Fatalf("CreateItem: %v", err)
	}
	stock, err := repo.GetStockByItem(context.Background(), item.ID)
	if err != nil {
		t.Fatalf("no stock row created: %v", err)
	}
	if stock.QtyAvailable != 0 {
		t.Errorf("qty_available = %d, want 0", stock.QtyAvailable)
	}
}

func TestCreateItem_NonMedicineHasNoStock(t *testing.T) {
	svc, repo, _ := newTestService()

	item := &InventoryItem{Name: "Fauteuil dentaire", Category: CategoryEquipment}
	if err := svc.CreateItem(context.Background(), item); err != nil {
		t.Fatalf("CreateItem: %v", err)
	}
	if _, err := repo.GetStockByItem(context.Background(), item.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("equipment must not get a stock row, got %v", err)
	}
}

func TestCreateItem_Defaults(t *testing.T) {
	svc, _, _ := newTestService()

	item := &InventoryItem{Name: "Gants latex"}
	if err := svc.CreateItem(context.Background(), item); err != nil {
		t.Fatalf("CreateItem: %v", err)
	}
	if item.Category != CategoryOther {
		t.Errorf("category = %q, want other", item.Category)
	}
	if item.Unit != "units" {
		t.Errorf("unit = %q, want units", item.Unit)
	}
}

func TestCreateItem_Invalid(t *testing.T) {
	svc, _, _ := newTestService()

	tests := []*InventoryItem{
		{Name: "", Category: CategoryMedicine},
		{Name: "X", Category: "drug"},
		{Name: "X", Category: CategoryOther, UnitCost: decimal.NewFromInt(-1)},
	}
	for _, item := range tests {
		if err := svc.CreateItem(context.Background(), item); !errors.Is(err, apperr.ErrValidation) {
			t.Errorf("CreateItem(%+v) error = %v, want validation error", item, err)
		}
	}
}

func TestUpdateItem_PromotionToMedicineAddsStock(t *testing.T) {
	svc, repo, _ := newTestService()

	item := &InventoryItem{Name: "Paracetamol", Category: CategoryConsumable}
	if err := svc.CreateItem(context.Background(), item); err != nil {
		t.Fatalf("CreateItem: %v", err)
	}
	upd := *item
	upd.Category = CategoryMedicine
	if _, err := svc.UpdateItem(context.Background(), item.ID, &upd); err != nil {
		t.Fatalf("UpdateItem: %v", err)
	}
	if _, err := repo.GetStockByItem(context.Background(), item.ID); err != nil {
		t.Errorf("promoted medicine has no stock row: %v", err)
	}
}

// -- Restock --

func TestRestock(t *testing.T) {
	svc, repo, _ := newTestService()
	stock := mustMedicine(t, svc, repo, "Ibuprofene 400mg", 5)

	batch := strPtr("B-2026-09")
	got, err := svc.Restock(context.Background(), stock.ID, RestockInput{Qty: 20, BatchNumber: batch})
	if err != nil {
		t.Fatalf("Restock: %v", err)
	}
	if got.QtyAvailable != 25 {
		t.Errorf("qty_available = %d, want 25", got.QtyAvailable)
	}
	if got.BatchNumber == nil || *got.BatchNumber != "B-2026-09" {
		t.Errorf("batch_number = %v, want B-2026-09", got.BatchNumber)
	}
	if repo.lockCalls != 1 {
		t.Errorf("lock reads = %d, want 1", repo.lockCalls)
	}
	moves, _, _ := repo.ListMovementsByItem(context.Background(), stock.ItemID, 10, 0)
	if len(moves) != 1 || moves[0].Type != MovementIn || moves[0].Qty != 20 {
		t.Errorf("movements = %+v, want one in/20", moves)
	}
}

func TestRestock_RejectsNonPositiveQty(t *testing.T) {
	svc, repo, _ := newTestService()
	stock := mustMedicine(t, svc, repo, "Ibuprofene 400mg", 5)

	for _, qty := range []int{0, -3} {
		if _, err := svc.Restock(context.Background(), stock.ID, RestockInput{Qty: qty}); !errors.Is(err, apperr.ErrValidation) {
			t.Errorf("Restock(qty=%d) error = %v, want validation error", qty, err)
		}
	}
	got, _ := repo.GetStock(context.Background(), stock.ID)
	if got.QtyAvailable != 5 {
		t.Errorf("qty_available = %d, want unchanged 5", got.QtyAvailable)
	}
}

// -- Prescriptions --

func TestCreatePrescription_ClinicDispenses(t *testing.T) {
	svc, repo, visits := newTestService()
	v := visits.add()
	amox := mustMedicine(t, svc, repo, "Amoxicilline 500mg", 30)
	ibu := mustMedicine(t, svc, repo, "Ibuprofene 400mg", 10)

	p, err := svc.CreatePrescription(context.Background(), CreatePrescriptionInput{
		VisitID: v.ID,
		Type:    TypeClinic,
		Items: []PrescriptionItemInput{
			{StockID: &amox.ID, Quantity: 12, Dosage: strPtr("500mg"), Frequency: strPtr("3 fois par jour")},
			{StockID: &ibu.ID, Quantity: 6},
		},
	})
	if err != nil {
		t.Fatalf("CreatePrescription: %v", err)
	}
	if p.PatientID != v.PatientID {
		t.Error("prescription must carry the visit's patient")
	}
	if len(p.Items) != 2 {
		t.Fatalf("items = %d, want 2", len(p.Items))
	}

	gotAmox, _ := repo.GetStock(context.Background(), amox.ID)
	gotIbu, _ := repo.GetStock(context.Background(), ibu.ID)
	if gotAmox.QtyAvailable != 18 || gotIbu.QtyAvailable != 4 {
		t.Errorf("stock after dispense = %d/%d, want 18/4", gotAmox.QtyAvailable, gotIbu.QtyAvailable)
	}
	if len(repo.dispenses) != 2 {
		t.Errorf("dispense rows = %d, want 2", len(repo.dispenses))
	}
	outMoves := 0
	for _, mv := range repo.movements {
		if mv.Type == MovementOut {
			outMoves++
		}
	}
	if outMoves != 2 {
		t.Errorf("out movements = %d, want 2", outMoves)
	}
}

func TestCreatePrescription_ShortfallRollsBack(t *testing.T) {
	svc, repo, visits := newTestService()
	v := visits.add()
	amox := mustMedicine(t, svc, repo, "Amoxicilline 500mg", 30)
	ibu := mustMedicine(t, svc, repo, "Ibuprofene 400mg", 2)

	_, err := svc.CreatePrescription(context.Background(), CreatePrescriptionInput{
		VisitID: v.ID,
		Type:    TypeClinic,
		Items: []PrescriptionItemInput{
			{StockID: &amox.ID, Quantity: 12},
			{StockID: &ibu.ID, Quantity: 6},
		},
	})
	if !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	// nothing written, nothing decremented
	gotAmox, _ := repo.GetStock(context.Background(), amox.ID)
	gotIbu, _ := repo.GetStock(context.Background(), ibu.ID)
	if gotAmox.QtyAvailable != 30 || gotIbu.QtyAvailable != 2 {
		t.Errorf("stock after shortfall = %d/%d, want untouched 30/2", gotAmox.QtyAvailable, gotIbu.QtyAvailable)
	}
	if len(repo.prescriptions) != 0 || len(repo.dispenses) != 0 || len(repo.movements) != 0 {
		t.Error("a shortfall must leave no prescription, dispense or movement behind")
	}
}

func TestCreatePrescription_ExactStockDrainsToZero(t *testing.T) {
	svc, repo, visits := newTestService()
	v := visits.add()
	stock := mustMedicine(t, svc, repo, "Amoxicilline 500mg", 6)

	if _, err := svc.CreatePrescription(context.Background(), CreatePrescriptionInput{
		VisitID: v.ID,
		Type:    TypeClinic,
		Items:   []PrescriptionItemInput{{StockID: &stock.ID, Quantity: 6}},
	}); err != nil {
		t.Fatalf("CreatePrescription: %v", err)
	}
	got, _ := repo.GetStock(context.Background(), stock.ID)
	if got.QtyAvailable != 0 {
		t.Errorf("qty_available = %d, want 0", got.QtyAvailable)
	}

	// the shelf is empty now
	if _, err := svc.CreatePrescription(context.Background(), CreatePrescriptionInput{
		VisitID: v.ID,
		Type:    TypeClinic,
		Items:   []PrescriptionItemInput{{StockID: &stock.ID, Quantity: 1}},
	}); !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("expected conflict on empty shelf, got %v", err)
	}
}

func TestCreatePrescription_WrittenLeavesStockAlone(t *testing.T) {
	svc, repo, visits := newTestService()
	v := visits.add()
	stock := mustMedicine(t, svc, repo, "Amoxicilline 500mg", 30)

	p, err := svc.CreatePrescription(context.Background(), CreatePrescriptionInput{
		VisitID: v.ID,
		Type:    TypeWritten,
		Items: []PrescriptionItemInput{
			{CustomName: strPtr("Doliprane 1000mg"), Quantity: 10, Duration: strPtr("5 jours")},
		},
	})
	if err != nil {
		t.Fatalf("CreatePrescription: %v", err)
	}
	if p.Type != TypeWritten {
		t.Errorf("type = %q, want written", p.Type)
	}
	got, _ := repo.GetStock(context.Background(), stock.ID)
	if got.QtyAvailable != 30 {
		t.Errorf("written prescription changed stock: %d", got.QtyAvailable)
	}
	if len(repo.dispenses) != 0 || len(repo.movements) != 0 {
		t.Error("written prescriptions never dispense")
	}
}

func TestCreatePrescription_Validation(t *testing.T) {
	svc, repo, visits := newTestService()
	v := visits.add()
	stock := mustMedicine(t, svc, repo, "Amoxicilline 500mg", 30)

	tests := []struct {
		name string
		in   CreatePrescriptionInput
	}{
		{"bad type", CreatePrescriptionInput{VisitID: v.ID, Type: "verbal",
			Items: []PrescriptionItemInput{{StockID: &stock.ID, Quantity: 1}}}},
		{"no items", CreatePrescriptionInput{VisitID: v.ID, Type: TypeClinic}},
		{"zero qty", CreatePrescriptionInput{VisitID: v.ID, Type: TypeClinic,
			Items: []PrescriptionItemInput{{StockID: &stock.ID, Quantity: 0}}}},
		{"clinic without stock", CreatePrescriptionInput{VisitID: v.ID, Type: TypeClinic,
			Items: []PrescriptionItemInput{{CustomName: strPtr("Doliprane"), Quantity: 1}}}},
		{"written without name", CreatePrescriptionInput{VisitID: v.ID, Type: TypeWritten,
			Items: []PrescriptionItemInput{{Quantity: 1}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.CreatePrescription(context.Background(), tt.in); !errors.Is(err, apperr.ErrValidation) {
				t.Errorf("error = %v, want validation error", err)
			}
		})
	}
}

func TestCreatePrescription_UnknownVisit(t *testing.T) {
	svc, repo, _ := newTestService()
	stock := mustMedicine(t, svc, repo, "Amoxicilline 500mg", 30)

	_, err := svc.CreatePrescription(context.Background(), CreatePrescriptionInput{
		VisitID: uuid.New(),
		Type:    TypeClinic,
		Items:   []PrescriptionItemInput{{StockID: &stock.ID, Quantity: 1}},
	})
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

// -- Low stock --

func TestListLowStock(t *testing.T) {
	svc, repo, _ := newTestService()
	mustMedicine(t, svc, repo, "Amoxicilline 500mg", 3)
	mustMedicine(t, svc, repo, "Ibuprofene 400mg", 10)
	mustMedicine(t, svc, repo, "Doliprane 1000mg", 50)

	low, err := svc.ListLowStock(context.Background())
	if err != nil {
		t.Fatalf("ListLowStock: %v", err)
	}
	// threshold is 10, inclusive
	if len(low) != 2 {
		t.Errorf("low stock rows = %d, want 2", len(low))
	}
}

func TestCreatePrescription_DuplicateStockLinesAggregate(t *testing.T) {
	svc, repo, visits := newTestService()
	v := visits.add()
	amox := mustMedicine(t, svc, repo, "Amoxicilline 500mg", 5)

	// two lines on the same shelf row: the demand is 2+3, not twice
	// against the original quantity
	p, err := svc.CreatePrescription(context.Background(), CreatePrescriptionInput{
		VisitID: v.ID,
		Type:    TypeClinic,
		Items: []PrescriptionItemInput{
			{StockID: &amox.ID, Quantity: 2, Dosage: strPtr("500mg")},
			{StockID: &amox.ID, Quantity: 3, Dosage: strPtr("250mg")},
		},
	})
	if err != nil {
		t.Fatalf("CreatePrescription: %v", err)
	}
	if len(p.Items) != 2 {
		t.Fatalf("items = %d, want 2", len(p.Items))
	}
	if repo.lockCalls != 1 {
		t.Errorf("lock reads = %d, want 1 for a single shelf row", repo.lockCalls)
	}

	got, _ := repo.GetStock(context.Background(), amox.ID)
	if got.QtyAvailable != 0 {
		t.Errorf("stock after dispense = %d, want 0", got.QtyAvailable)
	}
	dispensed := 0
	for _, d := range repo.dispenses {
		dispensed += d.Qty
	}
	moved := 0
	for _, mv := range repo.movements {
		if mv.Type == MovementOut {
			moved += mv.Qty
		}
	}
	if dispensed != 5 || moved != 5 {
		t.Errorf("dispensed/moved = %d/%d, want 5/5", dispensed, moved)
	}
}

func TestCreatePrescription_DuplicateStockLinesOversellRejected(t *testing.T) {
	svc, repo, visits := newTestService()
	v := visits.add()
	amox := mustMedicine(t, svc, repo, "Amoxicilline 500mg", 5)

	// each line alone fits the shelf of 5; together they do not
	_, err := svc.CreatePrescription(context.Background(), CreatePrescriptionInput{
		VisitID: v.ID,
		Type:    TypeClinic,
		Items: []PrescriptionItemInput{
			{StockID: &amox.ID, Quantity: 3},
			{StockID: &amox.ID, Quantity: 3},
		},
	})
	if !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected insufficient-stock conflict, got %v", err)
	}

	got, _ := repo.GetStock(context.Background(), amox.ID)
	if got.QtyAvailable != 5 {
		t.Errorf("stock touched on rejected prescription: %d, want 5", got.QtyAvailable)
	}
	if len(repo.prescriptions) != 0 || len(repo.dispenses) != 0 || len(repo.movements) != 0 {
		t.Error("rejected prescription must leave no rows behind")
	}
}
