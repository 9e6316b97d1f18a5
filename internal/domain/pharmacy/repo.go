package pharmacy

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ItemFilter narrows inventory listings.
type ItemFilter struct {
	Category string
	Query    string
}

type Repository interface {
	CreateItem(ctx context.Context, i *InventoryItem) error
	GetItem(ctx context.Context, id uuid.UUID) (*InventoryItem, error)
	UpdateItem(ctx context.Context, i *InventoryItem) error
	ListItems(ctx context.Context, f ItemFilter, limit, offset int) ([]*InventoryItem, int, error)

	// EnsureStock creates the item's zero-quantity stock row if it does not
	// exist yet, and returns the row either way.
	EnsureStock(ctx context.Context, itemID uuid.UUID) (*PharmacyStock, error)
	GetStock(ctx context.Context, id uuid.UUID) (*PharmacyStock, error)
	GetStockByItem(ctx context.Context, itemID uuid.UUID) (*PharmacyStock, error)
	// GetStockForUpdate reads the row under a row lock; callers must hold a
	// transaction.
	GetStockForUpdate(ctx context.Context, id uuid.UUID) (*PharmacyStock, error)
	UpdateStock(ctx context.Context, s *PharmacyStock) error
	ListStock(ctx context.Context, limit, offset int) ([]*PharmacyStock, int, error)
	ListLowStock(ctx context.Context, threshold int) ([]*PharmacyStock, error)

	CreatePrescription(ctx context.Context, p *Prescription) error
	CreatePrescriptionItem(ctx context.Context, i *PrescriptionItem) error
	GetPrescription(ctx context.Context, id uuid.UUID) (*Prescription, error)
	ListPrescriptionItems(ctx context.Context, prescriptionID uuid.UUID) ([]*PrescriptionItem, error)
	ListPrescriptionsByVisit(ctx context.Context, visitID uuid.UUID) ([]*Prescription, error)
	ListPrescriptions(ctx context.Context, prescriptionType string, since *time.Time, limit, offset int) ([]*Prescription, int, error)

	CreateDispense(ctx context.Context, d *Dispense) error
	CreateMovement(ctx context.Context, m *StockMovement) error
	ListMovementsByItem(ctx context.Context, itemID uuid.UUID, limit, offset int) ([]*StockMovement, int, error)
}
