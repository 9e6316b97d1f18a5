package pharmacy

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/norha/clinic/pkg/apperr"
)

// Inventory categories.
const (
	CategoryMedicine   = "medicine"
	CategoryEquipment  = "equipment"
	CategoryConsumable = "consumable"
	CategoryOther      = "other"
)

var validCategories = map[string]bool{
	CategoryMedicine: true, CategoryEquipment: true,
	CategoryConsumable: true, CategoryOther: true,
}

// Prescription types. A written prescription leaves the clinic on paper; a
// clinic prescription is dispensed from the store on creation.
const (
	TypeWritten = "written"
	TypeClinic  = "clinic"
)

// Stock movement directions.
const (
	MovementIn  = "in"
	MovementOut = "out"
)

type InventoryItem struct {
	ID          uuid.UUID       `db:"id" json:"id"`
	Name        string          `db:"name" json:"name"`
	SKU         *string         `db:"sku" json:"sku,omitempty"`
	Category    string          `db:"category" json:"category"`
	Description *string         `db:"description" json:"description,omitempty"`
	Unit        string          `db:"unit" json:"unit"`
	UnitCost    decimal.Decimal `db:"unit_cost" json:"unit_cost"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time       `db:"updated_at" json:"updated_at"`
}

func (i *InventoryItem) Validate() error {
	if strings.TrimSpace(i.Name) == "" {
		return apperr.Validationf("name is required")
	}
	if !validCategories[i.Category] {
		return apperr.Validationf("invalid category %q", i.Category)
	}
	if i.UnitCost.IsNegative() {
		return apperr.Validationf("unit_cost must not be negative")
	}
	return nil
}

// PharmacyStock is the single stock row of an inventory item. Quantity changes
// go through locked reads only.
type PharmacyStock struct {
	ID           uuid.UUID       `db:"id" json:"id"`
	ItemID       uuid.UUID       `db:"item_id" json:"item_id"`
	ItemName     string          `db:"item_name" json:"item_name"`
	QtyAvailable int             `db:"qty_available" json:"qty_available"`
	ExpiryDate   *time.Time      `db:"expiry_date" json:"expiry_date,omitempty"`
	BatchNumber  *string         `db:"batch_number" json:"batch_number,omitempty"`
	UnitPrice    decimal.Decimal `db:"unit_price" json:"unit_price"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at" json:"updated_at"`
}

type Prescription struct {
	ID           uuid.UUID  `db:"id" json:"id"`
	VisitID      uuid.UUID  `db:"visit_id" json:"visit_id"`
	PatientID    uuid.UUID  `db:"patient_id" json:"patient_id"`
	DoctorID     *uuid.UUID `db:"doctor_id" json:"doctor_id,omitempty"`
	Type         string     `db:"prescription_type" json:"prescription_type"`
	Instructions *string    `db:"instructions" json:"instructions,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`

	Items []*PrescriptionItem `db:"-" json:"items,omitempty"`
}

type PrescriptionItem struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	PrescriptionID uuid.UUID  `db:"prescription_id" json:"prescription_id"`
	ItemID         *uuid.UUID `db:"inventory_item_id" json:"inventory_item_id,omitempty"`
	CustomName     *string    `db:"custom_name" json:"custom_name,omitempty"`
	Quantity       int        `db:"quantity" json:"quantity"`
	Dosage         *string    `db:"dosage" json:"dosage,omitempty"`
	Frequency      *string    `db:"frequency" json:"frequency,omitempty"`
	Duration       *string    `db:"duration" json:"duration,omitempty"`
	Instructions   *string    `db:"instructions" json:"instructions,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
}

// DisplayName prefers the stock item's name over the free-text one.
func (i *PrescriptionItem) DisplayName(itemName string) string {
	if itemName != "" {
		return itemName
	}
	if i.CustomName != nil && *i.CustomName != "" {
		return *i.CustomName
	}
	return "Medicine"
}

// Dispense records a stock handout against a prescription.
type Dispense struct {
	ID             uuid.UUID `db:"id" json:"id"`
	PrescriptionID uuid.UUID `db:"prescription_id" json:"prescription_id"`
	StockID        uuid.UUID `db:"stock_id" json:"stock_id"`
	Qty            int       `db:"qty" json:"qty"`
	DispensedAt    time.Time `db:"dispensed_at" json:"dispensed_at"`
}

// StockMovement is the append-only audit trail of quantity changes.
type StockMovement struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	ItemID      uuid.UUID  `db:"item_id" json:"item_id"`
	Type        string     `db:"movement_type" json:"movement_type"`
	Qty         int        `db:"qty" json:"qty"`
	PerformedBy *uuid.UUID `db:"performed_by" json:"performed_by,omitempty"`
	MovedAt     time.Time  `db:"moved_at" json:"moved_at"`
}
