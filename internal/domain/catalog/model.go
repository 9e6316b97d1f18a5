package catalog

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/norha/clinic/pkg/apperr"
)

// TariffAct is a priced dental act. Codes are unique across the catalog.
type TariffAct struct {
	ID             uuid.UUID        `db:"id" json:"id"`
	Code           string           `db:"code" json:"code"`
	Name           string           `db:"name" json:"name"`
	Department     string           `db:"department" json:"department"`
	PricePrivate   decimal.Decimal  `db:"price_private" json:"price_private"`
	PriceInsurance *decimal.Decimal `db:"price_insurance" json:"price_insurance,omitempty"`
	Active         bool             `db:"active" json:"active"`
	CreatedAt      time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time        `db:"updated_at" json:"updated_at"`
}

// TariffSnapshot is the value captured onto a billing item at the moment an
// act is billed. Later price edits never touch billed items.
type TariffSnapshot struct {
	Code           string           `json:"code"`
	Name           string           `json:"name"`
	PricePrivate   decimal.Decimal  `json:"price_private"`
	PriceInsurance *decimal.Decimal `json:"price_insurance,omitempty"`
}

// Snapshot freezes the act's current prices.
func (t *TariffAct) Snapshot() TariffSnapshot {
	snap := TariffSnapshot{Code: t.Code, Name: t.Name, PricePrivate: t.PricePrivate}
	if t.PriceInsurance != nil {
		v := *t.PriceInsurance
		snap.PriceInsurance = &v
	}
	return snap
}

func (t *TariffAct) Validate() error {
	if t.Code == "" {
		return apperr.Validationf("code is required")
	}
	if t.Name == "" {
		return apperr.Validationf("name is required")
	}
	if t.PricePrivate.IsNegative() {
		return apperr.Validationf("price_private must not be negative")
	}
	if t.PriceInsurance != nil && t.PriceInsurance.IsNegative() {
		return apperr.Validationf("price_insurance must not be negative")
	}
	return nil
}
