package patient

import (
	"time"

	"github.com/google/uuid"

	"github.com/norha/clinic/pkg/apperr"
)

// Insurers accepted on patient records. "autre" requires InsurerOther.
var ValidInsurers = map[string]bool{
	"nsmg":  true,
	"sonag": true,
	"ugar":  true,
	"saham": true,
	"autre": true,
}

// Patient maps to the patients table.
type Patient struct {
	ID           uuid.UUID  `db:"id" json:"id"`
	CardNumber   string     `db:"card_number" json:"card_number"`
	FirstName    string     `db:"first_name" json:"first_name"`
	LastName     string     `db:"last_name" json:"last_name"`
	Gender       string     `db:"gender" json:"gender"`
	DateOfBirth  *time.Time `db:"date_of_birth" json:"date_of_birth,omitempty"`
	Phone        string     `db:"phone" json:"phone"`
	Address      *string    `db:"address" json:"address,omitempty"`
	NationalID   *string    `db:"national_id" json:"national_id,omitempty"`
	IsInsured    bool       `db:"is_insured" json:"is_insured"`
	Insurer      string     `db:"insurer" json:"insurer,omitempty"`
	InsurerOther *string    `db:"insurer_other" json:"insurer_other,omitempty"`
	MembershipNo *string    `db:"membership_number" json:"membership_number,omitempty"`
	CoveragePct  int        `db:"insurance_coverage_pct" json:"insurance_coverage_pct"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
}

// Age returns the patient's age in whole years at the given reference time,
// or -1 when the date of birth is unknown.
func (p *Patient) Age(now time.Time) int {
	if p.DateOfBirth == nil {
		return -1
	}
	dob := *p.DateOfBirth
	years := now.Year() - dob.Year()
	if now.YearDay() < dob.YearDay() {
		years--
	}
	if years < 0 {
		return 0
	}
	return years
}

// InsurerLabel returns the display name of the insurer, resolving "autre" to
// the free-text name.
func (p *Patient) InsurerLabel() string {
	if !p.IsInsured {
		return ""
	}
	if p.Insurer == "autre" && p.InsurerOther != nil {
		return *p.InsurerOther
	}
	return p.Insurer
}

// Validate enforces the insurance invariants at write time: coverage percent
// within [0,100], a known insurer when insured, and zero coverage when not.
func (p *Patient) Validate() error {
	if p.FirstName == "" || p.LastName == "" {
		return apperr.Validationf("first_name and last_name are required")
	}
	if p.Phone == "" {
		return apperr.Validationf("phone is required")
	}
	if p.Gender != "" && p.Gender != "male" && p.Gender != "female" {
		return apperr.Validationf("gender must be male or female, got %q", p.Gender)
	}
	if p.CoveragePct < 0 || p.CoveragePct > 100 {
		return apperr.Validationf("insurance_coverage_pct must be within [0,100], got %d", p.CoveragePct)
	}
	if p.IsInsured {
		if p.Insurer == "" {
			return apperr.Validationf("insurer is required for an insured patient")
		}
		if !ValidInsurers[p.Insurer] {
			return apperr.Validationf("unknown insurer %q", p.Insurer)
		}
		if p.Insurer == "autre" && (p.InsurerOther == nil || *p.InsurerOther == "") {
			return apperr.Validationf("insurer_other is required when insurer is autre")
		}
	} else {
		if p.CoveragePct != 0 {
			return apperr.Validationf("insurance_coverage_pct must be 0 for an uninsured patient")
		}
	}
	return nil
}
