package visit

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/norha/clinic/pkg/apperr"
)

// Visit statuses.
const (
	StatusOpen            = "open"
	StatusWaiting         = "waiting"
	StatusInConsultation  = "in_consultation"
	StatusBilled          = "billed"
	StatusCompleted       = "completed"
	StatusAwaitingPayment = "awaiting_payment"
	StatusCancelled       = "cancelled"
	StatusClosed          = "closed"
)

// Queue entry statuses.
const (
	QueueWaiting        = "waiting"
	QueueInConsultation = "in_consultation"
	QueueFinished       = "finished"
)

// visitTransitions is the allowed status graph. A transition absent here is
// rejected with a conflict error.
var visitTransitions = map[string]map[string]bool{
	StatusOpen: {
		StatusWaiting: true, StatusInConsultation: true, StatusBilled: true, StatusCancelled: true,
	},
	StatusWaiting: {
		StatusOpen: true, StatusInConsultation: true, StatusCancelled: true,
	},
	StatusInConsultation: {
		StatusOpen: true, StatusBilled: true, StatusCompleted: true, StatusCancelled: true,
	},
	StatusBilled: {
		StatusCompleted: true, StatusAwaitingPayment: true,
	},
	StatusAwaitingPayment: {
		StatusCompleted: true,
	},
	StatusCompleted: {
		StatusClosed: true,
	},
	StatusClosed:    {},
	StatusCancelled: {},
}

// CanTransition reports whether a visit may move from one status to another.
func CanTransition(from, to string) bool {
	return visitTransitions[from][to]
}

// KnownStatus reports whether s is one of the visit statuses.
func KnownStatus(s string) bool {
	_, ok := visitTransitions[s]
	return ok
}

// cancellable visit states, before any billing has happened
var cancellableStatuses = map[string]bool{
	StatusOpen: true, StatusWaiting: true, StatusInConsultation: true,
}

type Department struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

type Visit struct {
	ID           uuid.UUID        `db:"id" json:"id"`
	PatientID    uuid.UUID        `db:"patient_id" json:"patient_id"`
	DepartmentID uuid.UUID        `db:"department_id" json:"department_id"`
	DoctorID     *uuid.UUID       `db:"doctor_id" json:"doctor_id,omitempty"`
	WeightKg     *decimal.Decimal `db:"weight_kg" json:"weight_kg,omitempty"`
	Status       string           `db:"status" json:"status"`
	CreatedAt    time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time        `db:"updated_at" json:"updated_at"`
}

// Triage holds the vitals recorded once per visit.
type Triage struct {
	ID              uuid.UUID        `db:"id" json:"id"`
	VisitID         uuid.UUID        `db:"visit_id" json:"visit_id"`
	TemperatureC    *decimal.Decimal `db:"temperature_c" json:"temperature_c,omitempty"`
	Pulse           *int             `db:"pulse" json:"pulse,omitempty"`
	RespiratoryRate *int             `db:"respiratory_rate" json:"respiratory_rate,omitempty"`
	BloodPressure   *string          `db:"blood_pressure" json:"blood_pressure,omitempty"`
	Symptoms        *string          `db:"symptoms" json:"symptoms,omitempty"`
	Notes           *string          `db:"notes" json:"notes,omitempty"`
	RecordedBy      *uuid.UUID       `db:"recorded_by" json:"recorded_by,omitempty"`
	CreatedAt       time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time        `db:"updated_at" json:"updated_at"`
}

func (t *Triage) Validate() error {
	if t.TemperatureC != nil {
		v := *t.TemperatureC
		if v.LessThan(decimal.NewFromInt(25)) || v.GreaterThan(decimal.NewFromInt(45)) {
			return apperr.Validationf("temperature_c %s is out of the plausible range", v)
		}
	}
	if t.Pulse != nil && (*t.Pulse <= 0 || *t.Pulse > 300) {
		return apperr.Validationf("pulse %d is out of the plausible range", *t.Pulse)
	}
	if t.RespiratoryRate != nil && (*t.RespiratoryRate <= 0 || *t.RespiratoryRate > 120) {
		return apperr.Validationf("respiratory_rate %d is out of the plausible range", *t.RespiratoryRate)
	}
	return nil
}

type QueueEntry struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	VisitID        uuid.UUID  `db:"visit_id" json:"visit_id"`
	DepartmentID   uuid.UUID  `db:"department_id" json:"department_id"`
	Position       int        `db:"position" json:"position"`
	Status         string     `db:"status" json:"status"`
	Desk           *string    `db:"desk" json:"desk,omitempty"`
	ReceptionistID *uuid.UUID `db:"receptionist_id" json:"receptionist_id,omitempty"`
	CheckedInAt    time.Time  `db:"checked_in_at" json:"checked_in_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
}

var validQueueStatuses = map[string]bool{
	QueueWaiting: true, QueueInConsultation: true, QueueFinished: true,
}

// queueToVisitStatus maps a queue entry status onto the owning visit.
func queueToVisitStatus(queueStatus string) string {
	switch queueStatus {
	case QueueFinished:
		return StatusCompleted
	case QueueInConsultation:
		return StatusInConsultation
	default:
		return StatusOpen
	}
}
