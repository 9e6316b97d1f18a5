package appointment

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Filter struct {
	PatientID    *uuid.UUID
	DepartmentID *uuid.UUID
	DoctorID     *uuid.UUID
	Status       string
	From         *time.Time
	To           *time.Time
}

type Repository interface {
	Create(ctx context.Context, a *Appointment) error
	Get(ctx context.Context, id uuid.UUID) (*Appointment, error)
	Update(ctx context.Context, a *Appointment) error
	List(ctx context.Context, f Filter, limit, offset int) ([]*Appointment, int, error)
}
