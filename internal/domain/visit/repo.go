package visit

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	// Departments
	CreateDepartment(ctx context.Context, d *Department) error
	GetDepartment(ctx context.Context, id uuid.UUID) (*Department, error)
	ListDepartments(ctx context.Context) ([]*Department, error)
	// LockDepartment takes a row lock on the department so queue positions
	// are assigned serially within the surrounding transaction.
	LockDepartment(ctx context.Context, id uuid.UUID) error
	MaxQueuePosition(ctx context.Context, departmentID uuid.UUID) (int, error)

	// Visits
	CreateVisit(ctx context.Context, v *Visit) error
	GetVisit(ctx context.Context, id uuid.UUID) (*Visit, error)
	UpdateVisitStatus(ctx context.Context, id uuid.UUID, status string) error
	UpdateVisit(ctx context.Context, v *Visit) error
	ListVisits(ctx context.Context, f VisitFilter, limit, offset int) ([]*Visit, int, error)

	// Queue
	CreateQueueEntry(ctx context.Context, e *QueueEntry) error
	GetQueueEntry(ctx context.Context, id uuid.UUID) (*QueueEntry, error)
	UpdateQueueEntryStatus(ctx context.Context, id uuid.UUID, status string) error
	ListQueue(ctx context.Context, departmentID uuid.UUID, statuses []string) ([]*QueueEntry, error)

	// Triage
	UpsertTriage(ctx context.Context, t *Triage) error
	GetTriage(ctx context.Context, visitID uuid.UUID) (*Triage, error)
}

type VisitFilter struct {
	PatientID    *uuid.UUID
	DepartmentID *uuid.UUID
	DoctorID     *uuid.UUID
	Status       string
}
