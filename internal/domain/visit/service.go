package visit

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/norha/clinic/internal/platform/db"
	"github.com/norha/clinic/pkg/apperr"
)

type Service struct {
	repo   Repository
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewService wires the visit workflow. pool may be nil in tests; transactional
// steps then run directly against the repository.
func NewService(repo Repository, pool *pgxpool.Pool, logger zerolog.Logger) *Service {
	return &Service{repo: repo, pool: pool, logger: logger}
}

func (s *Service) inTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.pool == nil {
		return fn(ctx)
	}
	return db.RunInTx(ctx, s.pool, fn)
}

// -- Departments --

func (s *Service) CreateDepartment(ctx context.Context, name string) (*Department, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperr.Validationf("department name is required")
	}
	d := &Department{Name: name}
	if err := s.repo.CreateDepartment(ctx, d); err != nil {
		return nil, err
	}
	return s.repo.GetDepartment(ctx, d.ID)
}

func (s *Service) GetDepartment(ctx context.Context, id uuid.UUID) (*Department, error) {
	return s.repo.GetDepartment(ctx, id)
}

func (s *Service) ListDepartments(ctx context.Context) ([]*Department, error) {
	return s.repo.ListDepartments(ctx)
}

// -- Check-in --

type CheckInInput struct {
	PatientID      uuid.UUID  `json:"patient_id"`
	DepartmentID   uuid.UUID  `json:"department_id"`
	DoctorID       *uuid.UUID `json:"doctor_id,omitempty"`
	Desk           *string    `json:"desk,omitempty"`
	ReceptionistID *uuid.UUID `json:"receptionist_id,omitempty"`
}

type CheckInResult struct {
	Visit      *Visit      `json:"visit"`
	QueueEntry *QueueEntry `json:"queue_entry"`
}

// CheckIn opens a visit and appends it to the department's waiting queue. The
// position is assigned under a department row lock so two concurrent check-ins
// can never take the same slot.
func (s *Service) CheckIn(ctx context.Context, in CheckInInput) (*CheckInResult, error) {
	if in.PatientID == uuid.Nil {
		return nil, apperr.Validationf("patient_id is required")
	}
	if in.DepartmentID == uuid.Nil {
		return nil, apperr.Validationf("department_id is required")
	}

	var res CheckInResult
	err := s.inTx(ctx, func(ctx context.Context) error {
		if err := s.repo.LockDepartment(ctx, in.DepartmentID); err != nil {
			return err
		}
		v := &Visit{
			PatientID:    in.PatientID,
			DepartmentID: in.DepartmentID,
			DoctorID:     in.DoctorID,
			Status:       StatusOpen,
		}
		if err := s.repo.CreateVisit(ctx, v); err != nil {
			return err
		}
		max, err := s.repo.MaxQueuePosition(ctx, in.DepartmentID)
		if err != nil {
			return err
		}
		e := &QueueEntry{
			VisitID:        v.ID,
			DepartmentID:   in.DepartmentID,
			Position:       max + 1,
			Status:         QueueWaiting,
			Desk:           in.Desk,
			ReceptionistID: in.ReceptionistID,
		}
		if err := s.repo.CreateQueueEntry(ctx, e); err != nil {
			return err
		}
		res.Visit = v
		res.QueueEntry = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("visit_id", res.Visit.ID.String()).
		Str("patient_id", in.PatientID.String()).
		Int("position", res.QueueEntry.Position).
		Msg("patient checked in")
	return &res, nil
}

// -- Queue --

// CallPatient moves a queue entry and its visit to in_consultation.
func (s *Service) CallPatient(ctx context.Context, queueEntryID uuid.UUID) (*QueueEntry, error) {
	return s.setQueueStatus(ctx, queueEntryID, QueueInConsultation)
}

// UpdateQueueStatus changes a queue entry's status and maps the visit along
// with it (finished closes the consultation as completed).
func (s *Service) UpdateQueueStatus(ctx context.Context, queueEntryID uuid.UUID, status string) (*QueueEntry, error) {
	if !validQueueStatuses[status] {
		return nil, apperr.Validationf("invalid queue status %q", status)
	}
	return s.setQueueStatus(ctx, queueEntryID, status)
}

func (s *Service) setQueueStatus(ctx context.Context, queueEntryID uuid.UUID, status string) (*QueueEntry, error) {
	var entry *QueueEntry
	err := s.inTx(ctx, func(ctx context.Context) error {
		e, err := s.repo.GetQueueEntry(ctx, queueEntryID)
		if err != nil {
			return err
		}
		if err := s.repo.UpdateQueueEntryStatus(ctx, e.ID, status); err != nil {
			return err
		}
		v, err := s.repo.GetVisit(ctx, e.VisitID)
		if err != nil {
			return err
		}
		target := queueToVisitStatus(status)
		if v.Status != target {
			if !CanTransition(v.Status, target) {
				return apperr.Conflictf("visit cannot move from %s to %s", v.Status, target)
			}
			if err := s.repo.UpdateVisitStatus(ctx, v.ID, target); err != nil {
				return err
			}
		}
		e.Status = status
		entry = e
		return nil
	})
	return entry, err
}

// ListQueue returns the department's live queue in call order.
func (s *Service) ListQueue(ctx context.Context, departmentID uuid.UUID) ([]*QueueEntry, error) {
	return s.repo.ListQueue(ctx, departmentID, []string{QueueWaiting, QueueInConsultation})
}

// -- Visits --

func (s *Service) GetVisit(ctx context.Context, id uuid.UUID) (*Visit, error) {
	return s.repo.GetVisit(ctx, id)
}

func (s *Service) ListVisits(ctx context.Context, f VisitFilter, limit, offset int) ([]*Visit, int, error) {
	return s.repo.ListVisits(ctx, f, limit, offset)
}

// UpdateVisit amends the doctor assignment or recorded weight.
func (s *Service) UpdateVisit(ctx context.Context, id uuid.UUID, doctorID *uuid.UUID, weightKg *decimal.Decimal) (*Visit, error) {
	v, err := s.repo.GetVisit(ctx, id)
	if err != nil {
		return nil, err
	}
	if doctorID != nil {
		v.DoctorID = doctorID
	}
	if weightKg != nil {
		if weightKg.IsNegative() {
			return nil, apperr.Validationf("weight_kg must not be negative")
		}
		v.WeightKg = weightKg
	}
	if err := s.repo.UpdateVisit(ctx, v); err != nil {
		return nil, err
	}
	return v, nil
}

// Cancel aborts a visit that has not reached billing yet.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (*Visit, error) {
	var out *Visit
	err := s.inTx(ctx, func(ctx context.Context) error {
		v, err := s.repo.GetVisit(ctx, id)
		if err != nil {
			return err
		}
		if !cancellableStatuses[v.Status] {
			return apperr.Conflictf("visit in status %s cannot be cancelled", v.Status)
		}
		if err := s.repo.UpdateVisitStatus(ctx, v.ID, StatusCancelled); err != nil {
			return err
		}
		v.Status = StatusCancelled
		out = v
		return nil
	})
	return out, err
}

// SetVisitStatus writes a visit status directly, bypassing the transition
// guard. The settlement rule drives visits through jumps the reception-facing
// graph does not allow, e.g. completed back to awaiting_payment when an
// insurance payment lands on a settled invoice.
func (s *Service) SetVisitStatus(ctx context.Context, id uuid.UUID, status string) error {
	if !KnownStatus(status) {
		return apperr.Validationf("unknown visit status %q", status)
	}
	return s.repo.UpdateVisitStatus(ctx, id, status)
}

// TransitionVisit applies a guarded status change.
func (s *Service) TransitionVisit(ctx context.Context, id uuid.UUID, to string) (*Visit, error) {
	var out *Visit
	err := s.inTx(ctx, func(ctx context.Context) error {
		v, err := s.repo.GetVisit(ctx, id)
		if err != nil {
			return err
		}
		if !CanTransition(v.Status, to) {
			return apperr.Conflictf("visit cannot move from %s to %s", v.Status, to)
		}
		if err := s.repo.UpdateVisitStatus(ctx, v.ID, to); err != nil {
			return err
		}
		v.Status = to
		out = v
		return nil
	})
	return out, err
}

// -- Triage --

// RecordTriage records or amends the visit's vitals.
func (s *Service) RecordTriage(ctx context.Context, t *Triage) (*Triage, error) {
	if t.VisitID == uuid.Nil {
		return nil, apperr.Validationf("visit_id is required")
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if _, err := s.repo.GetVisit(ctx, t.VisitID); err != nil {
		return nil, err
	}
	if err := s.repo.UpsertTriage(ctx, t); err != nil {
		return nil, err
	}
	return s.repo.GetTriage(ctx, t.VisitID)
}

func (s *Service) GetTriage(ctx context.Context, visitID uuid.UUID) (*Triage, error) {
	return s.repo.GetTriage(ctx, visitID)
}
