package appointment

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/norha/clinic/internal/domain/visit"
	"github.com/norha/clinic/internal/platform/db"
	"github.com/norha/clinic/pkg/apperr"
)

// PatientRef is the patient slice appointments need for scheduling and SMS.
type PatientRef struct {
	ID       uuid.UUID
	FullName string
	Phone    string
}

type PatientDirectory interface {
	Get(ctx context.Context, id uuid.UUID) (*PatientRef, error)
}

type DepartmentLookup interface {
	DepartmentName(ctx context.Context, id uuid.UUID) (string, error)
}

// CheckInService opens a visit for an arriving patient. Satisfied by the visit
// service.
type CheckInService interface {
	CheckIn(ctx context.Context, in visit.CheckInInput) (*visit.CheckInResult, error)
}

// Announcer fires patient-facing messages without blocking the caller.
// Satisfied by the notification manager.
type Announcer interface {
	SendFromTemplateAsync(templateID string, data map[string]string, recipient string)
}

type Service struct {
	repo        Repository
	patients    PatientDirectory
	departments DepartmentLookup
	visits      CheckInService
	announcer   Announcer
	pool        *pgxpool.Pool
	logger      zerolog.Logger
}

func NewService(repo Repository, patients PatientDirectory, departments DepartmentLookup,
	visits CheckInService, announcer Announcer, pool *pgxpool.Pool, logger zerolog.Logger) *Service {
	return &Service{
		repo: repo, patients: patients, departments: departments,
		visits: visits, announcer: announcer, pool: pool, logger: logger,
	}
}

func (s *Service) inTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.pool == nil {
		return fn(ctx)
	}
	return db.RunInTx(ctx, s.pool, fn)
}

type ScheduleInput struct {
	PatientID    uuid.UUID  `json:"patient_id"`
	DepartmentID uuid.UUID  `json:"department_id"`
	DoctorID     *uuid.UUID `json:"doctor_id,omitempty"`
	ScheduledAt  time.Time  `json:"scheduled_at"`
	Notes        *string    `json:"notes,omitempty"`
}

// Schedule books an appointment and fires the confirmation SMS. The SMS never
// blocks or fails the booking.
func (s *Service) Schedule(ctx context.Context, in ScheduleInput) (*Appointment, error) {
	if in.PatientID == uuid.Nil {
		return nil, apperr.Validationf("patient_id is required")
	}
	if in.DepartmentID == uuid.Nil {
		return nil, apperr.Validationf("department_id is required")
	}
	if in.ScheduledAt.IsZero() {
		return nil, apperr.Validationf("scheduled_at is required")
	}
	if in.ScheduledAt.Before(time.Now()) {
		return nil, apperr.Validationf("scheduled_at must be in the future")
	}
	p, err := s.patients.Get(ctx, in.PatientID)
	if err != nil {
		return nil, err
	}
	deptName, err := s.departments.DepartmentName(ctx, in.DepartmentID)
	if err != nil {
		return nil, err
	}

	a := &Appointment{
		PatientID:    in.PatientID,
		DepartmentID: in.DepartmentID,
		DoctorID:     in.DoctorID,
		ScheduledAt:  in.ScheduledAt,
		Status:       StatusScheduled,
		Notes:        in.Notes,
	}
	if err := s.repo.Create(ctx, a); err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("appointment_id", a.ID.String()).
		Str("patient_id", a.PatientID.String()).
		Time("scheduled_at", a.ScheduledAt).
		Msg("appointment scheduled")

	if s.announcer != nil && p.Phone != "" {
		s.announcer.SendFromTemplateAsync("appointment-booked", map[string]string{
			"patient_name": p.FullName,
			"date":         a.ScheduledAt.Format("02/01/2006"),
			"time":         a.ScheduledAt.Format("15:04"),
			"department":   deptName,
		}, p.Phone)
	}
	return a, nil
}

type RescheduleInput struct {
	ScheduledAt  *time.Time `json:"scheduled_at,omitempty"`
	DepartmentID *uuid.UUID `json:"department_id,omitempty"`
	DoctorID     *uuid.UUID `json:"doctor_id,omitempty"`
	Notes        *string    `json:"notes,omitempty"`
}

// Reschedule edits a scheduled appointment. Checked-in, completed and
// cancelled appointments are frozen.
func (s *Service) Reschedule(ctx context.Context, id uuid.UUID, in RescheduleInput) (*Appointment, error) {
	a, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status != StatusScheduled {
		return nil, apperr.Conflictf("a %s appointment cannot be edited", a.Status)
	}
	if in.ScheduledAt != nil {
		if in.ScheduledAt.Before(time.Now()) {
			return nil, apperr.Validationf("scheduled_at must be in the future")
		}
		a.ScheduledAt = *in.ScheduledAt
	}
	if in.DepartmentID != nil {
		if _, err := s.departments.DepartmentName(ctx, *in.DepartmentID); err != nil {
			return nil, err
		}
		a.DepartmentID = *in.DepartmentID
	}
	if in.DoctorID != nil {
		a.DoctorID = in.DoctorID
	}
	if in.Notes != nil {
		a.Notes = in.Notes
	}
	if err := s.repo.Update(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// Cancel marks a scheduled appointment cancelled.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	a, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status != StatusScheduled {
		return nil, apperr.Conflictf("a %s appointment cannot be cancelled", a.Status)
	}
	a.Status = StatusCancelled
	if err := s.repo.Update(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// CheckIn opens a visit for the arriving patient and links it back to the
// appointment.
func (s *Service) CheckIn(ctx context.Context, id uuid.UUID, receptionistID *uuid.UUID) (*Appointment, *visit.CheckInResult, error) {
	var a *Appointment
	var res *visit.CheckInResult
	err := s.inTx(ctx, func(ctx context.Context) error {
		var err error
		a, err = s.repo.Get(ctx, id)
		if err != nil {
			return err
		}
		if a.Status != StatusScheduled {
			return apperr.Conflictf("a %s appointment cannot be checked in", a.Status)
		}
		res, err = s.visits.CheckIn(ctx, visit.CheckInInput{
			PatientID:      a.PatientID,
			DepartmentID:   a.DepartmentID,
			DoctorID:       a.DoctorID,
			ReceptionistID: receptionistID,
		})
		if err != nil {
			return err
		}
		a.Status = StatusCheckedIn
		a.VisitID = &res.Visit.ID
		return s.repo.Update(ctx, a)
	})
	if err != nil {
		return nil, nil, err
	}
	return a, res, nil
}

// Complete closes out a checked-in appointment.
func (s *Service) Complete(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	a, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status != StatusCheckedIn {
		return nil, apperr.Conflictf("only a checked_in appointment can be completed, current status is %s", a.Status)
	}
	a.Status = StatusCompleted
	if err := s.repo.Update(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, f Filter, limit, offset int) ([]*Appointment, int, error) {
	return s.repo.List(ctx, f, limit, offset)
}
