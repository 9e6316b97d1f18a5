package patient

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/norha/clinic/pkg/apperr"
	"github.com/norha/clinic/pkg/refcode"
)

type Service struct {
	repo   Repository
	logger zerolog.Logger
}

func NewService(repo Repository, logger zerolog.Logger) *Service {
	return &Service{repo: repo, logger: logger}
}

// Create registers a new patient. When no card number is supplied one is
// generated; on a card number collision generation is retried a few times
// before the error is surfaced.
func (s *Service) Create(ctx context.Context, p *Patient) (*Patient, error) {
	normalize(p)
	if err := p.Validate(); err != nil {
		return nil, err
	}
	generated := p.CardNumber == ""
	for attempt := 0; ; attempt++ {
		if generated {
			p.CardNumber = "PC-" + refcode.New(8)
		}
		err := s.repo.Create(ctx, p)
		if err == nil {
			break
		}
		if generated && errors.Is(err, apperr.ErrConflict) && attempt < 3 {
			continue
		}
		return nil, err
	}
	s.logger.Info().
		Str("patient_id", p.ID.String()).
		Str("card_number", p.CardNumber).
		Bool("is_insured", p.IsInsured).
		Msg("patient registered")
	return s.repo.GetByID(ctx, p.ID)
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) GetByCardNumber(ctx context.Context, cardNumber string) (*Patient, error) {
	return s.repo.GetByCardNumber(ctx, strings.TrimSpace(cardNumber))
}

// Update replaces a patient's details. The card number is immutable.
func (s *Service) Update(ctx context.Context, p *Patient) (*Patient, error) {
	existing, err := s.repo.GetByID(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	p.CardNumber = existing.CardNumber
	normalize(p)
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if err := s.repo.Update(ctx, p); err != nil {
		return nil, err
	}
	return s.repo.GetByID(ctx, p.ID)
}

func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	return s.repo.Delete(ctx, id)
}

func (s *Service) List(ctx context.Context, limit, offset int) ([]*Patient, int, error) {
	return s.repo.List(ctx, limit, offset)
}

func (s *Service) Search(ctx context.Context, query string, limit, offset int) ([]*Patient, int, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return s.repo.List(ctx, limit, offset)
	}
	return s.repo.Search(ctx, query, limit, offset)
}

func normalize(p *Patient) {
	p.FirstName = strings.TrimSpace(p.FirstName)
	p.LastName = strings.TrimSpace(p.LastName)
	p.Phone = strings.TrimSpace(p.Phone)
	p.Insurer = strings.ToLower(strings.TrimSpace(p.Insurer))
	if !p.IsInsured {
		p.Insurer = ""
		p.InsurerOther = nil
		p.MembershipNo = nil
	}
}
