package catalog

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type Service struct {
	repo   Repository
	logger zerolog.Logger
}

func NewService(repo Repository, logger zerolog.Logger) *Service {
	return &Service{repo: repo, logger: logger}
}

func (s *Service) Create(ctx context.Context, t *TariffAct) (*TariffAct, error) {
	t.Code = strings.TrimSpace(t.Code)
	t.Name = strings.TrimSpace(t.Name)
	if t.Department == "" {
		t.Department = "General"
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	t.Active = true
	if err := s.repo.Create(ctx, t); err != nil {
		return nil, err
	}
	return s.repo.GetByID(ctx, t.ID)
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*TariffAct, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) GetByCode(ctx context.Context, code string) (*TariffAct, error) {
	return s.repo.GetByCode(ctx, strings.TrimSpace(code))
}

func (s *Service) Update(ctx context.Context, t *TariffAct) (*TariffAct, error) {
	existing, err := s.repo.GetByID(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	// codes are stable identifiers once billed against
	t.Code = existing.Code
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if err := s.repo.Update(ctx, t); err != nil {
		return nil, err
	}
	return s.repo.GetByID(ctx, t.ID)
}

func (s *Service) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	return s.repo.SetActive(ctx, id, active)
}

func (s *Service) List(ctx context.Context, query string, activeOnly bool, limit, offset int) ([]*TariffAct, int, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return s.repo.List(ctx, activeOnly, limit, offset)
	}
	return s.repo.Search(ctx, query, activeOnly, limit, offset)
}
