package catalog

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, t *TariffAct) error
	GetByID(ctx context.Context, id uuid.UUID) (*TariffAct, error)
	GetByCode(ctx context.Context, code string) (*TariffAct, error)
	// Upsert inserts the act or updates name/department/prices by code.
	// It reports whether a new row was created.
	Upsert(ctx context.Context, t *TariffAct) (created bool, err error)
	Update(ctx context.Context, t *TariffAct) error
	SetActive(ctx context.Context, id uuid.UUID, active bool) error
	List(ctx context.Context, activeOnly bool, limit, offset int) ([]*TariffAct, int, error)
	Search(ctx context.Context, query string, activeOnly bool, limit, offset int) ([]*TariffAct, int, error)
}
