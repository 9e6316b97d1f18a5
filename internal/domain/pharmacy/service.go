package pharmacy

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/norha/clinic/pkg/apperr"

	"github.com/norha/clinic/internal/platform/db"
)

// VisitRef is the slice of a visit a prescription needs.
type VisitRef struct {
	ID        uuid.UUID
	PatientID uuid.UUID
	DoctorID  *uuid.UUID
	Status    string
}

// VisitLookup resolves visits without a dependency on the visit service.
type VisitLookup interface {
	Get(ctx context.Context, id uuid.UUID) (*VisitRef, error)
}

type Service struct {
	repo          Repository
	visits        VisitLookup
	pool          *pgxpool.Pool
	lowStockLevel int
	logger        zerolog.Logger
}

func NewService(repo Repository, visits VisitLookup, pool *pgxpool.Pool, lowStockLevel int, logger zerolog.Logger) *Service {
	return &Service{repo: repo, visits: visits, pool: pool, lowStockLevel: lowStockLevel, logger: logger}
}

func (s *Service) inTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.pool == nil {
		return fn(ctx)
	}
	return db.RunInTx(ctx, s.pool, fn)
}

// -- Inventory --

// CreateItem registers an inventory item. Medicines get their stock row in the
// same transaction so every medicine is dispensable from day one.
func (s *Service) CreateItem(ctx context.Context, i *InventoryItem) error {
	i.Name = strings.TrimSpace(i.Name)
	i.Category = strings.ToLower(strings.TrimSpace(i.Category))
	if i.Category == "" {
		i.Category = CategoryOther
	}
	if i.Unit == "" {
		i.Unit = "units"
	}
	if err := i.Validate(); err != nil {
		return err
	}
	return s.inTx(ctx, func(ctx context.Context) error {
		if err := s.repo.CreateItem(ctx, i); err != nil {
			return err
		}
		if i.Category == CategoryMedicine {
			if _, err := s.repo.EnsureStock(ctx, i.ID); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Service) UpdateItem(ctx context.Context, id uuid.UUID, upd *InventoryItem) (*InventoryItem, error) {
	existing, err := s.repo.GetItem(ctx, id)
	if err != nil {
		return nil, err
	}
	existing.Name = strings.TrimSpace(upd.Name)
	existing.SKU = upd.SKU
	existing.Category = strings.ToLower(strings.TrimSpace(upd.Category))
	existing.Description = upd.Description
	existing.Unit = upd.Unit
	existing.UnitCost = upd.UnitCost
	if existing.Unit == "" {
		existing.Unit = "units"
	}
	if err := existing.Validate(); err != nil {
		return nil, err
	}
	err = s.inTx(ctx, func(ctx context.Context) error {
		if err := s.repo.UpdateItem(ctx, existing); err != nil {
			return err
		}
		if existing.Category == CategoryMedicine {
			if _, err := s.repo.EnsureStock(ctx, existing.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return existing, nil
}

func (s *Service) GetItem(ctx context.Context, id uuid.UUID) (*InventoryItem, error) {
	return s.repo.GetItem(ctx, id)
}

func (s *Service) ListItems(ctx context.Context, f ItemFilter, limit, offset int) ([]*InventoryItem, int, error) {
	return s.repo.ListItems(ctx, f, limit, offset)
}

// -- Stock --

func (s *Service) GetStock(ctx context.Context, id uuid.UUID) (*PharmacyStock, error) {
	return s.repo.GetStock(ctx, id)
}

func (s *Service) ListStock(ctx context.Context, limit, offset int) ([]*PharmacyStock, int, error) {
	return s.repo.ListStock(ctx, limit, offset)
}

// ListLowStock returns stock at or below the configured threshold.
func (s *Service) ListLowStock(ctx context.Context) ([]*PharmacyStock, error) {
	return s.repo.ListLowStock(ctx, s.lowStockLevel)
}

type RestockInput struct {
	Qty         int
	BatchNumber *string
	ExpiryDate  *time.Time
	PerformedBy *uuid.UUID
}

// Restock increments a stock row under its lock and writes the audit movement.
func (s *Service) Restock(ctx context.Context, stockID uuid.UUID, in RestockInput) (*PharmacyStock, error) {
	if in.Qty < 1 {
		return nil, apperr.Validationf("restock quantity must be at least 1")
	}
	var stock *PharmacyStock
	err := s.inTx(ctx, func(ctx context.Context) error {
		var err error
		stock, err = s.repo.GetStockForUpdate(ctx, stockID)
		if err != nil {
			return err
		}
		stock.QtyAvailable += in.Qty
		if in.BatchNumber != nil {
			stock.BatchNumber = in.BatchNumber
		}
		if in.ExpiryDate != nil {
			stock.ExpiryDate = in.ExpiryDate
		}
		if err := s.repo.UpdateStock(ctx, stock); err != nil {
			return err
		}
		return s.repo.CreateMovement(ctx, &StockMovement{
			ItemID:      stock.ItemID,
			Type:        MovementIn,
			Qty:         in.Qty,
			PerformedBy: in.PerformedBy,
		})
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("stock_id", stockID.String()).
		Int("qty", in.Qty).
		Int("qty_available", stock.QtyAvailable).
		Msg("stock received")
	return stock, nil
}

// -- Prescriptions --

type PrescriptionItemInput struct {
	StockID      *uuid.UUID `json:"stock_id,omitempty"`
	CustomName   *string    `json:"custom_name,omitempty"`
	Quantity     int        `json:"quantity"`
	Dosage       *string    `json:"dosage,omitempty"`
	Frequency    *string    `json:"frequency,omitempty"`
	Duration     *string    `json:"duration,omitempty"`
	Instructions *string    `json:"instructions,omitempty"`
}

type CreatePrescriptionInput struct {
	VisitID      uuid.UUID
	Type         string
	Instructions *string
	DoctorID     *uuid.UUID
	Items        []PrescriptionItemInput
}

// CreatePrescription records a prescription in one transaction. Clinic-store
// prescriptions dispense immediately: every referenced stock row is locked and
// verified before anything is written, so a shortfall on any line leaves both
// the prescription and the shelf untouched.
func (s *Service) CreatePrescription(ctx context.Context, in CreatePrescriptionInput) (*Prescription, error) {
	if in.Type != TypeWritten && in.Type != TypeClinic {
		return nil, apperr.Validationf("invalid prescription type %q", in.Type)
	}
	if len(in.Items) == 0 {
		return nil, apperr.Validationf("a prescription needs at least one item")
	}
	for _, item := range in.Items {
		if item.Quantity < 1 {
			return nil, apperr.Validationf("item quantity must be at least 1")
		}
		if in.Type == TypeClinic && item.StockID == nil {
			return nil, apperr.Validationf("clinic dispenses must reference a stock record")
		}
		if in.Type == TypeWritten && item.StockID == nil && (item.CustomName == nil || strings.TrimSpace(*item.CustomName) == "") {
			return nil, apperr.Validationf("a written prescription item needs a medicine name")
		}
	}

	var p *Prescription
	err := s.inTx(ctx, func(ctx context.Context) error {
		v, err := s.visits.Get(ctx, in.VisitID)
		if err != nil {
			return err
		}

		// lock every distinct stock row once and verify the aggregate demand:
		// two lines on the same row must not each check (and later decrement)
		// against the original quantity
		stocks := make(map[uuid.UUID]*PharmacyStock)
		need := make(map[uuid.UUID]int)
		var order []uuid.UUID
		if in.Type == TypeClinic {
			for _, item := range in.Items {
				stockID := *item.StockID
				if _, ok := stocks[stockID]; !ok {
					stock, err := s.repo.GetStockForUpdate(ctx, stockID)
					if err != nil {
						return err
					}
					stocks[stockID] = stock
					order = append(order, stockID)
				}
				need[stockID] += item.Quantity
			}
			var short []string
			for _, stockID := range order {
				if stocks[stockID].QtyAvailable < need[stockID] {
					short = append(short, stocks[stockID].ItemName)
				}
			}
			if len(short) > 0 {
				return apperr.Conflictf("insufficient stock for: %s", strings.Join(short, ", "))
			}
		}

		doctorID := in.DoctorID
		if doctorID == nil {
			doctorID = v.DoctorID
		}
		p = &Prescription{
			VisitID:      v.ID,
			PatientID:    v.PatientID,
			DoctorID:     doctorID,
			Type:         in.Type,
			Instructions: in.Instructions,
		}
		if err := s.repo.CreatePrescription(ctx, p); err != nil {
			return err
		}

		for _, item := range in.Items {
			line := &PrescriptionItem{
				PrescriptionID: p.ID,
				CustomName:     item.CustomName,
				Quantity:       item.Quantity,
				Dosage:         item.Dosage,
				Frequency:      item.Frequency,
				Duration:       item.Duration,
				Instructions:   item.Instructions,
			}
			var stock *PharmacyStock
			if in.Type == TypeClinic {
				stock = stocks[*item.StockID]
				line.ItemID = &stock.ItemID
				if line.CustomName == nil {
					line.CustomName = &stock.ItemName
				}
			}
			if err := s.repo.CreatePrescriptionItem(ctx, line); err != nil {
				return err
			}
			p.Items = append(p.Items, line)

			if stock == nil {
				continue
			}
			if err := s.repo.CreateDispense(ctx, &Dispense{
				PrescriptionID: p.ID,
				StockID:        stock.ID,
				Qty:            item.Quantity,
			}); err != nil {
				return err
			}
			if err := s.repo.CreateMovement(ctx, &StockMovement{
				ItemID:      stock.ItemID,
				Type:        MovementOut,
				Qty:         item.Quantity,
				PerformedBy: in.DoctorID,
			}); err != nil {
				return err
			}
		}

		// one decrement per locked row, covering all of its lines
		for _, stockID := range order {
			stock := stocks[stockID]
			stock.QtyAvailable -= need[stockID]
			if err := s.repo.UpdateStock(ctx, stock); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("visit_id", in.VisitID.String()).
		Str("prescription_type", in.Type).
		Int("items", len(in.Items)).
		Msg("prescription recorded")
	return p, nil
}

func (s *Service) GetPrescription(ctx context.Context, id uuid.UUID) (*Prescription, error) {
	p, err := s.repo.GetPrescription(ctx, id)
	if err != nil {
		return nil, err
	}
	p.Items, err = s.repo.ListPrescriptionItems(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Service) ListPrescriptionsByVisit(ctx context.Context, visitID uuid.UUID) ([]*Prescription, error) {
	return s.repo.ListPrescriptionsByVisit(ctx, visitID)
}

func (s *Service) ListPrescriptions(ctx context.Context, prescriptionType string, since *time.Time, limit, offset int) ([]*Prescription, int, error) {
	return s.repo.ListPrescriptions(ctx, prescriptionType, since, limit, offset)
}

func (s *Service) ListMovements(ctx context.Context, itemID uuid.UUID, limit, offset int) ([]*StockMovement, int, error) {
	return s.repo.ListMovementsByItem(ctx, itemID, limit, offset)
}
