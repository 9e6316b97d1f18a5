package pharmacy

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/norha/clinic/internal/platform/auth"
	"github.com/norha/clinic/pkg/apperr"
	"github.com/norha/clinic/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	readGroup := api.Group("", auth.RequireRole(auth.RolePharmacy, auth.RoleDoctor))
	readGroup.GET("/inventory", h.ListItems)
	readGroup.GET("/inventory/:id", h.GetItem)
	readGroup.GET("/stock", h.ListStock)
	readGroup.GET("/stock/low", h.ListLowStock)
	readGroup.GET("/prescriptions", h.ListPrescriptions)
	readGroup.GET("/prescriptions/:id", h.GetPrescription)
	readGroup.GET("/visits/:id/prescriptions", h.ListVisitPrescriptions)

	pharmacyGroup := api.Group("", auth.RequireRole(auth.RolePharmacy))
	pharmacyGroup.POST("/inventory", h.CreateItem)
	pharmacyGroup.PUT("/inventory/:id", h.UpdateItem)
	pharmacyGroup.POST("/stock/:id/restock", h.Restock)
	pharmacyGroup.GET("/inventory/:id/movements", h.ListMovements)

	doctorGroup := api.Group("", auth.RequireRole(auth.RoleDoctor))
	doctorGroup.POST("/visits/:id/prescriptions", h.CreatePrescription)
}

// -- Inventory --

func (h *Handler) CreateItem(c echo.Context) error {
	var i InventoryItem
	if err := c.Bind(&i); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.CreateItem(c.Request().Context(), &i); err != nil {
		return echo.NewHTTPError(apperr.Status(err), err.Error())
	}
	return c.JSON(http.StatusCreated, i)
}

func (h *Handler) UpdateItem(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var in InventoryItem
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	item, err := h.svc.UpdateItem(c.Request().Context(), id, &in)
	if err != nil {
		return echo.NewHTTPError(apperr.Status(err), err.Error())
	}
	return c.JSON(http.StatusOK, item)
}

func (h *Handler) GetItem(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	item, err := h.svc.GetItem(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(apperr.Status(err), err.Error())
	}
	return c.JSON(http.StatusOK, item)
}

func (h *Handler) ListItems(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := ItemFilter{
		Category: c.QueryParam("category"),
		Query:    c.QueryParam("q"),
	}
	items, total, err := h.svc.ListItems(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(apperr.Status(err), err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

// -- Stock --

func (h *Handler) ListStock(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListStock(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(apperr.Status(err), err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) ListLowStock(c echo.Context) error {
	items, err := h.svc.ListLowStock(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(apperr.Status(err), err.Error())
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) Restock(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var in struct {
		Qty         int        `json:"qty"`
		BatchNumber *string    `json:"batch_number"`
		ExpiryDate  *time.Time `json:"expiry_date"`
	}
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	stock, err := h.svc.Restock(c.Request().Context(), id, RestockInput{
		Qty:         in.Qty,
		BatchNumber: in.BatchNumber,
		ExpiryDate:  in.ExpiryDate,
		PerformedBy: userIDFromEcho(c),
	})
	if err != nil {
		return echo.NewHTTPError(apperr.Status(err), err.Error())
	}
	return c.JSON(http.StatusOK, stock)
}

func (h *Handler) ListMovements(c echo.Context) error {
	itemID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListMovements(c.Request().Context(), itemID, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(apperr.Status(err), err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

// -- Prescriptions --

func (h *Handler) CreatePrescription(c echo.Context) error {
	visitID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid visit id")
	}
	var in struct {
		Type         string                  `json:"prescription_type"`
		Instructions *string                 `json:"instructions"`
		Items        []PrescriptionItemInput `json:"items"`
	}
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p, err := h.svc.CreatePrescription(c.Request().Context(), CreatePrescriptionInput{
		VisitID:      visitID,
		Type:         in.Type,
		Instructions: in.Instructions,
		DoctorID:     userIDFromEcho(c),
		Items:        in.Items,
	})
	if err != nil {
		return echo.NewHTTPError(apperr.Status(err), err.Error())
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) GetPrescription(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	p, err := h.svc.GetPrescription(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(apperr.Status(err), err.Error())
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) ListVisitPrescriptions(c echo.Context) error {
	visitID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid visit id")
	}
	items, err := h.svc.ListPrescriptionsByVisit(c.Request().Context(), visitID)
	if err != nil {
		return echo.NewHTTPError(apperr.Status(err), err.Error())
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) ListPrescriptions(c echo.Context) error {
	pg := pagination.FromContext(c)
	var since *time.Time
	if raw := c.QueryParam("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid since timestamp")
		}
		since = &t
	}
	items, total, err := h.svc.ListPrescriptions(c.Request().Context(), c.QueryParam("type"), since, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(apperr.Status(err), err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func userIDFromEcho(c echo.Context) *uuid.UUID {
	uid, ok := c.Get("user_id").(string)
	if !ok {
		return nil
	}
	parsed, err := uuid.Parse(uid)
	if err != nil {
		return nil
	}
	return &parsed
}
