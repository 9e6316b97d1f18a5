package billing

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"github.com/norha/clinic/internal/domain/catalog"
	"github.com/norha/clinic/internal/platform/auth"
	"github.com/norha/clinic/pkg/apperr"
	"github.com/norha/clinic/pkg/pagination"
)

type Handler struct {
	svc     *Service
	tariffs *catalog.Service
}

func NewHandler(svc *Service, tariffs *catalog.Service) *Handler {
	return &Handler{svc: svc, tariffs: tariffs}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	readGroup := api.Group("", auth.RequireRole(auth.RoleDoctor, auth.RoleCashier, auth.RoleReception))
	readGroup.GET("/visits/:id/billing-items", h.ListItems)
	readGroup.GET("/visits/:id/invoice", h.GetInvoiceByVisit)
	readGroup.GET("/invoices", h.ListInvoices)
	readGroup.GET("/invoices/:id", h.GetInvoice)
	readGroup.GET("/invoices/:id/breakdown", h.Breakdown)
	readGroup.GET("/invoices/:id/payments", h.ListPayments)

	doctorGroup := api.Group("", auth.RequireRole(auth.RoleDoctor))
	doctorGroup.POST("/visits/:id/billing-items", h.AddItem)
	doctorGroup.DELETE("/billing-items/:id", h.RemoveItem)
	doctorGroup.POST("/visits/:id/close", h.CloseVisit)

	cashierGroup := api.Group("", auth.RequireRole(auth.RoleCashier))
	cashierGroup.POST("/visits/:id/pay", h.CashierMarkPaid)
	cashierGroup.POST("/invoices/:id/payments", h.RecordPayment)
	cashierGroup.POST("/invoices/:id/refunds", h.RequestRefund)
	cashierGroup.GET("/refunds", h.ListRefunds)

	adminGroup := api.Group("", auth.RequireRole())
	adminGroup.POST("/refunds/:id/process", h.ProcessRefund)
	adminGroup.POST("/refunds/:id/complete", h.CompleteRefund)
}

// rawQty accepts both a JSON number and a JSON string so the parse rule is
// applied uniformly.
func rawQty(raw json.RawMessage) string {
	return strings.Trim(strings.TrimSpace(string(raw)), `"`)
}

func (h *Handler) AddItem(c echo.Context) error {
	visitID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid visit id")
	}
	var in struct {
		TariffID  *uuid.UUID      `json:"tariff_id"`
		Qty       json.RawMessage `json:"qty"`
		Notes     *string         `json:"notes"`
		Increment bool            `json:"increment"`
	}
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if in.TariffID == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "tariff_id is required")
	}
	act, err := h.tariffs.Get(c.Request().Context(), *in.TariffID)
	if err != nil {
		return echo.NewHTTPError(apperr.Status(err), err.Error())
	}
	if !act.Active {
		return echo.NewHTTPError(http.StatusBadRequest, "tariff act is inactive")
	}

	var item *BillingItem
	if in.Increment {
		item, err = h.svc.AddOrIncrementItem(c.Request().Context(), visitID, act, rawQty(in.Qty))
	} else {
		item, err = h.svc.AddItem(c.Request().Context(), AddItemInput{
			VisitID:  visitID,
			TariffID: &act.ID,
			Snapshot: act.Snapshot(),
			Qty:      rawQty(in.Qty),
			Notes:    in.Notes,
		})
	}
	if err != nil {
		return echo.NewHTTPError(apperr.Status(err), err.Error())
	}
	return c.JSON(http.StatusCreated, item)
}

func (h *Handler) RemoveItem(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := h.svc.RemoveItem(c.Request().Context(), id); err != nil {
		return echo.NewHTTPError(apperr.Status(err), err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ListItems(c echo.Context) error {
	visitID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid visit id")
	}
	items, err := h.svc.ListItems(c.Request().Context(), visitID)
	if err != nil {
		return echo.NewHTTPError(apperr.Status(err), err.Error())
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) CloseVisit(c echo.Context) error {
	visitID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid visit id")
	}
	var closedBy *uuid.UUID
	if uid, ok := c.Get("user_id").(string); ok {
		if parsed, err := uuid.Parse(uid); err == nil {
			closedBy = &parsed
		}
	}
	inv, err := h.svc.CloseVisit(c.Request().Context(), visitID, closedBy)
	if err != nil {
		return echo.NewHTTPError(apperr.Status(err), err.Error())
	}
	return c.JSON(http.StatusOK, inv)
}

func (h *Handler) GetInvoice(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	inv, err := h.svc.GetInvoice(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(apperr.Status(err), err.Error())
	}
	return c.JSON(http.StatusOK, inv)
}

func (h *Handler) GetInvoiceByVisit(c echo.Context) error {
	visitID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid visit id")
	}
	inv, err := h.svc.GetInvoiceByVisit(c.Request().Context(), visitID)
	if err != nil {
		return echo.NewHTTPError(apperr.Status(err), err.Error())
	}
	return c.JSON(http.StatusOK, inv)
}

func (h *Handler) ListInvoices(c echo.Context) error {
	pg := pagination.FromContext(c)
	var f InvoiceFilter
	if raw := c.QueryParam("paid"); raw != "" {
		paid := raw == "true"
		f.Paid = &paid
	}
	items, total, err := h.svc.ListInvoices(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(apperr.Status(err), err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) Breakdown(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	bd, err := h.svc.Breakdown(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(apperr.Status(err), err.Error())
	}
	return c.JSON(http.StatusOK, bd)
}

func (h *Handler) ListPayments(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	items, err := h.svc.ListPayments(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(apperr.Status(err), err.Error())
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) RecordPayment(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var in struct {
		Amount    decimal.Decimal `json:"amount"`
		Method    string          `json:"method"`
		Reference *string         `json:"reference"`
	}
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p, err := h.svc.RecordPayment(c.Request().Context(), id, in.Amount, in.Method, in.Reference)
	if err != nil {
		return echo.NewHTTPError(apperr.Status(err), err.Error())
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) CashierMarkPaid(c echo.Context) error {
	visitID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid visit id")
	}
	var in struct {
		Method    string  `json:"method"`
		Reference *string `json:"reference"`
	}
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	inv, err := h.svc.CashierMarkPaid(c.Request().Context(), visitID, in.Method, in.Reference)
	if err != nil {
		return echo.NewHTTPError(apperr.Status(err), err.Error())
	}
	return c.JSON(http.StatusOK, inv)
}

func (h *Handler) RequestRefund(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var in struct {
		Amount decimal.Decimal `json:"amount"`
		Reason string          `json:"reason"`
	}
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	requestedBy := userIDFromEcho(c)
	// refunds raised at the cashier desk complete on the spot
	autoComplete := auth.RoleFromContext(c.Request().Context()) == auth.RoleCashier
	rf, err := h.svc.RequestRefund(c.Request().Context(), id, in.Amount, in.Reason, requestedBy, autoComplete)
	if err != nil {
		return echo.NewHTTPError(apperr.Status(err), err.Error())
	}
	return c.JSON(http.StatusCreated, rf)
}

func (h *Handler) ProcessRefund(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var in struct {
		Approve bool    `json:"approve"`
		Notes   *string `json:"notes"`
	}
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	rf, err := h.svc.ProcessRefund(c.Request().Context(), id, in.Approve, userIDFromEcho(c), in.Notes)
	if err != nil {
		return echo.NewHTTPError(apperr.Status(err), err.Error())
	}
	return c.JSON(http.StatusOK, rf)
}

func (h *Handler) CompleteRefund(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	rf, err := h.svc.CompleteRefund(c.Request().Context(), id, userIDFromEcho(c))
	if err != nil {
		return echo.NewHTTPError(apperr.Status(err), err.Error())
	}
	return c.JSON(http.StatusOK, rf)
}

func (h *Handler) ListRefunds(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListRefunds(c.Request().Context(), c.QueryParam("status"), pg.Limit, pg.Offset)
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
