package catalog

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/norha/clinic/internal/platform/auth"
	"github.com/norha/clinic/pkg/apperr"
	"github.com/norha/clinic/pkg/pagination"
)

type Handler struct {
	svc      *Service
	importer *Importer
}

func NewHandler(svc *Service, importer *Importer) *Handler {
	return &Handler{svc: svc, importer: importer}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	readGroup := api.Group("", auth.RequireRole(auth.RoleReception, auth.RoleDoctor, auth.RoleCashier))
	readGroup.GET("/tariffs", h.List)
	readGroup.GET("/tariffs/:id", h.Get)
	readGroup.GET("/tariffs/by-code/:code", h.GetByCode)

	// Catalog maintenance is admin-only
	adminGroup := api.Group("", auth.RequireRole())
	adminGroup.POST("/tariffs", h.Create)
	adminGroup.PUT("/tariffs/:id", h.Update)
	adminGroup.POST("/tariffs/:id/activate", h.Activate)
	adminGroup.POST("/tariffs/:id/deactivate", h.Deactivate)
	adminGroup.POST("/tariffs/import", h.Import)
}

func (h *Handler) Create(c echo.Context) error {
	var t TariffAct
	if err := c.Bind(&t); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	created, err := h.svc.Create(c.Request().Context(), &t)
	if err != nil {
		return echo.NewHTTPError(apperr.Status(err), err.Error())
	}
	return c.JSON(http.StatusCreated, created)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	t, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(apperr.Status(err), err.Error())
	}
	return c.JSON(http.StatusOK, t)
}

func (h *Handler) GetByCode(c echo.Context) error {
	t, err := h.svc.GetByCode(c.Request().Context(), c.Param("code"))
	if err != nil {
		return echo.NewHTTPError(apperr.Status(err), err.Error())
	}
	return c.JSON(http.StatusOK, t)
}

func (h *Handler) Update(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var t TariffAct
	if err := c.Bind(&t); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	t.ID = id
	updated, err := h.svc.Update(c.Request().Context(), &t)
	if err != nil {
		return echo.NewHTTPError(apperr.Status(err), err.Error())
	}
	return c.JSON(http.StatusOK, updated)
}

func (h *Handler) Activate(c echo.Context) error   { return h.setActive(c, true) }
func (h *Handler) Deactivate(c echo.Context) error { return h.setActive(c, false) }

func (h *Handler) setActive(c echo.Context, active bool) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := h.svc.SetActive(c.Request().Context(), id, active); err != nil {
		return echo.NewHTTPError(apperr.Status(err), err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContext(c)
	activeOnly := c.QueryParam("include_inactive") != "true"
	items, total, err := h.svc.List(c.Request().Context(), c.QueryParam("q"), activeOnly, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(apperr.Status(err), err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

// Import accepts the catalog as a multipart "file" field or as a raw CSV body.
func (h *Handler) Import(c echo.Context) error {
	body := c.Request().Body
	if fh, err := c.FormFile("file"); err == nil {
		f, err := fh.Open()
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		defer f.Close()
		body = f
	}
	res, err := h.importer.Import(c.Request().Context(), body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, res)
}
