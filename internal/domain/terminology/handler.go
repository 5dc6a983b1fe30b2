package terminology

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/medflow/medflow/internal/platform/apperr"
	"github.com/medflow/medflow/internal/platform/auth"
	"github.com/medflow/medflow/pkg/picker"
)

// Handler provides REST endpoints for medical code reference data.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes registers the medical code routes on the API group.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/medical-codes", auth.RequireRole(auth.RolePhysician, auth.RoleNurse, auth.RoleBilling))
	g.GET("", h.Search)
	g.GET("/:code", h.GetByCode)
	g.POST("/lookup", h.Lookup)
}

// Search handles GET /api/v1/medical-codes?q=&type=&limit=&exclude=
func (h *Handler) Search(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	results, err := h.svc.Search(c.Request().Context(), SearchParams{
		Query:   c.QueryParam("q"),
		Type:    c.QueryParam("type"),
		Limit:   limit,
		Exclude: picker.ParseExclude(c.QueryParam("exclude")),
	})
	if err != nil {
		return err
	}
	if results == nil {
		results = []*MedicalCode{}
	}
	return c.JSON(http.StatusOK, results)
}

// GetByCode handles GET /api/v1/medical-codes/:code
func (h *Handler) GetByCode(c echo.Context) error {
	mc, err := h.svc.GetByCode(c.Request().Context(), c.QueryParam("type"), c.Param("code"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, mc)
}

// Lookup handles POST /api/v1/medical-codes/lookup
func (h *Handler) Lookup(c echo.Context) error {
	var req LookupRequest
	if err := c.Bind(&req); err != nil {
		return apperr.Wrap(apperr.KindValidation, "invalid request body", err)
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	result, err := h.svc.LookupCodes(c.Request().Context(), req.Type, req.Codes)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}
