package orders

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/medflow/medflow/internal/platform/apperr"
	"github.com/medflow/medflow/internal/platform/auth"
)

// Handler owns diagnosis writes, which go through the order cascade.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RolePhysician, auth.RoleNurse, auth.RoleBilling))
	read.GET("/diagnoses/:id/related", h.Related)

	write := api.Group("", auth.RequireRole(auth.Clinical...))
	write.POST("/diagnoses", h.CreateDiagnosis)
	write.PUT("/diagnoses/:id", h.UpdateDiagnosis)
}

func bindSave(c echo.Context) (SaveRequest, error) {
	var req SaveRequest
	if err := c.Bind(&req); err != nil {
		return req, apperr.Wrap(apperr.KindValidation, "invalid request body", err)
	}
	return req, nil
}

// CreateDiagnosis returns 201 even when some orders failed; those are
// listed under failures.
func (h *Handler) CreateDiagnosis(c echo.Context) error {
	req, err := bindSave(c)
	if err != nil {
		return err
	}
	report, err := h.svc.Save(c.Request().Context(), ModeCreate, req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, report)
}

func (h *Handler) UpdateDiagnosis(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperr.Validation("id", "invalid id")
	}
	req, err := bindSave(c)
	if err != nil {
		return err
	}
	req.ID = id
	report, err := h.svc.Save(c.Request().Context(), ModeUpdate, req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, report)
}

func (h *Handler) Related(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperr.Validation("id", "invalid id")
	}
	rel, err := h.svc.Related(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rel)
}
