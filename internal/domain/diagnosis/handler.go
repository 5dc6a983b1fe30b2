package diagnosis

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/medflow/medflow/internal/platform/apperr"
	"github.com/medflow/medflow/internal/platform/auth"
	"github.com/medflow/medflow/pkg/pagination"
)

// Handler serves diagnosis reads and deletes. Creating and updating go
// through the order cascade so that dependent orders are created with them.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RolePhysician, auth.RoleNurse, auth.RoleBilling))
	read.GET("/diagnoses/:id", h.GetDiagnosis)
	read.GET("/diagnoses/:id/edit", h.LoadForEdit)
	read.GET("/patients/:id/diagnoses", h.ListByPatient)

	write := api.Group("", auth.RequireRole(auth.Clinical...))
	write.DELETE("/diagnoses/:id", h.DeleteDiagnosis)
}

func parseID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, apperr.Validation(name, "invalid "+name)
	}
	return id, nil
}

func (h *Handler) GetDiagnosis(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	d, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, d)
}

// LoadForEdit returns the diagnosis with resolved codes and display notes.
func (h *Handler) LoadForEdit(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	view, err := h.svc.LoadForEdit(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, view)
}

func (h *Handler) ListByPatient(c echo.Context) error {
	patientID, err := parseID(c, "id")
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListByPatient(c.Request().Context(), patientID, pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

func (h *Handler) DeleteDiagnosis(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	if err := h.svc.Delete(c.Request().Context(), id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
