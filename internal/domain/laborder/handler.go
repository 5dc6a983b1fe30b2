package laborder

import (
	"context"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/medflow/medflow/internal/platform/apperr"
	"github.com/medflow/medflow/internal/platform/auth"
	"github.com/medflow/medflow/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RolePhysician, auth.RoleNurse, auth.RoleBilling))
	read.GET("/lab-orders/:id", h.GetLabOrder)
	read.GET("/patients/:id/lab-orders", h.ListByPatient)
	read.GET("/laboratories", h.ListLaboratories)
	read.GET("/laboratories/:id", h.GetLaboratory)

	write := api.Group("", auth.RequireRole(auth.Clinical...))
	write.POST("/lab-orders", h.SubmitLabOrder)
	write.PUT("/lab-orders/:id", h.UpdateLabOrder)
	write.DELETE("/lab-orders/:id", h.DeleteLabOrder)
	write.POST("/lab-orders/:id/link-diagnosis", h.LinkDiagnosis)
	write.POST("/lab-orders/:id/cancel", h.Cancel)
	write.POST("/lab-orders/:id/send", h.SendToLab)
	write.POST("/lab-orders/:id/complete", h.Complete)
}

func parseID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, apperr.Validation(name, "invalid "+name)
	}
	return id, nil
}

// SubmitLabOrder creates an order, optionally with a companion diagnosis.
// A failed companion diagnosis still returns 201 with diagnosis_error set.
func (h *Handler) SubmitLabOrder(c echo.Context) error {
	var req SubmitRequest
	if err := c.Bind(&req); err != nil {
		return apperr.Wrap(apperr.KindValidation, "invalid request body", err)
	}
	req.ID = uuid.Nil
	res, err := h.svc.Submit(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, res)
}

func (h *Handler) GetLabOrder(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	o, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, o)
}

func (h *Handler) UpdateLabOrder(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var req SubmitRequest
	if err := c.Bind(&req); err != nil {
		return apperr.Wrap(apperr.KindValidation, "invalid request body", err)
	}
	req.ID = id
	res, err := h.svc.Submit(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) DeleteLabOrder(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	if err := h.svc.Delete(c.Request().Context(), id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ListByPatient(c echo.Context) error {
	patientID, err := parseID(c, "id")
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListByPatient(c.Request().Context(), patientID, c.QueryParam("status"), pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

func (h *Handler) LinkDiagnosis(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var body struct {
		DiagnosisID uuid.UUID `json:"diagnosis_id"`
	}
	if err := c.Bind(&body); err != nil {
		return apperr.Wrap(apperr.KindValidation, "invalid request body", err)
	}
	if body.DiagnosisID == uuid.Nil {
		return apperr.Validation("diagnosis_id", "diagnosis_id is required")
	}
	o, err := h.svc.LinkDiagnosis(c.Request().Context(), id, body.DiagnosisID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, o)
}

func (h *Handler) Cancel(c echo.Context) error {
	return h.move(c, h.svc.Cancel)
}

func (h *Handler) SendToLab(c echo.Context) error {
	return h.move(c, h.svc.SendToLab)
}

func (h *Handler) Complete(c echo.Context) error {
	return h.move(c, h.svc.Complete)
}

func (h *Handler) move(c echo.Context, fn func(ctx context.Context, id uuid.UUID) (*LabOrder, error)) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	o, err := fn(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, o)
}

// ListLaboratories lists laboratories, only active ones unless active=false.
func (h *Handler) ListLaboratories(c echo.Context) error {
	activeOnly := true
	if raw := c.QueryParam("active"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return apperr.Validation("active", "active must be true or false")
		}
		activeOnly = v
	}
	items, err := h.svc.ListLaboratories(c.Request().Context(), activeOnly)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"data": items, "total": len(items)})
}

func (h *Handler) GetLaboratory(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	l, err := h.svc.GetLaboratory(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, l)
}
