package prescription

import (
	"context"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medflow/medflow/internal/platform/apperr"
	"github.com/medflow/medflow/internal/platform/auth"
	"github.com/medflow/medflow/internal/platform/db"
	"github.com/medflow/medflow/pkg/pagination"
	"github.com/medflow/medflow/pkg/picker"
)

type Handler struct {
	svc      *Service
	sessions *SessionStore
	logger   zerolog.Logger
	// checkerFor returns the checker a session uses once the request that
	// opened it has finished.
	checkerFor func(ctx context.Context) SafetyChecker
}

func NewHandler(svc *Service, sessions *SessionStore, logger zerolog.Logger) *Handler {
	h := &Handler{svc: svc, sessions: sessions, logger: logger}
	h.checkerFor = func(context.Context) SafetyChecker { return svc }
	return h
}

// BindSessionChecks runs session safety checks on their own practice
// connection from pool.
func (h *Handler) BindSessionChecks(pool *pgxpool.Pool) {
	h.checkerFor = func(ctx context.Context) SafetyChecker {
		return &practiceChecker{next: h.svc, pool: pool, practice: db.PracticeFromContext(ctx)}
	}
}

type practiceChecker struct {
	next     SafetyChecker
	pool     *pgxpool.Pool
	practice string
}

func (p *practiceChecker) CheckSafety(ctx context.Context, patientID uuid.UUID, medication string) ([]SafetyWarning, error) {
	var warnings []SafetyWarning
	err := db.RunInPractice(ctx, p.pool, p.practice, func(ctx context.Context) error {
		var err error
		warnings, err = p.next.CheckSafety(ctx, patientID, medication)
		return err
	})
	return warnings, err
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RolePhysician, auth.RoleNurse, auth.RoleBilling))
	read.GET("/prescriptions/:id", h.GetPrescription)
	read.GET("/patients/:id/prescriptions", h.ListByPatient)
	read.GET("/medications", h.SearchMedications)
	read.GET("/medications/:id", h.GetMedication)
	read.GET("/patients/:id/pharmacies", h.PreferredPharmacies)

	clinical := api.Group("", auth.RequireRole(auth.Clinical...))
	clinical.GET("/prescriptions/safety-check", h.CheckSafety)
	clinical.PUT("/patients/:id/pharmacies/:pharmacyId", h.SetPreferredPharmacy)

	rx := api.Group("", auth.RequireRole(auth.Prescribers...))
	rx.POST("/prescriptions", h.CreatePrescription)
	rx.PUT("/prescriptions/:id", h.UpdatePrescription)
	rx.DELETE("/prescriptions/:id", h.DeletePrescription)
	rx.POST("/prescriptions/submit", h.Submit)
	rx.POST("/prescriptions/:id/erx", h.SendErx)

	rx.POST("/erx-sessions", h.OpenSession)
	rx.GET("/erx-sessions/:id", h.GetSession)
	rx.POST("/erx-sessions/:id/select", h.SelectMedication)
	rx.PUT("/erx-sessions/:id/details", h.SetDetails)
	rx.POST("/erx-sessions/:id/items", h.AddItem)
	rx.DELETE("/erx-sessions/:id/items/:index", h.RemoveItem)
	rx.POST("/erx-sessions/:id/submit", h.SubmitSession)
	rx.DELETE("/erx-sessions/:id", h.CloseSession)
}

func parseID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, apperr.Validation(name, "invalid "+name)
	}
	return id, nil
}

func bindBody(c echo.Context, v any) error {
	if err := c.Bind(v); err != nil {
		return apperr.Wrap(apperr.KindValidation, "invalid request body", err)
	}
	return nil
}

func (h *Handler) CreatePrescription(c echo.Context) error {
	var p Prescription
	if err := bindBody(c, &p); err != nil {
		return err
	}
	if err := h.svc.Create(c.Request().Context(), &p); err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) GetPrescription(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	p, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) UpdatePrescription(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var p Prescription
	if err := bindBody(c, &p); err != nil {
		return err
	}
	p.ID = id
	if err := h.svc.Update(c.Request().Context(), &p); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) DeletePrescription(c echo.Context) error {
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

// Submit creates a batch of prescriptions and transmits them when a
// pharmacy is given. Item failures are listed in the report.
func (h *Handler) Submit(c echo.Context) error {
	var req SubmitRequest
	if err := bindBody(c, &req); err != nil {
		return err
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	report, err := h.svc.Submit(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, report)
}

func (h *Handler) SendErx(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	p, err := h.svc.SendErx(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, p)
}

func (h *Handler) CheckSafety(c echo.Context) error {
	patientID, err := uuid.Parse(c.QueryParam("patient_id"))
	if err != nil {
		return apperr.Validation("patient_id", "invalid patient_id")
	}
	medication := c.QueryParam("ndc")
	if medication == "" {
		medication = c.QueryParam("medication")
	}
	warnings, err := h.svc.CheckSafety(c.Request().Context(), patientID, medication)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"warnings": warnings})
}

func (h *Handler) SearchMedications(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	items, err := h.svc.SearchMedications(c.Request().Context(), MedicationSearch{
		Query:     c.QueryParam("q"),
		DrugClass: c.QueryParam("drug_class"),
		Form:      c.QueryParam("form"),
		Limit:     limit,
		Exclude:   picker.ParseExclude(c.QueryParam("exclude")),
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"data": items, "total": len(items)})
}

func (h *Handler) GetMedication(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	m, err := h.svc.GetMedication(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, m)
}

func (h *Handler) PreferredPharmacies(c echo.Context) error {
	patientID, err := parseID(c, "id")
	if err != nil {
		return err
	}
	items, err := h.svc.PreferredPharmacies(c.Request().Context(), patientID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"data": items, "total": len(items)})
}

func (h *Handler) SetPreferredPharmacy(c echo.Context) error {
	patientID, err := parseID(c, "id")
	if err != nil {
		return err
	}
	pharmacyID, err := parseID(c, "pharmacyId")
	if err != nil {
		return err
	}
	var body struct {
		IsPrimary bool `json:"is_primary"`
	}
	if err := bindBody(c, &body); err != nil {
		return err
	}
	if err := h.svc.SetPreferredPharmacy(c.Request().Context(), patientID, pharmacyID, body.IsPrimary); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// =========== ePrescribe sessions ===========

type openSessionRequest struct {
	PatientID   uuid.UUID  `json:"patient_id" validate:"required"`
	ProviderID  *uuid.UUID `json:"provider_id,omitempty"`
	PharmacyID  *uuid.UUID `json:"pharmacy_id,omitempty"`
	DiagnosisID *uuid.UUID `json:"diagnosis_id,omitempty"`
}

func (h *Handler) OpenSession(c echo.Context) error {
	var req openSessionRequest
	if err := bindBody(c, &req); err != nil {
		return err
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	bg := context.WithoutCancel(ctx)
	s := NewSession(bg, req.PatientID, h.checkerFor(ctx), h.logger)
	s.Practice = db.PracticeFromContext(ctx)
	s.ProviderID = req.ProviderID
	s.PharmacyID = req.PharmacyID
	s.DiagnosisID = req.DiagnosisID
	h.sessions.Put(s)
	return c.JSON(http.StatusCreated, s.View())
}

func (h *Handler) session(c echo.Context) (*Session, error) {
	id, err := parseID(c, "id")
	if err != nil {
		return nil, err
	}
	return h.sessions.Get(db.PracticeFromContext(c.Request().Context()), id)
}

func (h *Handler) GetSession(c echo.Context) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, s.View())
}

func (h *Handler) SelectMedication(c echo.Context) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}
	var body struct {
		MedicationID uuid.UUID `json:"medication_id" validate:"required"`
	}
	if err := bindBody(c, &body); err != nil {
		return err
	}
	if err := c.Validate(&body); err != nil {
		return err
	}
	med, err := h.svc.GetMedication(c.Request().Context(), body.MedicationID)
	if err != nil {
		return err
	}
	if err := s.Select(med); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, s.View())
}

func (h *Handler) SetDetails(c echo.Context) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}
	var d Details
	if err := bindBody(c, &d); err != nil {
		return err
	}
	if err := s.SetDetails(d); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, s.View())
}

func (h *Handler) AddItem(c echo.Context) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}
	if _, err := s.Add(); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, s.View())
}

func (h *Handler) RemoveItem(c echo.Context) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		return apperr.Validation("index", "invalid index")
	}
	if err := s.Remove(index); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, s.View())
}

func (h *Handler) SubmitSession(c echo.Context) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}
	report, err := s.Submit(c.Request().Context(), h.svc)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, report)
}

func (h *Handler) CloseSession(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	h.sessions.Delete(db.PracticeFromContext(c.Request().Context()), id)
	return c.NoContent(http.StatusNoContent)
}
