package billing

import (
	"mime"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/medflow/medflow/internal/platform/apperr"
	"github.com/medflow/medflow/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/payment-postings", auth.RequireRole(auth.RoleBilling))
	g.GET("", h.ListPostings)
	g.GET("/claim/:claimId", h.ListByClaim)
	g.GET("/:id", h.GetPosting)
	g.POST("", h.CreatePosting)
	g.PUT("/:id", h.UpdatePosting)
	g.DELETE("/:id", h.DeletePosting)
	g.POST("/:id/remittance", h.UploadRemittance)
	g.GET("/:id/remittance", h.DownloadRemittance)
}

func parseID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, apperr.Validation(name, "invalid "+name)
	}
	return id, nil
}

func (h *Handler) ListPostings(c echo.Context) error {
	items, err := h.svc.List(c.Request().Context(), PostingFilter{
		PatientID:        c.QueryParam("patientId"),
		ClaimID:          c.QueryParam("claimId"),
		InsurancePayerID: c.QueryParam("insurancePayerId"),
		Status:           c.QueryParam("status"),
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) ListByClaim(c echo.Context) error {
	claimID, err := parseID(c, "claimId")
	if err != nil {
		return err
	}
	items, err := h.svc.ListByClaim(c.Request().Context(), claimID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) GetPosting(c echo.Context) error {
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

func (h *Handler) CreatePosting(c echo.Context) error {
	var in PostingInput
	if err := c.Bind(&in); err != nil {
		return apperr.Wrap(apperr.KindValidation, "invalid request body", err)
	}
	p, err := h.svc.Create(c.Request().Context(), in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) UpdatePosting(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var in PostingInput
	if err := c.Bind(&in); err != nil {
		return apperr.Wrap(apperr.KindValidation, "invalid request body", err)
	}
	p, err := h.svc.Update(c.Request().Context(), id, in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) DeletePosting(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	res, err := h.svc.Delete(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

// UploadRemittance accepts a multipart form with the document in "file".
func (h *Handler) UploadRemittance(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	fh, err := c.FormFile("file")
	if err != nil {
		return apperr.Validation("file", "file is required")
	}
	f, err := fh.Open()
	if err != nil {
		return apperr.Wrap(apperr.KindValidation, "could not read upload", err)
	}
	defer f.Close()

	p, err := h.svc.AttachRemittance(c.Request().Context(), id, fh.Filename, fh.Header.Get(echo.HeaderContentType), f)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) DownloadRemittance(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	rc, obj, err := h.svc.Remittance(c.Request().Context(), id)
	if err != nil {
		return err
	}
	defer rc.Close()
	if name := obj.Metadata["filename"]; name != "" {
		c.Response().Header().Set(echo.HeaderContentDisposition, mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	}
	return c.Stream(http.StatusOK, obj.ContentType, rc)
}
