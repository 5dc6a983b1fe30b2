package billing

import (
	"bytes"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medflow/medflow/internal/platform/apperr"
	"github.com/medflow/medflow/internal/platform/auth"
	"github.com/medflow/medflow/internal/platform/middleware"
)

// newTestServer routes through RegisterRoutes with a billing identity and
// the production error handler.
func newTestServer() (*echo.Echo, *testDeps) {
	svc, d := newTestService()
	e := echo.New()
	e.HTTPErrorHandler = middleware.ErrorHandler(zerolog.Nop())
	api := e.Group("/api/v1", func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := auth.WithIdentity(c.Request().Context(), "biller-1", auth.RoleBilling)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	})
	NewHandler(svc).RegisterRoutes(api)
	return e, d
}

func do(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHandler_CreatePosting_Defaults(t *testing.T) {
	e, _ := newTestServer()
	rec := do(e, http.MethodPost, "/api/v1/payment-postings",
		`{"patient_id":"`+uuid.New().String()+`","payment_amount":150.25}`)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, field := range []string{"deductible_amount", "coinsurance_amount", "copay_amount", "adjustment_amount"} {
		if body[field] != float64(0) {
			t.Errorf("%s: expected 0, got %v", field, body[field])
		}
	}
	if body["payment_amount"] != 150.25 {
		t.Errorf("unexpected payment_amount %v", body["payment_amount"])
	}
	if body["status"] != "posted" || body["payment_method"] != "check" {
		t.Errorf("unexpected status/method %v/%v", body["status"], body["payment_method"])
	}
}

func TestHandler_ListPostings_ByStatus(t *testing.T) {
	e, _ := newTestServer()
	patient := uuid.New().String()
	for _, body := range []string{
		`{"patient_id":"` + patient + `","posting_date":"2026-10-01"}`,
		`{"patient_id":"` + patient + `","posting_date":"2026-10-09","status":"reversed"}`,
		`{"patient_id":"` + patient + `","posting_date":"2026-10-08"}`,
	} {
		if rec := do(e, http.MethodPost, "/api/v1/payment-postings", body); rec.Code != http.StatusCreated {
			t.Fatalf("seed: %d %s", rec.Code, rec.Body.String())
		}
	}

	rec := do(e, http.MethodGet, "/api/v1/payment-postings?status=posted&patientId="+patient, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var items []PaymentPosting
	if err := json.Unmarshal(rec.Body.Bytes(), &items); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 posted rows, got %d", len(items))
	}
	if got := items[0].PostingDate.Time.Format("2006-01-02"); got != "2026-10-08" {
		t.Errorf("most recent posting date should be first, got %s", got)
	}
}

func TestHandler_GetPosting_NotFound(t *testing.T) {
	e, _ := newTestServer()
	rec := do(e, http.MethodGet, "/api/v1/payment-postings/"+uuid.New().String(), "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body.Error == "" {
		t.Errorf("expected an error body, got %s", rec.Body.String())
	}
}

func TestHandler_ServerErrorIsStatic(t *testing.T) {
	e, d := newTestServer()
	d.repo.err = errors.New("dial tcp 10.0.0.3:5432: connection refused")

	rec := do(e, http.MethodGet, "/api/v1/payment-postings", "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "10.0.0.3") {
		t.Error("cause must not reach the client")
	}
	if !strings.Contains(rec.Body.String(), "Failed to fetch payment postings") {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
}

func TestHandler_UpdateAndDelete(t *testing.T) {
	e, _ := newTestServer()
	rec := do(e, http.MethodPost, "/api/v1/payment-postings", `{"patient_id":"`+uuid.New().String()+`","payment_amount":40}`)
	var created PaymentPosting
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	path := "/api/v1/payment-postings/" + created.ID.String()

	rec = do(e, http.MethodPut, path, `{"status":"reversed"}`)
	var updated PaymentPosting
	if err := json.Unmarshal(rec.Body.Bytes(), &updated); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.Code != http.StatusOK || updated.Status != "reversed" || updated.PaymentAmount != 40 {
		t.Errorf("unexpected update %d %+v", rec.Code, updated)
	}

	rec = do(e, http.MethodDelete, path, "")
	var res DeleteResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Message != DeletedMessage || res.PaymentPosting == nil || res.PaymentPosting.ID != created.ID {
		t.Errorf("unexpected delete result %+v", res)
	}
	if rec := do(e, http.MethodDelete, path, ""); rec.Code != http.StatusNotFound {
		t.Errorf("second delete: expected 404, got %d", rec.Code)
	}
}

func TestHandler_ListByClaim(t *testing.T) {
	e, _ := newTestServer()
	claim := uuid.New().String()
	do(e, http.MethodPost, "/api/v1/payment-postings", `{"patient_id":"`+uuid.New().String()+`","claim_id":"`+claim+`"}`)
	do(e, http.MethodPost, "/api/v1/payment-postings", `{"patient_id":"`+uuid.New().String()+`"}`)

	rec := do(e, http.MethodGet, "/api/v1/payment-postings/claim/"+claim, "")
	var items []PaymentPosting
	if err := json.Unmarshal(rec.Body.Bytes(), &items); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(items) != 1 {
		t.Errorf("expected 1 posting for the claim, got %d", len(items))
	}
}

func TestHandler_Remittance(t *testing.T) {
	e, _ := newTestServer()
	rec := do(e, http.MethodPost, "/api/v1/payment-postings", `{"patient_id":"`+uuid.New().String()+`"}`)
	var created PaymentPosting
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	path := "/api/v1/payment-postings/" + created.ID.String() + "/remittance"

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	hdr := textproto.MIMEHeader{}
	hdr.Set("Content-Disposition", `form-data; name="file"; filename="era-835.txt"`)
	hdr.Set("Content-Type", "text/plain")
	part, err := mw.CreatePart(hdr)
	if err != nil {
		t.Fatalf("CreatePart: %v", err)
	}
	part.Write([]byte("ISA*00*~GS*HP~"))
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set(echo.HeaderContentType, mw.FormDataContentType())
	up := httptest.NewRecorder()
	e.ServeHTTP(up, req)
	if up.Code != http.StatusOK {
		t.Fatalf("upload: expected 200, got %d: %s", up.Code, up.Body.String())
	}

	down := do(e, http.MethodGet, path, "")
	if down.Code != http.StatusOK || down.Body.String() != "ISA*00*~GS*HP~" {
		t.Errorf("unexpected download %d %q", down.Code, down.Body.String())
	}
	if !strings.Contains(down.Header().Get(echo.HeaderContentDisposition), "era-835.txt") {
		t.Errorf("missing filename header")
	}
}

func TestHandler_UploadRequiresFile(t *testing.T) {
	svc, _ := newTestService()
	h := NewHandler(svc)
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(uuid.New().String())

	if err := h.UploadRemittance(c); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}
