package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestHasRole(t *testing.T) {
	tests := []struct {
		roles    []string
		required []string
		want     bool
	}{
		{[]string{"physician"}, []string{"physician", "nurse"}, true},
		{[]string{"billing"}, Clinical, false},
		{[]string{"admin"}, Prescribers, true},
		{nil, []string{"billing"}, false},
	}
	for _, tt := range tests {
		if got := HasRole(tt.roles, tt.required...); got != tt.want {
			t.Errorf("HasRole(%v, %v) = %v, want %v", tt.roles, tt.required, got, tt.want)
		}
	}
}

func TestRequireRole(t *testing.T) {
	e := echo.New()
	ok := func(c echo.Context) error { return c.NoContent(http.StatusOK) }

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(WithIdentity(context.Background(), "u1", RoleFrontDesk))
	c := e.NewContext(req, httptest.NewRecorder())

	err := RequireRole(RoleBilling)(ok)(c)
	he, isHTTP := err.(*echo.HTTPError)
	if !isHTTP || he.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %v", err)
	}

	req = req.WithContext(WithIdentity(context.Background(), "u2", RoleBilling))
	c = e.NewContext(req, httptest.NewRecorder())
	if err := RequireRole(RoleBilling)(ok)(c); err != nil {
		t.Errorf("expected billing role to pass, got %v", err)
	}
}
