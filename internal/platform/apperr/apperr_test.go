package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestKindOf(t *testing.T) {
	if KindOf(errors.New("plain")) != KindServer {
		t.Error("untyped error should be server kind")
	}
	wrapped := fmt.Errorf("create diagnosis: %w", Validation("patient_id", "patient_id is required"))
	if KindOf(wrapped) != KindValidation {
		t.Errorf("expected validation through wrapping, got %s", KindOf(wrapped))
	}
	if !Is(wrapped, KindValidation) {
		t.Error("Is() should see through fmt.Errorf wrapping")
	}
	if Is(nil, KindServer) {
		t.Error("nil is never a kind")
	}
}

func TestFromDB(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"no rows", pgx.ErrNoRows, KindNotFound},
		{"wrapped no rows", fmt.Errorf("get: %w", pgx.ErrNoRows), KindNotFound},
		{"undefined table", &pgconn.PgError{Code: "42P01"}, KindSchemaMissing},
		{"fk", &pgconn.PgError{Code: "23503"}, KindValidation},
		{"unique", &pgconn.PgError{Code: "23505"}, KindValidation},
		{"other pg", &pgconn.PgError{Code: "53300"}, KindServer},
		{"deadline", context.DeadlineExceeded, KindNetwork},
		{"typed passthrough", NotImplemented("nope"), KindNotImplemented},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(FromDB(tt.err, "diagnosis")); got != tt.want {
				t.Errorf("KindOf(FromDB(%v)) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
	if FromDB(nil, "x") != nil {
		t.Error("nil should stay nil")
	}
}

func TestFromDB_KeepsCause(t *testing.T) {
	err := FromDB(pgx.ErrNoRows, "payment posting")
	if !errors.Is(err, pgx.ErrNoRows) {
		t.Error("expected cause to be preserved")
	}
	var e *Error
	if !errors.As(err, &e) || e.Message != "payment posting not found" {
		t.Errorf("unexpected message: %v", err)
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Kind]int{
		KindValidation:     http.StatusBadRequest,
		KindNotFound:       http.StatusNotFound,
		KindSchemaMissing:  http.StatusInternalServerError,
		KindNetwork:        http.StatusBadGateway,
		KindServer:         http.StatusInternalServerError,
		KindNotImplemented: http.StatusNotImplemented,
	}
	for kind, want := range cases {
		if got := HTTPStatus(kind); got != want {
			t.Errorf("HTTPStatus(%s) = %d, want %d", kind, got, want)
		}
	}
}
