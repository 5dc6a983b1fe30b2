package middleware

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medflow/medflow/internal/platform/apperr"
)

// ErrorResponse is the body of every failed API response.
type ErrorResponse struct {
	Error string      `json:"error"`
	Kind  apperr.Kind `json:"kind,omitempty"`
	Field string      `json:"field,omitempty"`
}

// ErrorHandler renders typed errors as {"error": ...}. Server side failures
// get a static message and the cause goes to the log only.
func ErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status, body := renderError(err)
		if status >= http.StatusInternalServerError {
			l := zerolog.Ctx(c.Request().Context())
			if l.GetLevel() == zerolog.Disabled {
				l = &logger
			}
			l.Error().Err(err).Str("kind", string(body.Kind)).Int("status", status).Msg("request failed")
		}

		var writeErr error
		if c.Request().Method == http.MethodHead {
			writeErr = c.NoContent(status)
		} else {
			writeErr = c.JSON(status, body)
		}
		if writeErr != nil {
			logger.Error().Err(writeErr).Msg("write error response")
		}
	}
}

func renderError(err error) (int, ErrorResponse) {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return apperr.HTTPStatus(ae.Kind), ErrorResponse{Error: ae.Message, Kind: ae.Kind, Field: ae.Field}
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg := http.StatusText(he.Code)
		if he.Message != nil {
			msg = fmt.Sprint(he.Message)
		}
		return he.Code, ErrorResponse{Error: msg}
	}

	return http.StatusInternalServerError, ErrorResponse{Error: "internal server error", Kind: apperr.KindServer}
}
