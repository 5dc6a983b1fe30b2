package middleware

import (
	"fmt"
	"net/http"
	"runtime"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medflow/medflow/internal/platform/apperr"
)

// Recovery turns a handler panic into a server error for ErrorHandler. It
// logs through the request logger when Logger runs before it.
func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				if r == http.ErrAbortHandler {
					panic(r)
				}
				var stack [4096]byte
				n := runtime.Stack(stack[:], false)

				l := zerolog.Ctx(c.Request().Context())
				if l.GetLevel() == zerolog.Disabled {
					rid, _ := c.Get("request_id").(string)
					fallback := logger.With().Str("request_id", rid).Logger()
					l = &fallback
				}
				l.Error().
					Str("panic", fmt.Sprint(r)).
					Str("path", c.Request().URL.Path).
					Bytes("stack", stack[:n]).
					Msg("panic recovered")

				err = apperr.Wrap(apperr.KindServer, "internal server error", fmt.Errorf("panic: %v", r))
			}()
			return next(c)
		}
	}
}
