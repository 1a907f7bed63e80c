package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Recovery turns a handler panic into a 500 carrying the request id. The
// panic is logged with its stack and recorded on the request's span. Any
// open transaction has already been rolled back by db.TxManager while the
// panic unwound.
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

				msg := fmt.Sprint(r)
				logger.Error().
					Str("request_id", GetRequestID(c)).
					Str("method", c.Request().Method).
					Str("route", c.Path()).
					Str("panic", msg).
					Bytes("stack", debug.Stack()).
					Msg("handler panicked")

				span := trace.SpanFromContext(c.Request().Context())
				span.RecordError(fmt.Errorf("panic: %s", msg))
				span.SetStatus(codes.Error, "panic")

				if c.Response().Committed {
					err = nil
					return
				}
				err = c.JSON(http.StatusInternalServerError, map[string]string{
					"error":      "internal server error",
					"request_id": GetRequestID(c),
				})
			}()
			return next(c)
		}
	}
}
