package middleware

import (
	"fmt"
	"net/http"
	"runtime"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

const maxStackSize = 4 << 10

// Recovery turns a handler panic into a 500 carrying the same error body
// shape as workflow rejections. It logs through the request logger that
// Logger attached, falling back to logger when there is none.
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
				stack := make([]byte, maxStackSize)
				stack = stack[:runtime.Stack(stack, false)]

				l := zerolog.Ctx(c.Request().Context())
				if l.GetLevel() == zerolog.Disabled {
					l = &logger
				}
				l.Error().
					Str("panic", fmt.Sprint(r)).
					Str("method", c.Request().Method).
					Str("path", c.Path()).
					Bytes("stack", stack).
					Msg("panic recovered")

				err = echo.NewHTTPError(http.StatusInternalServerError, map[string]string{
					"kind":    "internal",
					"message": "internal server error",
				}).SetInternal(fmt.Errorf("panic: %v", r))
			}()
			return next(c)
		}
	}
}
