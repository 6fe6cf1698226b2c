package echoutil

import (
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"
	"go.uber.org/zap"
)

// LogRequests logs each request and its response status with logger.
func LogRequests(logger *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			begin := time.Now()

			err := next(c)

			status := c.Response().Status
			if herr, ok := err.(*echo.HTTPError); ok {
				status = herr.Code
			}
			logger.Debug(
				"request",
				zap.String("method", req.Method),
				zap.Stringer("url", req.URL),
				zap.Int("status", status),
				zap.Duration("took", time.Since(begin)),
				zap.Error(err),
			)
			return err
		}
	}
}

// ErrorHandler responds with the default handler of e, and logs errors which are not HTTPError.
func ErrorHandler(e *echo.Echo, logger *zap.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		e.DefaultHTTPErrorHandler(err, c)
		if _, ok := err.(*echo.HTTPError); !ok {
			logger.Error("request failed", zap.Stringer("url", c.Request().URL), zap.Error(err))
		}
	}
}

// SetLevel sets the level of the echo's own logger.
//
// Unknown levels fall back to warn.
func SetLevel(e *echo.Echo, loglevel string) {
	switch strings.ToLower(loglevel) {
	case "debug":
		e.Logger.SetLevel(log.DEBUG)
	case "info":
		e.Logger.SetLevel(log.INFO)
	case "warn", "":
		e.Logger.SetLevel(log.WARN)
	case "error":
		e.Logger.SetLevel(log.ERROR)
	case "off":
		e.Logger.SetLevel(log.OFF)
	default:
		e.Logger.SetLevel(log.WARN)
		e.Logger.Warnf("unknown loglevel: %s . fall-backed to warn", loglevel)
	}
}
