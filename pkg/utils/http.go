package utils

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/srand/slicer/pkg/log"
)

// Echo middleware logging one line per API request.
// Server errors are logged as warnings, everything else at trace level.
func HttpLogger(logger log.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if err != nil {
				// The error handler has not written the response yet.
				status = http.StatusInternalServerError
				var httpErr *echo.HTTPError
				if errors.As(err, &httpErr) {
					status = httpErr.Code
				}
			}

			req := c.Request()
			elapsed := time.Since(start).Round(time.Microsecond)
			switch {
			case status < http.StatusInternalServerError:
				logger.Tracef("%s %s %d %v", req.Method, req.URL.Path, status, elapsed)
			case err != nil:
				logger.Warnf("%s %s %d %v: %v", req.Method, req.URL.Path, status, elapsed, err)
			default:
				logger.Warnf("%s %s %d %v", req.Method, req.URL.Path, status, elapsed)
			}
			return err
		}
	}
}
