package middleware

import (
	"errors"
	"strconv"

	"github.com/labstack/echo/v4"

	"ua-rewrite-proxy/internal/metrics"
)

// MetricsMiddleware returns an Echo middleware that counts admin requests.
func MetricsMiddleware(m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)

			// An *echo.HTTPError is written later by the central error
			// handler, so the response status is not final yet.
			statusCode := c.Response().Status
			if err != nil {
				var he *echo.HTTPError
				if errors.As(err, &he) {
					statusCode = he.Code
				}
			}

			m.AdminRequests.WithLabelValues(
				metrics.NormalizeMethod(c.Request().Method),
				strconv.Itoa(statusCode),
				metrics.NormalizePath(c.Request().URL.Path),
			).Inc()

			return err
		}
	}
}
