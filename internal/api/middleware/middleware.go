package middleware

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/dvloznov/statement-ingest/internal/logger"
	"github.com/dvloznov/statement-ingest/internal/store"
)

// Request headers the API reads.
const (
	HeaderUserID       = "X-User-ID"
	HeaderAdminToken   = "X-Admin-Token"
	HeaderAdminSubject = "X-Admin-Subject"
)

// Context keys for values set by this package.
const (
	userIDKey     = "user_id"
	adminGrantKey = "admin_grant"
)

// RequestID propagates or assigns an X-Request-ID and stores a logger
// carrying it in the request context.
func RequestID(log zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			requestID := req.Header.Get(echo.HeaderXRequestID)
			if requestID == "" {
				requestID = uuid.NewString()
			}
			c.Response().Header().Set(echo.HeaderXRequestID, requestID)

			reqLog := log.With().Str("request_id", requestID).Logger()
			c.SetRequest(req.WithContext(logger.WithContext(req.Context(), reqLog)))
			return next(c)
		}
	}
}

// Logger logs one line per request with the final status code.
func Logger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)
			if err != nil {
				// let the error handler write the response so the status is known
				c.Error(err)
			}

			req := c.Request()
			status := c.Response().Status
			log := logger.FromContext(req.Context())
			event := log.Info()
			if status >= http.StatusInternalServerError {
				event = log.Error().Err(err)
			}
			event.
				Str("method", req.Method).
				Str("path", c.Path()).
				Int("status", status).
				Dur("duration", time.Since(start)).
				Str("remote_addr", c.RealIP()).
				Msg("HTTP request")
			return nil
		}
	}
}

// Recovery turns a handler panic into a 500 response.
func Recovery() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				if p := recover(); p != nil {
					log := logger.FromContext(c.Request().Context())
					log.Error().
						Interface("panic", p).
						Str("method", c.Request().Method).
						Str("path", c.Path()).
						Msg("Panic recovered")
					err = echo.NewHTTPError(http.StatusInternalServerError, "Internal server error")
				}
			}()
			return next(c)
		}
	}
}

// RequireUser rejects requests without an X-User-ID header. Authentication
// happens upstream; this service trusts the header.
func RequireUser() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := strings.TrimSpace(c.Request().Header.Get(HeaderUserID))
			if userID == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, HeaderUserID+" header is required")
			}
			c.Set(userIDKey, userID)

			req := c.Request()
			log := logger.FromContext(req.Context()).With().Str("user_id", userID).Logger()
			c.SetRequest(req.WithContext(logger.WithContext(req.Context(), log)))
			return next(c)
		}
	}
}

// UserID returns the caller set by RequireUser.
func UserID(c echo.Context) string {
	id, _ := c.Get(userIDKey).(string)
	return id
}

// RequireAdmin checks X-Admin-Token against token and, on a match, issues a
// store.AdminGrant for the request. An empty token disables admin routes.
func RequireAdmin(token string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if token == "" {
				return echo.NewHTTPError(http.StatusForbidden, "admin API is disabled")
			}
			got := c.Request().Header.Get(HeaderAdminToken)
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid admin token")
			}

			subject := strings.TrimSpace(c.Request().Header.Get(HeaderAdminSubject))
			if subject == "" {
				subject = "admin-token"
			}
			grant, err := store.GrantAdmin(subject)
			if err != nil {
				return fmt.Errorf("RequireAdmin: %w", err)
			}
			c.Set(adminGrantKey, grant)
			return next(c)
		}
	}
}

// AdminGrant returns the grant issued by RequireAdmin, or the zero grant.
func AdminGrant(c echo.Context) store.AdminGrant {
	g, _ := c.Get(adminGrantKey).(store.AdminGrant)
	return g
}
