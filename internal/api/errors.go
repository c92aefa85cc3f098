package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"nexflow-crm/backend/internal/logging"
	"nexflow-crm/backend/internal/repository"
	"nexflow-crm/backend/internal/secure"
	"nexflow-crm/backend/internal/storage"
	"nexflow-crm/backend/internal/tenant"
	"nexflow-crm/backend/internal/validation"
)

// ProblemDetails represents an RFC 7807 Problem Details response
type ProblemDetails struct {
	Type     string                  `json:"type"`
	Title    string                  `json:"title"`
	Status   int                     `json:"status"`
	Detail   string                  `json:"detail"`
	Instance string                  `json:"instance,omitempty"`
	Errors   []validation.FieldError `json:"errors,omitempty"`
}

// problemFor maps a service error to its response. Security violations get
// a fixed detail so tenant ids never reach the client.
func problemFor(err error) ProblemDetails {
	p := ProblemDetails{Type: "about:blank", Detail: err.Error()}
	var fieldErrs validation.Errors
	switch {
	case errors.As(err, &fieldErrs):
		p.Status, p.Title = http.StatusUnprocessableEntity, "Validation Failed"
		p.Errors = fieldErrs
	case errors.Is(err, validation.ErrInvalid), errors.Is(err, storage.ErrInvalidKey):
		p.Status, p.Title = http.StatusUnprocessableEntity, "Validation Failed"
	case errors.Is(err, tenant.ErrNoTenant):
		p.Status, p.Title = http.StatusUnauthorized, "No Tenant Selected"
	case secure.IsSecurityViolation(err):
		p.Status, p.Title = http.StatusForbidden, "Security Violation"
		p.Detail = "the requested data does not belong to the current tenant"
	case errors.Is(err, secure.ErrForbidden):
		p.Status, p.Title = http.StatusForbidden, "Forbidden"
	case errors.Is(err, repository.ErrNotFound), errors.Is(err, storage.ErrObjectNotFound):
		p.Status, p.Title = http.StatusNotFound, "Not Found"
	case errors.Is(err, repository.ErrConflict):
		p.Status, p.Title = http.StatusConflict, "Conflict"
	case errors.Is(err, context.DeadlineExceeded):
		p.Status, p.Title = http.StatusGatewayTimeout, "Timeout"
	default:
		p.Status, p.Title = http.StatusInternalServerError, "Internal Server Error"
		p.Detail = "an unexpected error occurred"
	}
	return p
}

// ErrorHandler renders every handler error as problem+json.
func ErrorHandler(logger *logging.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		var p ProblemDetails
		var he *echo.HTTPError
		if errors.As(err, &he) {
			p = ProblemDetails{Type: "about:blank", Status: he.Code, Title: http.StatusText(he.Code)}
			if msg, ok := he.Message.(string); ok {
				p.Detail = msg
			}
		} else {
			p = problemFor(err)
		}
		p.Instance = c.Request().URL.Path

		switch {
		case p.Status >= 500:
			logger.Error("request failed", "method", c.Request().Method, "path", p.Instance, "error", err)
		case p.Status == http.StatusForbidden && secure.IsSecurityViolation(err):
			logger.Warn("request rejected", "method", c.Request().Method, "path", p.Instance, "error", err)
		default:
			logger.Debug("request error", "method", c.Request().Method, "path", p.Instance, "status", p.Status, "error", err)
		}

		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(p.Status)
			return
		}
		c.Response().Header().Set(echo.HeaderContentType, "application/problem+json")
		_ = c.JSON(p.Status, p)
	}
}
