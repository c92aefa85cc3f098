// Package api contains the HTTP handlers for the Nexflow CRM service
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// Version is reported by the health endpoint.
const Version = "1.0.0"

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler serves the unauthenticated operational endpoints.
type Handler struct {
	db Pinger
}

// NewHandler creates a new Handler with required dependencies
func NewHandler(db Pinger) *Handler {
	return &Handler{db: db}
}

// HealthStatus represents the health check response
type HealthStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	Version   string    `json:"version"`
	Database  string    `json:"database"`
}

// HandleHealth reports service and database health. It returns 503 when
// the database cannot be reached.
func (h *Handler) HandleHealth(c echo.Context) error {
	status := HealthStatus{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Service:   "nexflow-crm",
		Version:   Version,
		Database:  "ok",
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()
	if err := h.db.Ping(ctx); err != nil {
		status.Status = "degraded"
		status.Database = err.Error()
		return c.JSON(http.StatusServiceUnavailable, status)
	}
	return c.JSON(http.StatusOK, status)
}
