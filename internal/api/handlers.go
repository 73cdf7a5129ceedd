package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"flowforge/internal/logging"
	"flowforge/internal/repository"
	"flowforge/internal/services"
	"flowforge/internal/vault"
)

// Pinger checks a backing dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler serves the unversioned operational endpoints.
type Handler struct {
	db      Pinger
	version string
}

// NewHandler creates a new Handler. db may be nil.
func NewHandler(db Pinger, version string) *Handler {
	return &Handler{db: db, version: version}
}

// HealthStatus represents the health check response
type HealthStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	Version   string    `json:"version"`
	Database  string    `json:"database,omitempty"`
}

// HandleHealth reports ok, or 503 when the database does not answer.
// (GET /healthz)
func (h *Handler) HandleHealth(c echo.Context) error {
	status := HealthStatus{
		Status:    "ok",
		Timestamp: time.Now(),
		Service:   "flowforge",
		Version:   h.version,
	}
	if h.db != nil {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		status.Database = "ok"
		if err := h.db.Ping(ctx); err != nil {
			status.Status = "degraded"
			status.Database = err.Error()
			return c.JSON(http.StatusServiceUnavailable, status)
		}
	}
	return c.JSON(http.StatusOK, status)
}

// ProblemDetails represents an RFC 7807 Problem Details response
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`
}

// writeError writes an RFC 7807 Problem Details JSON error response
func writeError(c echo.Context, status int, title, detail string) error {
	problem := ProblemDetails{
		Type:     "about:blank",
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: c.Request().URL.Path,
	}
	c.Response().Header().Set(echo.HeaderContentType, "application/problem+json")
	return c.JSON(status, problem)
}

// ErrorHandler renders every error that reaches echo as Problem Details.
func ErrorHandler(logger *logging.Logger) echo.HTTPErrorHandler {
	if logger == nil {
		logger = logging.Discard()
	}
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		status, title := classify(err)
		detail := err.Error()
		var he *echo.HTTPError
		if errors.As(err, &he) {
			if msg, ok := he.Message.(string); ok {
				detail = msg
			} else {
				detail = http.StatusText(he.Code)
			}
		}
		if status >= http.StatusInternalServerError {
			logger.Error("Request failed", "method", c.Request().Method, "path", c.Request().URL.Path, "error", err)
			detail = http.StatusText(status)
		}
		if werr := writeError(c, status, title, detail); werr != nil {
			logger.Error("Failed to write error response", "error", werr)
		}
	}
}

func classify(err error) (int, string) {
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		return he.Code, http.StatusText(he.Code)
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound, "Not Found"
	case errors.Is(err, repository.ErrInvalidState):
		return http.StatusConflict, "Conflict"
	case errors.Is(err, services.ErrInvalidInput),
		errors.Is(err, vault.ErrUnknownSecret),
		errors.Is(err, vault.ErrEmptySecret):
		return http.StatusBadRequest, "Bad Request"
	default:
		return http.StatusInternalServerError, "Internal Server Error"
	}
}
