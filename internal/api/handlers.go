// Package api contains the HTTP handlers exposing the orchestrator.
package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"cloudshift/backend/internal/agentpool"
	"cloudshift/backend/internal/engine"
	"cloudshift/backend/internal/orchestrator"
	"cloudshift/backend/internal/repository"
)

// HealthStatus represents the health check response.
type HealthStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	Version   string    `json:"version"`
	Agents    int       `json:"agents"`
}

// ProblemDetails represents an RFC 7807 Problem Details response.
type ProblemDetails struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// problem writes an RFC 7807 Problem Details JSON error response.
func problem(c echo.Context, status int, title, detail string) error {
	c.Response().Header().Set(echo.HeaderContentType, "application/problem+json")
	return c.JSON(status, ProblemDetails{
		Type:   "about:blank",
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

// flowError maps the orchestration error taxonomy onto HTTP statuses.
// Cross-tenant ids are indistinguishable from unknown ids.
func flowError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return problem(c, http.StatusNotFound, "flow not found", "no flow with this id exists for this tenant")
	case errors.Is(err, repository.ErrMissingTenantScope):
		return problem(c, http.StatusUnauthorized, "missing tenant scope", err.Error())
	case errors.Is(err, orchestrator.ErrInvalidFlowType),
		errors.Is(err, orchestrator.ErrInvalidConfig):
		return problem(c, http.StatusBadRequest, "invalid request", err.Error())
	case errors.Is(err, orchestrator.ErrInvalidStateTransition),
		errors.Is(err, orchestrator.ErrFlowNotResumable),
		errors.Is(err, orchestrator.ErrFlowActive),
		errors.Is(err, repository.ErrPhaseAlreadyRunning):
		return problem(c, http.StatusConflict, "conflicting flow state", err.Error())
	case errors.Is(err, engine.ErrPhaseNotConfigured):
		return problem(c, http.StatusBadRequest, "phase not configured", err.Error())
	case errors.Is(err, agentpool.ErrWorkerCreationFailed):
		return problem(c, http.StatusBadGateway, "worker creation failed", err.Error())
	default:
		return problem(c, http.StatusInternalServerError, "internal error", err.Error())
	}
}
