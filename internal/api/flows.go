package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"cloudshift/backend/internal/agentpool"
	"cloudshift/backend/internal/orchestrator"
	"cloudshift/backend/pkg/models"
)

// Server holds the dependencies for the flow API.
type Server struct {
	Orch *orchestrator.Orchestrator
	Pool *agentpool.Pool
}

// NewServer creates a new Server.
func NewServer(orch *orchestrator.Orchestrator, pool *agentpool.Pool) *Server {
	return &Server{Orch: orch, Pool: pool}
}

// RegisterRoutes mounts the flow routes on an (authenticated) group.
func (s *Server) RegisterRoutes(g *echo.Group) {
	g.POST("/flows", s.CreateFlow)
	g.GET("/flows/:id", s.GetFlowStatus)
	g.POST("/flows/:id/resume", s.ResumeFlow)
	g.POST("/flows/:id/pause", s.PauseFlow)
	g.POST("/flows/:id/retrigger", s.RetriggerFlow)
	g.DELETE("/flows/:id", s.DeleteFlow)
}

// HandleHealth returns basic health status.
func (s *Server) HandleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthStatus{
		Status:    "ok",
		Timestamp: time.Now(),
		Service:   "cloudshift-mfo",
		Version:   "1.0.0",
		Agents:    s.Pool.Size(),
	})
}

func tenantOf(c echo.Context) (models.Tenant, bool) {
	return models.TenantFrom(c.Request().Context())
}

type createFlowRequest struct {
	FlowType models.FlowType `json:"flow_type"`
	Config   map[string]any  `json:"config"`
}

// CreateFlow creates a master flow and triggers its first phase.
// (POST /api/v1/flows)
func (s *Server) CreateFlow(c echo.Context) error {
	tenant, ok := tenantOf(c)
	if !ok {
		return problem(c, http.StatusUnauthorized, "missing tenant", "no tenant in request context")
	}
	var req createFlowRequest
	if err := c.Bind(&req); err != nil {
		return problem(c, http.StatusBadRequest, "invalid request body", err.Error())
	}

	id, err := s.Orch.Create(c.Request().Context(), tenant, req.FlowType, req.Config)
	if err != nil {
		return flowError(c, err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"master_flow_id": id})
}

// GetFlowStatus returns the polling view of one flow.
// (GET /api/v1/flows/:id)
func (s *Server) GetFlowStatus(c echo.Context) error {
	tenant, ok := tenantOf(c)
	if !ok {
		return problem(c, http.StatusUnauthorized, "missing tenant", "no tenant in request context")
	}
	report, err := s.Orch.GetStatus(c.Request().Context(), tenant, c.Param("id"))
	if err != nil {
		return flowError(c, err)
	}
	return c.JSON(http.StatusOK, report)
}

type resumeFlowRequest struct {
	Phase     string         `json:"phase"`
	UserInput map[string]any `json:"user_input"`
}

// ResumeFlow resumes a waiting or paused flow at the named phase.
// (POST /api/v1/flows/:id/resume)
func (s *Server) ResumeFlow(c echo.Context) error {
	tenant, ok := tenantOf(c)
	if !ok {
		return problem(c, http.StatusUnauthorized, "missing tenant", "no tenant in request context")
	}
	var req resumeFlowRequest
	if err := c.Bind(&req); err != nil {
		return problem(c, http.StatusBadRequest, "invalid request body", err.Error())
	}
	if err := s.Orch.Resume(c.Request().Context(), tenant, c.Param("id"), req.Phase, req.UserInput); err != nil {
		return flowError(c, err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "resuming"})
}

// PauseFlow marks a flow paused without interrupting an in-flight handler.
// (POST /api/v1/flows/:id/pause)
func (s *Server) PauseFlow(c echo.Context) error {
	tenant, ok := tenantOf(c)
	if !ok {
		return problem(c, http.StatusUnauthorized, "missing tenant", "no tenant in request context")
	}
	if err := s.Orch.Pause(c.Request().Context(), tenant, c.Param("id")); err != nil {
		return flowError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "paused"})
}

type retriggerFlowRequest struct {
	Phase         string         `json:"phase"`
	UpdatedConfig map[string]any `json:"updated_config"`
}

// RetriggerFlow re-runs a phase and its downstream phases with new config.
// (POST /api/v1/flows/:id/retrigger)
func (s *Server) RetriggerFlow(c echo.Context) error {
	tenant, ok := tenantOf(c)
	if !ok {
		return problem(c, http.StatusUnauthorized, "missing tenant", "no tenant in request context")
	}
	var req retriggerFlowRequest
	if err := c.Bind(&req); err != nil {
		return problem(c, http.StatusBadRequest, "invalid request body", err.Error())
	}
	if err := s.Orch.Retrigger(c.Request().Context(), tenant, c.Param("id"), req.Phase, req.UpdatedConfig); err != nil {
		return flowError(c, err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "retriggered"})
}

// DeleteFlow soft-deletes a flow. `?force=true` overrides the in-progress
// guard.
// (DELETE /api/v1/flows/:id)
func (s *Server) DeleteFlow(c echo.Context) error {
	tenant, ok := tenantOf(c)
	if !ok {
		return problem(c, http.StatusUnauthorized, "missing tenant", "no tenant in request context")
	}
	force := c.QueryParam("force") == "true"
	if err := s.Orch.Delete(c.Request().Context(), tenant, c.Param("id"), force); err != nil {
		return flowError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
