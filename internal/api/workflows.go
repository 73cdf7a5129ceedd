// Package api contains the HTTP handlers for the run control API
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"flowforge/internal/jobs"
	"flowforge/internal/services"
	"flowforge/pkg/models"
)

// Runs is the run control surface the handlers depend on.
type Runs interface {
	ListFlows(ctx context.Context) ([]*models.Flow, error)
	GetFlow(ctx context.Context, id string) (*models.Flow, error)
	CreateRun(ctx context.Context, req services.CreateRunRequest) (*models.Run, error)
	ListRuns(ctx context.Context, limit int) ([]*models.Run, error)
	GetRunDetail(ctx context.Context, id string) (*services.RunDetail, error)
	ListStageRuns(ctx context.Context, runID string) ([]*models.StageRun, error)
	ListEvents(ctx context.Context, runID string, afterID int64, limit int) ([]*models.RunEvent, error)
	ResumeRun(ctx context.Context, id string) (*models.Run, error)
	CancelRun(ctx context.Context, id string) (*models.Run, error)
	DeleteRun(ctx context.Context, id string) error
	EnqueueProviderTest(ctx context.Context, payload jobs.TestProviderPayload) (*models.Job, error)
	GetJob(ctx context.Context, id string) (*models.Job, error)
}

// Secrets manages vault entries.
type Secrets interface {
	ListSecrets(ctx context.Context) ([]models.SecretStatus, error)
	SetSecret(ctx context.Context, key, value string) error
}

// FileSigner issues download links for stored asset files.
type FileSigner interface {
	SignedURL(ctx context.Context, fileID string, ttl time.Duration) (string, error)
}

// Server holds the dependencies for the API server.
type Server struct {
	Runs    Runs
	Secrets Secrets
	Files   FileSigner
	// URLTTL is the lifetime of issued download links.
	URLTTL time.Duration
}

// NewServer creates a new Server. secrets and files may be nil, which
// leaves their routes unregistered.
func NewServer(runs Runs, secrets Secrets, files FileSigner) *Server {
	return &Server{Runs: runs, Secrets: secrets, Files: files, URLTTL: 15 * time.Minute}
}

// Register mounts the /api/v1 routes on e.
func (s *Server) Register(e *echo.Echo) {
	g := e.Group("/api/v1")
	g.GET("/flows", s.ListFlows)
	g.GET("/flows/:id", s.GetFlow)

	g.GET("/runs", s.ListRuns)
	g.POST("/runs", s.CreateRun)
	g.GET("/runs/:id", s.GetRun)
	g.DELETE("/runs/:id", s.DeleteRun)
	g.GET("/runs/:id/stages", s.ListStageRuns)
	g.GET("/runs/:id/events", s.ListEvents)
	g.POST("/runs/:id/resume", s.ResumeRun)
	g.POST("/runs/:id/cancel", s.CancelRun)

	g.POST("/jobs/test-provider", s.EnqueueProviderTest)
	g.GET("/jobs/:id", s.GetJob)

	if s.Secrets != nil {
		g.GET("/secrets", s.ListSecrets)
		g.PUT("/secrets/:key", s.PutSecret)
	}
	if s.Files != nil {
		g.GET("/files/:id/url", s.GetFileURL)
	}
}

// ListFlows returns a list of all flows
// (GET /api/v1/flows)
func (s *Server) ListFlows(c echo.Context) error {
	flows, err := s.Runs.ListFlows(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"flows": flows})
}

// GetFlow returns a flow with its stages
// (GET /api/v1/flows/:id)
func (s *Server) GetFlow(c echo.Context) error {
	flow, err := s.Runs.GetFlow(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"flow": flow})
}
