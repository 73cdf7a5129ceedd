package api

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"flowforge/internal/jobs"
	"flowforge/internal/services"
)

// ListRuns returns the newest runs
// (GET /api/v1/runs?limit=)
func (s *Server) ListRuns(c echo.Context) error {
	limit, err := queryInt(c, "limit")
	if err != nil {
		return err
	}
	runs, err := s.Runs.ListRuns(c.Request().Context(), int(limit))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"runs": runs})
}

// CreateRun queues a new run
// (POST /api/v1/runs)
func (s *Server) CreateRun(c echo.Context) error {
	var req services.CreateRunRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	run, err := s.Runs.CreateRun(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, map[string]any{"run": run})
}

// GetRun returns a run with its stage attempts and assets
// (GET /api/v1/runs/:id)
func (s *Server) GetRun(c echo.Context) error {
	detail, err := s.Runs.GetRunDetail(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, detail)
}

// DeleteRun removes a run and everything recorded for it
// (DELETE /api/v1/runs/:id)
func (s *Server) DeleteRun(c echo.Context) error {
	if err := s.Runs.DeleteRun(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// ListStageRuns returns every stage attempt of a run
// (GET /api/v1/runs/:id/stages)
func (s *Server) ListStageRuns(c echo.Context) error {
	stages, err := s.Runs.ListStageRuns(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"stages": stages})
}

// ListEvents returns run events after a cursor
// (GET /api/v1/runs/:id/events?after=&limit=)
func (s *Server) ListEvents(c echo.Context) error {
	after, err := queryInt(c, "after")
	if err != nil {
		return err
	}
	limit, err := queryInt(c, "limit")
	if err != nil {
		return err
	}
	events, err := s.Runs.ListEvents(c.Request().Context(), c.Param("id"), after, int(limit))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"events": events})
}

// ResumeRun requeues a run waiting at a breakpoint
// (POST /api/v1/runs/:id/resume)
func (s *Server) ResumeRun(c echo.Context) error {
	run, err := s.Runs.ResumeRun(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"run": run})
}

// CancelRun stops an unfinished run
// (POST /api/v1/runs/:id/cancel)
func (s *Server) CancelRun(c echo.Context) error {
	run, err := s.Runs.CancelRun(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"run": run})
}

// EnqueueProviderTest queues a one-off provider call
// (POST /api/v1/jobs/test-provider)
func (s *Server) EnqueueProviderTest(c echo.Context) error {
	var payload jobs.TestProviderPayload
	if err := c.Bind(&payload); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	job, err := s.Runs.EnqueueProviderTest(c.Request().Context(), payload)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, map[string]any{"job": job})
}

// GetJob returns a job with its result
// (GET /api/v1/jobs/:id)
func (s *Server) GetJob(c echo.Context) error {
	job, err := s.Runs.GetJob(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"job": job})
}

func queryInt(c echo.Context, name string) (int64, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, name+" must be a non-negative integer")
	}
	return n, nil
}
