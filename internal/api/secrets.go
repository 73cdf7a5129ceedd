package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// ListSecrets returns every known secret key with a masked value
// (GET /api/v1/secrets)
func (s *Server) ListSecrets(c echo.Context) error {
	secrets, err := s.Secrets.ListSecrets(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"secrets": secrets})
}

type putSecretRequest struct {
	Value string `json:"value"`
}

// PutSecret stores or replaces one secret
// (PUT /api/v1/secrets/:key)
func (s *Server) PutSecret(c echo.Context) error {
	var req putSecretRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	if err := s.Secrets.SetSecret(c.Request().Context(), c.Param("key"), req.Value); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// GetFileURL issues a time-limited download link for an asset file
// (GET /api/v1/files/:id/url)
func (s *Server) GetFileURL(c echo.Context) error {
	url, err := s.Files.SignedURL(c.Request().Context(), c.Param("id"), s.URLTTL)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"url":        url,
		"expires_at": time.Now().Add(s.URLTTL).UTC(),
	})
}
