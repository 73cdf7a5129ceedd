package api

import (
	"context"
	"errors"
	"net/http"
	"path"
	"strings"

	"github.com/labstack/echo/v4"

	"flowforge/internal/assets"
	"flowforge/internal/blobstore"
)

// SignedBlobs verifies and serves links issued by a filesystem blob store.
type SignedBlobs interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Verify(key, expires, sig string) bool
}

// BlobHandler serves signed blob downloads under prefix.
func BlobHandler(prefix string, blobs SignedBlobs) echo.HandlerFunc {
	return func(c echo.Context) error {
		key := strings.TrimPrefix(c.Request().URL.Path, prefix)
		key = strings.TrimLeft(key, "/")
		if key == "" || !blobs.Verify(key, c.QueryParam("expires"), c.QueryParam("sig")) {
			return echo.NewHTTPError(http.StatusForbidden, "invalid or expired link")
		}
		data, err := blobs.Get(c.Request().Context(), key)
		if err != nil {
			if errors.Is(err, blobstore.ErrNotFound) {
				return echo.NewHTTPError(http.StatusNotFound, "object not found")
			}
			return err
		}
		return c.Blob(http.StatusOK, assets.MimeTypeFor(path.Ext(key)), data)
	}
}
