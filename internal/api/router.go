package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"flowforge/internal/logging"
)

// BlobPrefix is where filesystem blob links are served.
const BlobPrefix = "/blobs"

// NewRouter builds the echo instance with every route mounted. blobs may
// be nil when objects live in a bucket that signs its own links.
func NewRouter(h *Handler, s *Server, blobs SignedBlobs, logger *logging.Logger) *echo.Echo {
	if logger == nil {
		logger = logging.Discard()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = ErrorHandler(logger)

	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware("flowforge"))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			args := []any{"method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency}
			if v.Error != nil {
				logger.Warn("Request", append(args, "error", v.Error)...)
				return nil
			}
			logger.Debug("Request", args...)
			return nil
		},
	}))

	e.GET("/healthz", h.HandleHealth)
	s.Register(e)
	if blobs != nil {
		e.GET(BlobPrefix+"/*", BlobHandler(BlobPrefix, blobs))
	}
	e.RouteNotFound("/*", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound, "no route for "+c.Request().URL.Path)
	})
	return e
}
