package httpserver

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/treepeck/showchat/internal/catalog"
	"github.com/treepeck/showchat/internal/config"
	"github.com/treepeck/showchat/pkg/types"
)

// Catalog serves and refreshes the homepage feed.
type Catalog interface {
	Homepage(ctx context.Context) (types.Feed, error)
	Refresh(ctx context.Context, force bool) error
}

// Stats reports the live counters shown by the health check.
type Stats struct {
	Sessions func() int
	Clients  func() int
}

// HTTPServer is the HTTP server of the showchat service.
type HTTPServer struct {
	cfg    *config.Config
	engine *gin.Engine
	log    zerolog.Logger
}

// New creates the HTTP server.  A nil catalog disables the catalog routes.
func New(cfg *config.Config, log zerolog.Logger, ws http.Handler, cat Catalog, stats Stats) *HTTPServer {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	log = log.With().Str("component", "http").Logger()

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(RequestID())
	engine.Use(Tracing(cfg.ServiceName))
	engine.Use(RequestLogger(log))

	engine.GET("/healthz", func(c *gin.Context) {
		body := gin.H{"status": "healthy"}
		if stats.Sessions != nil {
			body["sessions"] = stats.Sessions()
		}
		if stats.Clients != nil {
			body["clients"] = stats.Clients()
		}
		c.JSON(http.StatusOK, body)
	})
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	engine.GET("/ws", gin.WrapH(ws))

	h := catalogHandler{catalog: cat, log: log}
	group := engine.Group("/catalog")
	group.GET("/homepage", h.homepage)
	group.POST("/refresh", h.refresh)

	return &HTTPServer{cfg: cfg, engine: engine, log: log}
}

// Handler returns the root handler.
func (s *HTTPServer) Handler() http.Handler {
	return s.engine
}

// Run starts the HTTP server and blocks until context is cancelled.
func (s *HTTPServer) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:    s.cfg.Addr(),
		Handler: s.engine,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.cfg.Addr()).Msg("HTTP server listening")
		err := server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		s.log.Info().Msg("context cancelled, shutting down HTTP server")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

type catalogHandler struct {
	catalog Catalog
	log     zerolog.Logger
}

func (h catalogHandler) homepage(c *gin.Context) {
	if h.catalog == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "catalog is not configured"})
		return
	}

	feed, err := h.catalog.Homepage(c.Request.Context())
	if errors.Is(err, catalog.ErrFeedNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "homepage is not built yet"})
		return
	}
	if err != nil {
		h.log.Error().Err(err).Msg("homepage not loaded")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "homepage is unavailable"})
		return
	}

	c.JSON(http.StatusOK, feed)
}

func (h catalogHandler) refresh(c *gin.Context) {
	if h.catalog == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "catalog is not configured"})
		return
	}

	force := false
	if raw := c.Query("force"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "force must be a boolean"})
			return
		}
		force = v
	}

	if err := h.catalog.Refresh(c.Request.Context(), force); err != nil {
		h.log.Error().Err(err).Msg("homepage refresh failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": "homepage refresh failed"})
		return
	}

	h.homepage(c)
}
