package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/downtoearthtw/proxy-aggregator/internal/runlog"
)

// History exposes stored runs.
type History interface {
	RecentRuns(ctx context.Context, limit int) ([]runlog.Run, error)
	Results(ctx context.Context, runID string) ([]runlog.Result, error)
	Sources(ctx context.Context, runID string) ([]runlog.SourceStat, error)
}

// TriggerFunc starts a run in the background. It returns false when a run
// is already in progress.
type TriggerFunc func() bool

// Config wires a Server.
type Config struct {
	Listen  string
	Token   string
	Latest  *Latest
	History History // optional
	Trigger TriggerFunc
	Logger  logrus.FieldLogger
}

// Server wraps the HTTP server and gin engine.
type Server struct {
	httpServer *http.Server
	engine     *gin.Engine
}

func init() {
	gin.SetMode(gin.ReleaseMode)
}

// NewServer creates a new server wired with all routes.
func NewServer(cfg Config) *Server {
	if cfg.Latest == nil {
		cfg.Latest = &Latest{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	h := &handlers{
		latest:  cfg.Latest,
		history: cfg.History,
		trigger: cfg.Trigger,
		started: time.Now(),
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(logger.WithField("component", "api")))

	// Public (no auth)
	engine.GET("/healthz", h.healthz)

	sub := engine.Group("/sub", authMiddleware(cfg.Token, true))
	{
		sub.GET("/:format", h.subscription)
	}

	v1 := engine.Group("/api/v1", authMiddleware(cfg.Token, false))
	{
		v1.GET("/index", h.index)
		v1.GET("/nodes", h.listNodes)
		v1.GET("/runs", h.listRuns)
		v1.GET("/runs/:id", h.getRun)
		v1.POST("/runs", h.triggerRun)
	}

	engine.NoRoute(func(c *gin.Context) {
		writeError(c, http.StatusNotFound, "NOT_FOUND", "no such route")
	})

	return &Server{
		httpServer: &http.Server{
			Addr:              cfg.Listen,
			Handler:           engine,
			ReadHeaderTimeout: 10 * time.Second,
		},
		engine: engine,
	}
}

// ListenAndServe starts the HTTP server. It blocks until the server stops.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.engine
}
