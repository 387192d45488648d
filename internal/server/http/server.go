package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"conductor/internal/config"
	"conductor/internal/editorsvc"
	"conductor/internal/logging"
	"conductor/internal/mcp"
	"conductor/internal/orchestrator"
	"conductor/internal/stream"
	"conductor/internal/xerrors"
)

// Server is the HTTP control plane: orchestration, file editing, the tool
// bridge and operational endpoints share one listener.
type Server struct {
	cfg       *config.Config
	scheduler *orchestrator.Scheduler
	editors   *editorsvc.Service
	bridge    *mcp.Bridge
	hub       *stream.Hub
	logger    *logging.Logger

	engine *gin.Engine
	srv    *http.Server
}

// NewServer assembles the router.
func NewServer(cfg *config.Config, scheduler *orchestrator.Scheduler, editors *editorsvc.Service, bridge *mcp.Bridge, hub *stream.Hub) *Server {
	if cfg == nil {
		cfg = config.Default()
	}
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:       cfg,
		scheduler: scheduler,
		editors:   editors,
		bridge:    bridge,
		hub:       hub,
		logger:    logging.NewComponentLogger("HTTPServer"),
		engine:    gin.New(),
	}
	s.engine.Use(gin.Recovery())
	s.engine.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "X-User-ID", "X-Internal-Token"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.engine.Group("/api")

	orch := api.Group("/orchestration")
	{
		orch.POST("/execute-design", s.handleExecuteDesign)
		orch.POST("/execute-design/stream", s.handleExecuteDesignStream)
		orch.POST("/:pattern/stream", s.handlePatternStream)
		orch.POST("/cancel", s.handleCancelExecutionBody)
		orch.GET("/executions", s.handleListExecutions)
		orch.GET("/executions/:execution_id", s.handleGetExecution)
		orch.GET("/executions/:execution_id/log", s.handleExecutionLog)
		orch.GET("/:execution_id/log", s.handleExecutionLog)
		orch.POST("/executions/:execution_id/cancel", s.handleCancelExecution)
	}

	editor := api.Group("/file-editor")
	{
		editor.POST("/read", s.handleRead)
		editor.POST("/browse", s.handleBrowse)
		editor.POST("/tree", s.handleTree)
		editor.POST("/search", s.handleSearch)
		editor.POST("/create-change", s.handleCreateChange)
		editor.POST("/changes", s.handleListChanges)
		editor.POST("/approve", s.handleApprove)
		editor.POST("/reject", s.handleReject)
		editor.POST("/rollback", s.handleRollback)
		editor.POST("/create-directory", s.handleCreateDirectory)
		editor.POST("/move", s.handleMove)
		editor.POST("/delete", s.handleDelete)
	}

	api.GET("/health", s.handleHealth)

	s.engine.POST("/mcp", s.bridge.HandleRPC)
	s.engine.GET("/sse", s.bridge.HandleSSE)

	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.engine.POST("/admin/clear-caches", s.handleClearCaches)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start blocks serving HTTP until Shutdown or listener failure.
func (s *Server) Start() error {
	s.srv = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("listening on %s", s.cfg.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// principal extracts the caller identity. The control plane trusts the
// fronting proxy to authenticate and forward the user id.
func principal(c *gin.Context) editorsvc.Principal {
	return editorsvc.Principal{UserID: c.GetHeader("X-User-ID")}
}

// writeError maps domain errors onto HTTP statuses with a uniform body.
func writeError(c *gin.Context, err error) {
	status := xerrors.HTTPStatus(err)
	c.JSON(status, gin.H{
		"error": err.Error(),
		"kind":  xerrors.KindOf(err).String(),
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)})
}

func (s *Server) handleClearCaches(c *gin.Context) {
	s.editors.ClearCaches()
	c.JSON(http.StatusOK, gin.H{"status": "cleared"})
}
