// Package server is the thin HTTP bridge around the execution engine. It
// translates JSON requests into orchestrator calls and job snapshots into
// JSON responses; all business logic lives below it.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/web365/clawbot/pkg/classify"
	"github.com/web365/clawbot/pkg/config"
	"github.com/web365/clawbot/pkg/jobs"
	"github.com/web365/clawbot/pkg/records"
	"github.com/web365/clawbot/pkg/security/datadir"
	"github.com/web365/clawbot/pkg/workflow"
)

// Dispatcher is the orchestrator surface the bridge needs.
type Dispatcher interface {
	StartJob(rows []map[string]any, identity workflow.Identity, opts jobs.Options) *jobs.Job
	StartReview(rows []map[string]any, sessionKey string, mode records.GroupMode) (*jobs.Review, error)
	ConfirmReview(identity workflow.Identity, company string, overrides map[string]string, opts jobs.Options) (*jobs.Job, error)
	SubmitAnswer(sessionKey, text string) bool
	GetJob(id string) (*jobs.Job, bool)
	ListJobs() []jobs.Summary
}

// Classifier maps chat messages to intents. May be nil when no API key is
// configured; /chat then reports the capability as unavailable.
type Classifier interface {
	Classify(ctx context.Context, message, filePath string, history []classify.Turn) *classify.Result
}

// Server is the HTTP bridge.
type Server struct {
	cfg        config.ServerConfig
	portal     config.PortalConfig
	router     *gin.Engine
	httpServer *http.Server
	dispatcher Dispatcher
	classifier Classifier
	files      *datadir.Guard
	log        *zap.Logger
}

// New creates the bridge with its routes registered. A nil files guard
// disables upload-path validation.
func New(cfg config.ServerConfig, portal config.PortalConfig, dispatcher Dispatcher, classifier Classifier, files *datadir.Guard, log *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:        cfg,
		portal:     portal,
		router:     gin.New(),
		dispatcher: dispatcher,
		classifier: classifier,
		files:      files,
		log:        log,
	}
	s.router.Use(gin.Recovery(), s.requestLogger())
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/jobs", s.handleListJobs)
	s.router.GET("/jobs/:id", s.handleGetJob)
	s.router.POST("/dispatch", s.handleDispatch)
	s.router.POST("/dispatch/review", s.handleReview)
	s.router.POST("/dispatch/confirm", s.handleConfirm)
	s.router.POST("/answer", s.handleAnswer)
	s.router.POST("/chat", s.handleChat)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	s.log.Info("http bridge listening", zap.String("addr", addr))

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return s.Stop()
	case err := <-errCh:
		return err
	}
}

// Stop shuts the listener down, letting in-flight requests finish.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}
