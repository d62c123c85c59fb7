package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	limits "github.com/gin-contrib/size"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/isdmx/coderun/config"
	"github.com/isdmx/coderun/sandbox"
)

const healthTimeout = 5 * time.Second

type runCodeRequest struct {
	Code string `json:"code"`
}

type detailResponse struct {
	Detail string `json:"detail"`
}

// Server is the REST transport.
type Server struct {
	logger     *zap.Logger
	executor   sandbox.Executor
	pinger     sandbox.Pinger
	handler    *gin.Engine
	httpServer *http.Server
}

// New creates the REST server. provider is used only for health checks and
// may be nil.
func New(cfg *config.Config, logger *zap.Logger, executor sandbox.Executor, provider sandbox.Provider, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		logger:   logger,
		executor: executor,
	}
	if pinger, ok := provider.(sandbox.Pinger); ok {
		s.pinger = pinger
	}

	s.handler = s.newRouter(cfg.Server.MaxBodyBytes, gatherer)
	s.httpServer = &http.Server{
		Addr:         cfg.ServerAddr(),
		Handler:      s.handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return s
}

func (s *Server) newRouter(maxBody int64, gatherer prometheus.Gatherer) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(
		ginzap.Ginzap(s.logger, time.RFC3339Nano, true),
		ginzap.RecoveryWithZap(s.logger, true),
	)

	router.GET("/health", s.health)
	if gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	api := router.Group("/api")
	if maxBody > 0 {
		api.Use(limits.RequestSizeLimiter(maxBody))
	}
	api.POST("/run-code", s.runCode)

	return router
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start binds the listen address and serves in the background.
func (s *Server) Start(_ context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}

	s.logger.Info("starting REST server", zap.String("addr", ln.Addr().String()))
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("REST server stopped unexpectedly", zap.Error(err))
		}
	}()

	return nil
}

// Stop drains in-flight requests. Running executions finish their own
// teardown before their handlers return.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping REST server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) runCode(c *gin.Context) {
	var req runCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		// the size limiter has already answered
		if c.IsAborted() {
			return
		}
		s.logger.Debug("malformed run-code request", zap.Error(err))
		c.JSON(http.StatusBadRequest, detailResponse{Detail: sandbox.DetailInvalidInput})
		return
	}

	res, err := s.executor.Execute(c.Request.Context(), sandbox.ExecutionRequest{Code: req.Code})
	reply := sandbox.Translate(res, err)

	if reply.Status == sandbox.ReplyOK {
		c.JSON(http.StatusOK, reply.Body)
		return
	}
	c.JSON(statusCode(reply.Status), detailResponse{Detail: reply.Detail})
}

func (s *Server) health(c *gin.Context) {
	if s.pinger == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	if err := s.pinger.Ping(ctx); err != nil {
		s.logger.Warn("health check failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "detail": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func statusCode(status sandbox.ReplyStatus) int {
	switch status {
	case sandbox.ReplyOK:
		return http.StatusOK
	case sandbox.ReplyRejected:
		return http.StatusBadRequest
	case sandbox.ReplyTimedOut:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}
