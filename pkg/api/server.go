package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/vjranagit/loopstore/pkg/storage"
)

const defaultTimeout = 30 * time.Second

// Server implements the HTTP API server
type Server struct {
	storage storage.Storage
	addr    string
	timeout time.Duration
	log     *zap.SugaredLogger
	server  *http.Server
	once    sync.Once
}

// NewServer creates a new API server. A nil logger discards logs.
func NewServer(addr string, store storage.Storage, log *zap.SugaredLogger) *Server {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Server{
		storage: store,
		addr:    addr,
		timeout: defaultTimeout,
		log:     log,
	}
}

// WithTimeout sets the read and write timeouts of the HTTP server
func (s *Server) WithTimeout(d time.Duration) *Server {
	if d > 0 {
		s.timeout = d
	}
	return s
}

// Handler builds the router with every route registered
func (s *Server) Handler() http.Handler {
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())

	router.GET("/health", s.handleHealth)
	router.GET("/metrics", s.handleMetrics)

	v1 := router.Group("/api/v1")
	{
		v1.POST("/write", s.handleWrite)
		v1.GET("/query", s.handleQuery)
		v1.GET("/closest", s.handleClosest)
		v1.GET("/span", s.handleSpan)
	}

	return router
}

// httpServer builds the underlying server once, so Stop before Start
// leaves Start returning http.ErrServerClosed
func (s *Server) httpServer() *http.Server {
	s.once.Do(func() {
		s.server = &http.Server{
			Addr:         s.addr,
			Handler:      s.Handler(),
			ReadTimeout:  s.timeout,
			WriteTimeout: s.timeout,
		}
	})
	return s.server
}

// Start starts the HTTP server
func (s *Server) Start() error {
	return s.httpServer().ListenAndServe()
}

// Stop stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer().Shutdown(ctx)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debugw("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
