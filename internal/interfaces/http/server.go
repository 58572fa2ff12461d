package http

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/eclia/eclia/gateway/internal/application"
	"github.com/eclia/eclia/gateway/internal/infrastructure/artifacts"
	"github.com/eclia/eclia/gateway/internal/infrastructure/config"
	"github.com/eclia/eclia/gateway/internal/interfaces/http/handlers"
	"go.uber.org/zap"
)

// Server is the gateway HTTP listener.
type Server struct {
	server *http.Server
	logger *zap.Logger
}

// Config is the HTTP listener configuration.
type Config struct {
	Host string
	Port int
	Mode string // debug, release
}

// NewServer builds the router and handlers.
func NewServer(cfg Config, orch *application.Orchestrator, store *artifacts.Store, tokens *config.TokenSource, logger *zap.Logger) *Server {
	if cfg.Mode == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(logger))

	chatHandler := handlers.NewChatHandler(orch, logger)
	sessionHandler := handlers.NewSessionHandler(orch, logger)
	approvalHandler := handlers.NewApprovalHandler(orch.Approvals(), logger)
	artifactHandler := handlers.NewArtifactHandler(store, logger)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"time":   time.Now().Unix(),
		})
	})

	api := router.Group("/api")
	api.Use(bearerAuth(tokens, logger))
	{
		api.POST("/chat", chatHandler.Chat)
		api.POST("/sessions", sessionHandler.Create)
		api.GET("/sessions", sessionHandler.List)
		api.POST("/sessions/:id/reset", sessionHandler.Reset)
		api.POST("/tool-approvals", approvalHandler.Decide)
		api.GET("/artifacts", artifactHandler.Get)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	return &Server{
		server: &http.Server{Addr: addr, Handler: router},
		logger: logger,
	}
}

// Start binds the listener synchronously, so a taken port surfaces as an
// error here, then serves in the background.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", s.server.Addr, err)
	}
	s.logger.Info("HTTP server listening", zap.String("address", s.server.Addr))

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	return nil
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server")
	return s.server.Shutdown(ctx)
}

// bearerAuth enforces the shared gateway token on /api/*. An empty token
// disables auth entirely.
func bearerAuth(tokens *config.TokenSource, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := tokens.Token()
		if token == "" {
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		presented, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
			logger.Warn("Rejected unauthenticated request",
				zap.String("path", c.Request.URL.Path),
				zap.String("remote", c.ClientIP()),
			)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"code": "unauthorized", "message": "missing or invalid bearer token"},
			})
			return
		}
		c.Next()
	}
}

// ginLogger logs one line per request.
func ginLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
