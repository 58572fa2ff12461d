package http

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/eclia/eclia/gateway/internal/infrastructure/config"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func newAuthRouter(t *testing.T, token string) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	t.Setenv(config.TokenEnv, token)
	tokens := config.NewTokenSource(t.TempDir(), zap.NewNop())
	t.Cleanup(tokens.Close)

	router := gin.New()
	router.Use(bearerAuth(tokens, zap.NewNop()))
	router.GET("/probe", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	return router
}

func probe(router *gin.Engine, authHeader string) int {
	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w.Code
}

// === Test: bearer token enforcement ===

func TestBearerAuth(t *testing.T) {
	router := newAuthRouter(t, "secret-token")

	if code := probe(router, "Bearer secret-token"); code != http.StatusNoContent {
		t.Fatalf("valid token rejected: %d", code)
	}
	if code := probe(router, "Bearer wrong"); code != http.StatusUnauthorized {
		t.Fatalf("wrong token accepted: %d", code)
	}
	if code := probe(router, ""); code != http.StatusUnauthorized {
		t.Fatalf("missing header accepted: %d", code)
	}
	// The scheme must be Bearer, not raw.
	if code := probe(router, "secret-token"); code != http.StatusUnauthorized {
		t.Fatalf("raw token without scheme accepted: %d", code)
	}
}

// === Test: an empty token disables auth ===

func TestBearerAuth_Disabled(t *testing.T) {
	router := newAuthRouter(t, "")

	if code := probe(router, ""); code != http.StatusNoContent {
		t.Fatalf("auth should be disabled with no token: %d", code)
	}
}

// === Test: a taken port fails Start synchronously ===

func TestServerStart_BindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	s := &Server{
		server: &http.Server{Addr: ln.Addr().String(), Handler: http.NotFoundHandler()},
		logger: zap.NewNop(),
	}
	if err := s.Start(context.Background()); err == nil {
		t.Fatalf("expected bind error on taken port")
	}
}

// === Test: a free port binds and shuts down cleanly ===

func TestServerStart_Stop(t *testing.T) {
	s := &Server{
		server: &http.Server{Addr: "127.0.0.1:0", Handler: http.NotFoundHandler()},
		logger: zap.NewNop(),
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
}
