package handlers

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/eclia/eclia/gateway/internal/domain/entity"
	"github.com/eclia/eclia/gateway/internal/infrastructure/artifacts"
	"go.uber.org/zap"
)

// ArtifactHandler streams externalized tool outputs back to adapters.
type ArtifactHandler struct {
	store  *artifacts.Store
	logger *zap.Logger
}

// NewArtifactHandler creates the handler.
func NewArtifactHandler(store *artifacts.Store, logger *zap.Logger) *ArtifactHandler {
	return &ArtifactHandler{store: store, logger: logger}
}

// Get handles GET /api/artifacts?path=<session>/<file>. Paths resolving
// outside the artifact root are rejected before touching the filesystem.
func (h *ArtifactHandler) Get(c *gin.Context) {
	relPath := c.Query("path")
	if relPath == "" {
		writeError(c, http.StatusBadRequest, entity.NewGatewayError(entity.ErrBadRequest, "path query parameter is required"))
		return
	}

	f, err := h.store.Open(relPath)
	if err != nil {
		h.logger.Warn("Artifact fetch failed", zap.String("path", relPath), zap.Error(err))
		writeError(c, http.StatusNotFound, entity.NewGatewayError(entity.ErrNotFound, "artifact not found"))
		return
	}
	defer f.Close()

	c.Header("Content-Type", "text/plain; charset=utf-8")
	c.Status(http.StatusOK)
	_, _ = io.Copy(c.Writer, f)
}
