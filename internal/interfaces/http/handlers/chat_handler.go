package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/eclia/eclia/gateway/internal/application"
	"github.com/eclia/eclia/gateway/internal/domain/entity"
	"github.com/eclia/eclia/gateway/internal/domain/service"
	"go.uber.org/zap"
)

// ChatHandler streams chat turns over SSE.
type ChatHandler struct {
	orch   *application.Orchestrator
	logger *zap.Logger
}

// NewChatHandler creates the handler.
func NewChatHandler(orch *application.Orchestrator, logger *zap.Logger) *ChatHandler {
	return &ChatHandler{orch: orch, logger: logger}
}

type chatRequest struct {
	SessionID      string             `json:"sessionId"`
	UserText       string             `json:"userText"`
	Upstream       string             `json:"upstream"`
	Model          string             `json:"model"`
	ToolAccessMode string             `json:"toolAccessMode"`
	StreamMode     string             `json:"streamMode"` // full | final
	Origin         *entity.Origin     `json:"origin"`
	Overrides      map[string]float64 `json:"overrides"`
	Debug          bool               `json:"debug"`
}

// Chat handles POST /api/chat. The response is an SSE stream; `final`
// stream mode suppresses the per-token delta events.
func (h *ChatHandler) Chat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, entity.NewGatewayError(entity.ErrBadRequest, err.Error()))
		return
	}
	if !entity.ValidSessionID(req.SessionID) {
		writeError(c, http.StatusBadRequest, entity.NewGatewayError(entity.ErrInvalidSessionID,
			"session id must match [A-Za-z0-9_-]{1,120}"))
		return
	}
	if req.UserText == "" {
		writeError(c, http.StatusBadRequest, entity.NewGatewayError(entity.ErrBadRequest, "userText is required"))
		return
	}

	mode := service.AccessSafe
	if req.ToolAccessMode == string(service.AccessFull) {
		mode = service.AccessFull
	}
	finalOnly := req.StreamMode == "final"

	origin := entity.Origin{Kind: entity.OriginOther}
	if req.Origin != nil {
		origin = *req.Origin
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	flusher, _ := c.Writer.(http.Flusher)

	events := h.orch.RunChat(c.Request.Context(), application.ChatRequest{
		SessionID:      req.SessionID,
		UserText:       req.UserText,
		Upstream:       req.Upstream,
		Model:          req.Model,
		ToolAccessMode: mode,
		Origin:         origin,
		Overrides:      req.Overrides,
		Debug:          req.Debug,
	})

	writeStream(c, flusher, events, finalOnly)
}

// writeStream forwards orchestrator events as SSE frames. Final mode
// carries only the turn skeleton: meta, final, error, done.
func writeStream(c *gin.Context, flusher http.Flusher, events <-chan entity.StreamEvent, finalOnly bool) {
	for ev := range events {
		if finalOnly && !finalModeEvent(ev.Type) {
			continue
		}
		writeSSE(c, flusher, ev)
	}
}

func finalModeEvent(t entity.StreamEventType) bool {
	switch t {
	case entity.EventMeta, entity.EventFinal, entity.EventError, entity.EventDone:
		return true
	}
	return false
}

// writeSSE writes one `event: <name>\ndata: <json>\n\n` block.
func writeSSE(c *gin.Context, flusher http.Flusher, ev entity.StreamEvent) {
	data, err := json.Marshal(eventPayload(ev))
	if err != nil {
		return
	}
	fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", ev.Type, data)
	if flusher != nil {
		flusher.Flush()
	}
}

// eventPayload picks the JSON body for each event type.
func eventPayload(ev entity.StreamEvent) interface{} {
	switch ev.Type {
	case entity.EventMeta:
		return ev.Meta
	case entity.EventDelta, entity.EventFinal:
		return gin.H{"text": ev.Text}
	case entity.EventToolCall:
		return ev.ToolCall
	case entity.EventToolResult:
		return ev.ToolResult
	case entity.EventError:
		return gin.H{"message": ev.Error}
	default:
		return gin.H{}
	}
}

// writeError renders the shared error envelope.
func writeError(c *gin.Context, status int, err error) {
	if ge, ok := err.(*entity.GatewayError); ok {
		c.JSON(status, gin.H{"error": ge})
		return
	}
	c.JSON(status, gin.H{"error": gin.H{"code": "internal", "message": err.Error()}})
}
