package toolhost

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/eclia/eclia/gateway/internal/domain/tool"
	"github.com/eclia/eclia/gateway/internal/infrastructure/execrunner"
	"go.uber.org/zap"
)

// Server is the MCP-stdio side of the tool host: it reads newline-delimited
// JSON-RPC from in, exposes the exec tool, and refuses tools/* until the
// client has sent notifications/initialized.
type Server struct {
	in     io.Reader
	out    io.Writer
	outMu  sync.Mutex
	runner *execrunner.Runner
	logger *zap.Logger

	initialized bool
}

// NewServer wires a server over explicit streams.
func NewServer(in io.Reader, out io.Writer, runner *execrunner.Runner, logger *zap.Logger) *Server {
	return &Server{in: in, out: out, runner: runner, logger: logger}
}

// Serve processes messages until the input stream closes.
func (s *Server) Serve(ctx context.Context) error {
	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg rpcMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			s.respondError(nil, CodeParseError, "invalid JSON")
			continue
		}

		if msg.ID == nil {
			s.handleNotification(&msg)
			continue
		}
		s.handleRequest(ctx, &msg)
	}
	return scanner.Err()
}

func (s *Server) handleNotification(msg *rpcMessage) {
	switch msg.Method {
	case "notifications/initialized":
		s.initialized = true
		s.logger.Info("Client initialized")
	default:
		// Unknown notifications are ignored per JSON-RPC.
	}
}

func (s *Server) handleRequest(ctx context.Context, msg *rpcMessage) {
	switch msg.Method {
	case "initialize":
		s.respond(msg.ID, map[string]interface{}{
			"protocolVersion": ProtocolVersion,
			"capabilities":    map[string]interface{}{"tools": map[string]interface{}{}},
			"serverInfo":      map[string]string{"name": "eclia-toolhost", "version": "1"},
		})

	case "tools/list":
		if !s.initialized {
			s.respondError(msg.ID, CodeNotInitialized, "notifications/initialized not received")
			return
		}
		s.respond(msg.ID, toolsListResult{Tools: []ToolInfo{execToolInfo()}})

	case "tools/call":
		if !s.initialized {
			s.respondError(msg.ID, CodeNotInitialized, "notifications/initialized not received")
			return
		}
		s.handleCall(ctx, msg)

	default:
		s.respondError(msg.ID, CodeMethodNotFound, "unknown method: "+msg.Method)
	}
}

func (s *Server) handleCall(ctx context.Context, msg *rpcMessage) {
	var params toolsCallParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		s.respondError(msg.ID, CodeInvalidParams, err.Error())
		return
	}
	if params.Name != "exec" {
		s.respondError(msg.ID, CodeInvalidParams, "unknown tool: "+params.Name)
		return
	}

	var req tool.ExecRequest
	argsRaw, err := json.Marshal(params.Arguments)
	if err == nil {
		err = json.Unmarshal(argsRaw, &req)
	}
	if err != nil {
		s.respondError(msg.ID, CodeInvalidParams, err.Error())
		return
	}

	result := s.runner.Run(ctx, req)
	payload, err := json.Marshal(result)
	if err != nil {
		s.respondError(msg.ID, CodeInvalidParams, err.Error())
		return
	}
	s.respond(msg.ID, CallResult{
		Content: []ContentItem{{Type: "text", Text: string(payload)}},
		IsError: !result.OK,
	})
}

func (s *Server) respond(id interface{}, result interface{}) {
	raw, err := json.Marshal(result)
	if err != nil {
		s.respondError(id, CodeInvalidRequest, err.Error())
		return
	}
	s.write(&rpcMessage{JSONRPC: "2.0", ID: id, Result: raw})
}

func (s *Server) respondError(id interface{}, code int, message string) {
	s.write(&rpcMessage{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: message}})
}

func (s *Server) write(msg *rpcMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("Encode response failed", zap.Error(err))
		return
	}
	data = append(data, '\n')

	s.outMu.Lock()
	defer s.outMu.Unlock()
	if _, err := s.out.Write(data); err != nil {
		s.logger.Error("Write response failed", zap.Error(err))
	}
}

// execToolInfo describes the exec tool to MCP clients.
func execToolInfo() ToolInfo {
	return ToolInfo{
		Name:        "exec",
		Description: "Run a shell command in the project workspace and capture its output",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"cmd":            map[string]interface{}{"type": "string", "description": "executable to run directly"},
				"args":           map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
				"command":        map[string]interface{}{"type": "string", "description": "full shell command line"},
				"cwd":            map[string]interface{}{"type": "string"},
				"timeoutMs":      map[string]interface{}{"type": "integer"},
				"maxStdoutBytes": map[string]interface{}{"type": "integer"},
				"maxStderrBytes": map[string]interface{}{"type": "integer"},
				"env":            map[string]interface{}{"type": "object", "additionalProperties": map[string]interface{}{"type": "string"}},
			},
		},
	}
}
