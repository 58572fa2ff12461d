package toolhost

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/eclia/eclia/gateway/internal/domain/entity"
	"go.uber.org/zap"
)

// Client owns one long-lived MCP-stdio child. tools/call requests from
// concurrent turns are multiplexed on the shared stream: writes to stdin
// are serialized and responses are correlated by request id.
type Client struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	logger *zap.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[interface{}]chan *rpcMessage
	nextID  int64
	tools   []ToolInfo

	done      chan struct{}
	closeOnce sync.Once
}

// Start spawns the tool host, performs the MCP handshake, and caches the
// advertised tool list.
func Start(ctx context.Context, bin string, args []string, logger *zap.Logger) (*Client, error) {
	cmd := exec.Command(bin, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, entity.NewGatewayError(entity.ErrToolHost, fmt.Sprintf("spawn %s: %v", bin, err))
	}

	c := &Client{
		cmd:     cmd,
		stdin:   stdin,
		logger:  logger,
		pending: make(map[interface{}]chan *rpcMessage),
		done:    make(chan struct{}),
	}
	go c.readLoop(stdout)

	if err := c.handshake(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// NewClient wires a client over explicit pipes; the handshake is the
// caller's job. Used by tests faking the host in-process.
func NewClient(stdin io.WriteCloser, stdout io.Reader, logger *zap.Logger) *Client {
	c := &Client{
		stdin:   stdin,
		logger:  logger,
		pending: make(map[interface{}]chan *rpcMessage),
		done:    make(chan struct{}),
	}
	go c.readLoop(stdout)
	return c
}

// Handshake runs initialize → notifications/initialized → tools/list.
func (c *Client) handshake(ctx context.Context) error {
	params := initializeParams{ProtocolVersion: ProtocolVersion}
	params.ClientInfo = clientInfo{Name: "eclia-gateway", Version: "1"}

	raw, err := c.request(ctx, "initialize", params)
	if err != nil {
		return entity.NewGatewayError(entity.ErrToolHost, fmt.Sprintf("initialize: %v", err))
	}
	var init initializeResult
	if err := json.Unmarshal(raw, &init); err == nil && init.ProtocolVersion != "" && init.ProtocolVersion != ProtocolVersion {
		c.logger.Warn("Tool host protocol version mismatch",
			zap.String("ours", ProtocolVersion),
			zap.String("theirs", init.ProtocolVersion),
		)
	}

	if err := c.notify("notifications/initialized", nil); err != nil {
		return entity.NewGatewayError(entity.ErrToolHost, fmt.Sprintf("initialized: %v", err))
	}

	raw, err = c.request(ctx, "tools/list", struct{}{})
	if err != nil {
		return entity.NewGatewayError(entity.ErrToolHost, fmt.Sprintf("tools/list: %v", err))
	}
	var list toolsListResult
	if err := json.Unmarshal(raw, &list); err != nil {
		return entity.NewGatewayError(entity.ErrToolHost, fmt.Sprintf("tools/list: %v", err))
	}

	c.mu.Lock()
	c.tools = list.Tools
	c.mu.Unlock()
	c.logger.Info("Tool host ready", zap.Int("tools", len(list.Tools)))
	return nil
}

// Tools returns the advertised tool list from the handshake.
func (c *Client) Tools() []ToolInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ToolInfo(nil), c.tools...)
}

// Call invokes one tool on the host. The returned raw JSON is the text
// payload of the call result; ok mirrors !isError.
func (c *Client) Call(ctx context.Context, name string, args map[string]interface{}) (json.RawMessage, bool, error) {
	raw, err := c.request(ctx, "tools/call", toolsCallParams{Name: name, Arguments: args})
	if err != nil {
		return nil, false, entity.NewGatewayError(entity.ErrToolHost, err.Error())
	}
	var result CallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, false, entity.NewGatewayError(entity.ErrToolHost, fmt.Sprintf("tools/call result: %v", err))
	}

	text := result.Text()
	if !json.Valid([]byte(text)) {
		// Hosts may return plain text; wrap it so the transcript stays JSON.
		wrapped, _ := json.Marshal(map[string]string{"text": text})
		return wrapped, !result.IsError, nil
	}
	return json.RawMessage(text), !result.IsError, nil
}

// Close closes stdin and kills the child.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		_ = c.stdin.Close()
		if c.cmd != nil && c.cmd.Process != nil {
			_ = c.cmd.Process.Kill()
			_ = c.cmd.Wait()
		}
	})
}

func (c *Client) request(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}

	c.mu.Lock()
	c.nextID++
	id := c.nextID
	ch := make(chan *rpcMessage, 1)
	c.pending[normalizeID(id)] = ch
	c.mu.Unlock()

	if err := c.write(&rpcMessage{JSONRPC: "2.0", ID: id, Method: method, Params: data}); err != nil {
		c.mu.Lock()
		delete(c.pending, normalizeID(id))
		c.mu.Unlock()
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, normalizeID(id))
		c.mu.Unlock()
		return nil, ctx.Err()
	case <-c.done:
		return nil, fmt.Errorf("tool host connection closed")
	}
}

func (c *Client) notify(method string, params interface{}) error {
	var data json.RawMessage
	if params != nil {
		var err error
		data, err = json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
	}
	return c.write(&rpcMessage{JSONRPC: "2.0", Method: method, Params: data})
}

func (c *Client) readLoop(stdout io.Reader) {
	defer close(c.done)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg rpcMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			c.logger.Debug("Tool host emitted non-JSON line", zap.ByteString("line", line))
			continue
		}
		if msg.ID == nil {
			// Notifications from the host are not consumed.
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[normalizeID(msg.ID)]
		if ok {
			delete(c.pending, normalizeID(msg.ID))
		}
		c.mu.Unlock()

		if ch != nil {
			m := msg
			ch <- &m
		}
	}
}

func (c *Client) write(msg *rpcMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.stdin.Write(data)
	return err
}

// normalizeID keys the pending map consistently; JSON numbers decode as
// float64.
func normalizeID(id interface{}) interface{} {
	switch v := id.(type) {
	case float64:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return id
}
