package codex

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// CodeUnsupportedRequest is returned for server requests we do not handle.
	CodeUnsupportedRequest = -32000

	maxStderrLines = 50
	maxStrayLines  = 50
)

type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// ServerHandler handles inbound requests from the child (approval prompts,
// token-refresh prompts). Returning an error produces a JSON-RPC error
// response.
type ServerHandler func(method string, params json.RawMessage) (interface{}, error)

// notifyWaiter is a one-shot listener for a notification matching a
// method and predicate.
type notifyWaiter struct {
	method    string
	predicate func(json.RawMessage) bool
	ch        chan json.RawMessage
}

// Client runs a child process speaking line-delimited JSON-RPC 2.0 over
// stdio, acting as both RPC client and server.
type Client struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	logger *zap.Logger

	writeMu sync.Mutex

	mu       sync.Mutex
	pending  map[interface{}]chan *rpcMessage
	waiters  []*notifyWaiter
	onNotify func(method string, params json.RawMessage)
	handler  ServerHandler
	nextID   int64

	// Exit diagnostics. stderr and any non-JSON stdout lines are retained
	// so a crash can explain itself.
	stderrTail []string
	strayOut   []string
	exitErr    error
	exited     chan struct{}

	closeOnce sync.Once
}

// Spawn starts the binary with piped stdio and begins reading.
func Spawn(bin string, args []string, logger *zap.Logger) (*Client, error) {
	cmd := exec.Command(bin, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", bin, err)
	}

	c := &Client{
		cmd:     cmd,
		stdin:   stdin,
		logger:  logger,
		pending: make(map[interface{}]chan *rpcMessage),
		exited:  make(chan struct{}),
	}
	go c.readLoop(stdout)
	go c.stderrLoop(stderr)
	go c.waitLoop()
	return c, nil
}

// NewClient wires a client over explicit pipes; used by tests that fake the
// child with in-process pipes.
func NewClient(stdin io.WriteCloser, stdout io.Reader, logger *zap.Logger) *Client {
	c := &Client{
		stdin:   stdin,
		logger:  logger,
		pending: make(map[interface{}]chan *rpcMessage),
		exited:  make(chan struct{}),
	}
	go func() {
		c.readLoop(stdout)
		c.failAll(fmt.Errorf("transport closed"))
	}()
	return c
}

// SetServerHandler installs the handler for inbound child requests.
func (c *Client) SetServerHandler(h ServerHandler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// OnNotification installs a persistent listener for every notification.
func (c *Client) OnNotification(fn func(method string, params json.RawMessage)) {
	c.mu.Lock()
	c.onNotify = fn
	c.mu.Unlock()
}

// Request sends a request and waits for its response.
func (c *Client) Request(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	c.mu.Lock()
	if c.exitErr != nil {
		err := c.exitErr
		c.mu.Unlock()
		return nil, err
	}
	c.nextID++
	id := c.nextID
	ch := make(chan *rpcMessage, 1)
	c.pending[normalizeID(id)] = ch
	c.mu.Unlock()

	if err := c.write(&rpcMessage{JSONRPC: "2.0", ID: id, Method: method, Params: marshalParams(params)}); err != nil {
		c.mu.Lock()
		delete(c.pending, normalizeID(id))
		c.mu.Unlock()
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp == nil {
			return nil, c.exitError()
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, normalizeID(id))
		c.mu.Unlock()
		return nil, ctx.Err()
	case <-c.exited:
		return nil, c.exitError()
	}
}

// Notify sends a notification (no response expected).
func (c *Client) Notify(method string, params interface{}) error {
	return c.write(&rpcMessage{JSONRPC: "2.0", Method: method, Params: marshalParams(params)})
}

// WaitNotification blocks until a notification with the method arrives and
// the predicate accepts its params, or the timeout/exit fires. A nil
// predicate accepts anything.
func (c *Client) WaitNotification(ctx context.Context, method string, predicate func(json.RawMessage) bool, timeout time.Duration) (json.RawMessage, error) {
	w := &notifyWaiter{method: method, predicate: predicate, ch: make(chan json.RawMessage, 1)}
	c.mu.Lock()
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case params := <-w.ch:
		return params, nil
	case <-timer.C:
		c.removeWaiter(w)
		return nil, fmt.Errorf("timed out after %v waiting for %s", timeout, method)
	case <-ctx.Done():
		c.removeWaiter(w)
		return nil, ctx.Err()
	case <-c.exited:
		return nil, c.exitError()
	}
}

// Close closes stdin, kills the child, and fails everything pending.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		_ = c.stdin.Close()
		if c.cmd != nil && c.cmd.Process != nil {
			_ = c.cmd.Process.Kill()
		}
	})
}

// Exited is closed once the child has exited.
func (c *Client) Exited() <-chan struct{} { return c.exited }

func (c *Client) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}

		var msg rpcMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			c.mu.Lock()
			if len(c.strayOut) < maxStrayLines {
				c.strayOut = append(c.strayOut, string(line))
			}
			c.mu.Unlock()
			continue
		}

		switch {
		case msg.ID != nil && msg.Method == "":
			// Response to one of our requests.
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

		case msg.ID != nil:
			// Inbound request from the child.
			go c.handleServerRequest(&msg)

		case msg.Method != "":
			c.dispatchNotification(msg.Method, msg.Params)
		}
	}
}

func (c *Client) handleServerRequest(msg *rpcMessage) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()

	if h != nil {
		result, err := h(msg.Method, msg.Params)
		if err == nil {
			_ = c.write(&rpcMessage{JSONRPC: "2.0", ID: msg.ID, Result: marshalParams(result)})
			return
		}
		_ = c.write(&rpcMessage{JSONRPC: "2.0", ID: msg.ID, Error: &rpcError{Code: CodeUnsupportedRequest, Message: err.Error()}})
		return
	}
	_ = c.write(&rpcMessage{JSONRPC: "2.0", ID: msg.ID, Error: &rpcError{
		Code:    CodeUnsupportedRequest,
		Message: "Unsupported server request: " + msg.Method,
	}})
}

func (c *Client) dispatchNotification(method string, params json.RawMessage) {
	c.mu.Lock()
	onNotify := c.onNotify
	var matched *notifyWaiter
	for i, w := range c.waiters {
		if w.method != method {
			continue
		}
		if w.predicate == nil || w.predicate(params) {
			matched = w
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			break
		}
	}
	c.mu.Unlock()

	if onNotify != nil {
		onNotify(method, params)
	}
	if matched != nil {
		matched.ch <- params
	}
}

func (c *Client) stderrLoop(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		c.mu.Lock()
		c.stderrTail = append(c.stderrTail, scanner.Text())
		if len(c.stderrTail) > maxStderrLines {
			c.stderrTail = c.stderrTail[len(c.stderrTail)-maxStderrLines:]
		}
		c.mu.Unlock()
	}
}

func (c *Client) waitLoop() {
	err := c.cmd.Wait()

	exitCode := 0
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		} else {
			exitCode = -1
		}
	}
	c.failAll(c.buildExitError(exitCode))
}

// buildExitError composes the diagnostic surfaced to every pending call.
func (c *Client) buildExitError(exitCode int) error {
	c.mu.Lock()
	stderrTail := strings.Join(c.stderrTail, "\n")
	stray := strings.Join(c.strayOut, "\n")
	c.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "codex process exited (code %d)", exitCode)
	if exitCode == 0 {
		b.WriteString(" — this usually means a wrong binary or a too-old CLI that does not speak the app-server protocol")
	}
	if stderrTail != "" {
		b.WriteString("\nstderr:\n" + stderrTail)
	}
	if stray != "" {
		b.WriteString("\nnon-JSON output:\n" + stray)
	}
	return fmt.Errorf("%s", b.String())
}

// failAll records the exit error, closes the exited channel, and drops all
// pending requests and waiters.
func (c *Client) failAll(err error) {
	c.mu.Lock()
	if c.exitErr == nil {
		c.exitErr = err
		close(c.exited)
	}
	pending := c.pending
	c.pending = make(map[interface{}]chan *rpcMessage)
	c.waiters = nil
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- nil
	}
}

func (c *Client) exitError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.exitErr != nil {
		return c.exitErr
	}
	return fmt.Errorf("codex process exited")
}

func (c *Client) removeWaiter(w *notifyWaiter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, x := range c.waiters {
		if x == w {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
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

func marshalParams(params interface{}) json.RawMessage {
	if params == nil {
		return nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil
	}
	return data
}

// normalizeID maps JSON numbers (decoded as float64) and our int64 ids to
// a single key type for the pending map.
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
