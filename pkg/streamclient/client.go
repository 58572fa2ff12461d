package streamclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ChatParams is the /api/chat request body.
type ChatParams struct {
	SessionID      string             `json:"sessionId"`
	UserText       string             `json:"userText"`
	Upstream       string             `json:"upstream,omitempty"`
	Model          string             `json:"model,omitempty"`
	ToolAccessMode string             `json:"toolAccessMode,omitempty"`
	StreamMode     string             `json:"streamMode,omitempty"`
	Overrides      map[string]float64 `json:"overrides,omitempty"`
}

// Client talks to a gateway instance.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// New creates a client for the gateway at baseURL.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Token:      token,
		HTTPClient: &http.Client{},
	}
}

// Chat runs one turn, invoking onEvent per raw SSE event (optional) and
// onRecord per coalesced record. It returns after the stream closes.
func (c *Client) Chat(ctx context.Context, params ChatParams, onEvent func(Event), onRecord func(Record)) error {
	body, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("chat request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("gateway returned %d: %s", resp.StatusCode, strings.TrimSpace(string(errBody)))
	}

	consumer := NewConsumer(onRecord)
	defer consumer.Close()

	return ReadEvents(resp.Body, func(ev Event) {
		if onEvent != nil {
			onEvent(ev)
		}
		consumer.Feed(ev)
	})
}

// ReadEvents parses `event:`/`data:` SSE frames from r, invoking fn per
// complete frame, until EOF.
func ReadEvents(r io.Reader, fn func(Event)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var eventType string
	var data bytes.Buffer
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			eventType = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data.WriteString(strings.TrimPrefix(line, "data: "))
		case line == "":
			if eventType != "" {
				fn(Event{Type: eventType, Data: json.RawMessage(append([]byte(nil), data.Bytes()...))})
			}
			eventType = ""
			data.Reset()
		}
	}
	return scanner.Err()
}

// Approve resolves a pending tool approval.
func (c *Client) Approve(ctx context.Context, approvalID, sessionID, decision string) error {
	body, _ := json.Marshal(map[string]string{
		"approvalId": approvalID,
		"sessionId":  sessionID,
		"decision":   decision,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/tool-approvals", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("approval failed (%d): %s", resp.StatusCode, strings.TrimSpace(string(errBody)))
	}
	return nil
}
