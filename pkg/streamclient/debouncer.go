package streamclient

import (
	"encoding/json"
	"sync"
	"time"
)

// DebounceDelay is how long a buffered assistant record waits for more
// events before flushing on its own.
const DebounceDelay = 250 * time.Millisecond

// Consumer turns the raw event stream into records. Two guarantees:
//
//   - onRecord callbacks run strictly in arrival order (a serialized
//     record queue, not the caller's goroutine).
//   - An assistant_end buffers the assistant text plus collected tool
//     calls; the buffered record flushes after DebounceDelay of quiet, or
//     immediately when a tool_result, assistant_start, error, done, or
//     eof arrives. The flush reason is propagated for debuggability.
type Consumer struct {
	mu        sync.Mutex
	text      string
	toolCalls []ToolCallInfo
	buffered  *Record
	timer     *time.Timer

	queue  chan Record
	done   chan struct{}
	closed bool
}

// NewConsumer starts the record queue worker.
func NewConsumer(onRecord func(Record)) *Consumer {
	c := &Consumer{
		queue: make(chan Record, 16),
		done:  make(chan struct{}),
	}
	go func() {
		defer close(c.done)
		for rec := range c.queue {
			onRecord(rec)
		}
	}()
	return c
}

// Feed processes one event. Callers feed events in stream order.
func (c *Consumer) Feed(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch ev.Type {
	case "assistant_start":
		c.flushLocked("assistant_start")
		c.text = ""
		c.toolCalls = nil

	case "delta":
		var payload struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(ev.Data, &payload); err == nil {
			c.text += payload.Text
		}

	case "final":
		// Authoritative text; deltas may have been coalesced away.
		var payload struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(ev.Data, &payload); err == nil {
			c.text = payload.Text
		}

	case "tool_call":
		var call ToolCallInfo
		if err := json.Unmarshal(ev.Data, &call); err == nil {
			c.toolCalls = append(c.toolCalls, call)
		}

	case "assistant_end":
		c.buffered = &Record{
			Type:      "assistant",
			Text:      c.text,
			ToolCalls: c.toolCalls,
		}
		c.armTimerLocked()

	case "tool_result":
		c.flushLocked("tool_result")
		c.emitLocked(Record{Type: "tool_result", Result: ev.Data, Reason: "tool_result"})

	case "error":
		c.flushLocked("error")
		var payload struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(ev.Data, &payload)
		c.emitLocked(Record{Type: "error", Error: payload.Message, Reason: "error"})

	case "done":
		c.flushLocked("done")
	}
}

// Close flushes any buffered record with reason eof and stops the queue.
// It blocks until every queued record has been delivered.
func (c *Consumer) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.flushLocked("eof")
	c.closed = true
	c.mu.Unlock()

	close(c.queue)
	<-c.done
}

func (c *Consumer) armTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(DebounceDelay, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.flushLocked("debounce")
	})
}

func (c *Consumer) flushLocked(reason string) {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.buffered == nil {
		return
	}
	rec := *c.buffered
	rec.Reason = reason
	c.buffered = nil
	c.emitLocked(rec)
}

func (c *Consumer) emitLocked(rec Record) {
	if c.closed {
		return
	}
	c.queue <- rec
}
