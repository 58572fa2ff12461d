package openai

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/eclia/eclia/gateway/internal/domain/entity"
	"github.com/eclia/eclia/gateway/internal/infrastructure/llm"
	"go.uber.org/zap"
)

// callEntry is one in-flight tool call being assembled from deltas.
type callEntry struct {
	id    string
	name  string
	args  string
	index *int
}

// ToolCallAccumulator assembles tool calls from streamed fragments. Each
// delta is attributed to exactly one entry. Keying policy, in order:
//
//  1. Delta carries an index: reuse the entry mapped to that index, else the
//     entry mapped to the delta's id (binding the index to it), else a fresh
//     "i:<index>" entry.
//  2. No index and no id, and exactly one unindexed entry exists: bind to it.
//     (Some proxies emit an id-bearing opener and then bare argument shards.)
//  3. Id but no index: "id:<id>", remembered as unindexed.
//  4. Otherwise an anonymous "anon:<counter>:<position>" entry.
type ToolCallAccumulator struct {
	entries     map[string]*callEntry
	byIndex     map[int]string
	byID        map[string]string
	unindexed   map[string]struct{}
	order       []string
	anonCounter int
}

// NewToolCallAccumulator returns an empty accumulator.
func NewToolCallAccumulator() *ToolCallAccumulator {
	return &ToolCallAccumulator{
		entries:   make(map[string]*callEntry),
		byIndex:   make(map[int]string),
		byID:      make(map[string]string),
		unindexed: make(map[string]struct{}),
	}
}

// Add folds one tool-call delta into the accumulator. position is the
// delta's slot within its frame's tool_calls array.
func (a *ToolCallAccumulator) Add(d toolCallDelta, position int) {
	var key string
	switch {
	case d.Index != nil:
		if k, ok := a.byIndex[*d.Index]; ok {
			key = k
		} else if d.ID != "" {
			if k, ok := a.byID[d.ID]; ok {
				key = k
				a.byIndex[*d.Index] = k
				delete(a.unindexed, k)
			}
		}
		if key == "" {
			key = "i:" + strconv.Itoa(*d.Index)
			a.byIndex[*d.Index] = key
		}
	case d.ID == "" && len(a.unindexed) == 1:
		for k := range a.unindexed {
			key = k
		}
	case d.ID != "":
		key = "id:" + d.ID
		if _, ok := a.entries[key]; !ok {
			a.unindexed[key] = struct{}{}
		}
	default:
		key = fmt.Sprintf("anon:%d:%d", a.anonCounter, position)
		a.anonCounter++
	}

	entry, ok := a.entries[key]
	if !ok {
		entry = &callEntry{}
		a.entries[key] = entry
		a.order = append(a.order, key)
	}
	if d.ID != "" {
		entry.id = d.ID
		a.byID[d.ID] = key
	}
	if d.Index != nil {
		idx := *d.Index
		entry.index = &idx
	}
	if d.Function.Name != "" {
		entry.name = d.Function.Name
	}
	// Argument shards follow the same cumulative-or-append rule as text.
	entry.args, _ = llm.MergeStreamingText(entry.args, d.Function.Arguments)
}

// Len reports the number of entries assembled so far.
func (a *ToolCallAccumulator) Len() int { return len(a.entries) }

// Calls returns the assembled tool calls in arrival order, synthesizing
// ids for entries the upstream never named.
func (a *ToolCallAccumulator) Calls() []entity.ToolCall {
	calls := make([]entity.ToolCall, 0, len(a.order))
	for i, key := range a.order {
		entry := a.entries[key]
		id := entry.id
		if id == "" {
			id = fmt.Sprintf("call_auto_%d", i)
		}
		args := entry.args
		if args == "" {
			args = "{}"
		}
		calls = append(calls, entity.ToolCall{
			ID:      id,
			Index:   entry.index,
			Name:    entry.name,
			ArgsRaw: args,
		})
	}
	return calls
}

// ParseStream consumes an OpenAI-compatible SSE body until `data: [DONE]`,
// EOF, or an error frame. Assistant text is de-duplicated against
// cumulative-streaming proxies; only new suffixes reach onDelta.
func ParseStream(ctx context.Context, reader io.Reader, onDelta func(string), logger *zap.Logger) (*entity.TurnResult, error) {
	tReader := &timedReader{r: reader, timeout: idleTimeout}
	scanner := bufio.NewScanner(tReader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024) // 1MB max line

	var text string
	acc := NewToolCallAccumulator()
	var finishReason string

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var frame streamFrame
		if err := json.Unmarshal([]byte(data), &frame); err != nil {
			logger.Debug("Skip unparseable SSE frame", zap.Error(err))
			continue
		}

		if frame.Error != nil {
			return nil, entity.NewGatewayError(entity.ErrUpstreamStream, frame.Error.Message)
		}
		if len(frame.Choices) == 0 {
			continue
		}

		choice := frame.Choices[0]
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			finishReason = *choice.FinishReason
		}
		payload := choice.payload()
		if payload == nil {
			continue
		}

		if payload.Content != nil && *payload.Content != "" {
			var suffix string
			text, suffix = llm.MergeStreamingText(text, *payload.Content)
			if suffix != "" && onDelta != nil {
				onDelta(suffix)
			}
		}

		for pos, tc := range payload.ToolCalls {
			acc.Add(tc, pos)
		}
		if payload.FunctionCall != nil {
			// Legacy single-function form; treat as an unindexed, id-less
			// delta so the size-1 heuristic binds continuation shards.
			acc.Add(toolCallDelta{Function: *payload.FunctionCall}, 0)
		}
	}

	if err := scanner.Err(); err != nil {
		if isIdleTimeout(err) {
			logger.Warn("SSE stream idle timeout",
				zap.Duration("idle_timeout", idleTimeout),
			)
			if text == "" && acc.Len() == 0 {
				return nil, entity.NewGatewayError(entity.ErrUpstreamStream,
					fmt.Sprintf("stream stalled: no data for %v", idleTimeout))
			}
			// Partial turn; surface what arrived.
		} else {
			return nil, entity.NewGatewayError(entity.ErrUpstreamStream, err.Error())
		}
	}

	calls := acc.Calls()
	if finishReason == "" && len(calls) > 0 {
		finishReason = "tool_calls"
	}
	return &entity.TurnResult{
		AssistantText: text,
		ToolCalls:     calls,
		FinishReason:  finishReason,
	}, nil
}

// --- idle timeout support ---

const idleTimeout = 60 * time.Second

var errIdleTimeout = fmt.Errorf("sse read idle timeout")

// timedReader applies a per-Read deadline so a stalled upstream cannot
// hold the turn open forever.
type timedReader struct {
	r       io.Reader
	timeout time.Duration
}

func (t *timedReader) Read(p []byte) (int, error) {
	type result struct {
		n   int
		err error
	}
	ch := make(chan result, 1)
	go func() {
		n, err := t.r.Read(p)
		ch <- result{n, err}
	}()

	select {
	case res := <-ch:
		return res.n, res.err
	case <-time.After(t.timeout):
		return 0, errIdleTimeout
	}
}

func isIdleTimeout(err error) bool {
	return err != nil && strings.Contains(err.Error(), errIdleTimeout.Error())
}
