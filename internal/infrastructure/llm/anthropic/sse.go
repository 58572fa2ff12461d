package anthropic

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/eclia/eclia/gateway/internal/domain/entity"
	"github.com/eclia/eclia/gateway/internal/infrastructure/llm"
	"go.uber.org/zap"
)

// toolUseAccumulator tracks one tool_use block being streamed.
//
// content_block_start may carry a placeholder empty object for input, with
// the real JSON arriving as input_json_delta shards. The two sources are
// kept separate; concatenating them produces invalid "{}{...}".
type toolUseAccumulator struct {
	id        string
	name      string
	startArgs string
	deltaArgs strings.Builder
}

// effectiveArgs resolves the reconstructed argument JSON: delta shards win,
// then non-empty start input, then "{}".
func (a *toolUseAccumulator) effectiveArgs() string {
	if s := a.deltaArgs.String(); s != "" {
		return s
	}
	if a.startArgs != "" {
		return a.startArgs
	}
	return "{}"
}

// ParseStream reads Anthropic's event-based SSE format:
//
//	message_start       → model + initial usage
//	content_block_start → new block (text, tool_use, thinking)
//	content_block_delta → text_delta / input_json_delta
//	message_delta       → stop_reason
//	message_stop        → stream complete
//	error               → upstream failure
func ParseStream(ctx context.Context, reader io.Reader, onDelta func(string), logger *zap.Logger) (*entity.TurnResult, error) {
	tReader := &timedReader{r: reader, timeout: idleTimeout}
	scanner := bufio.NewScanner(tReader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var text string
	var stopReason string
	blocks := make(map[int]*toolUseAccumulator) // block index → accumulator
	var blockOrder []int
	var currentEvent string

stream:
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			currentEvent = strings.TrimPrefix(line, "event: ")
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		var evt streamEvent
		if err := json.Unmarshal([]byte(data), &evt); err != nil {
			logger.Debug("Skip unparseable stream event",
				zap.String("event", currentEvent), zap.Error(err))
			continue
		}

		switch currentEvent {
		case "content_block_start":
			if evt.ContentBlock != nil && evt.ContentBlock.Type == "tool_use" {
				acc := &toolUseAccumulator{
					id:   evt.ContentBlock.ID,
					name: evt.ContentBlock.Name,
				}
				if raw := strings.TrimSpace(string(evt.ContentBlock.Input)); raw != "" && raw != "{}" && raw != "null" {
					acc.startArgs = raw
				}
				blocks[evt.Index] = acc
				blockOrder = append(blockOrder, evt.Index)
			}

		case "content_block_delta":
			if evt.Delta == nil {
				continue
			}
			switch evt.Delta.Type {
			case "text_delta":
				if evt.Delta.Text != "" {
					var suffix string
					text, suffix = llm.MergeStreamingText(text, evt.Delta.Text)
					if suffix != "" && onDelta != nil {
						onDelta(suffix)
					}
				}
			case "input_json_delta":
				if acc, ok := blocks[evt.Index]; ok {
					acc.deltaArgs.WriteString(evt.Delta.PartialJSON)
				}
			case "thinking_delta":
				// Reasoning content is not surfaced.
			}

		case "message_delta":
			if evt.Delta != nil && evt.Delta.StopReason != "" {
				stopReason = evt.Delta.StopReason
			}

		case "message_stop":
			break stream

		case "error":
			msg := "upstream stream error"
			if evt.Error != nil {
				msg = evt.Error.Message
			}
			return nil, entity.NewGatewayError(entity.ErrUpstreamStream, msg)
		}
	}

	if err := scanner.Err(); err != nil {
		if isIdleTimeout(err) {
			logger.Warn("Stream idle timeout", zap.Duration("idle_timeout", idleTimeout))
			if text == "" && len(blocks) == 0 {
				return nil, entity.NewGatewayError(entity.ErrUpstreamStream,
					fmt.Sprintf("stream stalled: no data for %v", idleTimeout))
			}
		} else {
			return nil, entity.NewGatewayError(entity.ErrUpstreamStream, err.Error())
		}
	}

	calls := make([]entity.ToolCall, 0, len(blockOrder))
	for _, idx := range blockOrder {
		acc := blocks[idx]
		i := idx
		calls = append(calls, entity.ToolCall{
			ID:      acc.id,
			Index:   &i,
			Name:    acc.name,
			ArgsRaw: acc.effectiveArgs(),
		})
	}

	finishReason := stopReason
	if finishReason == "tool_use" {
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
