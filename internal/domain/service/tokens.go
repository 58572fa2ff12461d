package service

import "github.com/eclia/eclia/gateway/internal/domain/entity"

// Token estimation is deliberately cheap: byte length / 4 plus a fixed
// per-message overhead. It only has to be monotonic in byte length and be
// applied consistently at write time and at context-build time.
const perMessageOverhead = 8

// EstimateMessageTokens estimates the token cost of one message, including
// its tool calls.
func EstimateMessageTokens(m *entity.Message) int {
	n := len(m.Content) + len(m.ContentBlocks)
	for _, tc := range m.ToolCalls {
		n += len(tc.Name) + len(tc.ArgsRaw)
	}
	return n/4 + perMessageOverhead
}

// EstimateTokens sums the estimate over a message list.
func EstimateTokens(msgs []entity.Message) int {
	total := 0
	for i := range msgs {
		total += EstimateMessageTokens(&msgs[i])
	}
	return total
}
