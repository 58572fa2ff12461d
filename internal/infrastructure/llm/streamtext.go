package llm

import "strings"

// MergeStreamingText folds one incoming content frame into the accumulated
// assistant text. Some proxies stream cumulatively (each frame is the full
// running value); if the incoming frame strictly prefix-extends the
// accumulator it is treated as cumulative and only the new suffix is
// emitted. Anything else is an ordinary delta and appended whole.
func MergeStreamingText(acc, incoming string) (merged, suffix string) {
	if incoming == "" {
		return acc, ""
	}
	if len(incoming) > len(acc) && strings.HasPrefix(incoming, acc) {
		return incoming, incoming[len(acc):]
	}
	return acc + incoming, incoming
}
