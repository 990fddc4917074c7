package llm

import (
	"unicode"
	"unicode/utf8"
)

// Fixed token costs used when fitting history into the context window.
const (
	// toolOverheadTokens is reserved for tool definitions attached to
	// a request.
	toolOverheadTokens = 200
	// messageOverheadTokens accounts for per-message framing.
	messageOverheadTokens = 20
	// replyReservePercent of the context window is kept free for the
	// model's reply.
	replyReservePercent = 20
)

// estimateTokens approximates the token count of s: one token per four
// characters, rounded up, plus one per ten whitespace characters. This
// deliberately overestimates slightly so pruning errs toward dropping
// too much rather than overflowing the window.
func estimateTokens(s string) int {
	if s == "" {
		return 0
	}

	chars := utf8.RuneCountInString(s)
	var spaces int
	for _, r := range s {
		if unicode.IsSpace(r) {
			spaces++
		}
	}

	return (chars+3)/4 + spaces/10
}

// pruneHistory returns the newest contiguous suffix of history that
// fits the token budget for a context window of numCtx tokens, given
// the system prompt and the message about to be sent. The budget is
// the window minus the reply reserve, the system prompt, the current
// message, and the fixed tool overhead; each retained message costs
// its content estimate plus framing overhead.
func pruneHistory(history []Message, system, current string, numCtx int) (kept []Message, dropped int) {
	if len(history) == 0 {
		return nil, 0
	}

	budget := numCtx * (100 - replyReservePercent) / 100
	budget -= estimateTokens(system)
	budget -= estimateTokens(current)
	budget -= toolOverheadTokens

	if budget <= 0 {
		return nil, len(history)
	}

	// Walk newest to oldest; stop at the first message that does not
	// fit so the result is always a contiguous suffix.
	used := 0
	cut := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		cost := estimateTokens(history[i].Content) + messageOverheadTokens
		if used+cost > budget {
			break
		}
		used += cost
		cut = i
	}

	if cut == len(history) {
		return nil, len(history)
	}
	return history[cut:], cut
}
