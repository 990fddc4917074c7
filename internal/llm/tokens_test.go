package llm

import (
	"strings"
	"testing"
)

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  int
	}{
		{name: "empty", input: "", want: 0},
		{name: "four chars round to one", input: "abcd", want: 1},
		{name: "five chars round up", input: "abcde", want: 2},
		{name: "single char", input: "x", want: 1},
		{name: "whitespace surcharge", input: strings.Repeat(" ", 20), want: 7}, // 20/4 + 20/10
		{name: "mixed", input: "a b c d e f g h i j", want: 5 + 0},             // 19 runes → 5 tokens, 9 spaces → 0
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := estimateTokens(tt.input); got != tt.want {
				t.Errorf("estimateTokens(%q) = %d, want %d", tt.input, got, tt.want)
			}
		})
	}
}

func TestPruneHistory(t *testing.T) {
	// Each message costs 100 content tokens + 20 overhead = 120.
	msg := func(role string) Message {
		return Message{Role: role, Content: strings.Repeat("x", 400)}
	}
	history := []Message{
		msg("user"), msg("assistant"),
		msg("user"), msg("assistant"),
		msg("user"), msg("assistant"),
		msg("user"), msg("assistant"),
	}

	// Budget: 1000*0.8 - 0 - 0 - 200 = 600 → five messages fit.
	kept, dropped := pruneHistory(history, "", "", 1000)
	if len(kept) != 5 || dropped != 3 {
		t.Fatalf("kept %d / dropped %d, want 5 / 3", len(kept), dropped)
	}

	// The retained set must be the newest contiguous suffix.
	for i := range kept {
		if &kept[i] != &history[dropped+i] {
			t.Errorf("kept[%d] is not history[%d]", i, dropped+i)
		}
	}
}

func TestPruneHistory_AllFit(t *testing.T) {
	history := []Message{
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello"},
	}
	kept, dropped := pruneHistory(history, "be brief", "what now?", 4096)
	if dropped != 0 || len(kept) != 2 {
		t.Errorf("kept %d / dropped %d, want 2 / 0", len(kept), dropped)
	}
}

func TestPruneHistory_SystemAndCurrentShrinkBudget(t *testing.T) {
	long := strings.Repeat("y", 4000) // 1000 tokens
	history := []Message{{Role: "user", Content: "short"}}

	// 80% of 1000 = 800, minus a 1000 token system prompt: nothing fits.
	kept, dropped := pruneHistory(history, long, "", 1000)
	if len(kept) != 0 || dropped != 1 {
		t.Errorf("kept %d / dropped %d, want 0 / 1", len(kept), dropped)
	}
}

func TestPruneHistory_Empty(t *testing.T) {
	kept, dropped := pruneHistory(nil, "", "", 4096)
	if kept != nil || dropped != 0 {
		t.Errorf("got %v / %d for empty history", kept, dropped)
	}
}
