package sse

import (
	"testing"
)

func TestDecoder_Feed(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []Event
	}{
		{
			name:  "simple data event",
			input: "data: hello\n\n",
			want:  []Event{{Type: "message", Data: "hello"}},
		},
		{
			name:  "explicit event type",
			input: "event: update\ndata: v2\n\n",
			want:  []Event{{Type: "update", Data: "v2"}},
		},
		{
			name:  "multiple data lines joined with newline",
			input: "data: line one\ndata: line two\n\n",
			want:  []Event{{Type: "message", Data: "line one\nline two"}},
		},
		{
			name:  "comment lines ignored",
			input: ": keep-alive\ndata: after\n\n",
			want:  []Event{{Type: "message", Data: "after"}},
		},
		{
			name:  "no space after colon",
			input: "data:compact\n\n",
			want:  []Event{{Type: "message", Data: "compact"}},
		},
		{
			name:  "only first space stripped",
			input: "data:  double\n\n",
			want:  []Event{{Type: "message", Data: " double"}},
		},
		{
			name:  "id and retry fields",
			input: "id: 42\nretry: 3000\ndata: x\n\n",
			want:  []Event{{Type: "message", Data: "x", ID: "42", Retry: 3000}},
		},
		{
			name:  "malformed retry ignored",
			input: "retry: soon\ndata: x\n\n",
			want:  []Event{{Type: "message", Data: "x"}},
		},
		{
			name:  "crlf line endings",
			input: "event: done\r\ndata: fin\r\n\r\n",
			want:  []Event{{Type: "done", Data: "fin"}},
		},
		{
			name:  "consecutive blank lines dispatch nothing extra",
			input: "data: a\n\n\n\ndata: b\n\n",
			want:  []Event{{Type: "message", Data: "a"}, {Type: "message", Data: "b"}},
		},
		{
			name:  "unknown field ignored",
			input: "data: a\nwhatever: junk\n\n",
			want:  []Event{{Type: "message", Data: "a"}},
		},
		{
			name:  "two complete events in one read",
			input: "data: first\n\nevent: end\ndata: second\n\n",
			want:  []Event{{Type: "message", Data: "first"}, {Type: "end", Data: "second"}},
		},
		{
			name:  "event with empty data line",
			input: "data:\n\n",
			want:  []Event{{Type: "message", Data: ""}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var d Decoder
			got := d.Feed([]byte(tt.input))
			assertEvents(t, got, tt.want)
		})
	}
}

func TestDecoder_SplitAcrossReads(t *testing.T) {
	// The same byte stream must decode identically regardless of how
	// it is chunked. Feed one byte at a time.
	input := "event: progress\ndata: 50%\nid: 7\n\ndata: done\n\n"
	want := []Event{
		{Type: "progress", Data: "50%", ID: "7"},
		{Type: "message", Data: "done"},
	}

	var d Decoder
	var got []Event
	for i := 0; i < len(input); i++ {
		got = append(got, d.Feed([]byte{input[i]})...)
	}
	assertEvents(t, got, want)
}

func TestDecoder_SplitMidField(t *testing.T) {
	var d Decoder

	got := d.Feed([]byte("da"))
	if len(got) != 0 {
		t.Fatalf("incomplete line produced %d events", len(got))
	}
	got = d.Feed([]byte("ta: hel"))
	if len(got) != 0 {
		t.Fatalf("incomplete line produced %d events", len(got))
	}
	got = d.Feed([]byte("lo\n"))
	if len(got) != 0 {
		t.Fatalf("event dispatched before blank line")
	}
	got = d.Feed([]byte("\n"))
	assertEvents(t, got, []Event{{Type: "message", Data: "hello"}})
}

func TestDecoder_NoTrailingBlankLine(t *testing.T) {
	var d Decoder
	got := d.Feed([]byte("data: pending\n"))
	if len(got) != 0 {
		t.Errorf("event without terminating blank line was dispatched: %v", got)
	}
}

func assertEvents(t *testing.T, got, want []Event) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("decoded %d events, want %d (got %v)", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}
