// Package sse implements the text/event-stream wire format: an
// incremental decoder plus a persistent stream client for long-lived
// server connections.
package sse

import (
	"strconv"
	"strings"
)

// Event is a single decoded server-sent event.
type Event struct {
	// Type is the event type from the "event:" field. Defaults to
	// "message" when the server sends none.
	Type string
	// Data is the event payload. Multiple "data:" lines are joined
	// with newlines.
	Data string
	// ID is the last-event-id from the "id:" field, if any.
	ID string
	// Retry is the reconnection delay in milliseconds from the
	// "retry:" field; 0 when absent or malformed.
	Retry int
}

// Decoder incrementally parses a text/event-stream byte sequence.
// Feed it raw reads in any chunking — events split across reads are
// reassembled and only dispatched once their terminating blank line
// has arrived.
type Decoder struct {
	buf strings.Builder

	eventType string
	dataLines []string
	id        string
	retry     int
}

// Feed appends raw bytes to the decoder and returns any events
// completed by them. Partial trailing data is retained for the next
// call.
func (d *Decoder) Feed(p []byte) []Event {
	d.buf.Write(p)

	text := d.buf.String()
	var events []Event

	for {
		idx := strings.IndexByte(text, '\n')
		if idx < 0 {
			break
		}
		line := text[:idx]
		text = text[idx+1:]
		line = strings.TrimSuffix(line, "\r")

		if ev, ok := d.processLine(line); ok {
			events = append(events, ev)
		}
	}

	d.buf.Reset()
	d.buf.WriteString(text)
	return events
}

// processLine handles one complete line. A blank line dispatches the
// pending event; returns it with ok=true.
func (d *Decoder) processLine(line string) (Event, bool) {
	if line == "" {
		return d.dispatch()
	}

	// Lines starting with a colon are comments (used for keep-alives).
	if strings.HasPrefix(line, ":") {
		return Event{}, false
	}

	field := line
	var value string
	if idx := strings.IndexByte(line, ':'); idx >= 0 {
		field = line[:idx]
		value = line[idx+1:]
		// One leading space after the colon is part of the syntax.
		value = strings.TrimPrefix(value, " ")
	}

	switch field {
	case "event":
		d.eventType = value
	case "data":
		d.dataLines = append(d.dataLines, value)
	case "id":
		d.id = value
	case "retry":
		if ms, err := strconv.Atoi(value); err == nil {
			d.retry = ms
		}
	default:
		// Unknown field names are ignored.
	}
	return Event{}, false
}

// dispatch finalizes the pending event and resets field state. An
// event with no accumulated fields (consecutive blank lines) is not
// dispatched.
func (d *Decoder) dispatch() (Event, bool) {
	if d.eventType == "" && len(d.dataLines) == 0 && d.id == "" && d.retry == 0 {
		return Event{}, false
	}

	ev := Event{
		Type:  d.eventType,
		Data:  strings.Join(d.dataLines, "\n"),
		ID:    d.id,
		Retry: d.retry,
	}
	if ev.Type == "" {
		ev.Type = "message"
	}

	d.eventType = ""
	d.dataLines = nil
	d.id = ""
	d.retry = 0
	return ev, true
}
