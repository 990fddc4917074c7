package sse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/parley-chat/parley/internal/httpkit"
)

// Stream is a live text/event-stream connection. Events arrive on the
// channel returned by Events; the channel closes when the server ends
// the stream, the context is cancelled, or Close is called. After the
// channel closes, Err reports why.
type Stream struct {
	url    string
	cancel context.CancelFunc
	events chan Event
	done   chan struct{}

	err error // written by the reader goroutine before done closes
}

// Dial opens an SSE connection to url and starts decoding events in
// the background. The provided client should have no overall timeout
// (streams stay open indefinitely); pass nil to use a suitable
// default. The stream lives until Close, context cancellation, or
// server disconnect.
func Dial(ctx context.Context, client *http.Client, url string, logger *slog.Logger) (*Stream, error) {
	if client == nil {
		client = httpkit.NewClient(httpkit.WithTimeout(0))
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := client.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("connect %s: %w", url, err)
	}

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 512)
		cancel()
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, errBody)
	}

	s := &Stream{
		url:    url,
		cancel: cancel,
		events: make(chan Event, 16),
		done:   make(chan struct{}),
	}

	go s.read(ctx, resp.Body, logger)
	return s, nil
}

// read pumps the response body through the decoder until the
// connection ends.
func (s *Stream) read(ctx context.Context, body io.ReadCloser, logger *slog.Logger) {
	defer close(s.done)
	defer close(s.events)
	defer body.Close()

	var dec Decoder
	buf := make([]byte, 4096)

	for {
		n, err := body.Read(buf)
		if n > 0 {
			for _, ev := range dec.Feed(buf[:n]) {
				select {
				case s.events <- ev:
				case <-ctx.Done():
					s.err = ctx.Err()
					return
				}
			}
		}
		if err != nil {
			if err != io.EOF && ctx.Err() == nil {
				s.err = fmt.Errorf("read stream %s: %w", s.url, err)
				logger.Warn("SSE stream read failed", "url", s.url, "error", err)
			} else if ctx.Err() != nil {
				s.err = ctx.Err()
			}
			return
		}
	}
}

// Events returns the channel of decoded events. It closes when the
// stream ends for any reason.
func (s *Stream) Events() <-chan Event {
	return s.events
}

// Err reports why the stream ended: nil for a clean server EOF or
// local Close, non-nil for transport failures. Only meaningful after
// the Events channel has closed.
func (s *Stream) Err() error {
	select {
	case <-s.done:
		if errors.Is(s.err, context.Canceled) {
			return nil
		}
		return s.err
	default:
		return nil
	}
}

// URL returns the endpoint this stream is connected to.
func (s *Stream) URL() string {
	return s.url
}

// Close terminates the connection. Safe to call more than once.
func (s *Stream) Close() {
	s.cancel()
	<-s.done
}
