package events

import (
	"testing"
	"time"
)

func TestNilBusPublish(t *testing.T) {
	var b *Bus
	// Must not panic.
	b.Publish(Event{Source: SourceSession, Kind: KindRetryAttempt})
	b.Emit(SourceRAG, KindIngestProgress, nil)
}

func TestNilBusSubscriberCount(t *testing.T) {
	var b *Bus
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() on nil bus = %d, want 0", got)
	}
}

func TestPublishSingleSubscriber(t *testing.T) {
	b := New()
	ch := b.Subscribe(8)
	defer b.Unsubscribe(ch)

	want := Event{
		Timestamp: time.Now(),
		Source:    SourceTools,
		Kind:      KindToolDispatch,
		Data:      map[string]any{"call_id": "a1b2c3d4"},
	}
	b.Publish(want)

	select {
	case got := <-ch:
		if got.Source != want.Source || got.Kind != want.Kind {
			t.Errorf("got event %v, want %v", got, want)
		}
		callID, ok := got.Data["call_id"].(string)
		if !ok || callID != "a1b2c3d4" {
			t.Errorf("got call_id %v, want %q", got.Data["call_id"], "a1b2c3d4")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishMultipleSubscribers(t *testing.T) {
	b := New()
	const n = 5
	channels := make([]<-chan Event, n)
	for i := 0; i < n; i++ {
		channels[i] = b.Subscribe(8)
	}
	defer func() {
		for _, ch := range channels {
			b.Unsubscribe(ch)
		}
	}()

	b.Emit(SourceSession, KindCapabilityDetected, map[string]any{"capability": "native"})

	for i, ch := range channels {
		select {
		case got := <-ch:
			if got.Kind != KindCapabilityDetected {
				t.Errorf("subscriber %d got kind %q", i, got.Kind)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d timed out", i)
		}
	}
}

func TestFullSubscriberDropsEvents(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	defer b.Unsubscribe(ch)

	// Second publish must not block even though the buffer is full.
	b.Emit(SourceRAG, KindIngestProgress, map[string]any{"chunk": 1})
	done := make(chan struct{})
	go func() {
		b.Emit(SourceRAG, KindIngestProgress, map[string]any{"chunk": 2})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	b.Unsubscribe(ch)

	if _, open := <-ch; open {
		t.Error("expected closed channel after Unsubscribe")
	}

	// Double unsubscribe is a no-op.
	b.Unsubscribe(ch)

	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() = %d, want 0", got)
	}
}
