package eventbus

import (
	"testing"

	"github.com/smartenergy/schedulerd/core/events"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	b.Publish(events.TimeoutEvent{DeviceID: 1})
	select {
	case e := <-sub:
		if _, ok := e.(events.TimeoutEvent); !ok {
			t.Fatalf("unexpected event %T", e)
		}
	default:
		t.Fatalf("expected event")
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	b := New()
	_ = b.Subscribe()
	// Buffer is 8; further events must be dropped, not block.
	for i := 0; i < 32; i++ {
		b.Publish(events.RetryEvent{Attempt: i})
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	b.Unsubscribe(sub)
	if _, ok := <-sub; ok {
		t.Fatalf("channel should be closed")
	}
	b.Publish(events.TimeoutEvent{})
}

func TestCloseIsIdempotent(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	b.Close()
	b.Close()
	if _, ok := <-sub; ok {
		t.Fatalf("channel should be closed")
	}
	if ch := b.Subscribe(); ch == nil {
		t.Fatalf("subscribe after close must return a closed channel")
	}
}
