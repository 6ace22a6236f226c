package eventbus

import (
	"errors"
	"testing"

	"github.com/xtrcode/strobe-hub/internal/types"
)

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	b := New()
	a := make(chan types.Event, 1)
	c := make(chan types.Event, 1)
	if err := b.Subscribe("a", a); err != nil {
		t.Fatalf("Subscribe(a) error = %v", err)
	}
	if err := b.Subscribe("c", c); err != nil {
		t.Fatalf("Subscribe(c) error = %v", err)
	}

	ev := types.Event{Topic: types.TopicChannelFinished, ChannelID: "ch1"}
	b.Publish(ev)

	select {
	case got := <-a:
		if got.ChannelID != "ch1" {
			t.Errorf("a received %+v", got)
		}
	default:
		t.Error("subscriber a received nothing")
	}
	select {
	case got := <-c:
		if got.ChannelID != "ch1" {
			t.Errorf("c received %+v", got)
		}
	default:
		t.Error("subscriber c received nothing")
	}
}

func TestPublishDropsOnFullChannelWithoutBlocking(t *testing.T) {
	b := New()
	full := make(chan types.Event) // unbuffered, nobody reading
	if err := b.Subscribe("full", full); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	done := make(chan struct{})
	go func() {
		b.Publish(types.Event{Topic: types.TopicSourceProgress})
		close(done)
	}()

	select {
	case <-done:
	default:
	}
	<-done // Publish must return even though nobody drains "full"

	stats := b.Stats()
	if stats.Subscribers["full"].Dropped != 1 {
		t.Errorf("dropped = %d, want 1", stats.Subscribers["full"].Dropped)
	}
	if stats.Subscribers["full"].Sent != 0 {
		t.Errorf("sent = %d, want 0", stats.Subscribers["full"].Sent)
	}
}

func TestSubscribeDuplicateIDRejected(t *testing.T) {
	b := New()
	ch := make(chan types.Event, 1)
	b.Subscribe("dup", ch)

	if err := b.Subscribe("dup", ch); !errors.Is(err, ErrSubscriberExists) {
		t.Errorf("err = %v, want ErrSubscriberExists", err)
	}
}

func TestUnsubscribeUnknownIDRejected(t *testing.T) {
	b := New()
	if err := b.Unsubscribe("missing"); !errors.Is(err, ErrSubscriberNotFound) {
		t.Errorf("err = %v, want ErrSubscriberNotFound", err)
	}
}

func TestPublishAfterCloseIsNoopNotPanic(t *testing.T) {
	b := New()
	ch := make(chan types.Event, 1)
	b.Subscribe("a", ch)
	b.Close()

	b.Publish(types.Event{Topic: types.TopicChannelFinished})

	select {
	case <-ch:
		t.Error("closed bus delivered an event")
	default:
	}
}

func TestSubscribeAfterCloseRejected(t *testing.T) {
	b := New()
	b.Close()

	if err := b.Subscribe("a", make(chan types.Event, 1)); !errors.Is(err, ErrBusClosed) {
		t.Errorf("err = %v, want ErrBusClosed", err)
	}
}
