package driver

import (
	"testing"

	"github.com/user/burrow/internal/types"
)

func TestHubPublish(t *testing.T) {
	hub := NewHub(4)
	a := hub.Subscribe("s")
	b := hub.Subscribe("s")
	other := hub.Subscribe("t")
	defer a.Close()
	defer b.Close()
	defer other.Close()

	hub.Publish(&types.Event{ID: 1, SessionID: "s"})

	for _, sub := range []*Subscription{a, b} {
		select {
		case ev := <-sub.Events():
			if ev.ID != 1 {
				t.Errorf("expected event 1, got %d", ev.ID)
			}
		default:
			t.Fatal("expected an event")
		}
	}
	select {
	case ev := <-other.Events():
		t.Fatalf("unexpected event for other session: %v", ev)
	default:
	}
}

func TestHubDropsSlowSubscriber(t *testing.T) {
	hub := NewHub(2)
	slow := hub.Subscribe("s")

	for id := types.EventID(1); id <= 3; id++ {
		hub.Publish(&types.Event{ID: id, SessionID: "s"})
	}

	var got []types.EventID
	for ev := range slow.Events() {
		got = append(got, ev.ID)
	}
	if len(got) != 2 {
		t.Fatalf("expected the 2 buffered events before the drop, got %v", got)
	}
	if !slow.Dropped() {
		t.Error("expected subscription to be marked dropped")
	}
	if hub.Subscribers("s") != 0 {
		t.Errorf("expected no subscribers, got %d", hub.Subscribers("s"))
	}
	slow.Close()
}

func TestSubscriptionCloseIdempotent(t *testing.T) {
	hub := NewHub(1)
	sub := hub.Subscribe("s")
	sub.Close()
	sub.Close()

	if _, ok := <-sub.Events(); ok {
		t.Fatal("expected closed channel")
	}
	if sub.Dropped() {
		t.Error("a closed subscription is not dropped")
	}
	if len(hub.Sessions()) != 0 {
		t.Errorf("expected no sessions, got %v", hub.Sessions())
	}
}
