package session

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"
)

func recvEvent(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		if !ok {
			t.Fatalf("event channel closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
	return Event{}
}

func TestBroadcasterDeliversInOrder(t *testing.T) {
	bc := NewBroadcaster(0)
	defer bc.Close()
	sub := bc.Subscribe()

	for i := 0; i < 5; i++ {
		bc.Publish(newEvent(EventMessage, "s1", MessagePayload{Kind: MessageText, Text: fmt.Sprintf("m%d", i)}))
	}
	for i := 0; i < 5; i++ {
		ev := recvEvent(t, sub)
		var p MessagePayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			t.Fatalf("event %d: bad payload: %v", i, err)
		}
		if want := fmt.Sprintf("m%d", i); p.Text != want {
			t.Errorf("event %d: expected text %q, got %q", i, want, p.Text)
		}
	}
}

func TestBroadcasterIndependentSubscribers(t *testing.T) {
	bc := NewBroadcaster(0)
	defer bc.Close()
	a := bc.Subscribe()
	b := bc.Subscribe()

	if n := bc.SubscriberCount(); n != 2 {
		t.Fatalf("expected 2 subscribers, got %d", n)
	}
	bc.Publish(newEvent(EventState, "s1", StatePayload{State: StateReady}))
	if ev := recvEvent(t, a); ev.Type != EventState {
		t.Errorf("expected state event on a, got %s", ev.Type)
	}
	if ev := recvEvent(t, b); ev.Type != EventState {
		t.Errorf("expected state event on b, got %s", ev.Type)
	}

	a.Cancel()
	if n := bc.SubscriberCount(); n != 1 {
		t.Errorf("expected 1 subscriber after cancel, got %d", n)
	}
	select {
	case _, ok := <-a.Events():
		if ok {
			t.Errorf("expected closed channel after cancel")
		}
	case <-time.After(2 * time.Second):
		t.Errorf("timed out waiting for channel close")
	}
}

func TestBroadcasterCloseEndsSubscriptions(t *testing.T) {
	bc := NewBroadcaster(0)
	sub := bc.Subscribe()
	bc.Close()

	select {
	case _, ok := <-sub.Events():
		if ok {
			t.Fatalf("expected closed channel after broadcaster close")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for channel close")
	}
	if n := bc.SubscriberCount(); n != 0 {
		t.Errorf("expected 0 subscribers after close, got %d", n)
	}

	// Publishing after close is a no-op.
	bc.Publish(newEvent(EventMessage, "s1", nil))

	late := bc.Subscribe()
	select {
	case _, ok := <-late.Events():
		if ok {
			t.Fatalf("expected immediately closed subscription after close")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for late subscription close")
	}
}

func TestBroadcasterCloseFlushesQueue(t *testing.T) {
	bc := NewBroadcaster(0)
	sub := bc.Subscribe()

	// Events published before Close reach a late reader.
	bc.Publish(newEvent(EventExit, "s1", ExitPayload{}))
	bc.Publish(newEvent(EventState, "s1", StatePayload{State: StateTerminated}))
	bc.Close()

	var got []string
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				if len(got) != 2 || got[0] != EventExit || got[1] != EventState {
					t.Fatalf("expected [exit state], got %v", got)
				}
				return
			}
			got = append(got, ev.Type)
		case <-deadline:
			t.Fatalf("timed out draining closed subscription, got %v", got)
		}
	}
}

func TestSubscriptionShedsOldestNonCritical(t *testing.T) {
	// Built by hand so no pump drains the queue behind the test's back.
	sub := &Subscription{limit: 2, notify: make(chan struct{}, 1)}

	nc := func(text string) Event {
		return newEvent(EventMessage, "s1", MessagePayload{Kind: MessageText, Text: text})
	}
	crit := func() Event {
		return newEvent(EventPermissionRequest, "s1", PermissionRequestPayload{ToolCallID: "t1"})
	}

	sub.push(nc("a"))
	sub.push(nc("b"))
	if got := len(sub.queue); got != 2 {
		t.Fatalf("expected queue length 2, got %d", got)
	}

	// Full queue: the oldest non-critical is shed to make room.
	sub.push(nc("c"))
	if got := sub.Dropped(); got != 1 {
		t.Errorf("expected 1 dropped, got %d", got)
	}
	if got := len(sub.queue); got != 2 {
		t.Errorf("expected queue length 2, got %d", got)
	}

	// Critical events displace non-critical ones.
	sub.push(crit())
	sub.push(crit())
	if got := sub.Dropped(); got != 3 {
		t.Errorf("expected 3 dropped, got %d", got)
	}
	for i, ev := range sub.queue {
		if !ev.Critical {
			t.Errorf("queue[%d]: expected only critical events to remain", i)
		}
	}

	// All-critical queue: critical events grow it rather than being lost.
	sub.push(crit())
	if got := len(sub.queue); got != 3 {
		t.Errorf("expected queue to grow to 3, got %d", got)
	}
	if got := sub.Dropped(); got != 3 {
		t.Errorf("expected dropped to stay 3, got %d", got)
	}

	// A non-critical arrival with nothing to shed is dropped.
	sub.push(nc("d"))
	if got := len(sub.queue); got != 3 {
		t.Errorf("expected queue length 3, got %d", got)
	}
	if got := sub.Dropped(); got != 4 {
		t.Errorf("expected 4 dropped, got %d", got)
	}
}

func TestCriticalEventClassification(t *testing.T) {
	critical := []string{EventPermissionRequest, EventExit, EventError, EventResult, EventState, EventIdle}
	for _, typ := range critical {
		if ev := newEvent(typ, "s1", nil); !ev.Critical {
			t.Errorf("expected %s to be critical", typ)
		}
	}
	for _, typ := range []string{EventMessage, EventStderr, EventSessionUpdate, EventSDKMessage, EventInfo} {
		if ev := newEvent(typ, "s1", nil); ev.Critical {
			t.Errorf("expected %s to be non-critical", typ)
		}
	}
}
