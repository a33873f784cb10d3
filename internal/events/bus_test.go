package events

import (
	"sync"
	"testing"
	"time"
)

func TestBusPublishSubscribe(t *testing.T) {
	bus := New()
	defer bus.Close()

	events, unsub := bus.Subscribe()
	defer unsub()

	bus.Phase("maneuver", "aligning", "pointing at node")

	select {
	case event := <-events:
		if event.Type != EventPhase {
			t.Errorf("expected EventPhase, got %v", event.Type)
		}
		if event.Source != "maneuver" || event.Phase != "aligning" {
			t.Errorf("unexpected event %+v", event)
		}
		if event.Time.IsZero() {
			t.Error("event time not set")
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}
}

func TestBusMultipleSubscribers(t *testing.T) {
	bus := New()
	defer bus.Close()

	events1, unsub1 := bus.Subscribe()
	defer unsub1()
	events2, unsub2 := bus.Subscribe()
	defer unsub2()

	bus.Progress("crash", "climbing", map[string]float64{"throttle": 0.5})

	var wg sync.WaitGroup
	wg.Add(2)
	received := make([]bool, 2)
	for i, ch := range []<-chan Event{events1, events2} {
		go func(i int, ch <-chan Event) {
			defer wg.Done()
			select {
			case e := <-ch:
				received[i] = e.Fields["throttle"] == 0.5
			case <-time.After(100 * time.Millisecond):
			}
		}(i, ch)
	}
	wg.Wait()

	if !received[0] || !received[1] {
		t.Errorf("not all subscribers received event: %v", received)
	}
}

func TestBusUnsubscribe(t *testing.T) {
	bus := New()
	defer bus.Close()

	events, unsub := bus.Subscribe()
	unsub()
	unsub() // second call is a no-op

	select {
	case _, ok := <-events:
		if ok {
			t.Error("expected channel to be closed")
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout - channel not closed")
	}
}

func TestBusClose(t *testing.T) {
	bus := New()
	events1, _ := bus.Subscribe()
	events2, _ := bus.Subscribe()

	bus.Close()
	bus.Close()

	for i, ch := range []<-chan Event{events1, events2} {
		select {
		case _, ok := <-ch:
			if ok {
				t.Errorf("expected channel %d to be closed", i+1)
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("timeout - channel %d not closed", i+1)
		}
	}

	// Publishing and subscribing after close are harmless.
	bus.Publish(Event{Type: EventResult})
	late, _ := bus.Subscribe()
	if _, ok := <-late; ok {
		t.Error("subscription after close should be closed")
	}
}

func TestNilBusPublishIsNoop(t *testing.T) {
	var bus *Bus
	bus.Publish(Event{Type: EventPhase})
	bus.Phase("maneuver", "burning", "")
}

func TestBusSubscriberCount(t *testing.T) {
	bus := New()
	defer bus.Close()

	if bus.SubscriberCount() != 0 {
		t.Errorf("expected 0 subscribers, got %d", bus.SubscriberCount())
	}
	_, unsub1 := bus.Subscribe()
	_, unsub2 := bus.Subscribe()
	if bus.SubscriberCount() != 2 {
		t.Errorf("expected 2 subscribers, got %d", bus.SubscriberCount())
	}
	unsub1()
	unsub2()
	if bus.SubscriberCount() != 0 {
		t.Errorf("expected 0 subscribers after unsub, got %d", bus.SubscriberCount())
	}
}

func TestBusNonBlocking(t *testing.T) {
	bus := New()
	defer bus.Close()

	// Subscribe but don't read.
	_, _ = bus.Subscribe()

	for i := 0; i < subscriberBuffer; i++ {
		bus.Publish(Event{Type: EventLine})
	}

	done := make(chan bool)
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(Event{Type: EventLine})
		}
		done <- true
	}()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("publish blocked with full subscriber buffer")
	}
}

func TestBusMetrics(t *testing.T) {
	bus := New()
	defer bus.Close()

	_, _ = bus.Subscribe()
	for i := 0; i < subscriberBuffer+10; i++ {
		bus.Publish(Event{Type: EventLine})
	}

	m := bus.Metrics()
	if m.EventsPublished != subscriberBuffer+10 {
		t.Errorf("expected %d events published, got %d", subscriberBuffer+10, m.EventsPublished)
	}
	if m.EventsDelivered != subscriberBuffer {
		t.Errorf("expected %d events delivered, got %d", subscriberBuffer, m.EventsDelivered)
	}
	if m.EventsDropped != 10 {
		t.Errorf("expected 10 events dropped, got %d", m.EventsDropped)
	}
	if m.SubscribersActive != 1 || m.SubscribersTotal != 1 {
		t.Errorf("subscribers active=%d total=%d", m.SubscribersActive, m.SubscribersTotal)
	}
}
