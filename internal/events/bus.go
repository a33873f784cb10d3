// Package events carries progress reports from long-running procedures to
// whoever is watching: the CLI, the daemon's websocket feed, or a test.
//
// Publishing never blocks. A subscriber that falls behind loses events
// rather than stalling the control loop that produced them.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// subscriberBuffer is the channel capacity of each subscription.
const subscriberBuffer = 100

// EventType identifies what happened.
type EventType string

const (
	EventPhase    EventType = "phase"    // A procedure entered a new phase
	EventProgress EventType = "progress" // Periodic numeric progress
	EventCommand  EventType = "command"  // A console command completed
	EventLine     EventType = "line"     // A console output line
	EventSession  EventType = "session"  // Connect, disconnect, reconnect
	EventResult   EventType = "result"   // A procedure finished
)

// Event is a single progress report.
type Event struct {
	Type    EventType          `json:"type"`
	Source  string             `json:"source"` // maneuver, crash, session, monitor
	Phase   string             `json:"phase,omitempty"`
	Message string             `json:"message,omitempty"`
	Fields  map[string]float64 `json:"fields,omitempty"`
	Time    time.Time          `json:"time"`
}

// Metrics counts bus activity.
type Metrics struct {
	EventsPublished   int64 `json:"events_published"`
	EventsDelivered   int64 `json:"events_delivered"`
	EventsDropped     int64 `json:"events_dropped"`
	SubscribersActive int   `json:"subscribers_active"`
	SubscribersTotal  int64 `json:"subscribers_total"`
}

// Bus fans events out to subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	closed bool

	published atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64
	total     atomic.Int64
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Publish delivers e to every subscriber that has room. A zero Time is set
// to now. Publishing on a nil or closed Bus is a no-op, so procedures can
// publish unconditionally.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	b.published.Add(1)
	for _, ch := range b.subs {
		select {
		case ch <- e:
			b.delivered.Add(1)
		default:
			b.dropped.Add(1)
		}
	}
}

// Phase publishes a phase transition.
func (b *Bus) Phase(source, phase, message string) {
	b.Publish(Event{Type: EventPhase, Source: source, Phase: phase, Message: message})
}

// Progress publishes numeric progress for the current phase.
func (b *Bus) Progress(source, phase string, fields map[string]float64) {
	b.Publish(Event{Type: EventProgress, Source: source, Phase: phase, Fields: fields})
}

// Subscribe returns a channel of events and a function that cancels the
// subscription and closes the channel.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.total.Add(1)

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Metrics returns a snapshot of the bus counters.
func (b *Bus) Metrics() Metrics {
	return Metrics{
		EventsPublished:   b.published.Load(),
		EventsDelivered:   b.delivered.Load(),
		EventsDropped:     b.dropped.Load(),
		SubscribersActive: b.SubscriberCount(),
		SubscribersTotal:  b.total.Load(),
	}
}

// Close closes every subscription. Later publishes are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
