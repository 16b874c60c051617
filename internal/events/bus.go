// Package events carries scheduler lifecycle events to in-process listeners
// and to the JSONL audit log.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

type EventType string

const (
	EventTaskClaimed    EventType = "task_claimed"
	EventTaskClosed     EventType = "task_closed"
	EventTaskBlocked    EventType = "task_blocked"
	EventReleaseFailed  EventType = "release_failed"
	EventRoundCompleted EventType = "round_completed"
	EventStateChanged   EventType = "state_changed"
)

// AllTypes lists every event type the scheduler publishes.
var AllTypes = []EventType{
	EventTaskClaimed,
	EventTaskClosed,
	EventTaskBlocked,
	EventReleaseFailed,
	EventRoundCompleted,
	EventStateChanged,
}

type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      map[string]any
}

type Subscriber func(Event)

// Bus delivers events asynchronously through one buffered channel per
// subscriber. Publish never blocks: when a subscriber falls behind, the event
// is dropped for that subscriber and counted.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	bufferSize  int
	wg          sync.WaitGroup
	dropped     atomic.Int64
	now         func() time.Time
}

func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
		now:         time.Now,
	}
}

// Subscribe registers fn for eventType and returns the unsubscribe function.
// A panicking subscriber loses that event only.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for event := range ch {
			deliver(fn, event)
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subscribers[eventType]
		for i, subCh := range subs {
			if subCh == ch {
				b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
}

// SubscribeAll registers fn for every type in types.
func (b *Bus) SubscribeAll(types []EventType, fn Subscriber) func() {
	unsubs := make([]func(), 0, len(types))
	for _, t := range types {
		unsubs = append(unsubs, b.Subscribe(t, fn))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func deliver(fn Subscriber, event Event) {
	defer func() { _ = recover() }()
	fn(event)
}

func (b *Bus) Publish(eventType EventType, data map[string]any) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	event := Event{Type: eventType, Timestamp: b.now().UTC(), Data: data}
	for _, ch := range b.subscribers[eventType] {
		select {
		case ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped reports how many deliveries were skipped because a subscriber was full.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close stops all subscribers after they drain what is already queued.
func (b *Bus) Close() {
	b.mu.Lock()
	for eventType, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subscribers, eventType)
	}
	b.mu.Unlock()
	b.wg.Wait()
}
