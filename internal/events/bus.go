package events

import (
	"sync"
	"time"
)

type EventType string

const (
	// EventTaskEnqueued is published after a submission lands in the queue.
	EventTaskEnqueued EventType = "task_enqueued"
	// EventTaskSettled is published after an entry reaches done, error or a retry.
	EventTaskSettled EventType = "task_settled"
	// EventQueueResumed is published when an operator clears the pause flag.
	EventQueueResumed EventType = "queue_resumed"
)

type Event struct {
	Type      EventType
	Timestamp time.Time
	Entry     string
	TaskType  string
	Data      map[string]any
}

type Subscriber func(Event)

// Bus delivers in-process notifications without blocking the publisher.
// A subscriber whose buffer is full misses the event.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	bufferSize  int
	closed      bool
}

func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe runs fn on its own goroutine for every event of eventType.
// The returned function unsubscribes.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	if b.closed {
		close(ch)
		return func() {}
	}
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)

	go func() {
		for ev := range ch {
			deliver(fn, ev)
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

// deliver isolates the bus from a panicking subscriber.
func deliver(fn Subscriber, ev Event) {
	defer func() { _ = recover() }()
	fn(ev)
}

func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	for _, ch := range b.subscribers[ev.Type] {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subscribers, eventType)
	}
	b.closed = true
}
