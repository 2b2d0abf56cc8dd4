package events

import (
	"log/slog"
	"sync"
	"time"
)

// Kind identifies a queue lifecycle event.
type Kind string

const (
	KindEnqueued           Kind = "enqueued"
	KindSyncing            Kind = "syncing"
	KindDequeued           Kind = "dequeued"
	KindFailed             Kind = "failed"
	KindError              Kind = "error"
	KindDead               Kind = "dead"
	KindLocked             Kind = "locked"
	KindUnlocked           Kind = "unlocked"
	KindProcessingStart    Kind = "processing_start"
	KindProcessingComplete Kind = "processing_complete"
)

// Event is a single lifecycle notification. Item fields are snapshots taken
// at publish time; queue-level events leave them empty.
type Event struct {
	Kind     Kind
	ItemID   string
	ItemType string
	Status   string
	Priority int
	Reason   string
	Err      string

	// Pass counters, set on processing_complete only.
	Processed int
	Failed    int
	Errored   int

	At time.Time
}

// Handler receives published events.
type Handler func(Event)

// Bus fans events out to subscribers synchronously, in subscription order.
type Bus struct {
	logger *slog.Logger

	mu     sync.RWMutex
	nextID int
	order  []int
	subs   map[int]Handler
}

// NewBus constructs a bus. A nil logger silences panic reports.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		logger: logger,
		subs:   make(map[int]Handler),
	}
}

// Subscribe registers a handler and returns a function that removes it.
// Unsubscribing twice is harmless.
func (b *Bus) Subscribe(handler Handler) func() {
	if handler == nil {
		return func() {}
	}
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = handler
	b.order = append(b.order, id)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			for i, v := range b.order {
				if v == id {
					b.order = append(b.order[:i], b.order[i+1:]...)
					break
				}
			}
			b.mu.Unlock()
		})
	}
}

// Publish delivers the event to every subscriber. Subscriber panics are
// recovered and logged; publishing never fails.
func (b *Bus) Publish(event Event) {
	if b == nil {
		return
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.order))
	for _, id := range b.order {
		if h, ok := b.subs[id]; ok {
			handlers = append(handlers, h)
		}
	}
	b.mu.RUnlock()

	for _, handler := range handlers {
		b.dispatch(handler, event)
	}
}

func (b *Bus) dispatch(handler Handler, event Event) {
	defer func() {
		if r := recover(); r != nil && b.logger != nil {
			b.logger.Error("event subscriber panicked",
				slog.String("event", string(event.Kind)),
				slog.Any("panic", r),
			)
		}
	}()
	handler(event)
}
