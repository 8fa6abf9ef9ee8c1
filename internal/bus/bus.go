package bus

import (
	"log"
	"sync"
)

// Handler receives published events. Handlers must not assume they run on
// any particular goroutine; delivery happens on the publisher's goroutine.
type Handler func(Event)

type subscription struct {
	id      int64
	handler Handler
}

// Bus is an in-process topic bus for voice lifecycle events. There is no
// persistence and no replay: subscribers only see events published while
// they are subscribed.
type Bus struct {
	mu     sync.Mutex
	nextID int64
	subs   map[Kind][]subscription
}

func New() *Bus {
	return &Bus{subs: make(map[Kind][]subscription)}
}

// Subscribe registers handler for events of the given kind (or TopicAll).
// The returned function removes the subscription; calling it more than once
// is safe.
func (b *Bus) Subscribe(kind Kind, handler Handler) (unsubscribe func()) {
	if handler == nil {
		return func() {}
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[kind] = append(b.subs[kind], subscription{id: id, handler: handler})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			list := b.subs[kind]
			for i, sub := range list {
				if sub.id == id {
					b.subs[kind] = append(append([]subscription{}, list[:i]...), list[i+1:]...)
					break
				}
			}
		})
	}
}

// Publish delivers ev to every handler subscribed to its kind and to
// TopicAll. The subscriber list is snapshotted before delivery, so
// subscribing or unsubscribing from inside a handler never skips or
// duplicates delivery to the other handlers of this publish. A panicking
// handler is isolated; it cannot break delivery or the publisher.
func (b *Bus) Publish(ev Event) {
	if ev == nil {
		return
	}

	b.mu.Lock()
	kinded := b.subs[ev.EventKind()]
	all := b.subs[TopicAll]
	snapshot := make([]subscription, 0, len(kinded)+len(all))
	snapshot = append(snapshot, kinded...)
	snapshot = append(snapshot, all...)
	b.mu.Unlock()

	for _, sub := range snapshot {
		deliver(sub.handler, ev)
	}
}

func deliver(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("bus: subscriber panic on %s event: %v", ev.EventKind(), r)
		}
	}()
	h(ev)
}
