// Package eventbus decouples the dispatch path from the stats tracker with a
// small in-memory fanout.
package eventbus

import (
	"sync"
	"time"
)

// Event is a lightweight in-memory signal.
//
// Publish never blocks: subscribers use buffered channels and slow
// subscribers lose events.
type Event struct {
	Type    string
	Time    time.Time
	Subject string
	Data    any
}

type Bus struct {
	mu   sync.Mutex
	subs map[uint64]chan Event
	seq  uint64
}

func New() *Bus {
	return &Bus{subs: map[uint64]chan Event{}}
}

func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// The lock is held across the sends; they are non-blocking, so this stays
	// cheap and makes close-vs-send races impossible.
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	b.seq++
	id := b.seq
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
	return ch, unsub
}
