// Package eventbus carries in-process operational signals from the lifecycle
// loops and the rating collector to whoever observes them. The app wires a
// logging drain at startup; tests subscribe directly.
//
// Publish never blocks: a subscriber whose buffer is full loses the event.
// That is acceptable for these signals, the durable record lives in the store.
package eventbus

import (
	"context"
	"sync"
	"time"
)

// Event types published by the orchestrator.
const (
	TypeActionExecuted  = "action.executed"
	TypeActionFailed    = "action.failed"
	TypeRoundSkipped    = "round.skipped"
	TypeRatingFinalized = "rating.finalized"
	TypeSessionCleaned  = "session.cleaned"
)

// Event is one signal. Data is a small publisher-defined value (a session id,
// a loop name, an action descriptor).
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &fanout{subs: map[uint64]chan Event{}}
}

type fanout struct {
	mu   sync.RWMutex
	seq  uint64
	subs map[uint64]chan Event
}

func (b *fanout) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Sends happen under the read lock, so unsubscribe (which closes the
	// channel under the write lock) can never race a send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *fanout) Subscribe(buffer int) (<-chan Event, func()) {
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

// Drain subscribes and feeds every event to fn until ctx ends. The app runs
// this under the supervisor as the bus's standing consumer.
func Drain(ctx context.Context, bus Bus, buffer int, fn func(Event)) {
	ch, stop := bus.Subscribe(buffer)
	defer stop()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			fn(e)
		}
	}
}
