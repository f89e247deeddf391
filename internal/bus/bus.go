// Package bus carries engine events to presentation front ends.
package bus

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

const defaultBuffer = 256

// Handler consumes events. It runs on the dispatch goroutine, so every
// handler sees events in publish order.
type Handler func(Event)

// Bus fans events out to named subscribers.
type Bus struct {
	events chan Event
	done   chan struct{}

	// closeMu guards sends against Close.
	closeMu sync.RWMutex
	closed  bool

	subMu  sync.Mutex
	subs   map[string]Handler
	logger zerolog.Logger
}

// New starts a bus with the given queue size (0 uses a default).
func New(buffer int, logger zerolog.Logger) *Bus {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	b := &Bus{
		events: make(chan Event, buffer),
		done:   make(chan struct{}),
		subs:   make(map[string]Handler),
		logger: logger,
	}
	go b.dispatch()
	return b
}

// Subscribe registers fn under name, replacing any handler with that name.
// The returned function removes it.
func (b *Bus) Subscribe(name string, fn Handler) func() {
	b.subMu.Lock()
	b.subs[name] = fn
	b.subMu.Unlock()
	return func() {
		b.subMu.Lock()
		delete(b.subs, name)
		b.subMu.Unlock()
	}
}

// Publish queues ev. It blocks while the queue is full and drops events
// published after Close.
func (b *Bus) Publish(ev Event) {
	ev.Stamp()
	b.closeMu.RLock()
	defer b.closeMu.RUnlock()
	if b.closed {
		b.logger.Debug().Str("type", string(ev.Type)).Msg("event dropped after close")
		return
	}
	b.events <- ev
}

// Close stops accepting events and returns after queued events have been
// delivered.
func (b *Bus) Close() {
	b.closeMu.Lock()
	if !b.closed {
		b.closed = true
		close(b.events)
	}
	b.closeMu.Unlock()
	<-b.done
}

func (b *Bus) dispatch() {
	defer close(b.done)
	for ev := range b.events {
		for _, h := range b.snapshot() {
			b.deliver(h, ev)
		}
	}
}

func (b *Bus) snapshot() []Handler {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	names := make([]string, 0, len(b.subs))
	for name := range b.subs {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]Handler, 0, len(names))
	for _, name := range names {
		out = append(out, b.subs[name])
	}
	return out
}

func (b *Bus) deliver(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().Interface("panic", r).Str("type", string(ev.Type)).Msg("event handler panicked")
		}
	}()
	h(ev)
}
