package engine

import (
	"context"
	"log/slog"
	"sync"

	"xp360/core"
)

type DispatchMode int

const (
	DispatchSync DispatchMode = iota
	DispatchAsync
)

const (
	eventQueueSize = 1024
	eventWorkers   = 4
)

// Handler reacts to a published event.
type Handler func(context.Context, core.Event)

type handlerEntry struct {
	id int64
	fn Handler
}

// EventBus fans events out to subscribers. In async mode events are queued
// and delivered by a small worker pool; a full queue drops the event.
type EventBus struct {
	mode DispatchMode

	mu       sync.RWMutex
	handlers map[core.EventType][]handlerEntry
	seq      int64
	closed   bool

	queue chan core.Event
	wg    sync.WaitGroup
}

func NewEventBus(mode DispatchMode) *EventBus {
	b := &EventBus{
		mode:     mode,
		handlers: make(map[core.EventType][]handlerEntry),
	}
	if mode == DispatchAsync {
		b.queue = make(chan core.Event, eventQueueSize)
		b.wg.Add(eventWorkers)
		for range eventWorkers {
			go b.work()
		}
	}
	return b
}

func (b *EventBus) work() {
	defer b.wg.Done()
	for ev := range b.queue {
		b.deliver(context.Background(), ev)
	}
}

// Close stops accepting events, delivers whatever is still queued and
// waits for the workers. Safe to call more than once.
func (b *EventBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	if b.queue != nil {
		close(b.queue)
	}
	b.mu.Unlock()
	b.wg.Wait()
}

// Subscribe registers fn for typ and returns a func that removes it.
func (b *EventBus) Subscribe(typ core.EventType, fn func(context.Context, core.Event)) func() {
	b.mu.Lock()
	b.seq++
	id := b.seq
	b.handlers[typ] = append(b.handlers[typ], handlerEntry{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			list := b.handlers[typ]
			for i, h := range list {
				if h.id == id {
					b.handlers[typ] = append(list[:i:i], list[i+1:]...)
					break
				}
			}
		})
	}
}

// SubscribeAll registers fn for every event type the service publishes.
func (b *EventBus) SubscribeAll(fn func(context.Context, core.Event)) func() {
	cancels := make([]func(), len(core.EventTypes))
	for i, typ := range core.EventTypes {
		cancels[i] = b.Subscribe(typ, fn)
	}
	return func() {
		for _, c := range cancels {
			c()
		}
	}
}

// Publish delivers ev inline in sync mode, otherwise enqueues it.
func (b *EventBus) Publish(ctx context.Context, ev core.Event) {
	if b.mode != DispatchAsync {
		b.deliver(ctx, ev)
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		slog.Debug("event bus closed, dropping event", "type", ev.Type, "user_id", ev.UserID)
		return
	}
	select {
	case b.queue <- ev:
	default:
		slog.Warn("event queue full, dropping event", "type", ev.Type, "user_id", ev.UserID)
	}
}

func (b *EventBus) deliver(ctx context.Context, ev core.Event) {
	b.mu.RLock()
	list := append([]handlerEntry(nil), b.handlers[ev.Type]...)
	b.mu.RUnlock()
	for _, h := range list {
		b.call(ctx, h.fn, ev)
	}
}

func (b *EventBus) call(ctx context.Context, fn Handler, ev core.Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event handler panicked", "type", ev.Type, "user_id", ev.UserID, "panic", r)
		}
	}()
	fn(ctx, ev)
}
