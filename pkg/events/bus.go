// Package events implements the synchronous in-process pub/sub switchboard
// used for engine and workspace lifecycle notifications.
package events

import (
	"reflect"
	"sync"
)

// Handler receives the arguments passed to Emit.
type Handler func(args ...any)

type listener struct {
	fn   Handler
	ptr  uintptr
	once bool
}

// Bus dispatches events to handlers in registration order, on the caller's
// goroutine. Emit returns only after every handler has returned.
type Bus struct {
	mu        sync.Mutex
	listeners map[string][]*listener
}

func NewBus() *Bus {
	return &Bus{listeners: make(map[string][]*listener)}
}

// On registers fn for every future emission of name.
func (b *Bus) On(name string, fn Handler) {
	b.add(name, fn, false)
}

// Once registers fn for the next emission of name only.
func (b *Bus) Once(name string, fn Handler) {
	b.add(name, fn, true)
}

func (b *Bus) add(name string, fn Handler, once bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners[name] = append(b.listeners[name], &listener{
		fn:   fn,
		ptr:  reflect.ValueOf(fn).Pointer(),
		once: once,
	})
}

// Off removes a previously registered handler. Handlers are matched by
// function identity, so the caller must pass the same value it passed to On.
// A nil fn removes every handler for name.
func (b *Bus) Off(name string, fn Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if fn == nil {
		delete(b.listeners, name)
		return
	}
	ptr := reflect.ValueOf(fn).Pointer()
	kept := b.listeners[name][:0]
	for _, l := range b.listeners[name] {
		if l.ptr != ptr {
			kept = append(kept, l)
		}
	}
	if len(kept) == 0 {
		delete(b.listeners, name)
	} else {
		b.listeners[name] = kept
	}
}

// Emit calls every handler registered for name, in registration order. A
// handler registered with Once is claimed under the lock before the call, so
// it runs at most once even when Emit races with itself.
func (b *Bus) Emit(name string, args ...any) {
	b.mu.Lock()
	regs := b.listeners[name]
	fire := make([]Handler, 0, len(regs))
	kept := regs[:0]
	for _, l := range regs {
		fire = append(fire, l.fn)
		if !l.once {
			kept = append(kept, l)
		}
	}
	if len(kept) == 0 {
		delete(b.listeners, name)
	} else {
		b.listeners[name] = kept
	}
	b.mu.Unlock()

	for _, fn := range fire {
		fn(args...)
	}
}

// ListenerCount reports how many handlers are currently registered for name.
func (b *Bus) ListenerCount(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners[name])
}
