// Package event provides typed publish/subscribe topics, one per event
// category, so lifecycle signals reach observers without a shared bus.
package event

import (
	"log/slog"
	"sync"
)

// Topic fans a value of type T out to every current subscriber.
// The zero value is ready to use.
//
// Publish calls handlers synchronously, in subscription order, on the
// publishing goroutine. Handlers must not block; a handler that needs to do
// slow work should hand off to its own goroutine.
type Topic[T any] struct {
	mu     sync.RWMutex
	nextID int
	subs   []subscriber[T]
}

type subscriber[T any] struct {
	id int
	fn func(T)
}

// Subscribe registers fn and returns a function that removes it.
// Calling the returned function more than once is harmless.
func (t *Topic[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextID++
	id := t.nextID
	t.subs = append(t.subs, subscriber[T]{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() { t.remove(id) })
	}
}

func (t *Topic[T]) remove(id int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, s := range t.subs {
		if s.id == id {
			t.subs = append(t.subs[:i:i], t.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers v to every subscriber registered at the time of the call.
// A panicking handler is logged and does not stop delivery to the rest.
func (t *Topic[T]) Publish(v T) {
	t.mu.RLock()
	subs := t.subs
	t.mu.RUnlock()

	for _, s := range subs {
		deliver(s.fn, v)
	}
}

// Len returns the number of subscribers.
func (t *Topic[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs)
}

func deliver[T any](fn func(T), v T) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event handler panicked", "panic", r)
		}
	}()
	fn(v)
}
