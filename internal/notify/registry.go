// Package notify fans out process-wide upstream signals to whoever subscribed.
package notify

import (
	"sync"
	"time"
)

// ForbiddenEvent describes one upstream call answered with 403
type ForbiddenEvent struct {
	Method string
	Path   string
	At     time.Time
}

// Registry is a subscription list for forbidden events
type Registry struct {
	mu        sync.RWMutex
	nextID    int
	listeners map[int]func(ForbiddenEvent)

	count int64
	last  time.Time
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{listeners: make(map[int]func(ForbiddenEvent))}
}

// Subscribe registers fn and returns a function removing it again
func (r *Registry) Subscribe(fn func(ForbiddenEvent)) (unsubscribe func()) {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = fn
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.listeners, id)
			r.mu.Unlock()
		})
	}
}

// NotifyForbidden delivers ev to every current listener, outside the lock
func (r *Registry) NotifyForbidden(ev ForbiddenEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	r.mu.Lock()
	r.count++
	r.last = ev.At
	listeners := make([]func(ForbiddenEvent), 0, len(r.listeners))
	for _, fn := range r.listeners {
		listeners = append(listeners, fn)
	}
	r.mu.Unlock()

	for _, fn := range listeners {
		fn(ev)
	}
}

// Count returns how many forbidden events were seen so far
func (r *Registry) Count() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// Last returns the time of the most recent forbidden event, zero if none
func (r *Registry) Last() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last
}
