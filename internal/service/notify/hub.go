// Package notify fans values out to registered subscribers. Every
// subscriber owns a buffered queue and a goroutine, so a slow subscriber
// never blocks the emitter; when its queue is full the value is dropped and
// counted.
package notify

import (
	"sync"
	"sync/atomic"
)

const defaultBuffer = 64

type subscriber[T any] struct {
	name string
	ch   chan T
	done chan struct{}
}

type Hub[T any] struct {
	buffer  int
	mu      sync.RWMutex
	subs    map[int]*subscriber[T]
	next    int
	closed  bool
	dropped atomic.Int64
}

// New creates a hub; buffer <= 0 selects the default queue size.
func New[T any](buffer int) *Hub[T] {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Hub[T]{buffer: buffer, subs: make(map[int]*subscriber[T])}
}

// Subscribe registers fn and returns a function that removes it. Values are
// delivered to fn in emission order.
func (h *Hub[T]) Subscribe(name string, fn func(T)) (unsubscribe func()) {
	s := &subscriber[T]{name: name, ch: make(chan T, h.buffer), done: make(chan struct{})}
	go func() {
		defer close(s.done)
		for v := range s.ch {
			fn(v)
		}
	}()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(s.ch)
		return func() {}
	}
	id := h.next
	h.next++
	h.subs[id] = s
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			if cur, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(cur.ch)
			}
			h.mu.Unlock()
		})
	}
}

// Emit queues v for every subscriber and reports how many accepted it.
func (h *Hub[T]) Emit(v T) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, s := range h.subs {
		select {
		case s.ch <- v:
			n++
		default:
			h.dropped.Add(1)
		}
	}
	return n
}

func (h *Hub[T]) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped counts values discarded because a subscriber queue was full.
func (h *Hub[T]) Dropped() int64 { return h.dropped.Load() }

// Close stops accepting subscribers and waits for queued values to drain.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := h.subs
	h.subs = map[int]*subscriber[T]{}
	h.mu.Unlock()
	for _, s := range subs {
		close(s.ch)
		<-s.done
	}
}
