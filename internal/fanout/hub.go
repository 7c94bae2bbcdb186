// Package fanout implements a bounded, non-blocking broadcast hub.
//
// Every receiver owns a buffered channel. Publish never blocks: when a
// receiver's buffer is full the item is dropped for that receiver only and
// counted, so one slow consumer cannot stall the producer or its peers.
package fanout

import (
	"sync"
	"sync/atomic"
)

// Filter decides whether a receiver wants an item. A nil filter accepts all.
type Filter[T any] func(T) bool

// Hub broadcasts items to a dynamic set of receivers.
type Hub[T any] struct {
	mu        sync.RWMutex
	receivers map[uint64]*Receiver[T]
	nextID    uint64
	closed    bool

	published atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64
}

// NewHub creates an empty hub.
func NewHub[T any]() *Hub[T] {
	return &Hub[T]{
		receivers: make(map[uint64]*Receiver[T]),
	}
}

// Receiver is one subscriber's end of the hub.
type Receiver[T any] struct {
	hub     *Hub[T]
	id      uint64
	ch      chan T
	filter  Filter[T]
	dropped atomic.Int64
	once    sync.Once
}

// Subscribe registers a receiver with the given buffer size. If the hub is
// already closed the returned receiver's channel is closed.
func (h *Hub[T]) Subscribe(buffer int, filter Filter[T]) *Receiver[T] {
	if buffer < 1 {
		buffer = 1
	}
	r := &Receiver[T]{
		hub:    h,
		ch:     make(chan T, buffer),
		filter: filter,
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		r.once.Do(func() { close(r.ch) })
		return r
	}
	h.nextID++
	r.id = h.nextID
	h.receivers[r.id] = r
	return r
}

// Publish delivers item to every receiver whose filter accepts it and
// returns the number of receivers that got it.
func (h *Hub[T]) Publish(item T) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return 0
	}
	h.published.Add(1)

	n := 0
	for _, r := range h.receivers {
		if r.filter != nil && !r.filter(item) {
			continue
		}
		select {
		case r.ch <- item:
			n++
		default:
			r.dropped.Add(1)
			h.dropped.Add(1)
		}
	}
	h.delivered.Add(int64(n))
	return n
}

// Len returns the number of registered receivers.
func (h *Hub[T]) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.receivers)
}

// Close unregisters and closes every receiver. Later Subscribe calls get a
// closed receiver and Publish becomes a no-op.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for id, r := range h.receivers {
		delete(h.receivers, id)
		r.once.Do(func() { close(r.ch) })
	}
}

// Stats returns hub counters.
func (h *Hub[T]) Stats() Stats {
	return Stats{
		Receivers: h.Len(),
		Published: h.published.Load(),
		Delivered: h.delivered.Load(),
		Dropped:   h.dropped.Load(),
	}
}

// Stats contains hub counters.
type Stats struct {
	Receivers int
	Published int64
	Delivered int64
	Dropped   int64
}

// C returns the receive channel. It is closed by Close or when the hub
// closes.
func (r *Receiver[T]) C() <-chan T {
	return r.ch
}

// Dropped returns how many items this receiver missed because its buffer
// was full.
func (r *Receiver[T]) Dropped() int64 {
	return r.dropped.Load()
}

// Close unregisters the receiver and closes its channel. Safe to call more
// than once.
func (r *Receiver[T]) Close() {
	h := r.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	if cur, ok := h.receivers[r.id]; ok && cur == r {
		delete(h.receivers, r.id)
	}
	r.once.Do(func() { close(r.ch) })
}
