// Package ringchan provides a bounded channel with drop-oldest semantics.
// Producers never block: when the buffer is full the oldest element is
// discarded. The connection manager's owner callbacks use it to hand data to
// slow consumers (terminal, PTY) without stalling the event loop.
package ringchan

import "sync/atomic"

// Ring is a bounded channel-like buffer with overwrite-oldest semantics.
// Readers consume via C() like a normal Go channel; writers use Send or
// TrySend.
type Ring[T any] struct {
	ch      chan T
	dropped atomic.Int64
}

// New creates a Ring with the given capacity. Panics if capacity <= 0.
func New[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &Ring[T]{ch: make(chan T, capacity)}
}

// C returns the underlying receive-only channel. Consumers can range over it
// until Close.
func (r *Ring[T]) C() <-chan T {
	return r.ch
}

// Send inserts v, discarding the oldest buffered element if the buffer is
// full. It never blocks indefinitely. Reports whether an element was dropped.
func (r *Ring[T]) Send(v T) bool {
	select {
	case r.ch <- v:
		return false
	default:
	}

	dropped := false
	select {
	case <-r.ch:
		r.dropped.Add(1)
		dropped = true
	default:
		// a reader drained the buffer between the two selects
	}
	r.ch <- v
	return dropped
}

// TrySend inserts v only if buffer space is available.
func (r *Ring[T]) TrySend(v T) bool {
	select {
	case r.ch <- v:
		return true
	default:
		return false
	}
}

// Len returns the number of buffered elements.
func (r *Ring[T]) Len() int { return len(r.ch) }

// Cap returns the buffer capacity.
func (r *Ring[T]) Cap() int { return cap(r.ch) }

// Dropped returns how many elements were discarded by Send.
func (r *Ring[T]) Dropped() int64 { return r.dropped.Load() }

// Close closes the underlying channel. Send after Close panics.
func (r *Ring[T]) Close() { close(r.ch) }
