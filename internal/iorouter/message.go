// Package iorouter implements the per-step task IO router: the fan-out
// from each task's stdout/stderr pipe to every attached client, and the
// fan-in from clients to task stdin, built on top of the reactor's Object
// interface (internal/reactor) and the framed wire format (internal/frame).
package iorouter

import "github.com/nodestep/stepd/internal/frame"

// Message is one framed message, ref-counted so the same bytes can be
// enqueued to every connected client's write queue without copying: it is
// freed only once its reference count reaches zero, and every enqueue
// increments it.
type Message struct {
	Header  frame.Header
	Payload []byte

	refs int32
}

// Retain increments the reference count; callers enqueueing the same
// Message onto more than one write queue must Retain once per extra queue.
func (m *Message) Retain() { m.refs++ }

// Release decrements the reference count and reports whether it reached
// zero (the caller should then return m to the free list).
func (m *Message) Release() bool {
	m.refs--
	return m.refs <= 0
}

// freeList is the per-step pool of Message values: it bounds heap churn
// and provides natural backpressure, since when empty the router defers
// reading further task output until messages return. It is NOT safe for
// concurrent use; it is owned by the reactor goroutine exclusively.
type freeList struct {
	free    []*Message
	maxSize int
	payload int
}

// newFreeList preallocates n Message values, each with a Payload buffer of
// payloadSize bytes (the max-payload chunk size).
func newFreeList(n, payloadSize int) *freeList {
	fl := &freeList{maxSize: n, payload: payloadSize}
	for i := 0; i < n; i++ {
		fl.free = append(fl.free, &Message{Payload: make([]byte, 0, payloadSize)})
	}
	return fl
}

// get returns a Message with refs reset to 1, or nil if the free list is
// exhausted; the caller must stop reading from its source fd until a
// message is returned via put.
func (fl *freeList) get() *Message {
	n := len(fl.free)
	if n == 0 {
		return nil
	}
	m := fl.free[n-1]
	fl.free = fl.free[:n-1]
	m.refs = 1
	m.Payload = m.Payload[:0]
	return m
}

// put returns m to the free list, discarding it instead if the pool is
// already at its configured maximum (keeps the pool bounded even if a
// caller over-allocated transiently).
func (fl *freeList) put(m *Message) {
	if len(fl.free) >= fl.maxSize {
		return
	}
	fl.free = append(fl.free, m)
}

// available reports how many messages remain free, for backpressure checks.
func (fl *freeList) available() int { return len(fl.free) }

// payloadCap is the configured per-message payload capacity.
func (fl *freeList) payloadCap() int { return fl.payload }
