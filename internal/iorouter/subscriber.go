package iorouter

// Subscriber is anything that can receive framed messages fanned out from a
// task's stdout/stderr, or fanned in to a task's stdin. ClientSocket is the
// only implementation in this module, but keeping it as an interface lets
// TaskOutput fan out without importing ClientSocket's connection-state
// details.
type Subscriber interface {
	// Enqueue adds m to the subscriber's outbound write queue. The
	// subscriber does not take ownership of ref-counting: the caller has
	// already called Retain for this enqueue if needed.
	Enqueue(m *Message)
}
