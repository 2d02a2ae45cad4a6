package reactor

// Handle is an opaque, index-based reference into the reactor's object
// slab. Using handles instead of direct pointer links between reader and
// writer objects (ghost subscribers, client fan-out lists) means every
// reference can be validated and none can alias freed memory.
type Handle uint64

// Object is the single interface every IO object variant implements: task
// stdin/stdout/stderr pipes and client sockets. Go's lack of tagged unions
// makes a single small interface the right fit here, rather than
// attempting to hand-roll a sum type.
type Object interface {
	// FD returns the object's file descriptor, or -1 for a ghost object
	// that is not currently attached to any fd.
	FD() int

	// Readable/Writable are the predicates the reactor consults every
	// sweep to decide whether to watch this object's fd for the
	// corresponding epoll condition.
	Readable() bool
	Writable() bool

	// OnReadable/OnWritable/OnError/OnClose are the object's handlers. A
	// handler must never block; anything that would block instead updates
	// internal state so a later Readable/Writable call reflects the new
	// interest.
	OnReadable(r *Reactor, h Handle)
	OnWritable(r *Reactor, h Handle)
	OnError(r *Reactor, h Handle, err error)
	OnClose(r *Reactor, h Handle)

	// ShutdownRequested reports whether this object has asked to be
	// retired. At the end of the sweep in which it returns true, the
	// reactor calls OnClose and unregisters the object; the reactor does
	// not itself check for pending writes.
	ShutdownRequested() bool
}
