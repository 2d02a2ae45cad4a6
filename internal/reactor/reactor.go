package reactor

import (
	"errors"
	"sync"

	"github.com/nodestep/stepd/internal/errs"
	"github.com/nodestep/stepd/internal/obslog"
)

// errPollReportedError is the cause wrapped when epoll reports EPOLLERR/
// EPOLLHUP without a more specific errno being available from the object
// itself (the object's own read/write call usually supplies a better one).
var errPollReportedError = errors.New("reactor: poller reported an error condition")

// Reactor is the single-threaded event loop: one poller, one wake-fd, one
// object registry, run from exactly one goroutine.
// Every other goroutine that needs to touch the object set does so through
// Register/Unregister/Replace/Post, which are safe to call concurrently and
// which nudge the loop awake via the wake-fd. Register/Replace/Post leave
// epoll to the loop's next sweep; Unregister removes the object's fd from
// epoll itself.
type Reactor struct {
	log *obslog.Logger

	poller *poller
	wake   *wakeFD
	reg    *registry
	errlog *errorLog

	postMu sync.Mutex
	posted []func(*Reactor)

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New builds a Reactor. log should already be scoped to the owning step
// (obslog.Step) and component (obslog.Component(l, "reactor")).
func New(log *obslog.Logger) (*Reactor, error) {
	p, err := newPoller()
	if err != nil {
		return nil, err
	}
	w, err := newWakeFD()
	if err != nil {
		_ = p.close()
		return nil, err
	}
	if err := p.add(w.fd, EventRead); err != nil {
		_ = p.close()
		_ = w.close()
		return nil, err
	}
	return &Reactor{
		log:    log,
		poller: p,
		wake:   w,
		reg:    newRegistry(),
		errlog: newErrorLog(),
		stopCh: make(chan struct{}),
	}, nil
}

// Close releases the poller and wake-fd. Call only after Run has returned.
func (r *Reactor) Close() error {
	err1 := r.poller.close()
	err2 := r.wake.close()
	if err1 != nil {
		return err1
	}
	return err2
}

// Register adds obj to the reactor, returning the handle by which it will
// be referenced in every subsequent callback.
func (r *Reactor) Register(obj Object) Handle {
	h := r.reg.add(obj)
	r.wakeLocked()
	return h
}

// Replace swaps the Object behind an existing handle in place. Client
// sockets are registered only after their header exchange and ghost task
// outputs take new clients through TaskOutput.Subscribe, so neither goes
// through Replace.
func (r *Reactor) Replace(h Handle, obj Object) bool {
	ok := r.reg.replace(h, obj)
	if ok {
		r.wakeLocked()
	}
	return ok
}

// Unregister removes an object. Its OnClose is not called here; callers
// invoke OnClose themselves before or after Unregister as the shutdown
// sequence requires, since order-of-operations varies by object kind.
func (r *Reactor) Unregister(h Handle) {
	r.reg.mu.Lock()
	e, ok := r.reg.objects[h]
	var registeredFD int = -1
	if ok {
		registeredFD = e.registeredFD
		delete(r.reg.objects, h)
	}
	r.reg.mu.Unlock()
	if registeredFD >= 0 {
		_ = r.poller.remove(registeredFD)
	}
	r.errlog.forget(h)
	r.wakeLocked()
}

// Get looks up a registered object by handle.
func (r *Reactor) Get(h Handle) (Object, bool) {
	return r.reg.get(h)
}

// Len reports the number of currently registered objects.
func (r *Reactor) Len() int {
	return r.reg.len()
}

// Post schedules fn to run on the reactor goroutine at the start of its next
// sweep: the mechanism other goroutines use to mutate objects without data
// races, since all object mutation happens on the reactor thread.
func (r *Reactor) Post(fn func(*Reactor)) {
	r.postMu.Lock()
	r.posted = append(r.posted, fn)
	r.postMu.Unlock()
	r.wakeLocked()
}

// Stop asks Run to return once the current sweep completes.
func (r *Reactor) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		r.wakeLocked()
	})
}

func (r *Reactor) wakeLocked() {
	if err := r.wake.wake(); err != nil {
		r.log.Warning().Err(err).Log("reactor wake failed")
	}
}

func (r *Reactor) drainPosted() {
	r.postMu.Lock()
	posted := r.posted
	r.posted = nil
	r.postMu.Unlock()
	for _, fn := range posted {
		fn(r)
	}
}

// Run drives the loop until Stop is called or the registry becomes empty
// with no posted work pending: the step is torn down once every task's IO
// objects and every client socket has retired. It must be called from
// exactly one goroutine and blocks until exit.
func (r *Reactor) Run() error {
	for {
		select {
		case <-r.stopCh:
			return nil
		default:
		}

		r.drainPosted()

		snap := r.reg.snapshot()
		if len(snap) == 0 {
			// Nothing registered and nothing posted: nothing left to drive.
			// The job manager calls Stop() on control-pipe EOF, since its
			// ghost task outputs keep the registry non-empty; exit here
			// rather than spin.
			return nil
		}

		if err := r.sync(snap); err != nil {
			return err
		}

		ready, err := r.poller.wait(-1)
		if err != nil {
			return err
		}

		for _, rf := range ready {
			if rf.fd == r.wake.fd {
				r.wake.drain()
				continue
			}
			r.dispatch(rf)
		}

		r.reapShutdown()
	}
}

// sync walks the current object set and reconciles epoll's view of each
// object's (fd, interest) with its live values, recomputing interest from
// predicates rather than trusting stale bookkeeping. An object's fd can
// change between sweeps, for example a TaskOutput closing its pipe and
// becoming a ghost, so a registered fd is torn down whenever it no longer
// matches.
func (r *Reactor) sync(snap []handleEntry) error {
	for _, he := range snap {
		want := interestOf(he.obj)
		if err := r.reconcile(he.handle, he.fd, want); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reactor) reconcile(h Handle, fd int, want Events) error {
	r.reg.mu.Lock()
	defer r.reg.mu.Unlock()
	e, ok := r.reg.objects[h]
	if !ok {
		return nil
	}

	if e.registeredFD != fd {
		if e.registeredFD >= 0 {
			if err := r.poller.remove(e.registeredFD); err != nil {
				return err
			}
			e.registeredFD = -1
			e.registeredI = 0
		}
		if fd < 0 {
			return nil
		}
		if err := r.poller.add(fd, want); err != nil {
			return err
		}
		e.registeredFD = fd
		e.registeredI = want
		return nil
	}

	if fd < 0 {
		return nil
	}
	if e.registeredI != want {
		if err := r.poller.modify(fd, want); err != nil {
			return err
		}
		e.registeredI = want
	}
	return nil
}

func interestOf(obj Object) Events {
	var ev Events
	if obj.Readable() {
		ev |= EventRead
	}
	if obj.Writable() {
		ev |= EventWrite
	}
	return ev
}

func (r *Reactor) dispatch(rf readyFD) {
	snap := r.reg.snapshot()
	for _, he := range snap {
		if he.fd != rf.fd {
			continue
		}
		r.invoke(he, rf.events)
		return
	}
}

func (r *Reactor) invoke(he handleEntry, ev Events) {
	if ev&EventError != 0 {
		err := errs.New(errs.OsSyscallError, "reactor.dispatch", errPollReportedError)
		if r.errlog.observe(he.handle, "io_error", err) {
			r.log.Warning().Int("handle", int(he.handle)).Err(err).Log("io object reported error")
		}
		he.obj.OnError(r, he.handle, err)
		return
	}
	if ev&EventRead != 0 {
		he.obj.OnReadable(r, he.handle)
	}
	if ev&EventWrite != 0 {
		he.obj.OnWritable(r, he.handle)
	}
}

// reapShutdown closes and removes any object that has asked to retire.
func (r *Reactor) reapShutdown() {
	for _, he := range r.reg.snapshot() {
		if he.obj.ShutdownRequested() {
			he.obj.OnClose(r, he.handle)
			r.Unregister(he.handle)
		}
	}
}
