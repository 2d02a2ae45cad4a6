package iorouter

import (
	"os"

	"github.com/nodestep/stepd/internal/frame"
	"github.com/nodestep/stepd/internal/obslog"
	"github.com/nodestep/stepd/internal/reactor"
)

// defaultFreeListSize bounds the per-step pool of in-flight framed
// messages, the free-list backpressure mechanism.
const defaultFreeListSize = 256

type taskEntry struct {
	globalID     uint32
	stdout       *TaskOutput
	stderr       *TaskOutput
	stdin        *TaskStdin
	stdoutHandle reactor.Handle
	stderrHandle reactor.Handle
	stdinHandle  reactor.Handle
}

// Router owns one step's task IO objects, its free list, and its set of
// attached clients, and wires the task-to-client fan-out and client-to-task
// fan-in on top of the single-threaded reactor.
type Router struct {
	rx  *reactor.Reactor
	log *obslog.Logger
	fl  *freeList

	tasksByGlobal map[uint32]*taskEntry
	clients       map[reactor.Handle]*ClientSocket
}

// NewRouter builds a Router bound to rx. log should already be scoped to
// the owning step (see internal/obslog).
func NewRouter(rx *reactor.Reactor, log *obslog.Logger) *Router {
	return &Router{
		rx:            rx,
		log:           log,
		fl:            newFreeList(defaultFreeListSize, maxLinePayload),
		tasksByGlobal: make(map[uint32]*taskEntry),
		clients:       make(map[reactor.Handle]*ClientSocket),
	}
}

// RegisterTask creates and registers the three IO objects for one task's
// pipe triple. stdoutFD/stderrFD/stdinFD are the already close-on-exec,
// nonblocking parent-side pipe ends; any may be nil to register that
// stream as a ghost.
func (rt *Router) RegisterTask(localID int, globalID uint32, stdoutFD, stderrFD, stdinFD *os.File) {
	localTaskID := uint16(localID)

	out := newTaskOutput(frame.Stdout, localTaskID, globalID, stdoutFD, rt.fl, rt.log)
	errOut := newTaskOutput(frame.Stderr, localTaskID, globalID, stderrFD, rt.fl, rt.log)
	in := newTaskStdin(localTaskID, globalID, stdinFD, rt.log)

	te := &taskEntry{globalID: globalID, stdout: out, stderr: errOut, stdin: in}
	te.stdoutHandle = rt.rx.Register(out)
	te.stderrHandle = rt.rx.Register(errOut)
	te.stdinHandle = rt.rx.Register(in)

	rt.tasksByGlobal[globalID] = te
}

// AttachClient registers fd (already past session-header validation) as a
// new ClientSocket and subscribes it to every task's stdout/stderr,
// replaying recent buffered lines.
func (rt *Router) AttachClient(fd int) reactor.Handle {
	cs := newClientSocket(fd, rt, rt.log)
	h := rt.rx.Register(cs)
	cs.self = h
	rt.clients[h] = cs

	for _, te := range rt.tasksByGlobal {
		te.stdout.Subscribe(h, cs)
		te.stderr.Subscribe(h, cs)
	}
	return h
}

// routeStdin implements the fan-in path: a StdinTargeted message goes to
// the one task whose global id matches; a StdinBroad message goes to every
// task's stdin, sharing the Message with a ref-count per recipient.
func (rt *Router) routeStdin(m *Message) {
	switch m.Header.Type {
	case frame.StdinTargeted:
		te, ok := rt.tasksByGlobal[m.Header.GlobalTaskID]
		if !ok {
			return
		}
		te.stdin.Enqueue(m)
	case frame.StdinBroad:
		if len(rt.tasksByGlobal) == 0 {
			return
		}
		m.refs = int32(len(rt.tasksByGlobal))
		for _, te := range rt.tasksByGlobal {
			te.stdin.Enqueue(m)
		}
	default:
		rt.log.Warning().Int("type", int(m.Header.Type)).Log("unexpected client-to-task frame type")
	}
}

// onClientDisconnect removes a client from every task's subscriber set. It
// does not log the disconnect and does not report it to the job manager.
func (rt *Router) onClientDisconnect(h reactor.Handle) {
	delete(rt.clients, h)
	for _, te := range rt.tasksByGlobal {
		te.stdout.Unsubscribe(h)
		te.stderr.Unsubscribe(h)
	}
}

// releaseMessage returns m to the free list once its ref-count has reached
// zero.
func (rt *Router) releaseMessage(m *Message) {
	rt.fl.put(m)
}

// ClientCount reports the number of currently attached clients.
func (rt *Router) ClientCount() int { return len(rt.clients) }

// Close tears down every IO object this Router owns: ghost task outputs
// kept alive for late-attaching clients, live task stdin objects, and
// every attached client socket. It is the explicit step teardown point
// referenced by TaskOutput.onEOF's doc comment; a ghost object otherwise
// has no other path out of the reactor's registry.
func (rt *Router) Close() {
	closeHandle := func(h reactor.Handle) {
		if obj, ok := rt.rx.Get(h); ok {
			obj.OnClose(rt.rx, h)
		}
		rt.rx.Unregister(h)
	}
	for _, te := range rt.tasksByGlobal {
		closeHandle(te.stdoutHandle)
		closeHandle(te.stderrHandle)
		closeHandle(te.stdinHandle)
	}
	for h := range rt.clients {
		closeHandle(h)
	}
	rt.tasksByGlobal = make(map[uint32]*taskEntry)
	rt.clients = make(map[reactor.Handle]*ClientSocket)
}
