package iorouter

import (
	"io"
	"os"

	"github.com/nodestep/stepd/internal/errs"
	"github.com/nodestep/stepd/internal/frame"
	"github.com/nodestep/stepd/internal/obslog"
	"github.com/nodestep/stepd/internal/reactor"
	"github.com/nodestep/stepd/internal/ringbuf"
)

// outputBufCap is the default stdout/stderr ring capacity per task.
const outputBufCap = 64 * 1024

// maxLinePayload bounds a single framed message's payload: a line longer
// than this is sent as a full max-payload chunk rather than waiting for a
// newline.
const maxLinePayload = 4096

// TaskOutput is the TaskStdout/TaskStderr IO object. A "ghost" TaskOutput
// (file == nil) has no pipe attached; it still buffers via buf and can be
// resurrected later when Router.AttachClient subscribes a client mid-step.
type TaskOutput struct {
	kind         frame.Type // Stdout or Stderr
	localTaskID  uint16
	globalTaskID uint32

	file *os.File // nil when acting as a ghost
	buf  *ringbuf.Buffer
	fl   *freeList

	subs map[reactor.Handle]Subscriber

	eofSent  bool
	shutdown bool

	log *obslog.Logger
}

func newTaskOutput(kind frame.Type, localTaskID uint16, globalTaskID uint32, file *os.File, fl *freeList, log *obslog.Logger) *TaskOutput {
	return &TaskOutput{
		kind:         kind,
		localTaskID:  localTaskID,
		globalTaskID: globalTaskID,
		file:         file,
		buf:          ringbuf.New(outputBufCap, ringbuf.WrapOnce),
		fl:           fl,
		subs:         make(map[reactor.Handle]Subscriber),
		log:          log,
	}
}

// FD implements reactor.Object; -1 marks a ghost object.
func (t *TaskOutput) FD() int {
	if t.file == nil {
		return -1
	}
	return int(t.file.Fd())
}

// Readable implements reactor.Object. A ghost (no fd) is never readable.
// Backpressure: once the free list is exhausted the router stops reading
// further task output until messages are returned.
func (t *TaskOutput) Readable() bool {
	return t.file != nil && !t.eofSent && t.fl.available() > 0
}

// Writable implements reactor.Object; output objects never wait to write.
func (t *TaskOutput) Writable() bool { return false }

func (t *TaskOutput) ShutdownRequested() bool { return t.shutdown }

// Subscribe registers h/sub to receive every future framed message from
// this output, including a short replay of recently buffered lines: the
// ghost-resurrection path for a client attaching mid-step.
func (t *TaskOutput) Subscribe(h reactor.Handle, sub Subscriber) {
	t.subs[h] = sub
	t.replayTo(sub)
}

// Unsubscribe drops a client from this output's fan-out set.
func (t *TaskOutput) Unsubscribe(h reactor.Handle) {
	delete(t.subs, h)
}

func (t *TaskOutput) replayTo(sub Subscriber) {
	out := make([]byte, ringbuf.DefaultReplayBytes)
	n := t.buf.ReplayLine(out, ringbuf.DefaultReplayBytes, 16)
	if n == 0 {
		return
	}
	m := &Message{
		Header: frame.Header{
			Type:          t.kind,
			LocalTaskID:   t.localTaskID,
			GlobalTaskID:  t.globalTaskID,
			PayloadLength: uint32(n),
		},
		Payload: append([]byte(nil), out[:n]...),
		refs:    1,
	}
	sub.Enqueue(m)
}

// OnReadable implements reactor.Object: pull bytes from the task's pipe
// into the ring buffer, then package and fan out every complete line.
func (t *TaskOutput) OnReadable(r *reactor.Reactor, h reactor.Handle) {
	n, err := t.buf.WriteFromFD(t.file, t.fl.payloadCap()*4)
	if n > 0 {
		t.drainLines()
	}
	if err != nil {
		if err == io.EOF {
			t.onEOF()
			return
		}
		t.OnError(r, h, errs.Syscall("iorouter.TaskOutput.OnReadable", err))
		return
	}
	if n == 0 {
		t.onEOF()
	}
}

// drainLines packages every complete buffered line (or full-capacity
// chunk) into a Message and fans it out to every subscriber.
func (t *TaskOutput) drainLines() {
	for {
		if t.fl.available() == 0 {
			return
		}
		out := make([]byte, maxLinePayload)
		n := t.buf.ReadLine(out, maxLinePayload)
		if n == 0 {
			return
		}
		t.fanOut(out[:n])
	}
}

func (t *TaskOutput) fanOut(payload []byte) {
	if len(t.subs) == 0 {
		// ghost mode: bytes stay only in the ring buffer for later replay.
		return
	}
	m := t.fl.get()
	if m == nil {
		return
	}
	m.Header = frame.Header{
		Type:          t.kind,
		LocalTaskID:   t.localTaskID,
		GlobalTaskID:  t.globalTaskID,
		PayloadLength: uint32(len(payload)),
	}
	m.Payload = append(m.Payload[:0], payload...)
	m.refs = int32(len(t.subs))
	for _, sub := range t.subs {
		sub.Enqueue(m)
	}
}

// onEOF transitions the object into ghost state: the pipe fd is closed and
// the object becomes permanently un-Readable, but it
// stays registered so a client attaching afterward can still Subscribe and
// receive a replay of the buffered tail. It is NOT marked ShutdownRequested
// here; final removal from the reactor happens when the owning step tears
// down (Router.Close), not on a per-object EOF.
func (t *TaskOutput) onEOF() {
	if t.eofSent {
		return
	}
	t.eofSent = true
	if t.buf.Len() > 0 {
		t.drainLines()
	}
	for _, sub := range t.subs {
		sub.Enqueue(&Message{
			Header: frame.Header{Type: t.kind, LocalTaskID: t.localTaskID, GlobalTaskID: t.globalTaskID, PayloadLength: 0},
			refs:   1,
		})
	}
	if t.file != nil {
		_ = t.file.Close()
		t.file = nil
	}
}

func (t *TaskOutput) OnWritable(r *reactor.Reactor, h reactor.Handle) {}

func (t *TaskOutput) OnError(r *reactor.Reactor, h reactor.Handle, err error) {
	t.log.Warning().Str("stream", t.kind.String()).Err(err).Log("task output error")
	t.onEOF()
}

func (t *TaskOutput) OnClose(r *reactor.Reactor, h reactor.Handle) {
	if t.file != nil {
		_ = t.file.Close()
	}
}
