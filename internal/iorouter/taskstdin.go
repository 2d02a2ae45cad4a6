package iorouter

import (
	"os"

	"github.com/nodestep/stepd/internal/errs"
	"github.com/nodestep/stepd/internal/obslog"
	"github.com/nodestep/stepd/internal/reactor"
	"github.com/nodestep/stepd/internal/ringbuf"
)

// stdinBufCap is the default per-task stdin ring capacity.
const stdinBufCap = 16 * 1024

// TaskStdin is the IO object that fans client input in to one task's stdin
// pipe. It uses the NoOverwrite discipline: input is never silently
// dropped, so a full buffer applies backpressure to the client's read loop
// instead.
type TaskStdin struct {
	localTaskID  uint16
	globalTaskID uint32

	file *os.File
	buf  *ringbuf.Buffer

	eofRequested bool
	shutdown     bool

	log *obslog.Logger
}

func newTaskStdin(localTaskID uint16, globalTaskID uint32, file *os.File, log *obslog.Logger) *TaskStdin {
	return &TaskStdin{
		localTaskID:  localTaskID,
		globalTaskID: globalTaskID,
		file:         file,
		buf:          ringbuf.New(stdinBufCap, ringbuf.NoOverwrite),
		log:          log,
	}
}

func (t *TaskStdin) FD() int {
	if t.file == nil {
		return -1
	}
	return int(t.file.Fd())
}

func (t *TaskStdin) Readable() bool { return false }

// Writable implements reactor.Object: there is pending data to deliver, or
// the peer has requested EOF and the buffer has now drained.
func (t *TaskStdin) Writable() bool {
	return t.buf.Len() > 0 || (t.eofRequested && !t.shutdown)
}

func (t *TaskStdin) ShutdownRequested() bool { return t.shutdown }

// Enqueue implements Subscriber: a zero-length payload is the fan-in EOF
// marker, causing the router to close the task-side write end of the pipe.
func (t *TaskStdin) Enqueue(m *Message) {
	if m.Header.PayloadLength == 0 {
		t.eofRequested = true
		return
	}
	t.buf.Write(m.Payload)
}

func (t *TaskStdin) OnReadable(r *reactor.Reactor, h reactor.Handle) {}

func (t *TaskStdin) OnWritable(r *reactor.Reactor, h reactor.Handle) {
	if t.buf.Len() > 0 {
		_, err := t.buf.ReadToFD(t.file, t.buf.Len())
		if err != nil {
			t.OnError(r, h, errs.Syscall("iorouter.TaskStdin.OnWritable", err))
			return
		}
	}
	if t.eofRequested && t.buf.Len() == 0 {
		t.shutdown = true
	}
}

func (t *TaskStdin) OnError(r *reactor.Reactor, h reactor.Handle, err error) {
	t.log.Warning().Err(err).Log("task stdin write error")
	t.shutdown = true
}

func (t *TaskStdin) OnClose(r *reactor.Reactor, h reactor.Handle) {
	if t.file != nil {
		_ = t.file.Close()
	}
}
