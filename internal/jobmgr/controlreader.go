package jobmgr

import (
	"golang.org/x/sys/unix"

	"github.com/nodestep/stepd/internal/errs"
	"github.com/nodestep/stepd/internal/obslog"
	"github.com/nodestep/stepd/internal/reactor"
	"github.com/nodestep/stepd/internal/sessionmgr"
)

// controlPipeReader is the reactor.Object wrapping the job manager's read
// end of the control pipe to the session manager: exit collection runs
// the control pipe in nonblocking mode against the same pollset as the IO
// engine. It runs two phases in sequence: reading N raw pid records at
// startup, then reading ExitRecords for the remainder of the step's life.
// Reads go straight through unix.Read on the raw fd (mirroring
// iorouter.ClientSocket), not through os.File, since the latter's runtime
// poller integration would block the calling goroutine instead of
// returning EAGAIN to the single-threaded reactor loop.
type controlPipeReader struct {
	fd  int
	log *obslog.Logger

	wantPids int
	onPid    func(pid int)
	onExit   func(sessionmgr.ExitRecord)
	onEOF    func()

	pidsSeen int
	buf      []byte // accumulated partial record bytes
	done     bool
	eofSent  bool
}

func newControlPipeReader(fd int, wantPids int, onPid func(int), onExit func(sessionmgr.ExitRecord), onEOF func(), log *obslog.Logger) *controlPipeReader {
	return &controlPipeReader{fd: fd, log: log, wantPids: wantPids, onPid: onPid, onExit: onExit, onEOF: onEOF}
}

func (c *controlPipeReader) FD() int { return c.fd }

func (c *controlPipeReader) Readable() bool { return !c.done }
func (c *controlPipeReader) Writable() bool { return false }

func (c *controlPipeReader) ShutdownRequested() bool { return c.done }

// recordSize returns how many bytes the current phase's record needs.
func (c *controlPipeReader) recordSize() int {
	if c.pidsSeen < c.wantPids {
		return 4
	}
	return 8
}

func (c *controlPipeReader) OnReadable(r *reactor.Reactor, h reactor.Handle) {
	var tmp [256]byte
	for {
		n, err := unix.Read(c.fd, tmp[:])
		if err != nil {
			if err == unix.EAGAIN {
				return
			}
			c.OnError(r, h, errs.Syscall("jobmgr.controlPipeReader.OnReadable", err))
			return
		}
		if n == 0 {
			c.handleEOF()
			return
		}
		c.buf = append(c.buf, tmp[:n]...)
		c.drainRecords()
	}
}

func (c *controlPipeReader) drainRecords() {
	for len(c.buf) >= c.recordSize() {
		size := c.recordSize()
		rec := c.buf[:size]
		c.buf = c.buf[size:]

		if c.pidsSeen < c.wantPids {
			pid := int(be32(rec))
			c.pidsSeen++
			c.onPid(pid)
			continue
		}

		c.onExit(sessionmgr.ExitRecord{
			TaskIndex:  int32(be32(rec[0:4])),
			WaitStatus: int32(be32(rec[4:8])),
		})
	}
}

func be32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func (c *controlPipeReader) handleEOF() {
	c.done = true
	if !c.eofSent {
		c.eofSent = true
		c.onEOF()
	}
}

func (c *controlPipeReader) OnWritable(r *reactor.Reactor, h reactor.Handle) {}

func (c *controlPipeReader) OnError(r *reactor.Reactor, h reactor.Handle, err error) {
	c.log.Warning().Err(err).Log("control pipe reported error")
	c.handleEOF()
}

func (c *controlPipeReader) OnClose(r *reactor.Reactor, h reactor.Handle) {
	if c.fd >= 0 {
		_ = unix.Close(c.fd)
		c.fd = -1
	}
}
