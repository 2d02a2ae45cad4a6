package iorouter

import (
	"golang.org/x/sys/unix"

	"github.com/nodestep/stepd/internal/errs"
	"github.com/nodestep/stepd/internal/frame"
	"github.com/nodestep/stepd/internal/obslog"
	"github.com/nodestep/stepd/internal/reactor"
)

// ClientSocket is the bidirectional IO object carrying framed messages to
// and from one remote client. It is constructed already past the
// session-header exchange: header validation happens in the accept path,
// before the object is registered with the reactor, so a ClientSocket is
// promoted from connecting to connected only after that exchange.
type ClientSocket struct {
	fd     int
	router *Router
	log    *obslog.Logger

	writeQueue []*Message
	writeOff   int // bytes of writeQueue[0]'s header+payload already written

	readHdrBuf [frame.HeaderSize]byte
	readHdrLen int
	readHdr    frame.Header
	haveHdr    bool
	readPay    []byte
	readPayLen int

	shutdown bool
	self     reactor.Handle
}

func newClientSocket(fd int, router *Router, log *obslog.Logger) *ClientSocket {
	return &ClientSocket{fd: fd, router: router, log: log}
}

func (c *ClientSocket) FD() int        { return c.fd }
func (c *ClientSocket) Readable() bool { return !c.shutdown }
func (c *ClientSocket) Writable() bool { return len(c.writeQueue) > 0 }

func (c *ClientSocket) ShutdownRequested() bool { return c.shutdown }

// Enqueue implements Subscriber: queue m for delivery to this client. The
// caller must already hold a Retain for this enqueue.
func (c *ClientSocket) Enqueue(m *Message) {
	c.writeQueue = append(c.writeQueue, m)
}

func (c *ClientSocket) OnReadable(r *reactor.Reactor, h reactor.Handle) {
	c.self = h
	var buf [4096]byte
	n, err := unix.Read(c.fd, buf[:])
	if err != nil {
		if err == unix.EAGAIN {
			return
		}
		c.OnError(r, h, errs.Syscall("iorouter.ClientSocket.OnReadable", err))
		return
	}
	if n == 0 {
		c.onPeerDisconnect()
		return
	}
	c.feed(buf[:n])
}

// feed folds newly read bytes into the header/payload state machine and
// dispatches each completed message as it becomes whole.
func (c *ClientSocket) feed(b []byte) {
	for len(b) > 0 {
		if !c.haveHdr {
			need := frame.HeaderSize - c.readHdrLen
			take := min(need, len(b))
			copy(c.readHdrBuf[c.readHdrLen:], b[:take])
			c.readHdrLen += take
			b = b[take:]
			if c.readHdrLen < frame.HeaderSize {
				return
			}
			hdr, err := frame.DecodeHeader(c.readHdrBuf[:])
			if err != nil {
				c.log.Warning().Err(err).Log("malformed client frame header")
				c.shutdown = true
				return
			}
			c.readHdr = hdr
			c.haveHdr = true
			c.readHdrLen = 0
			c.readPay = make([]byte, hdr.PayloadLength)
			c.readPayLen = 0
			if hdr.PayloadLength == 0 {
				c.dispatchIncoming(c.readHdr, nil)
				c.haveHdr = false
			}
			continue
		}

		need := len(c.readPay) - c.readPayLen
		take := min(need, len(b))
		copy(c.readPay[c.readPayLen:], b[:take])
		c.readPayLen += take
		b = b[take:]
		if c.readPayLen == len(c.readPay) {
			c.dispatchIncoming(c.readHdr, c.readPay)
			c.haveHdr = false
		}
	}
}

// dispatchIncoming routes one completed client-to-task message: a
// StdinTargeted message goes to the task whose global id matches;
// StdinBroad goes to every task's TaskStdin.
func (c *ClientSocket) dispatchIncoming(hdr frame.Header, payload []byte) {
	m := &Message{Header: hdr, Payload: payload, refs: 1}
	c.router.routeStdin(m)
}

func (c *ClientSocket) onPeerDisconnect() {
	// A peer disconnect on a client socket is not an error if the client
	// had finished sending stdin and the task is still running; either way
	// the object is retired the same way, and the disconnect is not logged.
	c.router.onClientDisconnect(c.self)
	c.shutdown = true
}

func (c *ClientSocket) OnWritable(r *reactor.Reactor, h reactor.Handle) {
	for len(c.writeQueue) > 0 {
		m := c.writeQueue[0]
		wire := make([]byte, frame.HeaderSize+len(m.Payload))
		frame.EncodeHeader(wire, m.Header)
		copy(wire[frame.HeaderSize:], m.Payload)
		wire = wire[c.writeOff:]

		n, err := unix.Write(c.fd, wire)
		if n > 0 {
			c.writeOff += n
		}
		if err != nil {
			if err == unix.EAGAIN {
				return
			}
			c.OnError(r, h, errs.Syscall("iorouter.ClientSocket.OnWritable", err))
			return
		}
		if c.writeOff >= frame.HeaderSize+len(m.Payload) {
			c.writeQueue = c.writeQueue[1:]
			c.writeOff = 0
			if m.Release() {
				c.router.releaseMessage(m)
			}
		} else {
			return // short write; resume next time fd is writable
		}
	}
}

func (c *ClientSocket) OnError(r *reactor.Reactor, h reactor.Handle, err error) {
	c.log.Warning().Err(err).Log("client socket error")
	c.router.onClientDisconnect(h)
	c.shutdown = true
}

func (c *ClientSocket) OnClose(r *reactor.Reactor, h reactor.Handle) {
	_ = unix.Close(c.fd)
	for _, m := range c.writeQueue {
		if m.Release() {
			c.router.releaseMessage(m)
		}
	}
	c.writeQueue = nil
}
