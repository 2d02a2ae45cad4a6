// Package ringbuf implements the bounded byte buffer used by every IO
// object in the reactor (task stdout/stderr, task stdin, and the ghost
// subscriber that buffers output before a client attaches).
//
// The circular-indexing scheme (power-of-two capacity, mask instead of
// modulo) is grown from catrate's ringBuffer[E] (see
// github.com/joeycumines/go-catrate), generalized from a generic ordered
// slice to a byte ring with line-aware reads and an overwrite discipline.
package ringbuf

import (
	"bytes"
	"math/bits"

	"github.com/nodestep/stepd/internal/errs"
)

// DefaultReplayBytes is the ceiling used for ReplayLine's retained context
// when a new client attaches to a running task (spec open question: the
// original C source never gave a numeric bound).
const DefaultReplayBytes = 256

// Discipline controls what happens when Write would exceed capacity.
type Discipline int

const (
	// WrapOnce drops the oldest bytes to admit new ones, but only once the
	// ring has filled at least once. Used for task stdout/stderr.
	WrapOnce Discipline = iota
	// NoOverwrite refuses to accept bytes beyond capacity; Write returns a
	// short count instead of dropping. Used for task stdin.
	NoOverwrite
)

// Buffer is a single-producer/single-consumer byte ring.
//
// It is NOT safe for concurrent use; the reactor serializes all access to a
// given IO object's buffer from its single dispatch goroutine.
type Buffer struct {
	data       []byte
	r, w       uint64 // absolute read/write cursors; w-r == length
	cap        uint64
	discipline Discipline

	wrapped     bool // true once a WrapOnce write has evicted resident bytes
	dropped     uint64
	dropBytes   uint64
	totalWrites uint64
}

// New creates a Buffer with the given capacity, rounded up to the next
// power of two (mirrors catrate's ring, which requires size to already be a
// power of two; here we round instead of panicking, since callers pass
// arbitrary byte budgets rather than tuned constants).
func New(capacity int, d Discipline) *Buffer {
	if capacity <= 0 {
		capacity = 4096
	}
	c := uint64(1) << bits.Len64(uint64(capacity-1))
	if c == 0 {
		c = 1
	}
	return &Buffer{
		data:       make([]byte, c),
		cap:        c,
		discipline: d,
	}
}

func (b *Buffer) mask(v uint64) uint64 { return v & (b.cap - 1) }

// Len returns the number of resident, unread bytes.
func (b *Buffer) Len() int { return int(b.w - b.r) }

// Cap returns the buffer's capacity in bytes.
func (b *Buffer) Cap() int { return int(b.cap) }

// Dropped returns the (count, totalBytes) of data discarded by wrap-once
// eviction, for per-object drop accounting.
func (b *Buffer) Dropped() (count, totalBytes uint64) { return b.dropped, b.dropBytes }

// Write appends p to the ring per the configured discipline. It returns the
// number of bytes actually admitted and the number dropped (always 0 under
// NoOverwrite, where excess is simply refused).
func (b *Buffer) Write(p []byte) (written, dropped int) {
	b.totalWrites++
	if len(p) == 0 {
		return 0, 0
	}

	free := int(b.cap) - b.Len()
	if len(p) > free {
		switch b.discipline {
		case NoOverwrite:
			p = p[:free]
			if len(p) == 0 {
				return 0, 0
			}
		case WrapOnce:
			need := len(p) - free
			if !b.wrapped && b.Len() == 0 && len(p) <= int(b.cap) {
				// first fill, no prior data to evict yet
			} else {
				b.dropRead(need)
				dropped = need
				b.wrapped = true
			}
			if len(p) > int(b.cap) {
				// line itself bigger than the whole ring: keep only the tail
				extra := len(p) - int(b.cap)
				p = p[extra:]
				dropped += extra
			}
		}
	}

	for _, c := range p {
		b.data[b.mask(b.w)] = c
		b.w++
	}
	written = len(p)
	b.dropped += boolToU64(dropped > 0)
	b.dropBytes += uint64(dropped)
	return written, dropped
}

func boolToU64(v bool) uint64 {
	if v {
		return 1
	}
	return 0
}

// dropRead advances the read cursor by n bytes without returning them,
// simulating eviction of the oldest resident data.
func (b *Buffer) dropRead(n int) {
	if n > b.Len() {
		n = b.Len()
	}
	b.r += uint64(n)
}

// WriteFromFD performs a single nonblocking read into the ring, bounded by
// limit bytes of free space. It returns n>0 on success, 0 on EOF, and a
// negative value is never returned here: fatal read errors are reported to
// the caller via the error return so they can be folded into the
// per-object error-state coalescing policy, rather than losing the errno
// in a bare negative sentinel.
func (b *Buffer) WriteFromFD(reader interface{ Read([]byte) (int, error) }, limit int) (n int, err error) {
	free := int(b.cap) - b.Len()
	if limit > free {
		limit = free
	}
	if limit <= 0 {
		return 0, nil
	}
	tmp := make([]byte, limit)
	n, err = reader.Read(tmp)
	if n > 0 {
		written, _ := b.Write(tmp[:n])
		n = written
	}
	return n, err
}

// ReadToFD drains up to limit resident bytes to w, nonblocking; EAGAIN-style
// short writes are surfaced via the returned error for the caller to
// classify, not swallowed here.
func (b *Buffer) ReadToFD(writer interface{ Write([]byte) (int, error) }, limit int) (n int, err error) {
	avail := b.Len()
	if limit > avail {
		limit = avail
	}
	if limit <= 0 {
		return 0, nil
	}
	buf := make([]byte, limit)
	for i := range buf {
		buf[i] = b.data[b.mask(b.r+uint64(i))]
	}
	n, err = writer.Write(buf)
	b.r += uint64(n)
	return n, err
}

// PeekLine copies up to max bytes of the next complete line (including the
// trailing '\n', if present within the resident data) into out, WITHOUT
// consuming it. It returns the number of bytes in the line, which may
// exceed max; the caller is expected to treat that as "truncate into a
// max-sized frame, remainder stays buffered".
func (b *Buffer) PeekLine(out []byte, max int) (lineLen int) {
	n := b.Len()
	lineLen = 0
	for i := 0; i < n; i++ {
		c := b.data[b.mask(b.r+uint64(i))]
		lineLen++
		if c == '\n' {
			break
		}
	}
	if lineLen == 0 {
		return 0
	}
	// no newline found and the line hasn't reached max: not yet complete.
	hasNL := lineLen > 0 && b.data[b.mask(b.r+uint64(lineLen-1))] == '\n'
	if !hasNL && lineLen < max {
		return 0
	}
	toCopy := lineLen
	if toCopy > max {
		toCopy = max
	}
	for i := 0; i < toCopy && i < len(out); i++ {
		out[i] = b.data[b.mask(b.r+uint64(i))]
	}
	return lineLen
}

// ReadLine consumes up to the next newline or max bytes, whichever comes
// first, into out. It returns 0 if no complete line is resident and max has
// not yet been reached (the caller should wait for more data).
func (b *Buffer) ReadLine(out []byte, max int) (n int) {
	lineLen := b.PeekLine(out, max)
	if lineLen == 0 {
		return 0
	}
	toConsume := lineLen
	if toConsume > max {
		toConsume = max
	}
	b.r += uint64(toConsume)
	// if the line was truncated (lineLen > max) the remainder, including
	// any newline, stays resident for the next ReadLine/PeekLine call.
	if toConsume > len(out) {
		toConsume = len(out)
	}
	return toConsume
}

// ReplayLine retrieves up to n of the most recent complete lines still
// resident in the ring, writing at most max bytes total into out. Fewer
// lines (or none) are returned if the data has already been evicted by a
// wrap; this is the late-client-attach replay path.
func (b *Buffer) ReplayLine(out []byte, max int, n int) (written int) {
	if n <= 0 || max <= 0 {
		return 0
	}
	all := make([]byte, b.Len())
	for i := range all {
		all[i] = b.data[b.mask(b.r+uint64(i))]
	}
	lines := bytes.SplitAfter(all, []byte{'\n'})
	// drop the piece after the last '\n': it is either empty or an
	// incomplete line
	if len(lines) > 0 && !bytes.HasSuffix(lines[len(lines)-1], []byte{'\n'}) {
		lines = lines[:len(lines)-1]
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	var buf bytes.Buffer
	for _, l := range lines {
		buf.Write(l)
	}
	b2 := buf.Bytes()
	if len(b2) > max {
		b2 = b2[len(b2)-max:]
	}
	written = copy(out, b2)
	return written
}

// ErrBufferFull is returned by callers (not by Buffer itself, which always
// does a best-effort partial write) when a NoOverwrite buffer could not
// admit the caller's data at all and the caller's own contract forbids
// partial admission (e.g. a single framed stdin message must be delivered
// whole or not at all).
var ErrBufferFull = errs.New(errs.IoBufferFull, "ringbuf.Write", nil)
