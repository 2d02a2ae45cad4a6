package reactor

import (
	"io"
	"os"
	"testing"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/stretchr/testify/require"

	"github.com/nodestep/stepd/internal/obslog"
)

// pipeObject is a minimal Object backed by one end of an os.Pipe, enough to
// exercise the reactor's register/dispatch/unregister path without needing
// a real task child.
type pipeObject struct {
	fd       *os.File
	got      chan []byte
	shutdown bool
}

func newPipeObject(fd *os.File) *pipeObject {
	return &pipeObject{fd: fd, got: make(chan []byte, 8)}
}

func (p *pipeObject) FD() int          { return int(p.fd.Fd()) }
func (p *pipeObject) Readable() bool   { return true }
func (p *pipeObject) Writable() bool   { return false }
func (p *pipeObject) ShutdownRequested() bool { return p.shutdown }

func (p *pipeObject) OnReadable(r *Reactor, h Handle) {
	buf := make([]byte, 256)
	n, err := p.fd.Read(buf)
	if n > 0 {
		p.got <- buf[:n]
	}
	if err != nil {
		p.shutdown = true
	}
}

func (p *pipeObject) OnWritable(r *Reactor, h Handle) {}
func (p *pipeObject) OnError(r *Reactor, h Handle, err error) { p.shutdown = true }
func (p *pipeObject) OnClose(r *Reactor, h Handle)             { _ = p.fd.Close() }

func newTestLogger() *obslog.Logger {
	return obslog.New(io.Discard, logiface.LevelWarning)
}

func TestReactor_DispatchesReadableData(t *testing.T) {
	rd, wr, err := os.Pipe()
	require.NoError(t, err)
	defer wr.Close()

	rx, err := New(newTestLogger())
	require.NoError(t, err)
	defer rx.Close()

	obj := newPipeObject(rd)
	h := rx.Register(obj)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = wr.Write([]byte("hello"))
		rx.Stop()
	}()

	done := make(chan error, 1)
	go func() { done <- rx.Run() }()

	select {
	case data := <-obj.got:
		require.Equal(t, "hello", string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatch")
	}

	require.NoError(t, <-done)
	_, ok := rx.Get(h)
	require.True(t, ok)
}

func TestReactor_RunExitsWhenRegistryEmpty(t *testing.T) {
	rx, err := New(newTestLogger())
	require.NoError(t, err)
	defer rx.Close()

	done := make(chan error, 1)
	go func() { done <- rx.Run() }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit with an empty registry")
	}
}

func TestReactor_UnregisterRemovesObject(t *testing.T) {
	rd, wr, err := os.Pipe()
	require.NoError(t, err)
	defer rd.Close()
	defer wr.Close()

	rx, err := New(newTestLogger())
	require.NoError(t, err)
	defer rx.Close()

	obj := newPipeObject(rd)
	h := rx.Register(obj)
	rx.Unregister(h)

	_, ok := rx.Get(h)
	require.False(t, ok)
	require.Equal(t, 0, rx.Len())
}
