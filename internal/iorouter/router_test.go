package iorouter

import (
	"io"
	"os"
	"testing"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/stretchr/testify/require"

	"github.com/nodestep/stepd/internal/frame"
	"github.com/nodestep/stepd/internal/obslog"
	"github.com/nodestep/stepd/internal/reactor"
)

func testLogger() *obslog.Logger {
	return obslog.New(io.Discard, logiface.LevelWarning)
}

// fakeSubscriber records every Message delivered to it, for fan-out
// assertions that don't need a real socket.
type fakeSubscriber struct {
	got []*Message
}

func (f *fakeSubscriber) Enqueue(m *Message) { f.got = append(f.got, m) }

func TestTaskOutput_FanOutToSubscriber(t *testing.T) {
	rd, wr, err := os.Pipe()
	require.NoError(t, err)
	defer wr.Close()

	fl := newFreeList(4, maxLinePayload)
	out := newTaskOutput(frame.Stdout, 0, 100, rd, fl, testLogger())

	sub := &fakeSubscriber{}
	out.Subscribe(7, sub)

	_, err = wr.Write([]byte("hello\n"))
	require.NoError(t, err)

	// synchronous drive: normally done by the reactor's OnReadable.
	var rctx *reactor.Reactor
	require.Eventually(t, func() bool {
		out.OnReadable(rctx, 7)
		return len(sub.got) == 1
	}, time.Second, 5*time.Millisecond)

	require.Equal(t, "hello\n", string(sub.got[0].Payload))
	require.Equal(t, frame.Stdout, sub.got[0].Header.Type)
	require.Equal(t, uint32(100), sub.got[0].Header.GlobalTaskID)
}

func TestTaskOutput_EOFSendsZeroLengthMessage(t *testing.T) {
	rd, wr, err := os.Pipe()
	require.NoError(t, err)

	fl := newFreeList(4, maxLinePayload)
	out := newTaskOutput(frame.Stderr, 1, 101, rd, fl, testLogger())
	sub := &fakeSubscriber{}
	out.Subscribe(9, sub)

	require.NoError(t, wr.Close())

	var rctx *reactor.Reactor
	require.Eventually(t, func() bool {
		out.OnReadable(rctx, 9)
		return len(sub.got) > 0
	}, time.Second, 5*time.Millisecond)

	last := sub.got[len(sub.got)-1]
	require.True(t, last.Header.IsEOF())
	require.Equal(t, frame.Stderr, last.Header.Type)
}

func TestFreeList_ExhaustionBlocksFanOut(t *testing.T) {
	fl := newFreeList(1, maxLinePayload)
	m := fl.get()
	require.NotNil(t, m)
	require.Nil(t, fl.get())

	fl.put(m)
	require.Equal(t, 1, fl.available())
}

func TestRouter_RouteStdinTargeted(t *testing.T) {
	log := testLogger()
	rt := &Router{
		log:           log,
		fl:            newFreeList(4, maxLinePayload),
		tasksByGlobal: make(map[uint32]*taskEntry),
		clients:       make(map[reactor.Handle]*ClientSocket),
	}

	_, wr := mustPipe(t)
	stdinFile := wr
	in := newTaskStdin(0, 200, stdinFile, log)
	rt.tasksByGlobal[200] = &taskEntry{globalID: 200, stdin: in}

	rt.routeStdin(&Message{
		Header:  frame.Header{Type: frame.StdinTargeted, GlobalTaskID: 200, PayloadLength: 5},
		Payload: []byte("abcde"),
		refs:    1,
	})

	require.Equal(t, 5, in.buf.Len())
}

func mustPipe(t *testing.T) (*os.File, *os.File) {
	t.Helper()
	rd, wr, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() { rd.Close(); wr.Close() })
	return rd, wr
}
