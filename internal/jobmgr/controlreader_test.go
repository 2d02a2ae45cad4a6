package jobmgr

import (
	"io"
	"os"
	"testing"

	"github.com/joeycumines/logiface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodestep/stepd/internal/obslog"
	"github.com/nodestep/stepd/internal/sessionmgr"
)

func newTestLogger() *obslog.Logger {
	return obslog.New(io.Discard, logiface.LevelWarning)
}

func TestControlPipeReader_ReadsPidsThenExitRecords(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, sessionmgr.WritePid(w, 100))
	require.NoError(t, sessionmgr.WritePid(w, 101))
	require.NoError(t, sessionmgr.WriteExitRecord(w, sessionmgr.ExitRecord{TaskIndex: 0, WaitStatus: 0}))
	require.NoError(t, w.Close())

	var pids []int
	var exits []sessionmgr.ExitRecord
	eofCount := 0

	cpr := newControlPipeReader(int(r.Fd()), 2,
		func(pid int) { pids = append(pids, pid) },
		func(rec sessionmgr.ExitRecord) { exits = append(exits, rec) },
		func() { eofCount++ },
		newTestLogger(),
	)

	cpr.OnReadable(nil, 0)

	assert.Equal(t, []int{100, 101}, pids)
	assert.Equal(t, []sessionmgr.ExitRecord{{TaskIndex: 0, WaitStatus: 0}}, exits)
	assert.Equal(t, 1, eofCount)
	assert.True(t, cpr.ShutdownRequested())
}

func TestBe32_RoundTrip(t *testing.T) {
	buf := []byte{0x00, 0x00, 0x10, 0x20}
	assert.Equal(t, uint32(0x1020), be32(buf))
}
