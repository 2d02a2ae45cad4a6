package sigset

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestBlockUnblockRestore(t *testing.T) {
	s := Build(unix.SIGUSR1, unix.SIGUSR2)
	prev, err := Block(s)
	require.NoError(t, err)

	require.NoError(t, Unblock(s))
	require.NoError(t, Restore(prev))
}

func TestUnblockAll(t *testing.T) {
	assert.NoError(t, UnblockAll())
}

func TestSetNonblockAndCloseOnExec(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	require.NoError(t, SetNonblock(int(r.Fd()), true))
	require.NoError(t, SetCloseOnExec(int(w.Fd()), true))
}

func TestSessionManagerSet_ContainsExpectedSignals(t *testing.T) {
	want := []unix.Signal{
		unix.SIGINT, unix.SIGTERM, unix.SIGCHLD, unix.SIGUSR1, unix.SIGUSR2,
		unix.SIGTSTP, unix.SIGXCPU, unix.SIGQUIT, unix.SIGPIPE, unix.SIGALRM,
	}
	assert.ElementsMatch(t, want, SessionManagerSet)
}
