package sessionmgr

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/joeycumines/logiface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodestep/stepd/internal/obslog"
	"github.com/nodestep/stepd/internal/stepconfig"
	"github.com/nodestep/stepd/internal/taskexec"
)

func newTestLogger() *obslog.Logger {
	return obslog.New(io.Discard, logiface.LevelWarning)
}

func TestWriteReadPid_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WritePid(&buf, 4242))

	pid, err := ReadPid(&buf)
	require.NoError(t, err)
	assert.Equal(t, 4242, pid)
}

func TestWriteReadExitRecord_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	want := ExitRecord{TaskIndex: 3, WaitStatus: 256}
	require.NoError(t, WriteExitRecord(&buf, want))

	got, err := ReadExitRecord(&buf)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestClassifyExit(t *testing.T) {
	cases := map[int]Kind{
		ExitSuccess:             KindSuccess,
		ExitInterconnectFailure: KindInterconnectFailure,
		ExitUIDGIDError:         KindUIDGIDError,
		ExitSetsidError:         KindSetsidError,
		ExitChdirError:          KindChdirError,
		ExitExecFailed:          KindExecFailed,
		17:                      KindRawTaskStatus,
	}
	for code, want := range cases {
		assert.Equal(t, want, ClassifyExit(code))
	}
}

func TestLookupEnv_FindsValue(t *testing.T) {
	env := []string{"PATH=/usr/bin", "TMPDIR=/tmp/job1"}
	assert.Equal(t, "/tmp/job1", lookupEnv(env, "TMPDIR"))
	assert.Equal(t, "", lookupEnv(env, "MISSING"))
}

func TestEnsureTMPDIR_CreatesMissingDirWithRestrictedMode(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "sub", "tmp")
	log := newTestLogger()

	ensureTMPDIR([]string{"TMPDIR=" + dir}, log)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), info.Mode().Perm())
}

func TestEnsureTMPDIR_NoopWhenAlreadyPresent(t *testing.T) {
	dir := t.TempDir()
	log := newTestLogger()

	ensureTMPDIR([]string{"TMPDIR=" + dir}, log)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestEnsureTMPDIR_NoopWhenUnset(t *testing.T) {
	// must not panic or attempt to create anything when TMPDIR is absent.
	ensureTMPDIR([]string{"PATH=/usr/bin"}, newTestLogger())
}

func TestToIntSlice(t *testing.T) {
	assert.Equal(t, []int{1000, 1001}, toIntSlice([]uint32{1000, 1001}))
	assert.Equal(t, []int{}, toIntSlice(nil))
}

func newClosedStdioPipes(t *testing.T) taskexec.Pipes {
	t.Helper()
	stdinR, stdinW, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() { stdinR.Close(); stdinW.Close() })
	stdoutR, stdoutW, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() { stdoutR.Close(); stdoutW.Close() })
	stderrR, stderrW, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() { stderrR.Close(); stderrW.Close() })
	return taskexec.Pipes{Stdin: stdinR, Stdout: stdoutW, Stderr: stderrW}
}

func TestExecAllTasks_FailedExecReportsSyntheticExitWithoutAborting(t *testing.T) {
	step := &stepconfig.Step{
		Argv:  []string{"/nonexistent/path/to/a/binary"},
		Tasks: []*stepconfig.TaskRecord{{LocalID: 0, GlobalID: 0}},
	}
	pipes := []taskexec.Pipes{newClosedStdioPipes(t)}

	var control bytes.Buffer
	err := execAllTasks(step, NopInterconnect{}, pipes, &control, Env{}, newTestLogger())
	require.NoError(t, err)

	pid, err := ReadPid(&control)
	require.NoError(t, err)
	assert.Equal(t, 0, pid)

	rec, err := ReadExitRecord(&control)
	require.NoError(t, err)
	assert.Equal(t, int32(0), rec.TaskIndex)

	assert.True(t, step.Tasks[0].Exited)
	assert.Equal(t, 0, step.Tasks[0].Pid)
	assert.Equal(t, int(rec.WaitStatus), step.Tasks[0].ExitStatus)
}

func TestReapAll_SkipsTasksThatNeverForked(t *testing.T) {
	step := &stepconfig.Step{
		Tasks: []*stepconfig.TaskRecord{
			{LocalID: 0, GlobalID: 0, Exited: true, ExitStatus: 127 << 8},
		},
	}
	var control bytes.Buffer
	require.NoError(t, reapAll(step, &control, newTestLogger()))
	assert.Equal(t, 0, control.Len())
}
