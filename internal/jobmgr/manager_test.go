package jobmgr

import (
	"context"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodestep/stepd/internal/sessionmgr"
	"github.com/nodestep/stepd/internal/stepconfig"
)

func TestRecord_LaunchedAndComplete(t *testing.T) {
	rec := NewRecord(&stepconfig.Step{JobID: 1})
	assert.False(t, rec.Launched())

	rec.MarkLaunched()
	assert.True(t, rec.Launched())

	_, done := rec.Result()
	assert.False(t, done)

	rec.Complete(6)
	rc, done := rec.Result()
	assert.True(t, done)
	assert.Equal(t, 6, rc)
}

func TestBuildTaskPipes_CreatesDistinctPipesPerTask(t *testing.T) {
	parent, child, err := buildTaskPipes(2)
	require.NoError(t, err)
	require.Len(t, parent, 2)
	require.Len(t, child, 2)

	for i := range parent {
		require.NotNil(t, parent[i].Stdin)
		require.NotNil(t, parent[i].Stdout)
		require.NotNil(t, parent[i].Stderr)
		defer parent[i].Stdin.Close()
		defer parent[i].Stdout.Close()
		defer parent[i].Stderr.Close()
		defer child[i].Stdin.Close()
		defer child[i].Stdout.Close()
		defer child[i].Stderr.Close()
	}

	_, err = parent[0].Stdin.WriteString("hi")
	assert.NoError(t, err)
	buf := make([]byte, 2)
	n, err := child[0].Stdin.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(buf[:n]))
}

func TestSessionManagerExitCode_NilErrMeansSuccess(t *testing.T) {
	assert.Equal(t, sessionmgr.ExitSuccess, sessionManagerExitCode(nil))
}

func TestSessionManagerExitCode_ExtractsExitCodeFromExitError(t *testing.T) {
	err := exec.Command("sh", "-c", "exit 6").Run()
	require.Error(t, err)
	assert.Equal(t, 6, sessionManagerExitCode(err))
}

func TestStepReturnCode_PassesThroughRawCode(t *testing.T) {
	step := &stepconfig.Step{}
	assert.Equal(t, sessionmgr.ExitUIDGIDError, stepReturnCode(sessionmgr.ExitUIDGIDError, step))
	assert.Equal(t, 9, stepReturnCode(9, step))
}

func TestExitAggregator_GroupsByIdenticalStatus(t *testing.T) {
	var mu sync.Mutex
	var got []TaskExitBatch

	agg := NewExitAggregator(10*time.Millisecond, func(b TaskExitBatch) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, b)
	})
	defer agg.Close()

	ctx := context.Background()
	require.NoError(t, agg.Submit(ctx, sessionmgr.ExitRecord{TaskIndex: 0, WaitStatus: 0}))
	require.NoError(t, agg.Submit(ctx, sessionmgr.ExitRecord{TaskIndex: 1, WaitStatus: 0}))
	require.NoError(t, agg.Submit(ctx, sessionmgr.ExitRecord{TaskIndex: 2, WaitStatus: 256}))

	require.NoError(t, agg.Close())

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, got)

	byStatus := make(map[int32][]int32)
	for _, b := range got {
		byStatus[b.WaitStatus] = append(byStatus[b.WaitStatus], b.TaskIndex...)
	}
	assert.ElementsMatch(t, []int32{0, 1}, byStatus[0])
	assert.ElementsMatch(t, []int32{2}, byStatus[256])
}
