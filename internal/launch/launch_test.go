package launch

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodestep/stepd/internal/stepconfig"
)

func TestFlavor_String(t *testing.T) {
	assert.Equal(t, "ordinary", Ordinary.String())
	assert.Equal(t, "batch", Batch.String())
	assert.Equal(t, "spawn", Spawn.String())
	assert.Equal(t, "unknown", Flavor(99).String())
}

func requireRoot(t *testing.T) {
	t.Helper()
	if os.Geteuid() != 0 {
		t.Skip("chown to an arbitrary identity requires root")
	}
}

func TestPrepareSpoolDir_WritesScriptAndSetsArgv(t *testing.T) {
	requireRoot(t)
	dir := t.TempDir()
	step := &stepconfig.Step{
		JobID:    42,
		SpoolDir: dir,
		Identity: stepconfig.Identity{UID: 0, GID: 0},
		Tasks:    []*stepconfig.TaskRecord{{LocalID: 0, GlobalID: 0}},
	}

	script := []byte("#!/bin/sh\necho hi\n")
	require.NoError(t, prepareSpoolDir(step, script))

	scriptPath := filepath.Join(step.SpoolPath(), "script")
	got, err := os.ReadFile(scriptPath)
	require.NoError(t, err)
	assert.Equal(t, script, got)
	assert.Equal(t, []string{scriptPath}, step.Tasks[0].Argv)
	assert.Equal(t, script, step.ScriptBody)

	info, err := os.Stat(step.SpoolPath())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o750), info.Mode().Perm())

	scriptInfo, err := os.Stat(scriptPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o500), scriptInfo.Mode().Perm())
}

func TestPrepareSpoolDir_CreatesSoleTaskWhenMissing(t *testing.T) {
	requireRoot(t)
	dir := t.TempDir()
	step := &stepconfig.Step{JobID: 1, SpoolDir: dir}

	require.NoError(t, prepareSpoolDir(step, []byte("echo")))
	require.Len(t, step.Tasks, 1)
	assert.Equal(t, 0, step.Tasks[0].LocalID)
}
