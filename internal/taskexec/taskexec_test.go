package taskexec

import (
	"errors"
	"os/exec"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodestep/stepd/internal/stepconfig"
)

func TestBuildCommand_UsesTaskArgvOverride(t *testing.T) {
	step := &stepconfig.Step{
		JobID: 1, StepID: 2, NodeIndex: 0, NodeCount: 1,
		Argv: []string{"/bin/default"},
		Tasks: []*stepconfig.TaskRecord{
			{LocalID: 0, GlobalID: 0, Argv: []string{"/bin/echo", "hi"}},
		},
	}
	cmd := BuildCommand(step, step.Tasks[0], Pipes{}, 0, EnvOptions{})
	assert.Equal(t, "/bin/echo", cmd.Path)
	assert.Equal(t, []string{"/bin/echo", "hi"}, cmd.Args)
}

func TestBuildCommand_FallsBackToStepArgv(t *testing.T) {
	step := &stepconfig.Step{Argv: []string{"/bin/true"}}
	task := &stepconfig.TaskRecord{LocalID: 0, GlobalID: 0}
	cmd := BuildCommand(step, task, Pipes{}, 0, EnvOptions{})
	assert.Equal(t, "/bin/true", cmd.Path)
}

func TestBuildCommand_SetsPgrpAndPtrace(t *testing.T) {
	step := &stepconfig.Step{Argv: []string{"/bin/true"}, Flags: stepconfig.FlagParallelDebug}
	task := &stepconfig.TaskRecord{LocalID: 1, GlobalID: 1}
	cmd := BuildCommand(step, task, Pipes{}, 4242, EnvOptions{})
	require.NotNil(t, cmd.SysProcAttr)
	assert.True(t, cmd.SysProcAttr.Setpgid)
	assert.Equal(t, 4242, cmd.SysProcAttr.Pgid)
	assert.True(t, cmd.SysProcAttr.Ptrace)
}

func TestBuildEnv_SetsSlurmVarsOnlyAfterAttach(t *testing.T) {
	step := &stepconfig.Step{JobID: 7, StepID: 1, NodeCount: 2, Argv: []string{"/bin/true"}}
	task := &stepconfig.TaskRecord{LocalID: 0, GlobalID: 3}

	withoutAttach := buildEnv(step, task, EnvOptions{})
	for _, e := range withoutAttach {
		assert.NotContains(t, e, "SLURM_JOBID")
	}

	withAttach := buildEnv(step, task, EnvOptions{InterconnectAttached: true, NodeList: "n[1-2]"})
	assert.Contains(t, withAttach, "SLURM_JOBID=7")
	assert.Contains(t, withAttach, "SLURM_PROCID=3")
	assert.Contains(t, withAttach, "SLURM_NODELIST=n[1-2]")
}

func TestBuildEnv_BatchStepAlwaysSetsVars(t *testing.T) {
	step := &stepconfig.Step{JobID: 9, Flags: stepconfig.FlagBatch, Argv: []string{"/bin/true"}}
	task := &stepconfig.TaskRecord{LocalID: 0, GlobalID: 0}
	env := buildEnv(step, task, EnvOptions{})
	assert.Contains(t, env, "SLURM_JOBID=9")
}

func TestExecFailedStatus_ExtractsErrno(t *testing.T) {
	_, err := exec.Command("/nonexistent/binary/path").Output()
	require.Error(t, err)
	status := ExecFailedStatus(err)
	assert.Equal(t, int(syscall.ENOENT), status)
}

func TestExecFailedStatus_FallsBackWhenUnknown(t *testing.T) {
	assert.Equal(t, 127, ExecFailedStatus(errors.New("opaque")))
}
