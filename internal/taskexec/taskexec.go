// Package taskexec builds the exec.Cmd for one forked task. Go cannot run
// arbitrary code between fork and exec the way a traditional C daemon
// does (the runtime forbids calling back into Go after fork in a
// multithreaded process); instead, every setup step the kernel itself can
// perform is expressed as a syscall.SysProcAttr field, and exec.Cmd.Start
// does the fork+exec as one atomic operation. Steps that genuinely
// require the parent to act on the child (the debugger stop-and-detach
// handshake) are performed by the caller (internal/sessionmgr)
// immediately after Start returns the child's pid.
package taskexec

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"github.com/nodestep/stepd/internal/stepconfig"
)

// Pipes is the parent-side-opened set of fds that become a task's stdin,
// stdout, and stderr: the task dups its child ends onto fds 0/1/2. Every
// launch flavor, spawn included, fills it with three separate pipe ends.
type Pipes struct {
	Stdin  *os.File
	Stdout *os.File
	Stderr *os.File
}

// EnvOptions carries the values required in every task's environment.
type EnvOptions struct {
	NodeList           string
	TasksPerNode       string
	LaunchNodeAddr     string
	CPUsOnNode         int
	PartitionID        string // optional; sets MPIRUN_PARTITION if non-empty
	InterconnectAttached bool // non-batch steps get the environment vars only on successful attach
}

// BuildCommand constructs the exec.Cmd for task t of step. pgrp is the pid
// that should be the pgrp leader: 0 for the first task (it establishes its
// own group), or task 0's pid for every subsequent task, so the whole step
// shares one process group.
func BuildCommand(step *stepconfig.Step, t *stepconfig.TaskRecord, pipes Pipes, pgrp int, opts EnvOptions) *exec.Cmd {
	argv := t.Argv
	if len(argv) == 0 {
		argv = step.Argv
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = step.Cwd
	cmd.Env = buildEnv(step, t, opts)
	cmd.Stdin = pipes.Stdin
	cmd.Stdout = pipes.Stdout
	cmd.Stderr = pipes.Stderr

	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
		Pgid:    pgrp,
		Ptrace:  step.Flags.Has(stepconfig.FlagParallelDebug),
	}

	return cmd
}

// buildEnv appends the canonical SLURM_* variables to the step's base
// environment. For a non-batch step they are only set after a successful
// interconnect attach (opts.InterconnectAttached), preserving the ordering
// constraint between attach and environment setup; a batch step always
// gets them.
func buildEnv(step *stepconfig.Step, t *stepconfig.TaskRecord, opts EnvOptions) []string {
	env := t.Env
	if len(env) == 0 {
		env = step.Env
	}
	out := append([]string(nil), env...)

	if !opts.InterconnectAttached && !step.Flags.Has(stepconfig.FlagBatch) {
		return out
	}

	out = append(out,
		"SLURM_JOBID="+strconv.FormatUint(uint64(step.JobID), 10),
		"SLURM_STEPID="+strconv.FormatUint(uint64(step.StepID), 10),
		"SLURM_NODEID="+strconv.Itoa(step.NodeIndex),
		"SLURM_CPUS_ON_NODE="+strconv.Itoa(opts.CPUsOnNode),
		"SLURM_PROCID="+strconv.Itoa(t.GlobalID),
		"SLURM_NNODES="+strconv.Itoa(step.NodeCount),
		"SLURM_NPROCS="+strconv.Itoa(len(step.Tasks)*step.NodeCount),
		"SLURM_NODELIST="+opts.NodeList,
		"SLURM_TASKS_PER_NODE="+opts.TasksPerNode,
		"SLURM_LAUNCH_NODE_IPADDR="+opts.LaunchNodeAddr,
	)
	if opts.PartitionID != "" {
		out = append(out, "MPIRUN_PARTITION="+opts.PartitionID)
	}
	return out
}

// ExecFailedStatus maps an exec.Cmd Start error to the raw errno-derived
// exit status the session manager reports upstream. A failed exec is
// surfaced as that errno rather than the session manager's own fixed exit
// code 6, which is reserved for the session manager's own unrecoverable
// bootstrap failure.
func ExecFailedStatus(err error) int {
	if ee, ok := err.(*exec.Error); ok {
		err = ee.Err
	}
	var errno syscall.Errno
	if e, ok := err.(*os.PathError); ok {
		if errno2, ok2 := e.Err.(syscall.Errno); ok2 {
			errno = errno2
		}
	} else if errno2, ok := err.(syscall.Errno); ok {
		errno = errno2
	}
	if errno != 0 {
		return int(errno)
	}
	return 127
}

func (p Pipes) String() string {
	return fmt.Sprintf("stdin=%v stdout=%v stderr=%v", p.Stdin, p.Stdout, p.Stderr)
}
