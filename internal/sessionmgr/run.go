package sessionmgr

import (
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"

	"github.com/nodestep/stepd/internal/obslog"
	"github.com/nodestep/stepd/internal/sigset"
	"github.com/nodestep/stepd/internal/stepconfig"
	"github.com/nodestep/stepd/internal/taskexec"
)

// Env carries the canonical-environment inputs the session manager cannot
// derive from the Step descriptor alone: node list, tasks per node, launch
// node address, cpus-on-node.
type Env struct {
	NodeList       string
	TasksPerNode   string
	LaunchNodeAddr string
	CPUsOnNode     int
}

// Run executes the full session manager sequence in the calling process,
// which must already be the freshly re-exec'd child (see process.go's
// RunChild). pipes holds, per task in
// task-id order, the child-side ends of that task's stdin/stdout/stderr
// pipes. control is the write end of the control pipe to the job manager.
// It returns the process exit code from the fixed table in exitcode.go.
func Run(step *stepconfig.Step, ic Interconnect, pipes []taskexec.Pipes, control io.Writer, env Env, log *obslog.Logger) int {
	// (i) install the no-op child-exit handler.
	if err := sigset.InstallNoopChildHandler(); err != nil {
		log.Err().Err(err).Log("install child handler failed")
	}

	// (ii) interconnect init while still privileged.
	if !step.Flags.Has(stepconfig.FlagBatch) {
		if err := ic.Init(); err != nil {
			log.Err().Err(err).Log("interconnect init failed")
			return ExitInterconnectFailure
		}
	}

	// (iii) demote to the target uid/gid and supplementary groups.
	if err := becomeUser(step.Identity); err != nil {
		log.Err().Err(err).Log("become_user failed")
		return ExitUIDGIDError
	}

	// (iv) join a new session.
	if _, err := unix.Setsid(); err != nil {
		log.Err().Err(err).Log("setsid failed")
		return ExitSetsidError
	}

	// (v) chdir, falling back to /tmp with a logged warning.
	if err := unix.Chdir(step.Cwd); err != nil {
		log.Warning().Str("cwd", step.Cwd).Err(err).Log("chdir failed, falling back to /tmp")
		if err := unix.Chdir("/tmp"); err != nil {
			log.Err().Err(err).Log("chdir /tmp also failed")
			return ExitChdirError
		}
	}

	// (vi) apply resource limits.
	for _, rl := range step.Rlimits {
		lim := unix.Rlimit{Cur: rl.Soft, Max: rl.Hard}
		if err := unix.Setrlimit(rl.Resource, &lim); err != nil {
			log.Warning().Int("resource", rl.Resource).Err(err).Log("setrlimit failed")
		}
	}

	// (vii) create TMPDIR if the environment names one and it is absent.
	ensureTMPDIR(step.Env, log)

	// (viii) block the session-manager signal set.
	prevMask, err := sigset.Block(sigset.Build(sigset.SessionManagerSet...))
	if err != nil {
		log.Err().Err(err).Log("block session manager signals failed")
		return ExitExecFailed
	}
	defer func() { _ = sigset.Restore(prevMask) }()

	// (ix) fork loop.
	if err := execAllTasks(step, ic, pipes, control, env, log); err != nil {
		log.Err().Err(err).Log("exec_all_tasks failed")
		return ExitExecFailed
	}

	// (x) close the parent-side child ends of the task pipes.
	for _, p := range pipes {
		_ = p.Stdin.Close()
		_ = p.Stdout.Close()
		_ = p.Stderr.Close()
	}

	// (xi) reap loop.
	if err := reapAll(step, control, log); err != nil {
		log.Err().Err(err).Log("reap loop failed")
	}

	// (xii) interconnect fini (non-batch only), then exit success.
	if !step.Flags.Has(stepconfig.FlagBatch) {
		if err := ic.Fini(); err != nil {
			log.Err().Err(err).Log("interconnect fini failed")
			return ExitInterconnectFailure
		}
	}
	return ExitSuccess
}

// becomeUser demotes the calling process to the step's target uid/gid and
// supplementary groups.
func becomeUser(id stepconfig.Identity) error {
	if err := unix.Setgroups(toIntSlice(id.SupplementaryGID)); err != nil {
		// original treats initgroups failure as non-fatal; carried as-is.
		_ = err
	}
	if err := unix.Setresgid(int(id.GID), int(id.GID), int(id.GID)); err != nil {
		return err
	}
	if err := unix.Setresuid(int(id.UID), int(id.UID), int(id.UID)); err != nil {
		return err
	}
	return nil
}

func toIntSlice(u []uint32) []int {
	out := make([]int, len(u))
	for i, v := range u {
		out[i] = int(v)
	}
	return out
}

// ensureTMPDIR creates the directory named by TMPDIR if it is set but
// missing, so tasks inherit a usable scratch directory.
func ensureTMPDIR(env []string, log *obslog.Logger) {
	dir := lookupEnv(env, "TMPDIR")
	if dir == "" {
		return
	}
	if _, err := os.Stat(dir); err == nil {
		return
	}
	if err := os.MkdirAll(dir, 0o700); err != nil && !os.IsExist(err) {
		log.Warning().Str("tmpdir", dir).Err(err).Log("failed to create TMPDIR")
	}
}

func lookupEnv(env []string, key string) string {
	prefix := key + "="
	for _, kv := range env {
		if len(kv) > len(prefix) && kv[:len(prefix)] == prefix {
			return kv[len(prefix):]
		}
	}
	return ""
}

// execAllTasks forks each task, reports its pid, and (if the parallel-debug
// flag is set) performs the debugger stop-and-detach handshake. The pgrp
// leader is task 0's pid; every subsequent task joins that group.
//
// A task whose Start fails (e.g. a nonexistent binary) does not abort the
// step: it is reported as a pid-less task that has already exited with the
// errno recovered from the failed exec, exactly as if the kernel itself had
// execed and immediately exited with that status. Every task still
// contributes exactly one pid record to the control pipe, real or not, and
// the exit records of such tasks are written only after every pid record,
// so the job manager's pid-then-exit phase transition stays in sync.
func execAllTasks(step *stepconfig.Step, ic Interconnect, pipes []taskexec.Pipes, control io.Writer, env Env, log *obslog.Logger) error {
	pgrp := 0
	var execFailed []ExitRecord
	for i, t := range step.Tasks {
		attachErr := ic.Attach(i)
		opts := taskexec.EnvOptions{
			NodeList:             env.NodeList,
			TasksPerNode:         env.TasksPerNode,
			LaunchNodeAddr:       env.LaunchNodeAddr,
			CPUsOnNode:           env.CPUsOnNode,
			InterconnectAttached: attachErr == nil && !step.Flags.Has(stepconfig.FlagBatch),
		}

		cmd := taskexec.BuildCommand(step, t, pipes[i], pgrp, opts)
		if err := cmd.Start(); err != nil {
			log.Warning().Int("task", i).Err(err).Log("task exec failed, reporting synthesized exit")
			status := taskexec.ExecFailedStatus(err) << 8
			t.Exited = true
			t.ExitStatus = status
			if err := WritePid(control, 0); err != nil {
				return err
			}
			execFailed = append(execFailed, ExitRecord{TaskIndex: int32(i), WaitStatus: int32(status)})
			continue
		}

		pid := cmd.Process.Pid
		if i == 0 {
			pgrp = pid
		}
		t.Pid = pid

		if err := WritePid(control, pid); err != nil {
			return err
		}

		if step.Flags.Has(stepconfig.FlagParallelDebug) {
			if err := debuggerHandshake(pid, log); err != nil {
				log.Warning().Int("pid", pid).Err(err).Log("debugger handshake failed")
			}
		}
	}
	for _, rec := range execFailed {
		if err := WriteExitRecord(control, rec); err != nil {
			return err
		}
	}
	return nil
}

// debuggerHandshake waits for the traced child's exec-stop, signals it to a
// conventional SIGSTOP, then detaches so an external debugger can attach
// cleanly.
func debuggerHandshake(pid int, log *obslog.Logger) error {
	var ws unix.WaitStatus
	if _, err := unix.Wait4(pid, &ws, 0, nil); err != nil {
		return err
	}
	if !ws.Stopped() {
		return fmt.Errorf("pid %d did not stop as expected (status=%v)", pid, ws)
	}
	if err := unix.Kill(pid, unix.SIGSTOP); err != nil {
		return err
	}
	if err := unix.PtraceDetach(pid); err != nil {
		return err
	}
	return nil
}

// reapAll loops until every forked task has been reaped, sending an exit
// record for each. Tasks that never forked (their exec failed in
// execAllTasks, so they already carry a synthesized exit) are excluded:
// there is no pid for unix.Wait4 to ever observe.
func reapAll(step *stepconfig.Step, control io.Writer, log *obslog.Logger) error {
	byPid := make(map[int]int, len(step.Tasks)) // pid -> local task index
	remaining := 0
	for i, t := range step.Tasks {
		if t.Exited {
			continue
		}
		byPid[t.Pid] = i
		remaining++
	}

	for remaining > 0 {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, 0, nil)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return err
		}
		idx, ok := byPid[pid]
		if !ok {
			continue // not one of this step's direct children
		}
		step.Tasks[idx].Exited = true
		step.Tasks[idx].ExitStatus = int(ws)
		if err := WriteExitRecord(control, ExitRecord{TaskIndex: int32(idx), WaitStatus: int32(ws)}); err != nil {
			return err
		}
		remaining--
	}
	return nil
}
