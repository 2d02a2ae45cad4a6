package jobmgr

import (
	"context"
	"os"
	"time"

	"github.com/nodestep/stepd/internal/errs"
	"github.com/nodestep/stepd/internal/iorouter"
	"github.com/nodestep/stepd/internal/obslog"
	"github.com/nodestep/stepd/internal/reactor"
	"github.com/nodestep/stepd/internal/sessionmgr"
	"github.com/nodestep/stepd/internal/sigset"
	"github.com/nodestep/stepd/internal/stepconfig"
	"github.com/nodestep/stepd/internal/taskexec"
)

// defaultExitCoalesceWindow bounds how long the exit aggregator waits for
// more same-tick exits before flushing a batch upstream.
const defaultExitCoalesceWindow = 20 * time.Millisecond

// Manager drives one step's job manager process (C9) end to end: creating
// the shared record, spawning the session manager, wiring the IO reactor,
// collecting pids and exits, and returning a final step rc.
type Manager struct {
	log *obslog.Logger
	ic  Interconnect
}

// NewManager builds a Manager. ic may be NopInterconnect for batch/spawn
// steps or tests.
func NewManager(log *obslog.Logger, ic Interconnect) *Manager {
	if ic == nil {
		ic = NopInterconnect{}
	}
	return &Manager{log: log, ic: ic}
}

// OnLaunched is called once every task pid has been collected, so the
// caller can publish launched state and emit a launch response to each
// client endpoint.
type OnLaunched func(rec *Record)

// Run executes the full job manager sequence for step and blocks until the
// step completes, returning the final step rc.
func (m *Manager) Run(step *stepconfig.Step, onLaunched OnLaunched) (int, error) {
	rec := NewRecord(step)
	n := len(step.Tasks)

	if !step.Flags.Has(stepconfig.FlagBatch) {
		if err := m.ic.PreInit(); err != nil {
			return 0, errs.New(errs.InterconnectFailure, "jobmgr.PreInit", err)
		}
	}

	prevMask, err := sigset.Block(sigset.Build(sigset.SessionManagerSet...))
	if err != nil {
		return 0, err
	}
	defer func() { _ = sigset.Restore(prevMask) }()

	rx, err := reactor.New(obslog.Component(m.log, "reactor"))
	if err != nil {
		return 0, err
	}
	router := iorouter.NewRouter(rx, obslog.Component(m.log, "iorouter"))

	parentPipes, childPipes, err := buildTaskPipes(n)
	if err != nil {
		_ = rx.Close()
		return 0, err
	}
	for i, t := range step.Tasks {
		router.RegisterTask(t.LocalID, uint32(t.GlobalID), parentPipes[i].Stdout, parentPipes[i].Stderr, parentPipes[i].Stdin)
	}

	cmd, control, err := sessionmgr.Spawn(step, childPipes)
	if err != nil {
		_ = rx.Close()
		return 0, err
	}
	if err := cmd.Start(); err != nil {
		_ = rx.Close()
		_ = control.Close()
		return 0, m.teardownOnLaunchFailure(step, err)
	}
	// the parent no longer needs its copies of the files handed to the
	// child via ExtraFiles (the step descriptor pipe, the control pipe's
	// write end, and every task's child-side pipe ends) once the session
	// manager process has them open on its own fds.
	for _, f := range cmd.ExtraFiles {
		_ = f.Close()
	}

	agg := NewExitAggregator(defaultExitCoalesceWindow, func(b TaskExitBatch) {
		for _, idx := range b.TaskIndex {
			if int(idx) < len(step.Tasks) {
				step.Tasks[idx].Exited = true
				step.Tasks[idx].ExitStatus = int(b.WaitStatus)
				step.Tasks[idx].ExitReported = true
			}
		}
	})

	sessionDied := false
	launched := false
	publishLaunched := func() {
		if launched {
			return
		}
		launched = true
		rec.MarkLaunched()
		if onLaunched != nil {
			onLaunched(rec)
		}
	}
	postFiniDone := false
	postFini := func() {
		if !postFiniDone && !step.Flags.Has(stepconfig.FlagBatch) {
			if err := m.ic.PostFini(); err != nil {
				m.log.Warning().Err(err).Log("interconnect post-fini failed")
			}
		}
		postFiniDone = true
	}
	pidIdx := 0
	cpr := newControlPipeReader(int(control.Fd()), n,
		func(pid int) {
			if pidIdx < n {
				step.Tasks[pidIdx].Pid = pid
				pidIdx++
			}
			if pidIdx == n {
				publishLaunched()
			}
		},
		func(er sessionmgr.ExitRecord) {
			_ = agg.Submit(context.Background(), er)
		},
		func() {
			sessionDied = !step.AllExited()
			// the control pipe only closes once the session manager
			// process has exited, so nothing further will ever arrive
			// on it: run the interconnect post-fini before the reactor
			// goroutine is joined, then drive the reactor towards shutdown.
			publishLaunched()
			postFini()
			rx.Stop()
		},
		obslog.Component(m.log, "controlpipe"),
	)
	rx.Register(cpr)
	if n == 0 {
		publishLaunched()
	}

	runDone := make(chan error, 1)
	go func() { runDone <- rx.Run() }()

	if err := <-runDone; err != nil {
		m.log.Warning().Err(err).Log("reactor run returned error")
	}
	_ = agg.Close()

	if sessionDied {
		m.log.Warning().Log("session manager exited before all tasks reported")
		for _, t := range step.Tasks {
			if !t.Exited {
				t.Exited = true
				t.ExitStatus = -1
				t.ExitReported = true
			}
		}
	}

	waitErr := cmd.Wait()
	smExit := sessionManagerExitCode(waitErr)

	// no-op when the control pipe's EOF callback already ran it.
	postFini()

	router.Close()
	_ = rx.Close()

	if !step.Flags.Has(stepconfig.FlagBatch) {
		if err := m.ic.Fini(); err != nil {
			m.log.Warning().Err(err).Log("interconnect fini failed")
		}
	}

	rc := stepReturnCode(smExit, step)
	rec.Complete(rc)
	return rc, nil
}

// teardownOnLaunchFailure wraps a failure to start the session manager
// process, before any task pid was reported, as an ExecFailed error. It
// sends nothing itself: the caller has already closed the reactor and the
// control pipe, and launch.Dispatch turns the returned error into a
// launch-failure response.
func (m *Manager) teardownOnLaunchFailure(step *stepconfig.Step, cause error) error {
	return errs.New(errs.ExecFailed, "jobmgr.Run:spawn session manager", cause)
}

// buildTaskPipes creates the three pipes per task, setting the
// parent-side ends nonblocking and close-on-exec so the reactor can
// safely multiplex them and so a later session-manager respawn never
// inherits stray copies.
func buildTaskPipes(n int) (parent []taskexec.Pipes, child []taskexec.Pipes, err error) {
	parent = make([]taskexec.Pipes, n)
	child = make([]taskexec.Pipes, n)
	for i := 0; i < n; i++ {
		stdoutR, stdoutW, err := os.Pipe()
		if err != nil {
			return nil, nil, errs.Syscall("jobmgr.buildTaskPipes:stdout", err)
		}
		stderrR, stderrW, err := os.Pipe()
		if err != nil {
			return nil, nil, errs.Syscall("jobmgr.buildTaskPipes:stderr", err)
		}
		stdinR, stdinW, err := os.Pipe()
		if err != nil {
			return nil, nil, errs.Syscall("jobmgr.buildTaskPipes:stdin", err)
		}

		for _, f := range []*os.File{stdoutR, stderrR, stdinW} {
			if err := sigset.SetNonblock(int(f.Fd()), true); err != nil {
				return nil, nil, err
			}
			if err := sigset.SetCloseOnExec(int(f.Fd()), true); err != nil {
				return nil, nil, err
			}
		}

		parent[i] = taskexec.Pipes{Stdin: stdinW, Stdout: stdoutR, Stderr: stderrR}
		child[i] = taskexec.Pipes{Stdin: stdinR, Stdout: stdoutW, Stderr: stderrW}
	}
	return parent, child, nil
}

// sessionManagerExitCode extracts the session manager's own process exit
// code from cmd.Wait's error (nil error means exit 0).
func sessionManagerExitCode(waitErr error) int {
	if waitErr == nil {
		return sessionmgr.ExitSuccess
	}
	type exitCoder interface{ ExitCode() int }
	if ec, ok := waitErr.(exitCoder); ok {
		return ec.ExitCode()
	}
	return sessionmgr.ExitExecFailed
}

// stepReturnCode implements the session manager exit code table: every
// code in the fixed table, and any code outside it (the raw exit status
// of the step's sole remaining task), is returned as-is.
func stepReturnCode(smExit int, step *stepconfig.Step) int {
	return smExit
}
