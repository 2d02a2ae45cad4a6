package sessionmgr

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"

	"github.com/nodestep/stepd/internal/errs"
	"github.com/nodestep/stepd/internal/obslog"
	"github.com/nodestep/stepd/internal/stepconfig"
	"github.com/nodestep/stepd/internal/taskexec"
)

// ReexecArg is the sentinel first argument cmd/stepd checks for on
// startup: its presence means this process is the freshly re-exec'd
// session manager, not a fresh invocation of the CLI. The session manager
// needs to be a genuinely separate OS process, which Go cannot get from a
// bare fork() in a multithreaded runtime, so it self-reexecs instead, the
// same pattern other Go daemons use for privileged child setup.
const ReexecArg = "__stepd_sessionmgr__"

// fd numbering for the session manager's inherited files, starting at
// ExtraFiles[0] (which os/exec always places at fd 3 in the child).
const (
	fdStepDescriptor = 0 // JSON-encoded *stepconfig.Step
	fdControlWrite   = 1 // write end of the control pipe back to the job manager
	fdFirstTaskPipe  = 2 // 3 fds per task from here: stdin, stdout, stderr
)

// Spawn builds (but does not Start) the exec.Cmd for a step's session
// manager process. childPipes holds, per task in task-id order, the
// child-side ends of that task's stdin/stdout/stderr pipes; the caller
// (internal/jobmgr) retains the parent-side ends for its own IO engine.
// The returned control file is the job manager's read end of the control
// pipe; the caller must close it once the session manager process exits.
func Spawn(step *stepconfig.Step, childPipes []taskexec.Pipes) (cmd *exec.Cmd, control *os.File, err error) {
	self, err := os.Executable()
	if err != nil {
		return nil, nil, errs.Syscall("sessionmgr.Spawn:executable", err)
	}

	stepJSON, err := json.Marshal(step)
	if err != nil {
		return nil, nil, fmt.Errorf("sessionmgr: encode step: %w", err)
	}
	stepR, stepW, err := os.Pipe()
	if err != nil {
		return nil, nil, errs.Syscall("sessionmgr.Spawn:steppipe", err)
	}
	go func() {
		_, _ = stepW.Write(stepJSON)
		_ = stepW.Close()
	}()

	controlR, controlW, err := os.Pipe()
	if err != nil {
		_ = stepR.Close()
		return nil, nil, errs.Syscall("sessionmgr.Spawn:controlpipe", err)
	}

	extra := make([]*os.File, 0, fdFirstTaskPipe+3*len(childPipes))
	extra = append(extra, stepR, controlW)
	for _, p := range childPipes {
		extra = append(extra, p.Stdin, p.Stdout, p.Stderr)
	}

	cmd = exec.Command(self, ReexecArg)
	cmd.ExtraFiles = extra
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	return cmd, controlR, nil
}

// RunChild is invoked by cmd/stepd's main when os.Args[1] == ReexecArg. It
// reconstructs the step descriptor and task pipes from the inherited fds,
// runs the session manager sequence, and returns the process exit code the
// caller should pass to os.Exit.
func RunChild(ic Interconnect, env Env, log *obslog.Logger) int {
	stepFile := os.NewFile(uintptr(3+fdStepDescriptor), "step")
	controlFile := os.NewFile(uintptr(3+fdControlWrite), "control")

	var step stepconfig.Step
	dec := json.NewDecoder(stepFile)
	if err := dec.Decode(&step); err != nil {
		log.Err().Err(err).Log("decode step descriptor failed")
		return ExitExecFailed
	}
	_ = stepFile.Close()

	n := len(step.Tasks)
	pipes := make([]taskexec.Pipes, n)
	for i := 0; i < n; i++ {
		base := 3 + fdFirstTaskPipe + 3*i
		pipes[i] = taskexec.Pipes{
			Stdin:  os.NewFile(uintptr(base+0), fmt.Sprintf("task%d-stdin", i)),
			Stdout: os.NewFile(uintptr(base+1), fmt.Sprintf("task%d-stdout", i)),
			Stderr: os.NewFile(uintptr(base+2), fmt.Sprintf("task%d-stderr", i)),
		}
	}

	return Run(&step, ic, pipes, controlFile, env, log)
}
