// Package launch implements launch dispatch: it accepts one of three
// launch flavors, builds the step descriptor, runs the job manager once,
// and reports the outcome back to the controller.
package launch

import (
	"fmt"
	"os"

	"github.com/nodestep/stepd/internal/errs"
	"github.com/nodestep/stepd/internal/jobmgr"
	"github.com/nodestep/stepd/internal/obslog"
	"github.com/nodestep/stepd/internal/stepconfig"
)

// Flavor selects one of the three launch dispatch shapes.
type Flavor int

const (
	// Ordinary is a regular task launch: N tasks, broadcast headers,
	// launch responses sent to every requesting client endpoint.
	Ordinary Flavor = iota
	// Batch creates a job-local spool directory, writes the submitted
	// script there, and execs that script as the step's sole task.
	Batch
	// Spawn sets stepconfig.FlagSpawn and sends no launch response on
	// success. Task stdio still goes through the same per-task pipes and
	// IO router as an ordinary launch; it is not connected to a single
	// client socket.
	Spawn
)

func (f Flavor) String() string {
	switch f {
	case Ordinary:
		return "ordinary"
	case Batch:
		return "batch"
	case Spawn:
		return "spawn"
	default:
		return "unknown"
	}
}

// Controller is the upstream collaborator launch dispatch reports to.
// Controller-side logic itself is out of scope; this is the narrow
// contract the core needs.
type Controller interface {
	// LaunchResponse is sent once every task pid is known (ordinary and
	// batch flavors; a successful spawn launch never sends one), and with
	// a non-nil err when a launch of any flavor fails.
	LaunchResponse(step *stepconfig.Step, rc int, err error)
	// StepComplete is the step-complete RPC sent after the job manager
	// returns (batch mode only; ordinary launches report exit statuses
	// inline during the run via the client protocol instead).
	StepComplete(step *stepconfig.Step, rc int, tasks []stepconfig.TaskRecord)
}

// Request is the input to Dispatch: everything C10 needs to build a step
// descriptor and choose a flavor.
type Request struct {
	Flavor Flavor
	Step   *stepconfig.Step
	// ScriptBody is the batch script to write into the spool directory
	// (Batch flavor only).
	ScriptBody []byte
}

// Dispatch runs one step's full lifecycle: build the step descriptor for
// the chosen flavor, run the job manager, and report the outcome.
func Dispatch(req Request, ctl Controller, ic jobmgr.Interconnect, log *obslog.Logger) (int, error) {
	step := req.Step
	switch req.Flavor {
	case Batch:
		step.Flags |= stepconfig.FlagBatch
		if err := prepareSpoolDir(step, req.ScriptBody); err != nil {
			if ctl != nil {
				ctl.LaunchResponse(step, 0, err)
			}
			return 0, err
		}
	case Spawn:
		step.Flags |= stepconfig.FlagSpawn
	}

	mgr := jobmgr.NewManager(log, ic)

	var onLaunched jobmgr.OnLaunched
	if req.Flavor != Spawn {
		onLaunched = func(rec *jobmgr.Record) {
			if ctl != nil {
				ctl.LaunchResponse(rec.Step(), 0, nil)
			}
		}
	}

	rc, err := mgr.Run(step, onLaunched)

	if req.Flavor == Batch {
		if rmErr := os.RemoveAll(step.SpoolPath()); rmErr != nil {
			log.Warning().Str("spool", step.SpoolPath()).Err(rmErr).Log("failed to remove spool directory")
		}
	}

	if err != nil {
		if ctl != nil {
			ctl.LaunchResponse(step, rc, err)
		}
		return rc, err
	}

	if req.Flavor == Batch && ctl != nil {
		tasks := make([]stepconfig.TaskRecord, len(step.Tasks))
		for i, t := range step.Tasks {
			tasks[i] = *t
		}
		ctl.StepComplete(step, rc, tasks)
	}

	return rc, nil
}

// prepareSpoolDir sets up a batch step's job-local spool directory: the
// submitted script is written into it and becomes the step's sole task
// argv. The directory is group-owned and the script user-owned by the
// step's target identity, mirroring the ownership the task itself runs
// under once it execs the script.
func prepareSpoolDir(step *stepconfig.Step, script []byte) error {
	dir := step.SpoolPath()
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return errs.Syscall("launch.prepareSpoolDir:mkdir", err)
	}
	if err := os.Chmod(dir, 0o750); err != nil {
		return errs.Syscall("launch.prepareSpoolDir:chmod", err)
	}
	if err := os.Chown(dir, -1, int(step.Identity.GID)); err != nil {
		return errs.Syscall("launch.prepareSpoolDir:chown", err)
	}

	scriptPath := fmt.Sprintf("%s/script", dir)
	if err := os.WriteFile(scriptPath, script, 0o500); err != nil {
		return errs.Syscall("launch.prepareSpoolDir:writescript", err)
	}
	if err := os.Chmod(scriptPath, 0o500); err != nil {
		return errs.Syscall("launch.prepareSpoolDir:chmodscript", err)
	}
	if err := os.Chown(scriptPath, int(step.Identity.UID), -1); err != nil {
		return errs.Syscall("launch.prepareSpoolDir:chownscript", err)
	}

	step.ScriptBody = script
	if len(step.Tasks) != 1 {
		step.Tasks = []*stepconfig.TaskRecord{{LocalID: 0, GlobalID: 0}}
	}
	step.Tasks[0].Argv = []string{scriptPath}
	return nil
}
