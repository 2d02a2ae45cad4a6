// Command stepd is the node-level job-step launcher daemon: it accepts a
// launch request for one step, runs the job manager (C9) and session
// manager (C7) pair, and reports the outcome to the controller.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/joeycumines/logiface"
	"github.com/spf13/cobra"

	"github.com/nodestep/stepd/internal/jobmgr"
	"github.com/nodestep/stepd/internal/launch"
	"github.com/nodestep/stepd/internal/obslog"
	"github.com/nodestep/stepd/internal/sessionmgr"
	"github.com/nodestep/stepd/internal/stepconfig"
)

func main() {
	// A re-exec'd session manager never goes through cobra: it has no
	// flags of its own, just inherited fds (see sessionmgr.Spawn).
	if len(os.Args) > 1 && os.Args[1] == sessionmgr.ReexecArg {
		os.Exit(runSessionManagerChild())
	}

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runSessionManagerChild() int {
	log := obslog.New(os.Stderr, logiface.LevelInformational)
	log = obslog.Component(log, "sessionmgr")
	return sessionmgr.RunChild(sessionmgr.NopInterconnect{}, sessionmgr.Env{}, log)
}

func newRootCmd() *cobra.Command {
	var stepFile string

	root := &cobra.Command{
		Use:   "stepd",
		Short: "Node-level job-step launcher daemon",
		Long: `stepd runs one job step's worth of node-local work: it demotes
privilege, forks the step's tasks, multiplexes their stdio to remote
clients, and reports exit statuses back to the controller.`,
	}
	root.PersistentFlags().StringVar(&stepFile, "step", "", "path to a JSON-encoded step descriptor")

	root.AddCommand(newLaunchCmd(&stepFile))
	root.AddCommand(newBatchCmd(&stepFile))
	root.AddCommand(newSpawnCmd(&stepFile))

	return root
}

func newLaunchCmd(stepFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "launch",
		Short: "Launch an ordinary multi-task step",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDispatch(*stepFile, launch.Ordinary, nil)
		},
	}
}

func newBatchCmd(stepFile *string) *cobra.Command {
	var scriptFile string
	c := &cobra.Command{
		Use:   "batch",
		Short: "Launch a batch step, running a submitted script as the sole task",
		RunE: func(cmd *cobra.Command, args []string) error {
			script, err := os.ReadFile(scriptFile)
			if err != nil {
				return err
			}
			return runDispatch(*stepFile, launch.Batch, script)
		},
	}
	c.Flags().StringVar(&scriptFile, "script", "", "path to the batch script to run")
	return c
}

func newSpawnCmd(stepFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "spawn",
		Short: "Launch a spawn-flavor step (no launch response is sent)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDispatch(*stepFile, launch.Spawn, nil)
		},
	}
}

func runDispatch(stepFile string, flavor launch.Flavor, script []byte) error {
	if stepFile == "" {
		return fmt.Errorf("--step is required")
	}
	f, err := os.Open(stepFile)
	if err != nil {
		return err
	}
	defer f.Close()

	var step stepconfig.Step
	if err := json.NewDecoder(f).Decode(&step); err != nil {
		return fmt.Errorf("decode step descriptor: %w", err)
	}

	log := obslog.New(os.Stderr, logiface.LevelInformational)
	log = obslog.Step(log, step.JobID, step.StepID, step.NodeIndex)

	rc, err := launch.Dispatch(launch.Request{
		Flavor:     flavor,
		Step:       &step,
		ScriptBody: script,
	}, &stderrController{log: log}, jobmgr.NopInterconnect{}, log)
	if err != nil {
		return err
	}
	if rc != 0 {
		os.Exit(rc)
	}
	return nil
}

// stderrController is the default launch.Controller: it logs launch
// responses and step completion rather than sending them over an RPC
// channel, since the controller-side transport is out of scope here.
type stderrController struct {
	log *obslog.Logger
}

func (c *stderrController) LaunchResponse(step *stepconfig.Step, rc int, err error) {
	b := c.log.Info().Int("rc", rc)
	if err != nil {
		b = b.Err(err)
	}
	b.Log("launch response")
}

func (c *stderrController) StepComplete(step *stepconfig.Step, rc int, tasks []stepconfig.TaskRecord) {
	c.log.Info().Int("rc", rc).Int("task_count", len(tasks)).Log("step complete")
}
