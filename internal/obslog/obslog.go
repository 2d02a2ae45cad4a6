// Package obslog is the step launcher's structured-logging facade.
//
// It wires github.com/joeycumines/logiface's generic Logger over the
// github.com/joeycumines/stumpy JSON event backend, the same pairing used
// throughout the rest of this module's ancestry (see logiface-stumpy).
// Every component receives a *Logger by constructor injection; there is no
// package-level global here, so a step's logging never leaks into another
// step's and tests can assert against a captured writer.
package obslog

import (
	"io"
	"os"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Logger is logiface's Logger specialized over stumpy's JSON event type.
type Logger = logiface.Logger[*stumpy.Event]

// Fields is a convenience alias for the builder type returned by Info/Warn/etc.
type Fields = logiface.Builder[*stumpy.Event]

// New builds a Logger that writes newline-delimited JSON to w, defaulting to
// os.Stderr (the daemon's own stdout/stderr are not available once stdio has
// been routed to tasks and clients).
func New(w io.Writer, level logiface.Level) *Logger {
	if w == nil {
		w = os.Stderr
	}
	return stumpy.L.New(
		stumpy.L.WithStumpy(
			stumpy.WithWriter(w),
			stumpy.WithTimeField("ts"),
			stumpy.WithLevelField("level"),
		),
		stumpy.L.WithLevel(level),
	)
}

// Step returns a child logger with the step's identity attached to every
// subsequent event, following logiface's Clone-a-Context child-logger
// pattern.
func Step(l *Logger, jobID, stepID uint32, nodeIndex int) *Logger {
	return l.Clone().
		Int("job_id", int(jobID)).
		Int("step_id", int(stepID)).
		Int("node_index", nodeIndex).
		Logger()
}

// Task returns a further child logger scoped to one task within a step.
func Task(l *Logger, localTaskID, globalTaskID int) *Logger {
	return l.Clone().
		Int("local_task_id", localTaskID).
		Int("global_task_id", globalTaskID).
		Logger()
}

// Component returns a child logger tagging events with the component name
// (e.g. "jobmgr", "sessionmgr", "reactor") for log-line filtering.
func Component(l *Logger, name string) *Logger {
	return l.Clone().Str("component", name).Logger()
}
