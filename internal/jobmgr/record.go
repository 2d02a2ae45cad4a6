// Package jobmgr implements the root-side step orchestrator: it owns the
// step's shared record, launches the session manager, collects pids and
// task-exit records over the control pipe, drives the IO reactor in a
// companion goroutine, and returns a final step return code to the
// launch-dispatch layer.
package jobmgr

import (
	"sync"

	"github.com/nodestep/stepd/internal/stepconfig"
)

// Record is the step's shared-memory record, written by the job manager
// (MarkLaunched from its control-pipe callbacks on the reactor goroutine,
// Complete from Run) and readable from any goroutine. A plain *stepconfig.Step
// would alias the immutable step descriptor directly; Record instead
// guards the small set of fields that actually mutate after launch so
// readers never observe a torn update.
type Record struct {
	mu sync.RWMutex

	step      *stepconfig.Step
	launched  bool
	stepRC    int
	completed bool
}

// NewRecord wraps step, which must not be mutated by any other caller
// after this call.
func NewRecord(step *stepconfig.Step) *Record {
	return &Record{step: step}
}

// Step returns the immutable step descriptor.
func (r *Record) Step() *stepconfig.Step { return r.step }

// MarkLaunched records that every task pid has been collected and a
// launch response may be sent.
func (r *Record) MarkLaunched() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.launched = true
}

// Launched reports whether MarkLaunched has been called.
func (r *Record) Launched() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.launched
}

// Complete records the step's final return code and marks it done.
func (r *Record) Complete(rc int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stepRC = rc
	r.completed = true
}

// Result reports the final step rc and whether Complete has been called.
func (r *Record) Result() (rc int, done bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stepRC, r.completed
}
