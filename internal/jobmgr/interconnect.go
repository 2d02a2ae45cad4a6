package jobmgr

// Interconnect is the job manager's half of the interconnect (switch)
// plugin contract, distinct from sessionmgr.Interconnect, which runs
// per-task in the demoted child process. The job manager only ever calls
// the three step-level hooks while still root.
type Interconnect interface {
	// PreInit runs once per non-batch step, before the session manager is
	// forked.
	PreInit() error
	// PostFini runs once, after every task has exited, before the IO
	// reactor's companion goroutine is joined.
	PostFini() error
	// Fini runs once, after the IO reactor has been joined.
	Fini() error
}

// NopInterconnect satisfies Interconnect with no-ops, for batch/spawn
// steps and for tests.
type NopInterconnect struct{}

func (NopInterconnect) PreInit() error  { return nil }
func (NopInterconnect) PostFini() error { return nil }
func (NopInterconnect) Fini() error     { return nil }
