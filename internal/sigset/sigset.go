// Package sigset provides the signal-set and fd utilities shared by the
// session manager and task-exec primitive. The style, thin wrappers
// directly over golang.org/x/sys/unix syscalls with one function per
// concern, follows the same fd-utility layout used elsewhere in this
// module's ancestry.
package sigset

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/nodestep/stepd/internal/errs"
)

// SessionManagerSet is the signal set blocked in the session manager before
// forking any task.
var SessionManagerSet = []unix.Signal{
	unix.SIGINT, unix.SIGTERM, unix.SIGCHLD, unix.SIGUSR1, unix.SIGUSR2,
	unix.SIGTSTP, unix.SIGXCPU, unix.SIGQUIT, unix.SIGPIPE, unix.SIGALRM,
}

// Set is a zero-terminated-equivalent signal set: a small, ordered slice
// built once and reused for block/unblock calls. A slice (rather than the
// raw sigset_t bitmap) keeps the construction API symmetric with how the
// original enumerates its signal list.
type Set []unix.Signal

// Build constructs a Set from individual signal numbers.
func Build(signals ...unix.Signal) Set { return Set(signals) }

func (s Set) sigset() unix.Sigset_t {
	var set unix.Sigset_t
	for _, sig := range s {
		addSignal(&set, sig)
	}
	return set
}

// addSignal ORs one signal bit into a Sigset_t. unix.Sigset_t's layout is
// an array of uint64 words on linux/amd64 and linux/arm64; bit i of signal
// n lives at word (n-1)/64, bit (n-1)%64.
func addSignal(set *unix.Sigset_t, sig unix.Signal) {
	n := uint(sig) - 1
	set.Val[n/64] |= 1 << (n % 64)
}

// Block blocks every signal in s on the calling thread's mask, returning
// the previously-active mask so the caller can Restore it later. Building
// the initial block set is fatal for the step if it fails; all other
// callers decide fatality for themselves.
func Block(s Set) (prev unix.Sigset_t, err error) {
	set := s.sigset()
	if e := unix.PthreadSigmask(unix.SIG_BLOCK, &set, &prev); e != nil {
		return prev, errs.Syscall("sigset.Block", e)
	}
	return prev, nil
}

// Unblock removes every signal in s from the calling thread's mask.
func Unblock(s Set) error {
	set := s.sigset()
	if err := unix.PthreadSigmask(unix.SIG_UNBLOCK, &set, nil); err != nil {
		return errs.Syscall("sigset.Unblock", err)
	}
	return nil
}

// UnblockAll clears the calling thread's entire signal mask. Each task
// child does this before exec: user programs must not inherit the session
// manager's blocked set.
func UnblockAll() error {
	var all unix.Sigset_t
	for i := range all.Val {
		all.Val[i] = ^uint64(0)
	}
	if err := unix.PthreadSigmask(unix.SIG_UNBLOCK, &all, nil); err != nil {
		return errs.Syscall("sigset.UnblockAll", err)
	}
	return nil
}

// Restore resets the calling thread's signal mask to a previously saved
// value (from Block).
func Restore(prev unix.Sigset_t) error {
	if err := unix.PthreadSigmask(unix.SIG_SETMASK, &prev, nil); err != nil {
		return errs.Syscall("sigset.Restore", err)
	}
	return nil
}

// SetNonblock sets or clears O_NONBLOCK on fd.
func SetNonblock(fd int, nonblocking bool) error {
	if err := unix.SetNonblock(fd, nonblocking); err != nil {
		return errs.Syscall(fmt.Sprintf("sigset.SetNonblock(%d)", fd), err)
	}
	return nil
}

// SetCloseOnExec sets or clears FD_CLOEXEC on fd.
func SetCloseOnExec(fd int, cloexec bool) error {
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	if err != nil {
		return errs.Syscall(fmt.Sprintf("sigset.SetCloseOnExec(%d):getfd", fd), err)
	}
	if cloexec {
		flags |= unix.FD_CLOEXEC
	} else {
		flags &^= unix.FD_CLOEXEC
	}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFD, flags); err != nil {
		return errs.Syscall(fmt.Sprintf("sigset.SetCloseOnExec(%d):setfd", fd), err)
	}
	return nil
}

// InstallNoopChildHandler installs a no-op SIGCHLD handler. On platforms
// where ignored signals are not delivered to a thread blocking that signal
// in sigwait-equivalent fashion, an explicit (even empty) handler is
// required for the wakeup to be observed at all. Go's runtime
// already installs its own SIGCHLD handling for os/exec and does not let
// user code intercept signals synchronously the way sigaction(2) does;
// here the session manager instead blocks SIGCHLD and reaps its tasks with
// a blocking wait4(2) loop (sessionmgr's reapAll), so no separate handler
// installation step is needed beyond the Block call above. This function exists to document that contractual
// step and is intentionally a no-op on this platform.
func InstallNoopChildHandler() error { return nil }
