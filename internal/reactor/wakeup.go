//go:build linux

package reactor

import (
	"golang.org/x/sys/unix"

	"github.com/nodestep/stepd/internal/errs"
)

// wakeFD is an eventfd used to force the poller out of an infinite-timeout
// wait: writing to the wake-fd forces the reactor out of poll.
type wakeFD struct {
	fd int
}

func newWakeFD() (*wakeFD, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, errs.Syscall("reactor.newWakeFD", err)
	}
	return &wakeFD{fd: fd}, nil
}

// wake forces the next poll to return promptly.
func (w *wakeFD) wake() error {
	var buf [8]byte
	buf[7] = 1
	if _, err := unix.Write(w.fd, buf[:]); err != nil && err != unix.EAGAIN {
		return errs.Syscall("reactor.wakeFD.wake", err)
	}
	return nil
}

// drain consumes any pending wake notification.
func (w *wakeFD) drain() {
	var buf [8]byte
	for {
		_, err := unix.Read(w.fd, buf[:])
		if err != nil {
			return
		}
	}
}

func (w *wakeFD) close() error {
	if err := unix.Close(w.fd); err != nil {
		return errs.Syscall("reactor.wakeFD.close", err)
	}
	return nil
}
