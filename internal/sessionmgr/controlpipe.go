// Package sessionmgr implements the session manager process: it runs as
// the target user, forks the step's tasks, and reports pids and exit
// records to the job manager over a control pipe.
package sessionmgr

import (
	"encoding/binary"
	"io"

	"github.com/nodestep/stepd/internal/errs"
)

// ExitRecord is one reaped task's (index, wait-status) pair: a 4-byte task
// index followed by a 4-byte wait status on the wire.
type ExitRecord struct {
	TaskIndex  int32
	WaitStatus int32
}

// WritePid sends one pid record: the raw pid value, emitted exactly N
// times at startup in task-id order. Go's pid type (int) is always
// representable in 4 bytes on every platform this module targets.
func WritePid(w io.Writer, pid int) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(pid))
	if _, err := w.Write(buf[:]); err != nil {
		return errs.Syscall("sessionmgr.WritePid", err)
	}
	return nil
}

// ReadPid reads one pid record.
func ReadPid(r io.Reader) (int, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, errs.Syscall("sessionmgr.ReadPid", err)
	}
	return int(binary.BigEndian.Uint32(buf[:])), nil
}

// WriteExitRecord sends one exit record.
func WriteExitRecord(w io.Writer, rec ExitRecord) error {
	var buf [8]byte
	binary.BigEndian.PutUint32(buf[0:4], uint32(rec.TaskIndex))
	binary.BigEndian.PutUint32(buf[4:8], uint32(rec.WaitStatus))
	if _, err := w.Write(buf[:]); err != nil {
		return errs.Syscall("sessionmgr.WriteExitRecord", err)
	}
	return nil
}

// ReadExitRecord reads one exit record.
func ReadExitRecord(r io.Reader) (ExitRecord, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return ExitRecord{}, errs.Syscall("sessionmgr.ReadExitRecord", err)
	}
	return ExitRecord{
		TaskIndex:  int32(binary.BigEndian.Uint32(buf[0:4])),
		WaitStatus: int32(binary.BigEndian.Uint32(buf[4:8])),
	}, nil
}
