package pty

import (
	"errors"
	"fmt"
)

// ErrInvalidDescriptor is returned when a notification loop is requested for
// a descriptor that is not open.
var ErrInvalidDescriptor = errors.New("pty: invalid descriptor")

// AllocationError reports a failure to obtain a master/slave pair from the OS.
type AllocationError struct {
	Err error
}

func (e *AllocationError) Error() string { return "pty: allocate pair: " + e.Err.Error() }
func (e *AllocationError) Unwrap() error { return e.Err }

// SpawnError reports a failure to launch the shell or to complete the
// child-side session setup before exec.
type SpawnError struct {
	Program string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("pty: failed to spawn command %q: %v", e.Program, e.Err)
}
func (e *SpawnError) Unwrap() error { return e.Err }

// ReadError reports a failed read on the master descriptor. It is delivered
// through the read callback and never terminates the notification loop by
// itself.
type ReadError struct {
	Fd  int
	Err error
}

func (e *ReadError) Error() string { return fmt.Sprintf("pty: read fd %d: %v", e.Fd, e.Err) }
func (e *ReadError) Unwrap() error { return e.Err }

// WriteError reports a failed write on the master descriptor.
type WriteError struct {
	Fd  int
	Err error
}

func (e *WriteError) Error() string { return fmt.Sprintf("pty: write fd %d: %v", e.Fd, e.Err) }
func (e *WriteError) Unwrap() error { return e.Err }

// ResizeError reports a failed window-size ioctl on the master descriptor.
type ResizeError struct {
	Fd  int
	Err error
}

func (e *ResizeError) Error() string { return fmt.Sprintf("pty: resize fd %d: %v", e.Fd, e.Err) }
func (e *ResizeError) Unwrap() error { return e.Err }
