package pty

import (
	"os"

	creackpty "github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// allocate opens a new master/slave pair. Input handling on the master is
// switched to UTF-8; the tuning is best effort and never fails the
// allocation.
func allocate() (*os.File, *os.File, error) {
	master, slave, err := creackpty.Open()
	if err != nil {
		return nil, nil, &AllocationError{Err: err}
	}

	fd := int(master.Fd())
	if tio, err := unix.IoctlGetTermios(fd, ioctlReadTermios); err == nil {
		tio.Iflag |= unix.IUTF8
		_ = unix.IoctlSetTermios(fd, ioctlWriteTermios, tio)
	}

	return master, slave, nil
}
