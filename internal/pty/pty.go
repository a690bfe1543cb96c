// Package pty spawns login shells on pseudo terminals and bridges the master
// side to the caller through read and death notifications.
//
// A Pty handle wraps a single master descriptor. Dropping a handle never
// closes the descriptor; it is closed exactly once, by the notification
// loop, after the descriptor reports an error or hangup condition.
package pty

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// readChunkSize bounds a single read from the master descriptor.
const readChunkSize = 4096

// pollErrBits are the revents that terminate a notification loop.
const pollErrBits = unix.POLLERR | unix.POLLHUP | unix.POLLNVAL

// ReadFunc receives every chunk read from the master descriptor, decoded as
// UTF-8 with invalid sequences replaced. If the read itself failed, data is
// empty and err carries a *ReadError; the loop keeps running.
type ReadFunc func(fd int, data string, err error)

// DeathFunc fires exactly once per spawned pty, strictly after the final
// ReadFunc call, when the descriptor reports an error or hangup condition.
// The descriptor is closed right after it returns; the pty accepts no I/O
// from then on.
type DeathFunc func(fd int)

// Pty is a handle on the master side of a spawned pseudo terminal. The zero
// value is not usable; obtain one from Spawn or Attach.
type Pty struct {
	fd int
}

// Spawn allocates a pseudo terminal pair, starts the current user's shell as
// a session leader with the slave side as its controlling terminal, and runs
// a notification loop against the master side. onRead observes every chunk
// the pty produces; onDeath observes the hangup. A failed spawn leaves no
// handle and no loop behind.
func Spawn(onRead ReadFunc, onDeath DeathFunc) (Pty, error) {
	u, err := currentUser()
	if err != nil {
		return Pty{}, fmt.Errorf("resolve shell user: %w", err)
	}

	master, slave, err := allocate()
	if err != nil {
		return Pty{}, err
	}

	cmd := exec.Command(u.Shell)
	cmd.Stdin = slave
	cmd.Stdout = slave
	cmd.Stderr = slave
	cmd.Env = append(os.Environ(), "USER="+u.User, "HOME="+u.Home)
	// Setsid detaches the child into a new session before the kernel issues
	// TIOCSCTTY on its fd 0, the slave; a TIOCSCTTY failure aborts the child
	// before exec and surfaces through Start. Both pty descriptors are
	// close-on-exec, so the child keeps only the dup'd stdio descriptors,
	// and exec reverts the runtime's signal handlers to their defaults.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true, Setctty: true}

	if err := cmd.Start(); err != nil {
		master.Close()
		slave.Close()
		return Pty{}, &SpawnError{Program: u.Shell, Err: err}
	}
	slave.Close()

	// Reap the child when it exits; death is reported by the loop, not Wait.
	go func() { _ = cmd.Wait() }()

	// The master is shared between caller writes and the loop's reads; a
	// blocking read there would stall hangup detection. Fd is called exactly
	// once: every call flips the descriptor back into blocking mode.
	fd := int(master.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		master.Close()
		return Pty{}, &SpawnError{Program: u.Shell, Err: err}
	}

	if err := startLoop(master, fd, onRead, onDeath); err != nil {
		master.Close()
		return Pty{}, err
	}
	return Pty{fd: fd}, nil
}

// Attach wraps an existing master descriptor in a new handle. The caller
// must guarantee fd is a live master previously produced by Spawn. No new
// notification loop is started: the callbacks registered at spawn time keep
// observing the descriptor, and the new handle only redirects future Write,
// Resize and Kill calls.
func Attach(fd int) Pty { return Pty{fd: fd} }

// Fd returns the raw master descriptor.
func (p Pty) Fd() int { return p.fd }

// Write sends s to the pty with a single write call. A short write is not
// resubmitted; callers that need full delivery loop themselves.
func (p Pty) Write(s string) error {
	if _, err := unix.Write(p.fd, []byte(s)); err != nil {
		return &WriteError{Fd: p.fd, Err: err}
	}
	return nil
}

// Resize applies g to the pseudo terminal.
func (p Pty) Resize(g Geometry) error {
	if err := unix.IoctlSetWinsize(p.fd, unix.TIOCSWINSZ, g.winsize()); err != nil {
		return &ResizeError{Fd: p.fd, Err: err}
	}
	return nil
}

// Kill asks the shell to exit by writing an exit command to it. It is fire
// and forget: write failures are discarded, the descriptor stays open, and
// onDeath fires once the shell actually hangs up the slave side. Repeated
// calls are safe.
func (p Pty) Kill() {
	_ = p.Write("exit\r")
}

// startLoop validates the descriptor and starts the notification goroutine.
// The goroutine owns master and closes it on exit. fd travels alongside
// master because File.Fd would put the descriptor back into blocking mode.
// Starting a loop on a closed descriptor fails with ErrInvalidDescriptor and
// no loop runs.
func startLoop(master *os.File, fd int, onRead ReadFunc, onDeath DeathFunc) error {
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0); err != nil {
		return fmt.Errorf("%w: fd %d", ErrInvalidDescriptor, fd)
	}

	go func() {
		buf := make([]byte, readChunkSize)
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		for {
			n, err := unix.Poll(fds, -1)
			if err != nil {
				if errors.Is(err, unix.EINTR) {
					continue
				}
				break
			}
			if n <= 0 {
				continue
			}
			if fds[0].Revents&pollErrBits != 0 {
				break
			}
			if fds[0].Revents&unix.POLLIN == 0 {
				continue
			}

			// Exactly one read per wakeup.
			nr, err := unix.Read(fd, buf)
			if err != nil {
				onRead(fd, "", &ReadError{Fd: fd, Err: err})
				continue
			}
			onRead(fd, strings.ToValidUTF8(string(buf[:nr]), "�"), nil)
		}
		onDeath(fd)
		master.Close()
	}()
	return nil
}
