// termbridge-shell spawns a shell through the pty core and bridges the
// invoking terminal to it. It is a by-hand end-to-end check of spawn, write,
// resize, kill and the death notification, with no daemon in between.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"

	"github.com/example/termbridge/internal/pty"
)

func terminalGeometry() pty.Geometry {
	width, height, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || width <= 0 || height <= 0 {
		width, height = 80, 24
	}
	return pty.Geometry{Rows: uint16(height), Cols: uint16(width)}
}

func main() {
	stdinFd := int(os.Stdin.Fd())
	oldState, err := term.MakeRaw(stdinFd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "raw mode: %v\n", err)
		os.Exit(1)
	}
	restore := func() { _ = term.Restore(stdinFd, oldState) }
	defer restore()

	done := make(chan struct{})
	p, err := pty.Spawn(
		func(fd int, data string, err error) {
			if err != nil {
				return
			}
			_, _ = os.Stdout.WriteString(data)
		},
		func(fd int) { close(done) },
	)
	if err != nil {
		restore()
		fmt.Fprintf(os.Stderr, "spawn: %v\n", err)
		os.Exit(1)
	}
	_ = p.Resize(terminalGeometry())

	// Track the surrounding terminal's size.
	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	go func() {
		for range winch {
			_ = p.Resize(terminalGeometry())
		}
	}()

	// Raw mode passes Ctrl-C through to the shell as a byte, so a terminate
	// can only arrive from outside. Answer it by asking the shell to exit
	// and let the death notification end the program.
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	go func() {
		for range sigc {
			p.Kill()
		}
	}()

	// Pump the surrounding terminal's input into the shell.
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				if werr := p.Write(string(buf[:n])); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	<-done
	signal.Stop(winch)
	signal.Stop(sigc)
}
