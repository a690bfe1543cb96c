package ws

import (
	"bytes"
	"errors"
	"os/exec"
	"runtime"
)

// getClipboard returns the current system clipboard text, trying the
// platform's utilities in order.
func getClipboard() (string, error) {
	if runtime.GOOS == "darwin" {
		out, err := exec.Command("pbpaste").Output()
		if err != nil {
			return "", err
		}
		return string(out), nil
	}
	// Wayland first, then the X11 tools.
	if out, err := exec.Command("wl-paste", "-n").Output(); err == nil {
		return string(out), nil
	}
	if out, err := exec.Command("xclip", "-selection", "clipboard", "-o").Output(); err == nil {
		return string(out), nil
	}
	if out, err := exec.Command("xsel", "-b", "-o").Output(); err == nil {
		return string(out), nil
	}
	return "", errors.New("no clipboard utility available (tried wl-paste, xclip, xsel)")
}

// setClipboard replaces the system clipboard text.
func setClipboard(s string) error {
	data := []byte(s)
	if runtime.GOOS == "darwin" {
		cmd := exec.Command("pbcopy")
		cmd.Stdin = bytes.NewReader(data)
		return cmd.Run()
	}
	cmd := exec.Command("wl-copy", "--type", "text/plain")
	cmd.Stdin = bytes.NewReader(data)
	if err := cmd.Run(); err == nil {
		return nil
	}
	cmd = exec.Command("xclip", "-selection", "clipboard")
	cmd.Stdin = bytes.NewReader(data)
	if err := cmd.Run(); err == nil {
		return nil
	}
	cmd = exec.Command("xsel", "-b", "-i")
	cmd.Stdin = bytes.NewReader(data)
	if err := cmd.Run(); err == nil {
		return nil
	}
	return errors.New("no clipboard utility available to set content (tried wl-copy, xclip, xsel)")
}
