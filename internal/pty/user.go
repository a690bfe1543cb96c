package pty

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"os/user"
	"strings"
)

// shellUser is the identity a spawned shell runs as, resolved once per
// spawn. Environment variables win; the system user database fills the
// gaps.
type shellUser struct {
	User  string
	Home  string
	Shell string
}

func currentUser() (shellUser, error) {
	u := shellUser{
		User:  os.Getenv("USER"),
		Home:  os.Getenv("HOME"),
		Shell: os.Getenv("SHELL"),
	}
	if u.User != "" && u.Home != "" && u.Shell != "" {
		return u, nil
	}

	ent, err := user.Current()
	if err != nil {
		return shellUser{}, fmt.Errorf("look up current user: %w", err)
	}
	if u.User == "" {
		u.User = ent.Username
	}
	if u.Home == "" {
		u.Home = ent.HomeDir
	}
	if u.Shell == "" {
		u.Shell = loginShell(ent.Username)
	}
	if u.Shell == "" {
		return shellUser{}, errors.New("no usable shell for " + u.User)
	}
	return u, nil
}

// loginShell looks the user's shell up in the password file and falls back
// to probing well-known shells. os/user exposes no shell field, so the
// lookup is done by hand.
func loginShell(username string) string {
	if f, err := os.Open("/etc/passwd"); err == nil {
		defer f.Close()
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			line := sc.Text()
			if !strings.HasPrefix(line, username+":") {
				continue
			}
			if fields := strings.Split(line, ":"); len(fields) >= 7 && fields[6] != "" {
				return fields[6]
			}
		}
	}
	for _, sh := range []string{"/bin/bash", "/bin/zsh", "/bin/sh"} {
		if _, err := os.Stat(sh); err == nil {
			return sh
		}
	}
	return ""
}
