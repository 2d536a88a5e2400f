//go:build windows

package registry

import (
	"errors"
	"os"
	"os/exec"
)

func ConfigureCommand(cmd *exec.Cmd) {}

func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	_ = p.Release()
	return true
}

// Windows has no polite signal for console-less children; both steps kill.
func interrupt(pid int) error {
	return kill(pid)
}

func kill(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}

func isGone(err error) bool {
	return errors.Is(err, os.ErrProcessDone)
}
