//go:build windows

package process

import (
	"errors"
	"os"
	"os/exec"
)

func setGroup(*exec.Cmd) {}

// signalGroup has no graceful variant on windows; both steps kill.
func signalGroup(cmd *exec.Cmd, _ bool) error {
	err := cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// groupAlive is always false on windows; there is no group to outlive the child.
func groupAlive(*exec.Cmd) bool { return false }
