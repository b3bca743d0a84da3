//go:build !unix

package sandbox

import (
	"errors"
	"os"
	"os/exec"
)

func configureCommand(*exec.Cmd) {}

func killProcess(p *os.Process) error {
	if err := p.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

func processAlive(int) bool { return true }
