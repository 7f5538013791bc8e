//go:build !unix

package mcp

import (
	"errors"
	"os"
	"os/exec"
)

func isolateProcessGroup(cmd *exec.Cmd) {}

func killProcessGroup(p *os.Process) error {
	if err := p.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}
