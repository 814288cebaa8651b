//go:build windows

package procgroup

import (
	"os"
	"os/exec"
	"syscall"
)

func Set(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}

func Terminate(p *os.Process) error {
	if p == nil {
		return nil
	}
	return p.Kill()
}

func Kill(p *os.Process) error {
	return Terminate(p)
}
