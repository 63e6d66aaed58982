//go:build unix

package claude

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// signalGroup signals every process in the child's group so tools the agent
// spawned are stopped with it.
func signalGroup(proc *os.Process, sig os.Signal) error {
	sysSig, ok := sig.(syscall.Signal)
	if !ok {
		return proc.Signal(sig)
	}
	err := syscall.Kill(-proc.Pid, sysSig)
	if errors.Is(err, syscall.ESRCH) {
		return os.ErrProcessDone
	}
	return err
}
