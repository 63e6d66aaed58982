//go:build !unix

package claude

import (
	"os"
	"os/exec"
)

func setProcGroup(*exec.Cmd) {}

func signalGroup(proc *os.Process, sig os.Signal) error {
	if sig == os.Interrupt {
		return proc.Signal(sig)
	}
	return proc.Kill()
}
