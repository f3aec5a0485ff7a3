//go:build unix

package proc

import (
	"os/exec"
	"syscall"
)

// terminate sends SIGTERM, asking the child to drain and exit
func terminate(h *Handle) error {
	return h.Signal(syscall.SIGTERM)
}

// SetupProcAttr applies platform process attributes before spawn. Nothing is
// needed on POSIX; signals address the child directly.
func SetupProcAttr(cmd *exec.Cmd) {}
