//go:build windows

package proc

import (
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/windows"
)

// terminate delivers CTRL_C_EVENT to the child's process group. The child is
// spawned into its own group (see SetupProcAttr) so the event does not loop
// back to the daemon's console.
func terminate(h *Handle) error {
	pid := h.PID()
	if pid == 0 {
		return os.ErrProcessDone
	}
	return windows.GenerateConsoleCtrlEvent(windows.CTRL_C_EVENT, uint32(pid))
}

// SetupProcAttr places the child in a new process group so console control
// events can be addressed to it alone.
func SetupProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: windows.CREATE_NEW_PROCESS_GROUP,
	}
}
