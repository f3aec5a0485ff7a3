//go:build unix

package daemon

import (
	"os"
	"syscall"
)

// processAlive probes pid with signal 0
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
