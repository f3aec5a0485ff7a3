//go:build windows

package agent

import "os/exec"

// applyCredentials is a no-op on Windows; service identity is configured
// through the Service Control Manager, not per-child credentials.
func applyCredentials(cmd *exec.Cmd, username, group string) error {
	return nil
}
