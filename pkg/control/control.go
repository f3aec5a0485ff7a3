// Package control delegates daemon lifecycle management to the OS-native
// service manager: systemd on Linux, launchd on macOS, the Service Control
// Manager on Windows. The supervisor core never calls into this package; it
// only feels the effect when the service manager signals it.
package control

// ServiceName is the registered service identity across platforms
const ServiceName = "kodegend"

// CheckStatus reports whether the daemon is running under the service manager
func CheckStatus() (bool, error) {
	return checkStatus()
}

// StartDaemon starts the daemon service
func StartDaemon() error {
	return startDaemon()
}

// StopDaemon stops the daemon service
func StopDaemon() error {
	return stopDaemon()
}

// RestartDaemon restarts the daemon service
func RestartDaemon() error {
	return restartDaemon()
}
