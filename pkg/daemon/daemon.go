// Package daemon holds the small amount of process-level plumbing the
// supervisor needs when running as a system service: the pid file behind the
// single-instance check, systemd readiness notification, and the
// foreground-vs-service decision.
//
// The daemon itself never forks into the background. Modern service managers
// (systemd, launchd, SCM) expect their charges to stay in the foreground, so
// `run` without --foreground simply records a pid file and relies on the
// manager for detachment.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	sd "github.com/coreos/go-systemd/v22/daemon"

	"github.com/cyrup-ai/kodegend/pkg/log"
)

// DefaultPidFile is where the pid is recorded when running system-wide
const DefaultPidFile = "/var/run/kodegend.pid"

// UnderServiceManager reports whether a service manager launched us, in which
// case staying in the foreground is mandatory.
func UnderServiceManager() bool {
	// systemd sets INVOCATION_ID (and NOTIFY_SOCKET for Type=notify);
	// launchd jobs have no controlling terminal and XPC_SERVICE_NAME set.
	if os.Getenv("INVOCATION_ID") != "" || os.Getenv("NOTIFY_SOCKET") != "" {
		return true
	}
	if name := os.Getenv("XPC_SERVICE_NAME"); name != "" && name != "0" {
		return true
	}
	return false
}

// WritePidFile records the daemon's pid. A stale file
// from a dead process is overwritten; a live owner is an error (single
// instance invariant).
func WritePidFile(path string) error {
	if data, err := os.ReadFile(path); err == nil {
		if pid, err := strconv.Atoi(strings.TrimSpace(string(data))); err == nil && pid > 0 && pid != os.Getpid() {
			if processAlive(pid) {
				return fmt.Errorf("daemon already running with pid %d", pid)
			}
		}
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create pid file directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		return fmt.Errorf("failed to write pid file: %w", err)
	}
	return nil
}

// RemovePidFile removes the pid file; missing files are fine
func RemovePidFile(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Logger.Warn().Err(err).Str("path", path).Msg("failed to remove pid file")
	}
}

// NotifyReady tells systemd the daemon has finished starting. A no-op
// everywhere else.
func NotifyReady() {
	if sent, err := sd.SdNotify(false, sd.SdNotifyReady); err != nil {
		log.Logger.Warn().Err(err).Msg("failed to notify service manager")
	} else if sent {
		log.Logger.Debug().Msg("notified service manager of readiness")
	}
}

// NotifyStopping tells systemd the daemon has begun shutting down
func NotifyStopping() {
	_, _ = sd.SdNotify(false, sd.SdNotifyStopping)
}
