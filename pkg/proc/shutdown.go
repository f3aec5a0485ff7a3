package proc

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// ShutdownOptions bound the two phases of the termination protocol
type ShutdownOptions struct {
	// GracefulTimeout bounds the wait after the polite signal
	GracefulTimeout time.Duration

	// ForceTimeout bounds the wait after the kill
	ForceTimeout time.Duration

	// PollInterval is the non-blocking wait cadence
	PollInterval time.Duration
}

// DefaultShutdownOptions returns the production bounds: 30s graceful, 5s
// forced, 100ms polling.
func DefaultShutdownOptions() ShutdownOptions {
	return ShutdownOptions{
		GracefulTimeout: 30 * time.Second,
		ForceTimeout:    5 * time.Second,
		PollInterval:    100 * time.Millisecond,
	}
}

// PhaseError reports which phase of the protocol exceeded its bound
type PhaseError struct {
	Name    string
	Phase   string
	Timeout time.Duration
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s did not exit within %s after %s phase", e.Name, e.Timeout, e.Phase)
}

// Shutdown runs the graceful-then-forced termination protocol with the
// production bounds.
func Shutdown(h *Handle, logger zerolog.Logger) error {
	return ShutdownWithOptions(h, logger, DefaultShutdownOptions())
}

// ShutdownWithOptions terminates the child behind h and returns only after it
// has been reaped, or after both phases have exceeded their bounds.
//
// Phase 1 sends the platform's polite signal (SIGTERM; CTRL_C_EVENT on
// Windows). Phase 2 polls the non-blocking wait every PollInterval up to
// GracefulTimeout. Phase 3 kills. Phase 4 polls up to ForceTimeout. The poll
// shape reaps the child within one interval of actual exit even when exit
// happens early, and never parks a goroutine for the full bound.
func ShutdownWithOptions(h *Handle, logger zerolog.Logger, opts ShutdownOptions) error {
	if _, exited := h.TryWait(); exited {
		return nil
	}

	start := time.Now()

	if err := terminate(h); err != nil {
		logger.Warn().Err(err).Str("entity", h.Name()).Msg("failed to send term signal")
	} else {
		logger.Info().Str("entity", h.Name()).Int("pid", h.PID()).Msg("sent term signal")
	}

	if pollWait(h, opts.GracefulTimeout, opts.PollInterval) {
		logger.Info().
			Str("entity", h.Name()).
			Dur("elapsed", time.Since(start)).
			Int("exit_code", h.ExitCode()).
			Msg("exited gracefully")
		return nil
	}

	logger.Warn().
		Str("entity", h.Name()).
		Dur("graceful_timeout", opts.GracefulTimeout).
		Msg("graceful shutdown timeout, escalating to kill")

	if err := h.Kill(); err != nil {
		// The child may have exited in the window between the poll and
		// the kill; the final poll below decides.
		logger.Warn().Err(err).Str("entity", h.Name()).Msg("kill failed")
	}

	if pollWait(h, opts.ForceTimeout, opts.PollInterval) {
		logger.Info().Str("entity", h.Name()).Int("exit_code", h.ExitCode()).Msg("terminated by kill")
		return nil
	}

	return &PhaseError{Name: h.Name(), Phase: "forced", Timeout: opts.ForceTimeout}
}

// pollWait polls the non-blocking wait every interval until the child exits
// or the timeout elapses. Returns true once the child has been reaped.
func pollWait(h *Handle, timeout, interval time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.Done():
			return true
		case <-ticker.C:
			if _, exited := h.TryWait(); exited {
				return true
			}
			if time.Now().After(deadline) {
				return false
			}
		}
	}
}
