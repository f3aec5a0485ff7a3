//go:build unix

package proc

import (
	"os/exec"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startShell(t *testing.T, script string) *Handle {
	t.Helper()
	cmd := exec.Command("/bin/sh", "-c", script)
	require.NoError(t, cmd.Start())
	h := NewHandle("test", cmd)
	t.Cleanup(func() {
		_ = h.Kill()
		<-h.Done()
	})
	return h
}

func TestHandle_TryWait(t *testing.T) {
	h := startShell(t, "sleep 30")

	_, exited := h.TryWait()
	assert.False(t, exited)
	assert.Greater(t, h.PID(), 0)
	assert.Equal(t, -1, h.ExitCode())

	require.NoError(t, h.Kill())
	<-h.Done()

	state, exited := h.TryWait()
	assert.True(t, exited)
	assert.NotNil(t, state)
}

func TestHandle_ReapsEarlyExit(t *testing.T) {
	h := startShell(t, "exit 3")

	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("child not reaped")
	}

	clean, exited := h.ExitClean()
	assert.True(t, exited)
	assert.False(t, clean)
	assert.Equal(t, 3, h.ExitCode())
}

func TestHandle_TakeIsExclusive(t *testing.T) {
	h := startShell(t, "exit 0")

	assert.False(t, h.Taken())
	assert.True(t, h.Take())
	assert.True(t, h.Taken())
	assert.False(t, h.Take(), "second take must fail")
}

func TestShutdown_GracefulFastPath(t *testing.T) {
	// A cooperative child exits promptly on SIGTERM; the choreography must
	// return well before the graceful bound.
	h := startShell(t, "trap 'exit 0' TERM; while true; do sleep 0.1; done")
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	err := ShutdownWithOptions(h, zerolog.Nop(), ShutdownOptions{
		GracefulTimeout: 10 * time.Second,
		ForceTimeout:    2 * time.Second,
		PollInterval:    50 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 3*time.Second)

	_, exited := h.TryWait()
	assert.True(t, exited, "child must be reaped before Shutdown returns")
}

func TestShutdown_EscalatesToKill(t *testing.T) {
	// The child ignores SIGTERM; shutdown must escalate and still reap it
	// within graceful+force+slack.
	h := startShell(t, "trap '' TERM; while true; do sleep 0.1; done")
	time.Sleep(100 * time.Millisecond)

	opts := ShutdownOptions{
		GracefulTimeout: 500 * time.Millisecond,
		ForceTimeout:    2 * time.Second,
		PollInterval:    50 * time.Millisecond,
	}

	start := time.Now()
	err := ShutdownWithOptions(h, zerolog.Nop(), opts)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.GreaterOrEqual(t, elapsed, opts.GracefulTimeout)
	assert.Less(t, elapsed, opts.GracefulTimeout+opts.ForceTimeout+time.Second)

	_, exited := h.TryWait()
	assert.True(t, exited)
}

func TestShutdown_AlreadyExited(t *testing.T) {
	h := startShell(t, "exit 0")
	<-h.Done()

	start := time.Now()
	require.NoError(t, Shutdown(h, zerolog.Nop()))
	assert.Less(t, time.Since(start), time.Second)
}

func TestPhaseError_Message(t *testing.T) {
	err := &PhaseError{Name: "browser", Phase: "forced", Timeout: 5 * time.Second}
	assert.Contains(t, err.Error(), "browser")
	assert.Contains(t, err.Error(), "forced")
}
