//go:build unix

package agent

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"

	"github.com/cyrup-ai/kodegend/pkg/bus"
	"github.com/cyrup-ai/kodegend/pkg/config"
	"github.com/cyrup-ai/kodegend/pkg/lifecycle"
)

func waitForEvent(t *testing.T, b *bus.Bus, match func(bus.Event) bool) bus.Event {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev := <-b.Events():
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatal("timed out waiting for event")
		}
	}
}

func stateEvent(kind bus.StateKind) func(bus.Event) bool {
	return func(ev bus.Event) bool {
		return ev.Type == bus.TypeState && ev.State == kind
	}
}

func shutdownAgent(t *testing.T, a *Agent) {
	t.Helper()
	a.Inbox() <- CommandShutdown
	select {
	case <-a.Done():
	case <-time.After(15 * time.Second):
		t.Fatal("agent did not shut down")
	}
}

func TestSpawn_RejectsBadCommand(t *testing.T) {
	b := bus.New()
	_, err := Spawn(config.Worker{Name: "bad", Command: `sh -c "unterminated`}, "", b)
	assert.Error(t, err)
}

func TestAgent_StartStop(t *testing.T) {
	b := bus.New()
	a, err := Spawn(config.Worker{
		Name:    "sleeper",
		Command: "sleep 60",
	}, "", b)
	require.NoError(t, err)

	a.Inbox() <- CommandStart

	starting := waitForEvent(t, b, stateEvent(bus.StateStarting))
	assert.Equal(t, "sleeper", starting.Entity)
	assert.Greater(t, starting.PID, 0)

	waitForEvent(t, b, stateEvent(bus.StateRunning))

	shutdownAgent(t, a)

	stopped := waitForEvent(t, b, stateEvent(bus.StateStopped))
	assert.Equal(t, "sleeper", stopped.Entity)
	assert.Equal(t, lifecycle.StateStopped, a.State())
}

func TestAgent_CrashOnStartReportsStopped(t *testing.T) {
	b := bus.New()
	a, err := Spawn(config.Worker{
		Name:    "crasher",
		Command: "sh -c 'exit 7'",
	}, "", b)
	require.NoError(t, err)

	a.Inbox() <- CommandStart

	stopped := waitForEvent(t, b, stateEvent(bus.StateStopped))
	assert.Equal(t, 7, stopped.ExitCode)
	assert.Equal(t, lifecycle.StateFailed, a.State())

	// Failed is a re-entry point: a later Start spawns again.
	shutdownAgent(t, a)
}

func TestAgent_SpawnFailureEmitsFatal(t *testing.T) {
	b := bus.New()
	a, err := Spawn(config.Worker{
		Name:    "ghost",
		Command: "/nonexistent/binary-xyz",
	}, "", b)
	require.NoError(t, err)

	a.Inbox() <- CommandStart

	fatal := waitForEvent(t, b, func(ev bus.Event) bool { return ev.Type == bus.TypeFatal })
	assert.Equal(t, "ghost", fatal.Entity)
	assert.Contains(t, fatal.Msg, "binary-xyz")

	shutdownAgent(t, a)
}

func TestAgent_UnexpectedExitReported(t *testing.T) {
	b := bus.New()
	a, err := Spawn(config.Worker{
		Name:    "flaky",
		Command: "sh -c 'sleep 0.5; exit 1'",
	}, "", b)
	require.NoError(t, err)

	a.Inbox() <- CommandStart
	waitForEvent(t, b, stateEvent(bus.StateRunning))

	stopped := waitForEvent(t, b, stateEvent(bus.StateStopped))
	assert.Equal(t, 1, stopped.ExitCode)

	shutdownAgent(t, a)
}

func TestAgent_TickHealthTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	b := bus.New()
	a, err := Spawn(config.Worker{
		Name:    "checked",
		Command: "sleep 60",
		HealthCheck: &config.HealthCheck{
			Type:        "tcp",
			Target:      ln.Addr().String(),
			TimeoutSecs: 2,
			Retries:     1,
		},
	}, "", b)
	require.NoError(t, err)

	a.Inbox() <- CommandStart
	waitForEvent(t, b, stateEvent(bus.StateRunning))

	a.Inbox() <- CommandTickHealth
	ev := waitForEvent(t, b, func(ev bus.Event) bool { return ev.Type == bus.TypeHealth })
	assert.True(t, ev.Healthy)
	assert.True(t, a.State() == lifecycle.StateRunning)

	// Kill the listener: the next tick fails and the worker is marked failed.
	ln.Close()
	a.Inbox() <- CommandTickHealth
	ev = waitForEvent(t, b, func(ev bus.Event) bool { return ev.Type == bus.TypeHealth })
	assert.False(t, ev.Healthy)

	shutdownAgent(t, a)
}

func TestAgent_TickHealthIgnoredWhenNotRunning(t *testing.T) {
	b := bus.New()
	a, err := Spawn(config.Worker{
		Name:    "idle",
		Command: "sleep 60",
		HealthCheck: &config.HealthCheck{
			Type:   "tcp",
			Target: "127.0.0.1:1",
		},
	}, "", b)
	require.NoError(t, err)

	// Never started: the tick must not emit anything.
	a.Inbox() <- CommandTickHealth
	time.Sleep(200 * time.Millisecond)
	select {
	case ev := <-b.Events():
		t.Fatalf("unexpected event %v", ev.Type)
	default:
	}

	shutdownAgent(t, a)
}

func TestAgent_LogRotation(t *testing.T) {
	logDir := t.TempDir()

	b := bus.New()
	a, err := Spawn(config.Worker{
		Name:    "writer",
		Command: "sh -c 'echo hello; sleep 60'",
		LogRotation: &config.LogRotation{
			MaxSizeMB: 1,
			MaxFiles:  2,
		},
	}, logDir, b)
	require.NoError(t, err)

	a.Inbox() <- CommandStart
	waitForEvent(t, b, stateEvent(bus.StateRunning))

	// The stdout sink receives the child's output.
	logPath := filepath.Join(logDir, "writer.log")
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(logPath)
		return err == nil && len(data) > 0
	}, 5*time.Second, 100*time.Millisecond)

	a.Inbox() <- CommandTickLogRotate
	waitForEvent(t, b, func(ev bus.Event) bool { return ev.Type == bus.TypeLogRotate })

	// Rotation renamed the live file away; the directory now holds a backup.
	entries, err := os.ReadDir(logDir)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(entries), 2, "rotation must leave a backup file")

	shutdownAgent(t, a)
}

func TestBuildSinks_NoLogDirSharesDaemonStreams(t *testing.T) {
	out, errW := buildSinks(config.Worker{Name: "x"}, "")
	assert.Equal(t, os.Stdout, out)
	assert.Equal(t, os.Stderr, errW)

	out, _ = buildSinks(config.Worker{Name: "x"}, t.TempDir())
	lj, ok := out.(*lumberjack.Logger)
	require.True(t, ok)
	assert.Contains(t, lj.Filename, "x.log")
}

func TestBuildChecker(t *testing.T) {
	for _, typ := range []string{"http", "tcp", "script"} {
		c, err := buildChecker(&config.HealthCheck{Type: typ, Target: "x"})
		require.NoError(t, err, typ)
		assert.Equal(t, typ, string(c.Type()))
	}

	_, err := buildChecker(&config.HealthCheck{Type: "icmp", Target: "x"})
	assert.Error(t, err)
}
