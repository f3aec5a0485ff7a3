//go:build unix

package fleet

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyrup-ai/kodegend/pkg/bus"
	"github.com/cyrup-ai/kodegend/pkg/config"
	"github.com/cyrup-ai/kodegend/pkg/proc"
)

// TestMain doubles as the stub tool server: when re-executed with
// GO_WANT_HELPER_PROCESS set, the test binary plays the child role.
func TestMain(m *testing.M) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") == "1" {
		helperMain()
		return
	}
	os.Exit(m.Run())
}

// helperMain is the stub fleet member. Behavior is selected per port through
// environment variables so one test can mix healthy and misbehaving members.
func helperMain() {
	var addr string
	for i, arg := range os.Args {
		if arg == "--http" && i+1 < len(os.Args) {
			addr = os.Args[i+1]
		}
	}
	if addr == "" {
		os.Exit(64)
	}
	_, port, _ := net.SplitHostPort(addr)

	if portListed("HELPER_CRASH_PORTS", port) {
		os.Exit(2)
	}

	if portListed("HELPER_IGNORE_TERM_PORTS", port) {
		signal.Ignore(syscall.SIGTERM)
	} else {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, os.Interrupt)
		go func() {
			<-sigCh
			os.Exit(0)
		}()
	}

	unhealthy := portListed("HELPER_NOHEALTH_PORTS", port)
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if unhealthy {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	if err := http.ListenAndServe(addr, mux); err != nil {
		os.Exit(3)
	}
}

func portListed(envVar, port string) bool {
	for _, p := range strings.Split(os.Getenv(envVar), ",") {
		if p != "" && p == port {
			return true
		}
	}
	return false
}

func freePorts(t *testing.T, n int) []int {
	t.Helper()
	ports := make([]int, 0, n)
	for i := 0; i < n; i++ {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		ports = append(ports, ln.Addr().(*net.TCPAddr).Port)
		ln.Close()
	}
	return ports
}

func testOptions() Options {
	return Options{
		StartupTimeout:       3 * time.Second,
		HealthTimeout:        3 * time.Second,
		HealthPollInterval:   50 * time.Millisecond,
		InitialLivenessDelay: 100 * time.Millisecond,
		MonitorInterval:      200 * time.Millisecond,
		Shutdown: proc.ShutdownOptions{
			GracefulTimeout: 5 * time.Second,
			ForceTimeout:    2 * time.Second,
			PollInterval:    50 * time.Millisecond,
		},
	}
}

func stubMembers(ports []int) []config.FleetMember {
	members := make([]config.FleetMember, 0, len(ports))
	for i, port := range ports {
		members = append(members, config.FleetMember{
			Name:   fmt.Sprintf("stub-%d", i),
			Binary: os.Args[0],
			Port:   port,
		})
	}
	return members
}

func drainStates(b *bus.Bus) []bus.Event {
	var events []bus.Event
	for {
		select {
		case ev := <-b.Events():
			if ev.Type == bus.TypeState {
				events = append(events, ev)
			}
		default:
			return events
		}
	}
}

func TestStartAll_CleanBringUp(t *testing.T) {
	t.Setenv("GO_WANT_HELPER_PROCESS", "1")

	ports := freePorts(t, 3)
	b := bus.New()
	m := NewManagerWithOptions(stubMembers(ports), "", "", b, testOptions())

	start := time.Now()
	require.NoError(t, m.StartAll(context.Background()))
	assert.Less(t, time.Since(start), 10*time.Second)

	events := drainStates(b)
	require.Len(t, events, 6)
	for i := 0; i < 3; i++ {
		assert.Equal(t, fmt.Sprintf("stub-%d", i), events[2*i].Entity)
		assert.Equal(t, bus.StateStarting, events[2*i].State)
		assert.Equal(t, bus.StateRunning, events[2*i+1].State)
		assert.Greater(t, events[2*i].PID, 0)
	}

	require.NoError(t, m.ShutdownAll())
	for _, mem := range m.members {
		_, exited := mem.handle.TryWait()
		assert.True(t, exited, "%s must be reaped", mem.cfg.Name)
	}
}

func TestStartAll_PortCollision(t *testing.T) {
	t.Setenv("GO_WANT_HELPER_PROCESS", "1")

	ports := freePorts(t, 3)

	// Occupy the middle port before startup.
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", ports[1]))
	require.NoError(t, err)
	defer ln.Close()

	b := bus.New()
	m := NewManagerWithOptions(stubMembers(ports), "", "", b, testOptions())

	err = m.StartAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), fmt.Sprintf("port %d", ports[1]))

	// Pre-flight failed before any fork.
	for _, mem := range m.members {
		assert.False(t, mem.started)
		assert.Nil(t, mem.handle)
	}
}

func TestStartAll_CrashOnStartRollsBack(t *testing.T) {
	t.Setenv("GO_WANT_HELPER_PROCESS", "1")

	ports := freePorts(t, 2)
	t.Setenv("HELPER_CRASH_PORTS", fmt.Sprintf("%d", ports[1]))

	b := bus.New()
	m := NewManagerWithOptions(stubMembers(ports), "", "", b, testOptions())

	err := m.StartAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "crashed during startup")

	// The healthy first member was rolled back and reaped.
	for _, mem := range m.members {
		if mem.handle != nil {
			_, exited := mem.handle.TryWait()
			assert.True(t, exited, "%s must be reaped after rollback", mem.cfg.Name)
		}
		assert.False(t, mem.started)
	}
}

func TestStartAll_HealthTimeoutRollsBack(t *testing.T) {
	t.Setenv("GO_WANT_HELPER_PROCESS", "1")

	ports := freePorts(t, 2)
	t.Setenv("HELPER_NOHEALTH_PORTS", fmt.Sprintf("%d", ports[1]))

	b := bus.New()
	m := NewManagerWithOptions(stubMembers(ports), "", "", b, testOptions())

	start := time.Now()
	err := m.StartAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "health check")
	assert.Less(t, time.Since(start), 20*time.Second)

	// Both the offender and its healthy predecessor are down.
	for _, mem := range m.members {
		require.NotNil(t, mem.handle)
		_, exited := mem.handle.TryWait()
		assert.True(t, exited, "%s must be reaped", mem.cfg.Name)
	}
}

func TestShutdownAll_EscalatesIgnoredTerm(t *testing.T) {
	t.Setenv("GO_WANT_HELPER_PROCESS", "1")

	ports := freePorts(t, 1)
	t.Setenv("HELPER_IGNORE_TERM_PORTS", fmt.Sprintf("%d", ports[0]))

	b := bus.New()
	opts := testOptions()
	opts.Shutdown.GracefulTimeout = time.Second
	m := NewManagerWithOptions(stubMembers(ports), "", "", b, opts)

	require.NoError(t, m.StartAll(context.Background()))

	start := time.Now()
	require.NoError(t, m.ShutdownAll())
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, opts.Shutdown.GracefulTimeout)
	assert.Less(t, elapsed, opts.Shutdown.GracefulTimeout+opts.Shutdown.ForceTimeout+2*time.Second)

	_, exited := m.members[0].handle.TryWait()
	assert.True(t, exited)
}

func TestCheckPortAvailable_ReleasesListener(t *testing.T) {
	ports := freePorts(t, 1)

	require.NoError(t, checkPortAvailable(ports[0]))

	// The pre-flight listener must not leak.
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", ports[0]))
	require.NoError(t, err)
	ln.Close()
}

func TestStartAll_SkipsDisabledMembers(t *testing.T) {
	t.Setenv("GO_WANT_HELPER_PROCESS", "1")

	ports := freePorts(t, 2)
	members := stubMembers(ports)
	off := false
	members[1].Enabled = &off

	b := bus.New()
	m := NewManagerWithOptions(members, "", "", b, testOptions())

	require.NoError(t, m.StartAll(context.Background()))
	defer func() { require.NoError(t, m.ShutdownAll()) }()

	assert.True(t, m.members[0].started)
	assert.False(t, m.members[1].started)
	assert.Nil(t, m.members[1].handle)
}
