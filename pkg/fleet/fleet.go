package fleet

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cyrup-ai/kodegend/pkg/bus"
	"github.com/cyrup-ai/kodegend/pkg/config"
	"github.com/cyrup-ai/kodegend/pkg/health"
	"github.com/cyrup-ai/kodegend/pkg/log"
	"github.com/cyrup-ai/kodegend/pkg/proc"
)

// Options bound the startup and shutdown protocol
type Options struct {
	// StartupTimeout bounds the wait for the liveness monitor's verdict
	StartupTimeout time.Duration

	// HealthTimeout bounds the /health readiness poll
	HealthTimeout time.Duration

	// HealthPollInterval is the /health poll cadence
	HealthPollInterval time.Duration

	// InitialLivenessDelay is how long the monitor waits before the first
	// non-blocking wait on a fresh child
	InitialLivenessDelay time.Duration

	// MonitorInterval is the steady-state liveness poll cadence
	MonitorInterval time.Duration

	// Shutdown bounds the per-member termination protocol
	Shutdown proc.ShutdownOptions
}

// DefaultOptions returns the production bounds
func DefaultOptions() Options {
	return Options{
		StartupTimeout:       5 * time.Second,
		HealthTimeout:        5 * time.Second,
		HealthPollInterval:   50 * time.Millisecond,
		InitialLivenessDelay: 100 * time.Millisecond,
		MonitorInterval:      5 * time.Second,
		Shutdown:             proc.DefaultShutdownOptions(),
	}
}

// verdict is what the liveness monitor reports on the member's watch channel
type verdict int

const (
	verdictRunning verdict = iota
	verdictFailed
)

type member struct {
	cfg    config.FleetMember
	handle *proc.Handle

	// watch carries the monitor's startup verdict
	watch chan verdict

	monitorStop chan struct{}
	logClosers  []io.Closer

	started bool
}

// Manager brings up and tears down the declared set of embedded tool servers.
// Startup is atomic: either every enabled member ends up running and answering
// /health, or none is left alive.
type Manager struct {
	members []*member
	tlsCert string
	tlsKey  string
	bus     *bus.Bus
	logger  zerolog.Logger
	opts    Options

	mu sync.Mutex
}

// NewManager builds a manager with the production bounds
func NewManager(cfgs []config.FleetMember, tlsCert, tlsKey string, b *bus.Bus) *Manager {
	return NewManagerWithOptions(cfgs, tlsCert, tlsKey, b, DefaultOptions())
}

// NewManagerWithOptions builds a manager with caller-chosen bounds (tests)
func NewManagerWithOptions(cfgs []config.FleetMember, tlsCert, tlsKey string, b *bus.Bus, opts Options) *Manager {
	members := make([]*member, 0, len(cfgs))
	for _, cfg := range cfgs {
		members = append(members, &member{cfg: cfg})
	}
	return &Manager{
		members: members,
		tlsCert: tlsCert,
		tlsKey:  tlsKey,
		bus:     b,
		logger:  log.WithComponent("fleet"),
		opts:    opts,
	}
}

// StartAll spawns every enabled member in declaration order. Each member must
// pass two layers of verification before the next is attempted: the liveness
// monitor's initial check and a 2xx from its /health endpoint. Any failure
// rolls back everything spawned so far in LIFO order and fails the startup.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Pre-flight: catch port collisions before any fork.
	for _, mem := range m.members {
		if !mem.cfg.IsEnabled() {
			continue
		}
		if err := checkPortAvailable(mem.cfg.Port); err != nil {
			return fmt.Errorf("cannot start %s server: %w", mem.cfg.Name, err)
		}
	}
	m.logger.Info().Msg("all ports verified available, proceeding with spawn")

	var spawned []int

	for idx, mem := range m.members {
		if !mem.cfg.IsEnabled() {
			m.logger.Debug().Str("entity", mem.cfg.Name).Msg("skipping disabled server")
			continue
		}

		if err := m.startMember(mem); err != nil {
			if mem.started {
				spawned = append(spawned, idx)
			}
			m.rollback(spawned)
			return err
		}

		if err := m.awaitStartup(ctx, mem); err != nil {
			m.rollback(append(spawned, idx))
			return err
		}

		if err := m.verifyHealth(ctx, mem); err != nil {
			m.logger.Error().Err(err).Str("entity", mem.cfg.Name).Msg("failed HTTP health check")
			m.rollback(append(spawned, idx))
			return fmt.Errorf("%s failed HTTP health check: %w", mem.cfg.Name, err)
		}

		spawned = append(spawned, idx)
	}
	return nil
}

// startMember spawns one child and its attendant tasks
func (m *Manager) startMember(mem *member) error {
	name := mem.cfg.Name
	addr := fmt.Sprintf("127.0.0.1:%d", mem.cfg.Port)
	m.logger.Info().Str("entity", name).Str("addr", addr).Msg("starting server")

	binaryPath, err := exec.LookPath(mem.cfg.Binary)
	if err != nil {
		m.logger.Warn().Str("binary", mem.cfg.Binary).Msg("binary not found in PATH, using literal path")
		binaryPath = mem.cfg.Binary
	}

	args := []string{"--http", addr}
	if m.tlsCert != "" && m.tlsKey != "" {
		m.logger.Info().Str("entity", name).Str("cert", m.tlsCert).Msg("configuring HTTPS")
		args = append(args, "--tls-cert", m.tlsCert, "--tls-key", m.tlsKey)
	}

	cmd := exec.Command(binaryPath, args...)
	proc.SetupProcAttr(cmd)

	// Pipes are created by hand so the handle's reaper does not race the
	// log forwarders over them.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe for %s: %w", name, err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return fmt.Errorf("failed to create stderr pipe for %s: %w", name, err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
		return fmt.Errorf("failed to spawn %s server (binary: %s, addr: %s): %w", name, binaryPath, addr, err)
	}

	// The child owns the write ends now.
	stdoutW.Close()
	stderrW.Close()

	handle := proc.NewHandle(name, cmd)
	mem.handle = handle
	mem.started = true
	mem.watch = make(chan verdict, 2)
	mem.monitorStop = make(chan struct{})
	mem.logClosers = []io.Closer{stdoutR, stderrR}

	pid := handle.PID()
	m.logger.Info().Str("entity", name).Int("pid", pid).Msg("server spawned")

	entityLog := log.WithEntity(name)
	go forwardLines(stdoutR, entityLog, false)
	go forwardLines(stderrR, entityLog, true)

	go m.monitor(mem)

	if err := m.bus.Send(bus.State(name, bus.StateStarting, pid)); err != nil {
		return fmt.Errorf("failed to announce %s startup: %w", name, err)
	}
	return nil
}

// awaitStartup waits for the monitor's verdict on a freshly spawned member
func (m *Manager) awaitStartup(ctx context.Context, mem *member) error {
	name := mem.cfg.Name

	timer := time.NewTimer(m.opts.StartupTimeout)
	defer timer.Stop()

	select {
	case v := <-mem.watch:
		if v == verdictFailed {
			return fmt.Errorf("%s crashed during startup", name)
		}
		m.logger.Info().Str("entity", name).Int("pid", mem.handle.PID()).Msg("verified alive")
		if err := m.bus.Send(bus.State(name, bus.StateRunning, mem.handle.PID())); err != nil {
			return fmt.Errorf("failed to announce %s running: %w", name, err)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("%s failed to become healthy within %s", name, m.opts.StartupTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// verifyHealth polls the member's /health endpoint until it answers 2xx
func (m *Manager) verifyHealth(ctx context.Context, mem *member) error {
	scheme := "http"
	client := &http.Client{Timeout: 2 * time.Second}
	if m.tlsCert != "" && m.tlsKey != "" {
		scheme = "https"
		// The fleet certificate is self-issued by the installer; the
		// probe only cares that the member answers on its loopback port.
		client.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
	url := fmt.Sprintf("%s://127.0.0.1:%d/health", scheme, mem.cfg.Port)
	checker := health.NewHTTPChecker(url).WithClient(client)

	deadline := time.Now().Add(m.opts.HealthTimeout)
	var last health.Result
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}
		last = checker.Check(ctx)
		if last.Healthy {
			m.logger.Debug().Str("url", url).Msg("server confirmed healthy")
			return nil
		}
		time.Sleep(m.opts.HealthPollInterval)
	}
	return fmt.Errorf("no 2xx from %s within %s (last: %s)", url, m.opts.HealthTimeout, last.Message)
}

// monitor is the per-member liveness monitor. It holds only an observer's
// view of the handle: once the shutdown path has taken it, the monitor exits
// silently.
func (m *Manager) monitor(mem *member) {
	name := mem.cfg.Name
	h := mem.handle

	select {
	case <-time.After(m.opts.InitialLivenessDelay):
	case <-mem.monitorStop:
		return
	}

	if h.Taken() {
		return
	}
	if _, exited := h.TryWait(); exited {
		m.logger.Error().Str("entity", name).Int("exit_code", h.ExitCode()).Msg("crashed immediately")
		mem.watch <- verdictFailed
		return
	}
	m.logger.Info().Str("entity", name).Msg("passed initial liveness check")
	mem.watch <- verdictRunning

	ticker := time.NewTicker(m.opts.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-mem.monitorStop:
			return
		case <-ticker.C:
			if h.Taken() {
				m.logger.Debug().Str("entity", name).Msg("monitor exiting: handle taken by shutdown")
				return
			}
			clean, exited := h.ExitClean()
			if !exited {
				continue
			}
			code := h.ExitCode()
			if clean {
				m.logger.Info().Str("entity", name).Int("exit_code", code).Msg("exited cleanly")
				m.publishExit(bus.State(name, bus.StateStopped, 0), code)
			} else {
				m.logger.Error().Str("entity", name).Int("exit_code", code).Msg("exited unexpectedly")
				m.publishExit(bus.State(name, bus.StateFailed, 0), code)
			}
			return
		}
	}
}

func (m *Manager) publishExit(ev bus.Event, code int) {
	ev.ExitCode = code
	if err := m.bus.Send(ev); err != nil {
		m.logger.Warn().Err(err).Str("entity", ev.Entity).Msg("failed to publish exit event")
	}
}

// rollback tears down the given members in LIFO order. Errors are logged but
// never short-circuit further rollback.
func (m *Manager) rollback(spawned []int) {
	if len(spawned) == 0 {
		return
	}
	m.logger.Warn().Int("count", len(spawned)).Msg("rolling back previously spawned servers")

	for i := len(spawned) - 1; i >= 0; i-- {
		mem := m.members[spawned[i]]
		name := mem.cfg.Name

		if mem.handle != nil && mem.handle.Take() {
			if err := proc.ShutdownWithOptions(mem.handle, m.logger, m.opts.Shutdown); err != nil {
				m.logger.Error().Err(err).Str("entity", name).Msg("failed to roll back server")
			} else {
				m.logger.Info().Str("entity", name).Msg("rolled back gracefully")
			}
		}

		m.stopTasks(mem)
		mem.started = false
	}
}

// ShutdownAll terminates every live member concurrently, then stops the
// monitor and log-forwarding tasks. The per-member wall clock is bounded by
// the shutdown options; errors are aggregated, not short-circuited.
func (m *Manager) ShutdownAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var live []*member
	for _, mem := range m.members {
		if mem.started && mem.handle != nil && mem.handle.Take() {
			live = append(live, mem)
		}
	}
	m.logger.Info().Int("count", len(live)).Msg("stopping servers concurrently")

	var (
		wg    sync.WaitGroup
		errMu sync.Mutex
		errs  []string
	)
	for _, mem := range live {
		wg.Add(1)
		go func(mem *member) {
			defer wg.Done()
			if err := proc.ShutdownWithOptions(mem.handle, m.logger, m.opts.Shutdown); err != nil {
				errMu.Lock()
				errs = append(errs, fmt.Sprintf("%s shutdown failed: %v", mem.cfg.Name, err))
				errMu.Unlock()
				return
			}
			m.publishExit(bus.State(mem.cfg.Name, bus.StateStopped, 0), mem.handle.ExitCode())
		}(mem)
	}
	wg.Wait()

	// Processes are dead (or unkillable); tear down the attendant tasks.
	for _, mem := range live {
		m.stopTasks(mem)
		mem.started = false
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown completed with %d errors: %s", len(errs), strings.Join(errs, "; "))
	}
	m.logger.Info().Int("count", len(live)).Msg("all servers stopped")
	return nil
}

// stopTasks stops the monitor and closes the log pipes, unblocking the
// forwarders.
func (m *Manager) stopTasks(mem *member) {
	if mem.monitorStop != nil {
		select {
		case <-mem.monitorStop:
		default:
			close(mem.monitorStop)
		}
	}
	for _, c := range mem.logClosers {
		_ = c.Close()
	}
	mem.logClosers = nil
}

// checkPortAvailable binds then immediately releases the loopback port
func checkPortAvailable(port int) error {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port %d is already in use or unavailable: %w", port, err)
	}
	return ln.Close()
}

// forwardLines copies child output line-by-line into the entity logger
func forwardLines(r io.Reader, logger zerolog.Logger, isStderr bool) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if isStderr {
			logger.Error().Msg(scanner.Text())
		} else {
			logger.Info().Msg(scanner.Text())
		}
	}
}

