package agent

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	shellwords "github.com/mattn/go-shellwords"
	"github.com/rs/zerolog"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"

	"github.com/cyrup-ai/kodegend/pkg/bus"
	"github.com/cyrup-ai/kodegend/pkg/config"
	"github.com/cyrup-ai/kodegend/pkg/health"
	"github.com/cyrup-ai/kodegend/pkg/lifecycle"
	"github.com/cyrup-ai/kodegend/pkg/log"
	"github.com/cyrup-ai/kodegend/pkg/proc"
)

// Command is an instruction delivered to an agent's inbox
type Command int

const (
	CommandStart Command = iota
	CommandStop
	CommandTickHealth
	CommandTickLogRotate
	CommandShutdown
)

// initialLivenessDelay is how long a fresh child must survive before the
// agent declares it running
const initialLivenessDelay = 100 * time.Millisecond

// Agent owns the OS interface to one worker: its subprocess, its log sinks,
// and its health checks. All state is confined to the agent's loop goroutine;
// the supervisor talks to it only through the inbox.
type Agent struct {
	def    config.Worker
	bus    *bus.Bus
	logger zerolog.Logger

	inbox chan Command
	done  chan struct{}

	machine *lifecycle.Machine
	handle  *proc.Handle

	stdout io.Writer
	stderr io.Writer

	checker  health.Checker
	hcConfig health.Config
	status   *health.Status

	shutdownOpts proc.ShutdownOptions
}

// Spawn validates the descriptor, builds the agent, and starts its loop.
// The returned agent is ready to accept commands.
func Spawn(def config.Worker, logDir string, b *bus.Bus) (*Agent, error) {
	if _, err := shellwords.Parse(def.Command); err != nil {
		return nil, fmt.Errorf("service %q: invalid command: %w", def.Name, err)
	}

	a := &Agent{
		def:          def,
		bus:          b,
		logger:       log.WithEntity(def.Name),
		inbox:        make(chan Command, 16),
		done:         make(chan struct{}),
		machine:      lifecycle.New(),
		shutdownOpts: proc.DefaultShutdownOptions(),
	}

	a.stdout, a.stderr = buildSinks(def, logDir)

	if hc := def.HealthCheck; hc != nil {
		checker, err := buildChecker(hc)
		if err != nil {
			return nil, fmt.Errorf("service %q: %w", def.Name, err)
		}
		a.checker = checker
		a.hcConfig = health.Config{
			Interval: time.Duration(hc.IntervalSecs) * time.Second,
			Timeout:  time.Duration(hc.TimeoutSecs) * time.Second,
			Retries:  hc.Retries,
		}
		if a.hcConfig.Timeout <= 0 {
			a.hcConfig.Timeout = health.DefaultConfig().Timeout
		}
		if a.hcConfig.Retries <= 0 {
			a.hcConfig.Retries = 1
		}
		a.status = health.NewStatus()
	}

	go a.loop()
	return a, nil
}

// Name returns the worker name
func (a *Agent) Name() string {
	return a.def.Name
}

// AutoRestart reports the worker's restart policy
func (a *Agent) AutoRestart() bool {
	return a.def.AutoRestart
}

// Inbox returns the command channel
func (a *Agent) Inbox() chan<- Command {
	return a.inbox
}

// Done is closed once the agent's loop has exited (after CommandShutdown)
func (a *Agent) Done() <-chan struct{} {
	return a.done
}

// State returns the worker's lifecycle state as last observed by the loop.
// Safe for tests and introspection; the loop is the single writer.
func (a *Agent) State() lifecycle.State {
	return a.machine.State()
}

func (a *Agent) loop() {
	defer close(a.done)

	for {
		if a.handle != nil {
			select {
			case cmd := <-a.inbox:
				if a.handleCommand(cmd) {
					return
				}
			case <-a.handle.Done():
				a.onChildExit()
			}
		} else {
			cmd, ok := <-a.inbox
			if !ok {
				return
			}
			if a.handleCommand(cmd) {
				return
			}
		}
	}
}

// handleCommand returns true when the loop must exit
func (a *Agent) handleCommand(cmd Command) bool {
	switch cmd {
	case CommandStart:
		a.start()
	case CommandStop:
		a.stop()
	case CommandTickHealth:
		a.tickHealth()
	case CommandTickLogRotate:
		a.tickLogRotate()
	case CommandShutdown:
		a.stop()
		return true
	}
	return false
}

func (a *Agent) start() {
	if a.handle != nil {
		// At most one live child per worker; Start with a live child is
		// a no-op regardless of the machine's verdict.
		return
	}
	if a.machine.Step(lifecycle.Event{Kind: lifecycle.CmdStart}) != lifecycle.ActionSpawnProcess {
		// Start on a running or starting worker is a no-op.
		return
	}

	if err := a.spawnChild(); err != nil {
		a.logger.Error().Err(err).Msg("failed to spawn service")
		a.machine.Step(lifecycle.Event{Kind: lifecycle.ProcExited})
		if sendErr := a.bus.Send(bus.Fatal(a.def.Name, err.Error())); sendErr != nil {
			a.logger.Warn().Err(sendErr).Msg("failed to publish fatal event")
		}
		return
	}

	a.machine.Step(lifecycle.Event{Kind: lifecycle.ProcSpawned})
	a.publishState(bus.StateStarting)

	// Layer 1: the child must survive the initial window.
	select {
	case <-a.handle.Done():
	case <-time.After(initialLivenessDelay):
	}

	if _, exited := a.handle.TryWait(); exited {
		code := a.handle.ExitCode()
		a.logger.Error().Int("exit_code", code).Msg("service exited immediately after spawn")
		a.machine.Step(lifecycle.Event{Kind: lifecycle.ProcExited})
		a.publishExit(code)
		a.handle = nil
		return
	}

	a.machine.Step(lifecycle.Event{Kind: lifecycle.HealthOk})
	a.publishState(bus.StateRunning)
	a.logger.Info().Int("pid", a.handle.PID()).Msg("service running")
}

func (a *Agent) spawnChild() error {
	argv, err := shellwords.Parse(a.def.Command)
	if err != nil || len(argv) == 0 {
		return fmt.Errorf("invalid command %q: %v", a.def.Command, err)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = a.def.WorkingDir
	cmd.Stdout = a.stdout
	cmd.Stderr = a.stderr

	if len(a.def.Env) > 0 {
		env := os.Environ()
		for k, v := range a.def.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}

	proc.SetupProcAttr(cmd)
	if err := applyCredentials(cmd, a.def.User, a.def.Group); err != nil {
		return err
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %q: %w", a.def.Command, err)
	}

	a.handle = proc.NewHandle(a.def.Name, cmd)
	return nil
}

func (a *Agent) stop() {
	if a.handle == nil {
		// Stop on a stopped worker is a no-op.
		return
	}

	// A worker marked failed by a health check still has a live child;
	// the handle, not the machine, decides whether there is work to do.
	if a.machine.Step(lifecycle.Event{Kind: lifecycle.CmdStop}) == lifecycle.ActionSendTermSignal {
		a.publishState(bus.StateStopping)
	}

	if a.handle.Take() {
		if err := proc.ShutdownWithOptions(a.handle, a.logger, a.shutdownOpts); err != nil {
			a.logger.Error().Err(err).Msg("shutdown choreography failed")
		}
	}
	a.finishExit()
}

// onChildExit handles an exit the agent did not ask for
func (a *Agent) onChildExit() {
	code := a.handle.ExitCode()
	a.logger.Warn().Int("exit_code", code).Msg("service exited")
	a.finishExitCode(code)
}

func (a *Agent) finishExit() {
	a.finishExitCode(a.handle.ExitCode())
}

func (a *Agent) finishExitCode(code int) {
	clean, _ := a.handle.ExitClean()
	a.machine.Step(lifecycle.Event{Kind: lifecycle.ProcExited, Clean: clean})
	a.publishExit(code)
	a.handle = nil
}

// publishExit reports the child as stopped, carrying the exit code for the
// operator. The supervisor's restart policy does not depend on the code.
func (a *Agent) publishExit(code int) {
	ev := bus.State(a.def.Name, bus.StateStopped, 0)
	ev.ExitCode = code
	if err := a.bus.Send(ev); err != nil {
		a.logger.Warn().Err(err).Msg("failed to publish state event")
	}
}

func (a *Agent) publishState(kind bus.StateKind) {
	pid := 0
	if a.handle != nil {
		pid = a.handle.PID()
	}
	if err := a.bus.Send(bus.State(a.def.Name, kind, pid)); err != nil {
		a.logger.Warn().Err(err).Msg("failed to publish state event")
	}
}

func (a *Agent) tickHealth() {
	if a.checker == nil || !a.machine.IsRunning() {
		return
	}

	// Retry within the tick; one success is enough.
	healthy := false
	var last health.Result
	for attempt := 0; attempt < a.hcConfig.Retries; attempt++ {
		last = health.Probe(context.Background(), a.checker, a.status, a.hcConfig)
		if last.Healthy {
			healthy = true
			break
		}
	}

	if err := a.bus.Send(bus.Health(a.def.Name, healthy)); err != nil {
		a.logger.Warn().Err(err).Msg("failed to publish health event")
	}

	if healthy {
		a.logger.Debug().Msg("health check ok")
		return
	}

	a.logger.Error().Str("detail", last.Message).Msg("health check failed")
	a.machine.Step(lifecycle.Event{Kind: lifecycle.HealthFail})
	a.runFailureHooks()
}

func (a *Agent) runFailureHooks() {
	for _, hook := range a.def.HealthCheck.OnFailure {
		argv, err := shellwords.Parse(hook)
		if err != nil || len(argv) == 0 {
			a.logger.Error().Str("hook", hook).Msg("invalid failure hook")
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		out, err := exec.CommandContext(ctx, argv[0], argv[1:]...).CombinedOutput()
		cancel()
		if err != nil {
			a.logger.Error().Err(err).Str("hook", hook).Bytes("output", out).Msg("failure hook failed")
		} else {
			a.logger.Info().Str("hook", hook).Msg("failure hook executed")
		}
	}
}

func (a *Agent) tickLogRotate() {
	rotated := false
	for _, w := range []io.Writer{a.stdout, a.stderr} {
		if lj, ok := w.(*lumberjack.Logger); ok {
			if err := lj.Rotate(); err != nil {
				a.logger.Error().Err(err).Msg("log rotation failed")
			} else {
				rotated = true
			}
		}
	}
	if rotated {
		// High-frequency housekeeping telemetry: best effort.
		a.bus.TrySend(bus.LogRotate(a.def.Name))
	}
}

// buildSinks returns the worker's stdout/stderr writers. With no log
// directory configured the child shares the daemon's own streams.
func buildSinks(def config.Worker, logDir string) (io.Writer, io.Writer) {
	if logDir == "" {
		return os.Stdout, os.Stderr
	}

	maxSize, maxFiles, maxAge, compress := 100, 3, 0, false
	if lr := def.LogRotation; lr != nil {
		if lr.MaxSizeMB > 0 {
			maxSize = lr.MaxSizeMB
		}
		if lr.MaxFiles > 0 {
			maxFiles = lr.MaxFiles
		}
		maxAge = lr.IntervalDays
		compress = lr.Compress
	}

	newSink := func(name string) *lumberjack.Logger {
		return &lumberjack.Logger{
			Filename:   filepath.Join(logDir, name),
			MaxSize:    maxSize,
			MaxBackups: maxFiles,
			MaxAge:     maxAge,
			Compress:   compress,
		}
	}
	return newSink(def.Name + ".log"), newSink(def.Name + ".err.log")
}

func buildChecker(hc *config.HealthCheck) (health.Checker, error) {
	switch hc.Type {
	case "http":
		checker := health.NewHTTPChecker(hc.Target)
		if hc.ExpectedResponse != "" {
			checker.WithExpectedBody(hc.ExpectedResponse)
		}
		return checker, nil
	case "tcp":
		return health.NewTCPChecker(hc.Target), nil
	case "script":
		checker := health.NewScriptChecker(hc.Target)
		if hc.ExpectedResponse != "" {
			checker.WithExpectedOutput(hc.ExpectedResponse)
		}
		return checker, nil
	default:
		return nil, fmt.Errorf("unsupported health check type %q", hc.Type)
	}
}
