package supervisor

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/cyrup-ai/kodegend/pkg/agent"
	"github.com/cyrup-ai/kodegend/pkg/bus"
	"github.com/cyrup-ai/kodegend/pkg/config"
	"github.com/cyrup-ai/kodegend/pkg/fleet"
	"github.com/cyrup-ai/kodegend/pkg/lifecycle"
	"github.com/cyrup-ai/kodegend/pkg/log"
	"github.com/cyrup-ai/kodegend/pkg/metrics"
	"github.com/cyrup-ai/kodegend/pkg/storage"
)

// manager is the entity name the supervisor uses for its own events
const manager = "manager"

// TickIntervals are the supervisor loop's periodic sources
type TickIntervals struct {
	Signal    time.Duration
	Health    time.Duration
	LogRotate time.Duration
	Restart   time.Duration
}

// DefaultTicks returns the production cadences
func DefaultTicks() TickIntervals {
	return TickIntervals{
		Signal:    200 * time.Millisecond,
		Health:    30 * time.Second,
		LogRotate: 3600 * time.Second,
		Restart:   100 * time.Millisecond,
	}
}

// restartState tracks one pending restart
type restartState struct {
	at       time.Time
	attempts int
}

// Supervisor is the top-level loop supervising all workers and the embedded
// fleet.
type Supervisor struct {
	cfg    *config.Config
	bus    *bus.Bus
	agents map[string]*agent.Agent

	// startOrder is the dependency-respecting worker start sequence
	startOrder []string

	pending map[string]*restartState

	// attempts counts restarts per entity across cycles; it does not reset
	// when a pending restart fires, so a crash loop is visible as a
	// climbing attempt number
	attempts map[string]int

	machine *lifecycle.Machine
	fleet   *fleet.Manager
	store   *storage.Store
	logger  zerolog.Logger
	ticks   TickIntervals
}

// New loads workers from the config and the services directory, spawns their
// agents, and returns the fully primed supervisor. Individual worker spawn
// failures degrade gracefully; the rest of the fleet still comes up.
func New(cfg *config.Config, store *storage.Store) (*Supervisor, error) {
	return NewWithOptions(cfg, store, DefaultTicks(), fleet.DefaultOptions())
}

// NewWithOptions is New with caller-chosen cadences and fleet bounds (tests)
func NewWithOptions(cfg *config.Config, store *storage.Store, ticks TickIntervals, fleetOpts fleet.Options) (*Supervisor, error) {
	b := bus.New()
	logger := log.WithComponent("supervisor")
	b.OnSuppress(func() {
		logger.Warn().Msg("event subscriber gone, disabling best-effort telemetry")
	})

	workers := mergeWorkers(cfg)
	order, err := resolveStartOrder(workers)
	if err != nil {
		return nil, err
	}

	agents := make(map[string]*agent.Agent, len(workers))
	for _, def := range workers {
		a, err := agent.Spawn(def, cfg.LogDir, b)
		if err != nil {
			logger.Error().Err(err).Str("entity", def.Name).Msg("failed to create service agent")
			continue
		}
		agents[def.Name] = a
	}

	tlsCert, tlsKey := config.DiscoverCertificates()
	fm := fleet.NewManagerWithOptions(cfg.Fleet, tlsCert, tlsKey, b, fleetOpts)

	return &Supervisor{
		cfg:        cfg,
		bus:        b,
		agents:     agents,
		startOrder: order,
		pending:    make(map[string]*restartState),
		attempts:   make(map[string]int),
		machine:    lifecycle.New(),
		fleet:      fm,
		store:      store,
		logger:     logger,
		ticks:      ticks,
	}, nil
}

// mergeWorkers combines inline workers with the services directory and
// applies config-level defaults
func mergeWorkers(cfg *config.Config) []config.Worker {
	workers := append([]config.Worker{}, cfg.Workers...)

	seen := make(map[string]bool, len(workers))
	for _, w := range workers {
		seen[w.Name] = true
	}
	for _, w := range config.LoadServicesDir(cfg.ServicesDir) {
		if seen[w.Name] {
			log.Logger.Warn().Str("entity", w.Name).Msg("service directory entry shadows inline worker, skipping")
			continue
		}
		seen[w.Name] = true
		workers = append(workers, w)
	}

	for i := range workers {
		if workers[i].User == "" {
			workers[i].User = cfg.DefaultUser
		}
		if workers[i].Group == "" {
			workers[i].Group = cfg.DefaultGroup
		}
		if !workers[i].AutoRestart && cfg.AutoRestart {
			workers[i].AutoRestart = true
		}
	}
	return workers
}

// resolveStartOrder orders workers so dependencies start before dependents
func resolveStartOrder(workers []config.Worker) ([]string, error) {
	deps := make(map[string][]string, len(workers))
	for _, w := range workers {
		deps[w.Name] = w.DependsOn
	}

	var (
		order   []string
		visited = make(map[string]int) // 0 unseen, 1 visiting, 2 done
		visit   func(name string) error
	)
	visit = func(name string) error {
		switch visited[name] {
		case 1:
			return fmt.Errorf("dependency cycle involving %q", name)
		case 2:
			return nil
		}
		visited[name] = 1
		for _, dep := range deps[name] {
			if _, known := deps[dep]; !known {
				log.Logger.Warn().Str("entity", name).Str("dependency", dep).Msg("unknown dependency, ignoring")
				continue
			}
			if err := visit(dep); err != nil {
				return err
			}
		}
		visited[name] = 2
		order = append(order, name)
		return nil
	}

	for _, w := range workers {
		if err := visit(w.Name); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// StartFleet brings up the embedded tool servers. Startup is atomic; on error
// nothing is left running.
func (s *Supervisor) StartFleet(ctx context.Context) error {
	enabled := 0
	for _, m := range s.cfg.Fleet {
		if m.IsEnabled() {
			enabled++
		}
	}
	s.logger.Info().Int("count", enabled).Msg("starting embedded tool servers")

	if err := s.fleet.StartAll(ctx); err != nil {
		metrics.UpdateComponent("fleet", false, err.Error())
		return err
	}

	metrics.FleetMembersRunning.Set(float64(enabled))
	metrics.UpdateComponent("fleet", true, "all servers running")
	s.logger.Info().Msg("all embedded servers started")
	return nil
}

// Run drives the supervisor until SIGINT or SIGTERM
func (s *Supervisor) Run(ctx context.Context) error {
	if err := InstallSignalHandlers(); err != nil {
		return fmt.Errorf("failed to install signal handlers: %w", err)
	}

	if s.machine.Step(lifecycle.Event{Kind: lifecycle.CmdStart}) == lifecycle.ActionSpawnProcess {
		s.announce(bus.StateStarting)

		for _, name := range s.startOrder {
			a, ok := s.agents[name]
			if !ok {
				continue
			}
			a.Inbox() <- agent.CommandStart
			s.logger.Info().Str("entity", name).Msg("started service")
		}

		s.machine.Step(lifecycle.Event{Kind: lifecycle.HealthOk})
		s.announce(bus.StateRunning)
		metrics.UpdateComponent("supervisor", true, "running")
	}

	sigTick := time.NewTicker(s.ticks.Signal)
	healthTick := time.NewTicker(s.ticks.Health)
	logRotateTick := time.NewTicker(s.ticks.LogRotate)
	restartTick := time.NewTicker(s.ticks.Restart)
	defer sigTick.Stop()
	defer healthTick.Stop()
	defer logRotateTick.Stop()
	defer restartTick.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("context cancelled, orderly shutdown")
			s.shutdown()
			break loop

		case evt, ok := <-s.bus.Events():
			if !ok {
				break loop
			}
			s.handleEvent(evt)

		case <-sigTick.C:
			if sig, ok := checkSignal(); ok {
				s.logger.Info().Str("signal", sig.String()).Msg("signal received, orderly shutdown")
				s.shutdown()
				break loop
			}

		case <-healthTick.C:
			if s.machine.IsRunning() {
				for _, a := range s.agents {
					s.send(a, agent.CommandTickHealth)
				}
			}

		case <-logRotateTick.C:
			for _, a := range s.agents {
				s.send(a, agent.CommandTickLogRotate)
			}
			s.bus.TrySend(bus.LogRotate(manager))

		case <-restartTick.C:
			s.processPendingRestarts()
			metrics.BusDropped.Set(float64(s.bus.Dropped()))
		}
	}

	s.announce(bus.StateStopped)
	s.logger.Info().Msg("supervisor loop exited")
	return nil
}

// shutdown tears everything down: the fleet first, then every worker
func (s *Supervisor) shutdown() {
	s.machine.Step(lifecycle.Event{Kind: lifecycle.CmdShutdown})
	s.announce(bus.StateStopping)
	metrics.UpdateComponent("supervisor", false, "stopping")

	if err := s.fleet.ShutdownAll(); err != nil {
		s.logger.Error().Err(err).Msg("fleet shutdown completed with errors")
	}
	metrics.FleetMembersRunning.Set(0)

	for _, a := range s.agents {
		s.send(a, agent.CommandShutdown)
	}

	// Every agent reaps its child before exiting; bound the total wait by
	// the choreography's own worst case plus slack.
	deadline := time.After(40 * time.Second)
	for name, a := range s.agents {
		select {
		case <-a.Done():
		case <-deadline:
			s.logger.Error().Str("entity", name).Msg("agent did not exit in time")
		}
	}

	s.machine.Step(lifecycle.Event{Kind: lifecycle.ProcExited, Clean: true})
}

func (s *Supervisor) handleEvent(evt bus.Event) {
	metrics.BusEventsTotal.WithLabelValues(string(evt.Type)).Inc()

	switch evt.Type {
	case bus.TypeState:
		s.logger.Info().
			Str("entity", evt.Entity).
			Str("state", string(evt.State)).
			Int("pid", evt.PID).
			Time("ts", evt.Timestamp).
			Msg("state transition")
		metrics.RecordState(evt.Entity, string(evt.State))
		if evt.Entity != manager {
			s.journalState(evt)
		}

		if evt.State == bus.StateStopped && evt.Entity != manager {
			s.scheduleRestart(evt.Entity, 0)
		}

	case bus.TypeHealth:
		metrics.RecordHealthCheck(evt.Entity, evt.Healthy)
		if evt.Healthy {
			s.logger.Info().Str("entity", evt.Entity).Msg("health check ok")
		} else {
			s.logger.Error().Str("entity", evt.Entity).Msg("health check failed")
			s.scheduleRestart(evt.Entity, 100*time.Millisecond)
		}

	case bus.TypeLogRotate:
		s.logger.Info().Str("entity", evt.Entity).Msg("rotated logs")

	case bus.TypeFatal:
		s.logger.Error().Str("entity", evt.Entity).Str("detail", evt.Msg).Msg("fatal error")
		if evt.Entity != manager {
			if err := s.bus.Send(bus.Fatal(manager, fmt.Sprintf("service %s encountered fatal error: %s", evt.Entity, evt.Msg))); err != nil {
				s.logger.Warn().Err(err).Msg("failed to publish manager fatal")
			}
			s.scheduleRestart(evt.Entity, time.Second)
		}
	}
}

func (s *Supervisor) journalState(evt bus.Event) {
	if s.store == nil {
		return
	}
	err := s.store.RecordState(&storage.EntityState{
		Entity:    evt.Entity,
		State:     string(evt.State),
		PID:       evt.PID,
		ExitCode:  evt.ExitCode,
		Timestamp: evt.Timestamp,
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("entity", evt.Entity).Msg("failed to journal state")
	}
}

// scheduleRestart stops the worker now and queues a Start for later. Only
// workers with restart policy enabled participate; fleet members are made
// whole by fleet startup, not individual restarts.
func (s *Supervisor) scheduleRestart(entity string, delay time.Duration) {
	a, ok := s.agents[entity]
	if !ok || !a.AutoRestart() {
		return
	}
	if s.machine.State() != lifecycle.StateRunning {
		// Shutting down: exits are expected, nothing comes back.
		return
	}

	s.send(a, agent.CommandStop)

	s.attempts[entity]++
	attempts := s.attempts[entity]
	s.pending[entity] = &restartState{
		at:       time.Now().Add(delay),
		attempts: attempts,
	}

	metrics.RecordRestart(entity)
	if s.store != nil {
		if _, err := s.store.RecordRestart(entity, time.Now()); err != nil {
			s.logger.Warn().Err(err).Str("entity", entity).Msg("failed to journal restart")
		}
	}
	s.logger.Info().
		Str("entity", entity).
		Dur("delay", delay).
		Int("attempt", attempts).
		Msg("scheduled restart")
}

// processPendingRestarts issues Start to every entity whose deadline passed
func (s *Supervisor) processPendingRestarts() {
	now := time.Now()
	for entity, st := range s.pending {
		if now.Before(st.at) {
			continue
		}
		delete(s.pending, entity)

		a, ok := s.agents[entity]
		if !ok {
			continue
		}
		s.logger.Info().Str("entity", entity).Int("attempt", st.attempts).Msg("restarting service")
		s.send(a, agent.CommandStart)
		s.bus.TrySend(bus.State(manager, bus.StateRestarted, 0))
	}
}

// send delivers a command without ever blocking the supervisor loop
func (s *Supervisor) send(a *agent.Agent, cmd agent.Command) {
	select {
	case a.Inbox() <- cmd:
	default:
		s.logger.Warn().Str("entity", a.Name()).Msg("agent inbox full, dropping command")
	}
}

// announce publishes a manager-level state event. The supervisor is its own
// bus consumer, so the journal and metrics are updated here as well: the
// stopping/stopped events land on the bus after the loop stops draining it.
func (s *Supervisor) announce(kind bus.StateKind) {
	ev := bus.State(manager, kind, os.Getpid())
	if err := s.bus.Send(ev); err != nil {
		s.logger.Warn().Err(err).Str("state", string(kind)).Msg("failed to publish manager state")
	}
	metrics.RecordState(manager, string(kind))
	s.journalState(ev)
}
