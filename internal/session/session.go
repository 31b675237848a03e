// Package session wires the scoring station together: the engine, the
// durable store, the sync queue, the persistence bridge, the connectivity
// monitor and the scheduler that drives them. There is no package-level
// state; every collaborator hangs off a Session.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/takedown/internal/bridge"
	"github.com/roach88/takedown/internal/ids"
	"github.com/roach88/takedown/internal/match"
	"github.com/roach88/takedown/internal/metrics"
	"github.com/roach88/takedown/internal/outbox"
	"github.com/roach88/takedown/internal/rules"
	"github.com/roach88/takedown/internal/scheduler"
	"github.com/roach88/takedown/internal/store"
	"github.com/roach88/takedown/internal/transport"
)

// Task names registered by Init.
const (
	TaskClockTick         = "clock-tick"
	TaskDrainTrigger      = "drain-trigger"
	TaskConnectivityProbe = "connectivity-probe"
	TaskPrune             = "prune"
)

// Config holds task intervals and the queue and media policies.
type Config struct {
	TickInterval  time.Duration
	DrainInterval time.Duration
	ProbeInterval time.Duration
	PruneInterval time.Duration
	Queue         outbox.Config
	Media         bridge.MediaConfig
}

// DefaultConfig returns the default intervals and policies.
func DefaultConfig() Config {
	return Config{
		TickInterval:  time.Second,
		DrainInterval: 5 * time.Second,
		ProbeInterval: 10 * time.Second,
		PruneInterval: 10 * time.Minute,
		Queue:         outbox.DefaultConfig(),
		Media:         bridge.DefaultMediaConfig(),
	}
}

// Deps are the collaborators a Session is built from. Store and Sender
// are required.
type Deps struct {
	Store      *store.Store
	Sender     outbox.Sender
	Prober     transport.Prober
	Rules      *rules.Ruleset
	Clock      clockwork.Clock
	Logger     *slog.Logger
	Registerer prometheus.Registerer
	IDs        ids.Generator
}

// Session is one running scoring station.
type Session struct {
	cfg    Config
	store  *store.Store
	clock  clockwork.Clock
	logger *slog.Logger
	ids    ids.Generator

	Engine    *match.Engine
	Queue     *outbox.Queue
	Bridge    *bridge.Bridge
	Monitor   *transport.Monitor
	Scheduler *scheduler.Scheduler

	engineMetrics *metrics.Engine
	lastTick      time.Time
	detach        []func()
}

// New builds a session. Nothing runs until Init and Run.
func New(cfg Config, d Deps) (*Session, error) {
	if d.Store == nil || d.Sender == nil {
		return nil, errors.New("session: store and sender are required")
	}
	if d.Prober == nil {
		d.Prober = transport.StaticProber(false)
	}
	if d.Rules == nil {
		d.Rules = rules.Folkstyle()
	}
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.IDs == nil {
		d.IDs = ids.UUIDv7Generator{}
	}

	queueMetrics, err := metrics.NewQueue(d.Registerer)
	if err != nil {
		return nil, err
	}
	engineMetrics, err := metrics.NewEngine(d.Registerer)
	if err != nil {
		return nil, err
	}

	s := &Session{
		cfg:           cfg,
		store:         d.Store,
		clock:         d.Clock,
		logger:        d.Logger,
		ids:           d.IDs,
		engineMetrics: engineMetrics,
	}
	s.Monitor = transport.NewMonitor(d.Prober, func(ctx context.Context) {
		s.Queue.Trigger(ctx)
	}, d.Logger.With("component", "connectivity"))

	s.Queue = outbox.New(d.Store, d.Sender,
		outbox.WithConfig(cfg.Queue),
		outbox.WithClock(d.Clock),
		outbox.WithLogger(d.Logger.With("component", "outbox")),
		outbox.WithMetrics(queueMetrics),
		outbox.WithIDs(d.IDs),
		outbox.WithConnectivity(s.Monitor),
	)
	s.Bridge = bridge.New(d.Store, s.Queue,
		bridge.WithIDs(d.IDs),
		bridge.WithLogger(d.Logger.With("component", "bridge")),
		bridge.WithConnectivity(s.Monitor),
		bridge.WithMedia(cfg.Media),
	)
	s.Engine = match.New(d.Rules,
		match.WithClock(d.Clock),
		match.WithLogger(d.Logger.With("component", "engine")),
	)
	s.Scheduler = scheduler.New(
		scheduler.WithClock(d.Clock),
		scheduler.WithLogger(d.Logger.With("component", "scheduler")),
	)
	return s, nil
}

// Init restores the last live match, attaches persistence and registers
// the recurring tasks.
func (s *Session) Init(ctx context.Context) error {
	if err := s.restore(ctx); err != nil {
		return err
	}

	s.detach = append(s.detach,
		s.Bridge.Attach(ctx, s.Engine),
		s.engineMetrics.Observe(s.Engine),
	)

	s.lastTick = s.clock.Now()
	tasks := []struct {
		name     string
		interval time.Duration
		fn       scheduler.Task
	}{
		{TaskClockTick, s.cfg.TickInterval, s.tick},
		{TaskDrainTrigger, s.cfg.DrainInterval, func(ctx context.Context) error {
			s.Queue.Trigger(ctx)
			return nil
		}},
		{TaskConnectivityProbe, s.cfg.ProbeInterval, func(ctx context.Context) error {
			s.Monitor.Check(ctx)
			return nil
		}},
		{TaskPrune, s.cfg.PruneInterval, s.Queue.Prune},
	}
	for _, t := range tasks {
		if err := s.Scheduler.Every(t.name, t.interval, t.fn); err != nil {
			return err
		}
	}

	s.Monitor.Check(ctx)
	return nil
}

// restore reinstalls the most recently persisted match unless it ended.
func (s *Session) restore(ctx context.Context) error {
	rec, err := s.store.LatestRecord(ctx, store.RecordMatch)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	var m match.Match
	if err := json.Unmarshal(rec.Data, &m); err != nil {
		return fmt.Errorf("restore match %s: %w", rec.ID, err)
	}
	if m.Ended() {
		return nil
	}
	// A restored clock never resumes on its own.
	if m.Running {
		m.Running = false
		m.Status = match.StatusPaused
	}
	s.logger.Info("match restored", "match_id", m.ID, "period", m.Period, "a", m.A.Score, "b", m.B.Score)
	return s.Engine.Restore(m)
}

// tick feeds whole elapsed seconds to the engine and carries the rest.
func (s *Session) tick(context.Context) error {
	now := s.clock.Now()
	elapsed := now.Sub(s.lastTick).Truncate(time.Second)
	if elapsed <= 0 {
		return nil
	}
	s.lastTick = s.lastTick.Add(elapsed)
	return s.Engine.Tick(elapsed)
}

// Run drives the scheduler until ctx is cancelled or Shutdown is called.
func (s *Session) Run(ctx context.Context) error {
	return s.Scheduler.Run(ctx)
}

// Do runs fn against the engine on the scheduler loop.
func (s *Session) Do(ctx context.Context, fn func(e *match.Engine) error) error {
	return s.Scheduler.Do(ctx, func(context.Context) error { return fn(s.Engine) })
}

// StartMatch starts a match under a fresh temporary id and returns it.
func (s *Session) StartMatch(ctx context.Context, ruleset string, a, b match.Entrant) (string, error) {
	id := ids.NewTempMatchID(s.ids)
	err := s.Do(ctx, func(e *match.Engine) error {
		return e.Start(id, ruleset, a, b)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// SubmitMedia queues a recording of the current match.
func (s *Session) SubmitMedia(ctx context.Context, data []byte, duration time.Duration, contentType string) (bridge.MediaSubmission, error) {
	m, ok := s.Engine.Current()
	if !ok {
		return bridge.MediaSubmission{}, &match.Error{Code: match.ErrCodeNoActiveMatch, Message: "no active match"}
	}
	return s.Bridge.SubmitMedia(ctx, m, data, duration, contentType)
}

// Shutdown stops the scheduler, waits for in-flight deliveries and closes
// the store.
func (s *Session) Shutdown(ctx context.Context) error {
	s.Scheduler.Stop()

	done := make(chan struct{})
	go func() {
		s.Queue.Wait()
		s.Bridge.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	for _, d := range s.detach {
		d()
	}
	s.detach = nil
	return s.store.Close()
}
