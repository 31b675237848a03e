// Package scheduler runs recurring tasks and posted jobs on a single loop
// goroutine.
//
// Everything the scheduler runs is serialized: the clock tick, the queue
// drain trigger, connectivity probes and operator commands never overlap.
// Time comes from an injected clockwork.Clock so tests can advance a fake
// clock and call RunPending to observe exact ordering.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// ErrStopped is returned by Do after the scheduler has stopped.
var ErrStopped = errors.New("scheduler stopped")

// Task is the body of a recurring task or posted job.
type Task func(ctx context.Context) error

type entry struct {
	name     string
	interval time.Duration
	next     time.Time
	order    int
	fn       Task
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock sets the scheduler's time source.
func WithClock(c clockwork.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithLogger sets the scheduler logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// Scheduler is a cooperative single-loop scheduler.
type Scheduler struct {
	clock  clockwork.Clock
	logger *slog.Logger
	jobs   *jobQueue

	mu    sync.Mutex
	tasks map[string]*entry
	seq   int
	// wake interrupts the loop's timer wait when the task set changes.
	wake chan struct{}
}

// New creates a scheduler.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		clock:  clockwork.NewRealClock(),
		logger: slog.Default(),
		jobs:   newJobQueue(),
		tasks:  make(map[string]*entry),
		wake:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Every registers fn to run every interval, first after one interval.
func (s *Scheduler) Every(name string, interval time.Duration, fn Task) error {
	if name == "" || fn == nil {
		return fmt.Errorf("every: name and task are required")
	}
	if interval <= 0 {
		return fmt.Errorf("every %s: interval must be positive", name)
	}

	s.mu.Lock()
	if _, ok := s.tasks[name]; ok {
		s.mu.Unlock()
		return fmt.Errorf("every %s: task already registered", name)
	}
	s.seq++
	s.tasks[name] = &entry{
		name:     name,
		interval: interval,
		next:     s.clock.Now().Add(interval),
		order:    s.seq,
		fn:       fn,
	}
	s.mu.Unlock()

	s.poke()
	return nil
}

// Remove cancels a recurring task. It reports whether the task existed.
func (s *Scheduler) Remove(name string) bool {
	s.mu.Lock()
	_, ok := s.tasks[name]
	delete(s.tasks, name)
	s.mu.Unlock()
	if ok {
		s.poke()
	}
	return ok
}

// Names returns registered task names in registration order.
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	es := make([]*entry, 0, len(s.tasks))
	for _, e := range s.tasks {
		es = append(es, e)
	}
	sort.Slice(es, func(i, j int) bool { return es[i].order < es[j].order })
	names := make([]string, len(es))
	for i, e := range es {
		names[i] = e.name
	}
	return names
}

// Post queues fn to run on the loop. It returns false after Stop.
func (s *Scheduler) Post(fn Task) bool {
	return s.jobs.Enqueue(Job{Fn: fn})
}

// Do runs fn on the loop and returns its error. It must not be called
// from inside a task or job.
func (s *Scheduler) Do(ctx context.Context, fn Task) error {
	done := make(chan error, 1)
	if !s.jobs.Enqueue(Job{Fn: fn, done: done}) {
		return ErrStopped
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunPending runs every queued job, then every task that is due, in due
// time then registration order. It returns the number of jobs and tasks
// run. Nothing runs once ctx is done.
func (s *Scheduler) RunPending(ctx context.Context) int {
	n := 0
	for ctx.Err() == nil {
		j, ok := s.jobs.TryDequeue()
		if !ok {
			break
		}
		err := j.Fn(ctx)
		if j.done != nil {
			j.done <- err
		} else if err != nil {
			s.logger.Warn("job failed", "error", err)
		}
		n++
	}

	for _, e := range s.due() {
		if ctx.Err() != nil {
			return n
		}
		if err := e.fn(ctx); err != nil {
			s.logger.Warn("task failed", "task", e.name, "error", err)
		}
		n++
	}
	return n
}

// due returns the tasks whose time has come and advances their next run
// past now. Missed runs are skipped rather than replayed.
func (s *Scheduler) due() []*entry {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var ready []*entry
	for _, e := range s.tasks {
		if !e.next.After(now) {
			ready = append(ready, e)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		if !ready[i].next.Equal(ready[j].next) {
			return ready[i].next.Before(ready[j].next)
		}
		return ready[i].order < ready[j].order
	})

	out := make([]*entry, len(ready))
	for i, e := range ready {
		snapshot := *e
		out[i] = &snapshot
		for !e.next.After(now) {
			e.next = e.next.Add(e.interval)
		}
	}
	return out
}

// untilNext returns the wait before the earliest task and whether any
// task is registered.
func (s *Scheduler) untilNext() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tasks) == 0 {
		return 0, false
	}
	var earliest time.Time
	for _, e := range s.tasks {
		if earliest.IsZero() || e.next.Before(earliest) {
			earliest = e.next
		}
	}
	d := earliest.Sub(s.clock.Now())
	if d < 0 {
		d = 0
	}
	return d, true
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run executes the loop until ctx is cancelled or Stop is called.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Debug("scheduler starting", "tasks", s.Names())

	for {
		s.RunPending(ctx)
		if s.jobs.Closed() {
			s.abandon()
			s.logger.Debug("scheduler stopping: stopped")
			return nil
		}

		var timer clockwork.Timer
		var fire <-chan time.Time
		if d, ok := s.untilNext(); ok {
			timer = s.clock.NewTimer(d)
			fire = timer.Chan()
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			s.jobs.Close()
			s.abandon()
			s.logger.Debug("scheduler stopping: context cancelled")
			return ctx.Err()
		case <-s.jobs.Wait():
		case <-s.wake:
		case <-fire:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// abandon fails jobs that were queued but never run. Callers of Do get
// ErrStopped.
func (s *Scheduler) abandon() {
	for _, j := range s.jobs.Drain() {
		if j.done != nil {
			j.done <- ErrStopped
		}
	}
}

// Stop rejects further jobs and makes Run return after the current pass.
func (s *Scheduler) Stop() {
	s.jobs.Close()
}
