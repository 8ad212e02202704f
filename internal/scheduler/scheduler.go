// Package scheduler drives unattended strategy execution: a cooperative
// polling loop that gates windowed strategy firing on a trailing
// connectivity check and deduplicates firing per close instant.
package scheduler

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"autotrader/internal/alertlog"
	"autotrader/internal/schedule"
)

// Monitor is the connectivity run-gate.
type Monitor interface {
	CheckConnection(ctx context.Context) bool
}

// Cycle is one scheduled strategy invocation (the instance router).
type Cycle interface {
	RunOnce(ctx context.Context) error
	Reset()
}

// Journal records fired windows for audit. Optional.
type Journal interface {
	RecordWindow(closeInstant, firedAt time.Time)
}

// Config configures the loop cadence.
type Config struct {
	PollInterval  time.Duration // sleep between loop ticks, default 30s
	CheckInterval time.Duration // connectivity sub-timer, default 30s
	TimeLess      time.Duration // signed window straddle around a close
	TimeOffset    float64       // daily close offset in days from midnight
	IntervalDays  float64       // close interval in days, default 1
	RunAtStart    bool          // run one strategy cycle before the loop
}

// Scheduler is the top-level execution loop. Cancellation is cooperative:
// Stop (or context cancellation) takes effect at the next loop-top check,
// never mid-cycle.
type Scheduler struct {
	cfg     Config
	monitor Monitor
	cycle   Cycle
	windows *schedule.Windows
	alerts  *alertlog.Logger
	journal Journal

	// Hooks for metrics; called from the loop goroutine.
	OnGate  func(healthy bool)
	OnFired func(instant time.Time)
	OnError func(err error)

	stopFlag atomic.Bool
	running  atomic.Bool

	// Loop state, touched only by Tick.
	initialized bool
	runGate     bool
	nextCheck   time.Time
	baseClose   time.Time
}

// New creates a Scheduler. journal may be nil.
func New(cfg Config, monitor Monitor, cycle Cycle, windows *schedule.Windows, alerts *alertlog.Logger, journal Journal) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	if cfg.IntervalDays <= 0 {
		cfg.IntervalDays = 1
	}
	return &Scheduler{
		cfg:     cfg,
		monitor: monitor,
		cycle:   cycle,
		windows: windows,
		alerts:  alerts,
		journal: journal,
	}
}

// Stop requests a cooperative shutdown, observed once per poll cycle.
func (s *Scheduler) Stop() { s.stopFlag.Store(true) }

// Running reports whether the loop is active.
func (s *Scheduler) Running() bool { return s.running.Load() }

// Run executes the polling loop until Stop is called or ctx is cancelled.
// On exit the stop flag is reset and the instance registry cleared so a
// subsequent run starts clean.
func (s *Scheduler) Run(ctx context.Context) error {
	s.running.Store(true)
	defer func() {
		s.stopFlag.Store(false)
		s.cycle.Reset()
		s.running.Store(false)
		s.alerts.Log("scheduler stopped")
	}()

	s.alerts.Log("scheduler started")
	if s.cfg.RunAtStart {
		if err := s.cycle.RunOnce(ctx); err != nil {
			s.alerts.Alert(fmt.Sprintf("error when executing the strategy: %v", err))
		}
	}

	for !s.stopFlag.Load() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		s.Tick(ctx, time.Now())

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.PollInterval):
		}
	}
	return nil
}

// Tick runs one loop body for the given instant. Exported so the window
// logic is testable without sleeping; Run is its only production caller.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	if !s.initialized {
		s.runGate = true
		s.nextCheck = now.Add(s.cfg.CheckInterval)
		s.baseClose = schedule.DailyBase(now, s.cfg.TimeOffset)
		s.initialized = true
	}

	if !now.Before(s.nextCheck) {
		s.setGate(s.monitor.CheckConnection(ctx))
		s.nextCheck = now.Add(s.cfg.CheckInterval)
	}

	instant, lo, hi := s.window(now)
	if now.Before(lo) || now.After(hi) || s.windows.HasFired(instant) || !s.runGate {
		return
	}

	if err := s.cycle.RunOnce(ctx); err != nil {
		s.alerts.Alert(fmt.Sprintf("error when executing the strategy: %v", err))
		if s.OnError != nil {
			s.OnError(err)
		}
		// Treat the failure as a possible connectivity symptom: re-check
		// immediately instead of waiting for the next sub-timer boundary.
		s.setGate(s.monitor.CheckConnection(ctx))
		s.nextCheck = now.Add(s.cfg.CheckInterval)
		return
	}

	s.windows.MarkFired(instant)
	if s.journal != nil {
		s.journal.RecordWindow(instant, now)
	}
	if s.OnFired != nil {
		s.OnFired(instant)
	}
	s.alerts.Alert(fmt.Sprintf("executed window: %s", instant.Format(time.RFC3339)))
}

// window returns the firing window for now. A negative TimeLess opens the
// window before the upcoming close instant; a non-negative one opens it
// after the most recent close.
func (s *Scheduler) window(now time.Time) (instant, lo, hi time.Time) {
	next := schedule.NextClose(s.baseClose, s.cfg.IntervalDays, now)
	s.baseClose = next

	if s.cfg.TimeLess < 0 {
		return next, next.Add(s.cfg.TimeLess), next
	}
	period := time.Duration(s.cfg.IntervalDays * 86400 * float64(time.Second))
	prev := next.Add(-period)
	return prev, prev, prev.Add(s.cfg.TimeLess)
}

func (s *Scheduler) setGate(healthy bool) {
	s.runGate = healthy
	if s.OnGate != nil {
		s.OnGate(healthy)
	}
}
