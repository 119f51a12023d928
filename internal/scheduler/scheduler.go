// Package scheduler drives reconciliation cycles from a cron schedule and
// from on-demand triggers, never running two cycles at once.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	appLog "classsync/internal/log"
	"classsync/internal/reconcile"
)

// ErrBusy is returned by Trigger while a cycle is already running.
var ErrBusy = errors.New("reconciliation cycle already running")

// CycleFunc runs one reconciliation cycle.
type CycleFunc func(ctx context.Context) (reconcile.Report, error)

type Scheduler struct {
	spec string
	cron *cron.Cron
	run  CycleFunc

	// flight is held for the duration of a cycle.
	flight sync.Mutex

	mu      sync.Mutex
	ctx     context.Context
	skipped int
}

// New validates spec (standard five-field cron, or descriptors such as
// "@hourly") and evaluates it in loc.
func New(spec string, loc *time.Location, run CycleFunc) (*Scheduler, error) {
	if run == nil {
		return nil, errors.New("scheduler: nil cycle func")
	}
	if loc == nil {
		loc = time.UTC
	}
	s := &Scheduler{
		spec: spec,
		cron: cron.New(cron.WithLocation(loc)),
		run:  run,
		ctx:  context.Background(),
	}
	if _, err := s.cron.AddFunc(spec, s.tick); err != nil {
		return nil, fmt.Errorf("scheduler: parse %q: %w", spec, err)
	}
	return s, nil
}

// Start begins firing on schedule. Cycles started by the schedule inherit
// ctx; Start returns immediately.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.cron.Start()
	appLog.Info("scheduler started", "refresh", s.spec)
}

// Stop halts the schedule and waits for a running cycle to finish or ctx
// to expire.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		appLog.Warn("scheduler stop timed out; cycle still running")
	}
	appLog.Info("scheduler stopped")
}

// Next returns the next scheduled fire time, or zero before Start.
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

// Skipped counts scheduled ticks dropped because a cycle was running.
func (s *Scheduler) Skipped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.skipped
}

// Trigger runs a cycle now unless one is running, in which case it returns
// ErrBusy without waiting.
func (s *Scheduler) Trigger(ctx context.Context) (reconcile.Report, error) {
	if !s.flight.TryLock() {
		return reconcile.Report{}, ErrBusy
	}
	defer s.flight.Unlock()
	return s.run(ctx)
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx.Err() != nil {
		return
	}

	report, err := s.Trigger(ctx)
	switch {
	case errors.Is(err, ErrBusy):
		s.mu.Lock()
		s.skipped++
		s.mu.Unlock()
		appLog.Warn("scheduled cycle skipped; previous cycle still running")
	case err != nil:
		appLog.Error("scheduled cycle failed", err)
	default:
		appLog.Info("scheduled cycle finished",
			"ok", report.OK(),
			"emitted", report.ClassesEmitted,
			"purged", report.ClassesPurged,
			"errors", len(report.Errors),
		)
	}
}
