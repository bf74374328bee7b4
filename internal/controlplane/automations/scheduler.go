/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package automations

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/gatetower/gatetower/internal/controlplane/events"
	"github.com/gatetower/gatetower/internal/fabric"
)

// TokenFunc mints an execution token for one automation owner. The scheduler
// runs without an inbound request, so authority comes from here.
type TokenFunc func(owner string) (string, error)

// Scheduler fires cron-triggered automations. Schedules accept standard cron
// expressions or plain durations ("15m").
type Scheduler struct {
	store  *Store
	engine *Engine
	token  TokenFunc
	log    *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	ticker  *time.Ticker
	lastRun map[string]time.Time
	wg      sync.WaitGroup
}

// NewScheduler creates the cron loop over the automation store.
func NewScheduler(st *Store, engine *Engine, token TokenFunc, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		store:   st,
		engine:  engine,
		token:   token,
		log:     log,
		now:     time.Now,
		lastRun: make(map[string]time.Time),
	}
}

// WithClock overrides the scheduler's clock. Test hook.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Start begins the 30s scheduling loop. Safe to call more than once.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.ticker != nil {
		s.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.ticker = time.NewTicker(30 * time.Second)
	ticker := s.ticker
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.RunOnce(loopCtx, s.now().UTC())
		for {
			select {
			case <-loopCtx.Done():
				return
			case now := <-ticker.C:
				s.RunOnce(loopCtx, now.UTC())
			}
		}
	}()
}

// Stop halts background scheduling and waits for the loop to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.ticker == nil {
		s.mu.Unlock()
		return
	}
	s.ticker.Stop()
	s.ticker = nil
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// RunOnce fires every due cron automation against the given instant. The
// loop calls it each tick; tests call it directly.
func (s *Scheduler) RunOnce(ctx context.Context, now time.Time) {
	autos, err := s.store.List()
	if err != nil {
		s.log.Warn("list automations failed", zap.Error(err))
		return
	}
	for _, a := range autos {
		if a.TriggerType != TriggerCron || !a.IsActive {
			continue
		}
		due, err := s.isDue(a, now)
		if err != nil {
			s.log.Warn("invalid automation schedule",
				zap.String("automation_id", a.ID),
				zap.String("schedule", a.TriggerConfig.Schedule),
				zap.Error(err))
			continue
		}
		if !due {
			continue
		}
		s.fire(ctx, a, now)
	}
}

func (s *Scheduler) isDue(a *Automation, now time.Time) (bool, error) {
	schedule := strings.TrimSpace(a.TriggerConfig.Schedule)
	if schedule == "" {
		return false, fabric.E(fabric.KindInvalidInput, "automations.isDue", "schedule is required")
	}

	s.mu.Lock()
	anchor, ran := s.lastRun[a.ID]
	s.mu.Unlock()
	if !ran {
		anchor = a.CreatedAt.UTC()
		if anchor.IsZero() {
			anchor = now.UTC()
		}
	}

	if interval, err := time.ParseDuration(schedule); err == nil {
		if interval <= 0 {
			return false, fabric.E(fabric.KindInvalidInput, "automations.isDue", "interval must be > 0")
		}
		return !anchor.Add(interval).After(now.UTC()), nil
	}

	spec, err := cron.ParseStandard(schedule)
	if err != nil {
		return false, fabric.E(fabric.KindInvalidInput, "automations.isDue", err)
	}
	return !spec.Next(anchor).After(now.UTC()), nil
}

func (s *Scheduler) fire(ctx context.Context, a *Automation, now time.Time) {
	s.mu.Lock()
	s.lastRun[a.ID] = now.UTC()
	s.mu.Unlock()

	token, err := s.token(a.OwnerID)
	if err != nil {
		s.log.Warn("cannot mint scheduler token",
			zap.String("automation_id", a.ID), zap.Error(err))
		return
	}
	ev := &events.Event{
		ID:        uuid.NewString(),
		Type:      events.TypeAutomationCron,
		Tenant:    s.store.paths.Tenant().Domain,
		User:      a.OwnerID,
		Timestamp: now.UTC(),
		Data:      map[string]any{"schedule": a.TriggerConfig.Schedule, "scheduled_at": now.UTC().Format(time.RFC3339)},
	}
	if _, err := s.engine.Trigger(ctx, a.ID, ev, token); err != nil {
		s.log.Warn("scheduled automation failed",
			zap.String("automation_id", a.ID), zap.Error(err))
	}
}
