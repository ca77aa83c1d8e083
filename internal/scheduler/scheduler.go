// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GTM Copilot Contributors

// Package scheduler runs periodic full index rebuilds on a cron schedule.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	cperr "github.com/gtm-copilot/gtm-copilot/pkg/errors"
)

// Rebuilder rebuilds the indexes of every open collection.
type Rebuilder interface {
	RebuildAll(ctx context.Context) error
}

// Status describes the scheduled job.
type Status struct {
	Schedule  string    `json:"schedule"`
	Enabled   bool      `json:"enabled"`
	Running   bool      `json:"running"`
	Runs      int64     `json:"runs"`
	Failures  int64     `json:"failures"`
	LastRun   time.Time `json:"last_run,omitzero"`
	NextRun   time.Time `json:"next_run,omitzero"`
	LastError string    `json:"last_error,omitempty"`
}

var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Validate checks a schedule expression. Six fields (with seconds), five
// fields, and descriptors such as "@hourly" are accepted. The empty string
// disables scheduling.
func Validate(schedule string) error {
	if schedule == "" {
		return nil
	}
	if _, err := parser.Parse(schedule); err != nil {
		return cperr.Wrapf(err, cperr.CodeSchedulerConfigInvalid, "invalid rebuild schedule %q", schedule)
	}
	return nil
}

// Scheduler triggers Rebuilder.RebuildAll on a cron schedule. A run that
// is still going when the next one is due causes that one to be skipped.
type Scheduler struct {
	schedule string
	target   Rebuilder
	timeout  time.Duration
	logger   *slog.Logger

	cron    *cron.Cron
	entry   cron.EntryID
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	started bool
	status  Status
}

// New creates a scheduler. timeout bounds each run; zero means no limit.
func New(schedule string, target Rebuilder, timeout time.Duration, logger *slog.Logger) (*Scheduler, error) {
	if err := Validate(schedule); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		schedule: schedule,
		target:   target,
		timeout:  timeout,
		logger:   logger,
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		ctx:    ctx,
		cancel: cancel,
		status: Status{Schedule: schedule, Enabled: schedule != ""},
	}, nil
}

// Start begins running the schedule. It is a no-op when scheduling is
// disabled or already started.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started || s.schedule == "" {
		return nil
	}
	id, err := s.cron.AddFunc(s.schedule, func() { _ = s.RunNow(s.ctx) })
	if err != nil {
		return cperr.Wrapf(err, cperr.CodeSchedulerConfigInvalid, "scheduling rebuilds %q", s.schedule)
	}
	s.entry = id
	s.cron.Start()
	s.started = true
	s.logger.Info("index rebuild schedule started", "schedule", s.schedule)
	return nil
}

// RunNow runs one rebuild pass synchronously.
func (s *Scheduler) RunNow(ctx context.Context) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	s.mu.Lock()
	s.status.Running = true
	s.mu.Unlock()

	start := time.Now()
	err := s.target.RebuildAll(ctx)

	s.mu.Lock()
	s.status.Running = false
	s.status.Runs++
	s.status.LastRun = start.UTC()
	s.status.LastError = ""
	if err != nil {
		s.status.Failures++
		s.status.LastError = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("scheduled index rebuild failed", "error", err, "duration", time.Since(start))
		return err
	}
	s.logger.Info("scheduled index rebuild finished", "duration", time.Since(start))
	return nil
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.status
	if s.started {
		st.NextRun = s.cron.Entry(s.entry).Next
	}
	return st
}

// Stop halts the schedule, cancels a run in progress and waits for it to
// return or for ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	started := s.started
	s.started = false
	s.mu.Unlock()

	s.cancel()
	if !started {
		return nil
	}
	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
