// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package supervisor starts and stops the pipeline's long-running
// components in the dependency order spec.md §4.7 lays out: ResumeStore
// is a passive dependency (no goroutine of its own), so the ordered chain
// here starts at WebhookRegistry and runs through the ChangeStreamReader,
// plus the periodic maintenance tasks of spec.md §5.
package supervisor

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Maintenance is one periodic background task (lease reaper, CB stats
// rollup, resume-token flush).
type Maintenance struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Config holds the supervisor's own tunables.
type Config struct {
	GracePeriodSec int
}

func (c Config) withDefaults() Config {
	if c.GracePeriodSec <= 0 {
		c.GracePeriodSec = 30
	}

	return c
}

// Supervisor runs a set of long-lived components and periodic maintenance
// tasks under a single errgroup, and waits up to GracePeriodSec after
// cancellation for them to wind down (spec.md §4.7, §5).
type Supervisor struct {
	cfg           Config
	components    []func(ctx context.Context) error
	maintenance   []Maintenance
	shutdownHooks []func(grace time.Duration)
}

// New builds a Supervisor.
func New(cfg Config) *Supervisor {
	return &Supervisor{cfg: cfg.withDefaults()}
}

// AddComponent registers a long-running component loop (e.g. the
// ChangeStreamReader or a Dispatcher worker pool) to run for the lifetime of
// Run. Components are started in registration order; callers should
// register them in spec.md §4.7's dependency order.
func (s *Supervisor) AddComponent(run func(ctx context.Context) error) {
	s.components = append(s.components, run)
}

// AddMaintenance registers a periodic background task.
func (s *Supervisor) AddMaintenance(m Maintenance) {
	s.maintenance = append(s.maintenance, m)
}

// AddShutdownHook registers a callback invoked once, with the configured
// grace period, the moment Run's context is cancelled — before components
// have necessarily returned. A component that wants its in-flight work
// (e.g. an outbound HTTP send) to survive past the instant its poll loop
// stops, bounded only by gracePeriodSec rather than by the cancellation
// that stopped the loop, registers a hook here instead of relying on the
// context passed to AddComponent (spec.md §4.6, §4.7, §5).
func (s *Supervisor) AddShutdownHook(hook func(grace time.Duration)) {
	s.shutdownHooks = append(s.shutdownHooks, hook)
}

// Run starts every registered component and maintenance task, and blocks
// until ctx is cancelled and all of them return (bounded by
// GracePeriodSec), or until one of them returns a non-nil error.
func (s *Supervisor) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)

	for _, component := range s.components {
		component := component
		group.Go(func() error {
			return component(groupCtx)
		})
	}

	for _, m := range s.maintenance {
		m := m
		group.Go(func() error {
			return s.runMaintenance(groupCtx, m)
		})
	}

	go func() {
		<-groupCtx.Done()
		for _, hook := range s.shutdownHooks {
			hook(s.GracePeriod())
		}
	}()

	done := make(chan error, 1)
	go func() { done <- group.Wait() }()

	select {
	case err := <-done:
		if ctx.Err() != nil {
			return nil
		}

		return err

	case <-ctx.Done():
		// Shutdown requested: give components up to GracePeriodSec to wind
		// down on their own (spec.md §4.6/§4.7/§5) before returning anyway —
		// a component stuck past the grace period must not block exit.
		select {
		case <-done:
			return nil
		case <-time.After(s.GracePeriod()):
			slog.WarnContext(ctx, "grace period elapsed with components still running, exiting anyway", "gracePeriod", s.GracePeriod())

			return nil
		}
	}
}

func (s *Supervisor) runMaintenance(ctx context.Context, m Maintenance) error {
	ticker := time.NewTicker(m.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := m.Run(ctx); err != nil {
				slog.ErrorContext(ctx, "maintenance task failed", "task", m.Name, "error", err)
			}
		}
	}
}

// GracePeriod returns the configured shutdown grace period.
func (s *Supervisor) GracePeriod() time.Duration {
	return time.Duration(s.cfg.GracePeriodSec) * time.Second
}
