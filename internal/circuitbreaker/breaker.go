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

// Package circuitbreaker implements the per-webhook CLOSED/OPEN/HALF_OPEN
// state machine of spec.md §4.5, guarding Dispatcher calls with a sliding
// window of call records.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/oculairmedia/huly-webhook-service/internal/domain"
)

// State is one of the three breaker states.
type State string

const (
	Closed   State = "CLOSED"
	Open     State = "OPEN"
	HalfOpen State = "HALF_OPEN"
)

// Config holds the breaker's tunables, defaulted per spec.md §4.5.
type Config struct {
	FailureThreshold   int
	TimeoutMs          int64
	ResetTimeoutMs     int64
	SuccessThreshold   int
	VolumeThreshold    int
	ErrorThresholdPct  float64
	SlowCallMs         int64
	SlowCallRatePct    float64
	MonitoringPeriodMs int64
}

// DefaultConfig returns spec.md §4.5's baseline configuration.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:   5,
		TimeoutMs:          30000,
		ResetTimeoutMs:     60000,
		SuccessThreshold:   2,
		VolumeThreshold:    10,
		ErrorThresholdPct:  50,
		SlowCallMs:         5000,
		SlowCallRatePct:    50,
		MonitoringPeriodMs: 60000,
	}
}

// applyOverrides returns a copy of c with any non-nil override field applied.
func (c Config) applyOverrides(o *domain.CircuitBreakerOverrides) Config {
	if o == nil {
		return c
	}
	if o.FailureThreshold != nil {
		c.FailureThreshold = *o.FailureThreshold
	}
	if o.TimeoutMs != nil {
		c.TimeoutMs = *o.TimeoutMs
	}
	if o.ResetTimeoutMs != nil {
		c.ResetTimeoutMs = *o.ResetTimeoutMs
	}
	if o.SuccessThreshold != nil {
		c.SuccessThreshold = *o.SuccessThreshold
	}
	if o.VolumeThreshold != nil {
		c.VolumeThreshold = *o.VolumeThreshold
	}
	if o.ErrorThresholdPct != nil {
		c.ErrorThresholdPct = *o.ErrorThresholdPct
	}
	if o.SlowCallMs != nil {
		c.SlowCallMs = *o.SlowCallMs
	}
	if o.SlowCallRatePct != nil {
		c.SlowCallRatePct = *o.SlowCallRatePct
	}
	if o.MonitoringPeriodMs != nil {
		c.MonitoringPeriodMs = *o.MonitoringPeriodMs
	}

	return c
}

// ErrOpen is returned by Execute when the breaker rejects a call outright.
var ErrOpen = errors.New("circuitbreaker: open")

// RejectedError wraps ErrOpen with the retry-after hint spec.md §4.5
// requires; the Dispatcher must treat this as recoverable without counting
// it toward the webhook's failure tally.
type RejectedError struct {
	RetryAfterSec int64
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("circuitbreaker: open, retry after %ds", e.RetryAfterSec)
}

func (e *RejectedError) Unwrap() error { return ErrOpen }

type callRecord struct {
	at      time.Time
	success bool
	slow    bool
}

// Event is emitted on every state transition, for observability (SPEC_FULL §13).
type Event struct {
	WebhookID string
	From      State
	To        State
	At        time.Time
}

// Breaker is one webhook's circuit breaker.
type Breaker struct {
	webhookID string
	cfg       Config

	mu              sync.Mutex
	state           State
	calls           []callRecord
	consecutiveFail int
	consecutiveOK   int
	openedAt        time.Time
	nextAttemptAt   time.Time

	events chan Event
}

// New builds a Breaker for webhookID. events may be nil; otherwise it should
// be a buffered channel the caller drains (a full channel drops the oldest
// pending event rather than blocking the breaker, per SPEC_FULL §13).
func New(webhookID string, base Config, overrides *domain.CircuitBreakerOverrides, events chan Event) *Breaker {
	return &Breaker{
		webhookID: webhookID,
		cfg:       base.applyOverrides(overrides),
		state:     Closed,
		events:    events,
	}
}

// UpdateConfig replaces the breaker's configuration without resetting state.
func (b *Breaker) UpdateConfig(base Config, overrides *domain.CircuitBreakerOverrides) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg = base.applyOverrides(overrides)
}

// State reports the breaker's current state, advancing OPEN -> HALF_OPEN
// first if resetTimeoutMs has elapsed.
func (b *Breaker) State(now time.Time) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen(now)

	return b.state
}

// Execute runs attemptFn if the breaker permits it, recording the outcome.
// attemptFn's returned error, if any, is propagated unchanged so the caller
// can classify it (permanent vs retryable); a breaker rejection instead
// returns a *RejectedError.
func (b *Breaker) Execute(ctx context.Context, now time.Time, attemptFn func(ctx context.Context) (latency time.Duration, err error)) error {
	b.mu.Lock()
	b.maybeHalfOpen(now)
	if b.state == Open {
		retryAfter := int64(math.Ceil(b.nextAttemptAt.Sub(now).Seconds()))
		if retryAfter < 0 {
			retryAfter = 0
		}
		b.mu.Unlock()

		return &RejectedError{RetryAfterSec: retryAfter}
	}
	b.mu.Unlock()

	latency, err := attemptFn(ctx)
	b.record(now, latency, err)

	return err
}

func (b *Breaker) record(now time.Time, latency time.Duration, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	success := err == nil
	slow := latency.Milliseconds() >= b.cfg.SlowCallMs

	b.calls = append(b.calls, callRecord{at: now, success: success, slow: slow})
	b.prune(now)

	if success {
		b.consecutiveFail = 0
		b.consecutiveOK++
	} else {
		b.consecutiveOK = 0
		b.consecutiveFail++
	}

	switch b.state {
	case HalfOpen:
		if !success {
			b.transition(Open, now)

			return
		}
		if b.consecutiveOK >= b.cfg.SuccessThreshold {
			b.transition(Closed, now)
		}

	case Closed:
		if b.shouldTrip(now) {
			b.transition(Open, now)
		}
	}
}

// shouldTrip evaluates the three CLOSED -> OPEN conditions of spec.md §4.5.
// Caller must hold b.mu.
func (b *Breaker) shouldTrip(now time.Time) bool {
	if b.consecutiveFail >= b.cfg.FailureThreshold {
		return true
	}

	total := len(b.calls)
	if total < b.cfg.VolumeThreshold {
		return false
	}

	var failed, slow int
	for _, c := range b.calls {
		if !c.success {
			failed++
		}
		if c.slow {
			slow++
		}
	}

	errorRate := 100 * float64(failed) / float64(total)
	slowRate := 100 * float64(slow) / float64(total)

	return errorRate >= b.cfg.ErrorThresholdPct || slowRate >= b.cfg.SlowCallRatePct
}

// prune drops call records older than monitoringPeriodMs. Caller must hold b.mu.
func (b *Breaker) prune(now time.Time) {
	cutoff := now.Add(-time.Duration(b.cfg.MonitoringPeriodMs) * time.Millisecond)

	kept := b.calls[:0]
	for _, c := range b.calls {
		if !c.at.Before(cutoff) {
			kept = append(kept, c)
		}
	}
	b.calls = kept
}

// maybeHalfOpen transitions OPEN -> HALF_OPEN once nextAttemptAt has passed.
// Caller must hold b.mu.
func (b *Breaker) maybeHalfOpen(now time.Time) {
	if b.state == Open && !now.Before(b.nextAttemptAt) {
		b.transition(HalfOpen, now)
	}
}

// transition must be called with b.mu held.
func (b *Breaker) transition(to State, now time.Time) {
	from := b.state
	b.state = to

	switch to {
	case Open:
		b.openedAt = now
		b.nextAttemptAt = now.Add(time.Duration(b.cfg.ResetTimeoutMs) * time.Millisecond)
	case Closed:
		b.calls = nil
		b.consecutiveFail = 0
		b.consecutiveOK = 0
	case HalfOpen:
		b.consecutiveOK = 0
		b.consecutiveFail = 0
	}

	if from == to || b.events == nil {
		return
	}

	select {
	case b.events <- Event{WebhookID: b.webhookID, From: from, To: to, At: now}:
	default:
		// Drop the oldest pending event in favor of the newest transition
		// rather than block the breaker on a slow observer (SPEC_FULL §13).
		select {
		case <-b.events:
		default:
		}
		select {
		case b.events <- Event{WebhookID: b.webhookID, From: from, To: to, At: now}:
		default:
		}
	}
}

// Force administratively sets the breaker's state (spec.md §4.5).
func (b *Breaker) Force(state State, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if state == Open {
		b.transition(Open, now)

		return
	}
	b.transition(state, now)
}

// Reset clears all counters and returns the breaker to CLOSED.
func (b *Breaker) Reset(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition(Closed, now)
}
