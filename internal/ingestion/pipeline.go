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

// Package ingestion wires the ChangeStreamReader's output to the
// EventTypeDetector, SubscriptionMatcher, and DeliveryQueue, and owns the
// resume-token checkpoint: a token only advances after its change's
// deliveries are durably persisted (spec.md §4.1, §8 invariant 1).
package ingestion

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oculairmedia/huly-webhook-service/internal/changestream"
	"github.com/oculairmedia/huly-webhook-service/internal/deliveryqueue"
	"github.com/oculairmedia/huly-webhook-service/internal/domain"
	"github.com/oculairmedia/huly-webhook-service/internal/eventtype"
	"github.com/oculairmedia/huly-webhook-service/internal/matcher"
	"github.com/oculairmedia/huly-webhook-service/internal/store"
	"github.com/oculairmedia/huly-webhook-service/internal/webhookregistry"
)

// Pipeline consumes changestream.RawChange records, classifies, matches,
// and enqueues deliveries, tracking the latest durably-enqueued resume
// token for periodic checkpoint flush.
type Pipeline struct {
	reader   *changestream.Reader
	detector *eventtype.Detector
	matcher  *matcher.SubscriptionMatcher
	registry *webhookregistry.Registry
	queue    *deliveryqueue.Queue
	resume   store.ResumeStore

	partitionID string

	mu               sync.Mutex
	lastGoodToken    string
	lastFlushedToken string
}

// New builds a Pipeline.
func New(reader *changestream.Reader, detector *eventtype.Detector, m *matcher.SubscriptionMatcher,
	registry *webhookregistry.Registry, queue *deliveryqueue.Queue, resume store.ResumeStore, partitionID string) *Pipeline {
	return &Pipeline{
		reader: reader, detector: detector, matcher: m, registry: registry,
		queue: queue, resume: resume, partitionID: partitionID,
	}
}

// Run loads the last checkpoint and drives the reader until ctx is
// cancelled, satisfying the component signature supervisor.Supervisor
// expects.
func (p *Pipeline) Run(ctx context.Context) error {
	token, err := p.resume.Load(ctx, p.partitionID)
	if err != nil {
		return fmt.Errorf("ingestion: load checkpoint: %w", err)
	}

	changes := make(chan changestream.RawChange, 100)

	errCh := make(chan error, 1)
	go func() {
		errCh <- p.reader.Start(ctx, token, changes)
		close(changes)
	}()

	for change := range changes {
		if err := p.handle(ctx, change); err != nil {
			slog.ErrorContext(ctx, "failed to process change, resume token will not advance", "error", err)

			return err
		}
	}

	return <-errCh
}

// handle classifies one change, matches subscriptions, and durably enqueues
// the resulting deliveries before advancing the in-memory checkpoint
// cursor. The checkpoint is NOT written here; FlushCheckpoint (a
// supervisor.Maintenance task) does that periodically, per spec.md §5.
func (p *Pipeline) handle(ctx context.Context, change changestream.RawChange) error {
	event, err := p.detector.Detect(change)
	if err != nil {
		// Detector.Detect never actually returns an error (it falls back to
		// unknown.event), but the contract allows one; honor it defensively.
		return fmt.Errorf("ingestion: detect: %w", err)
	}

	webhooks := p.registry.Snapshot()
	deliveries := p.matcher.Match(event, webhooks, time.Now())

	if err := p.queue.Enqueue(ctx, event, deliveries); err != nil {
		return fmt.Errorf("ingestion: enqueue: %w", err)
	}

	p.mu.Lock()
	p.lastGoodToken = change.ResumeToken
	p.mu.Unlock()

	return nil
}

// FlushCheckpoint persists the most recently enqueued resume token, if it
// has changed since the last flush. Intended to run every 5 seconds (or
// per-batch) as a supervisor.Maintenance task.
func (p *Pipeline) FlushCheckpoint(ctx context.Context) error {
	p.mu.Lock()
	token := p.lastGoodToken
	alreadyFlushed := token == p.lastFlushedToken
	p.mu.Unlock()

	if token == "" || alreadyFlushed {
		return nil
	}

	if err := p.resume.Save(ctx, domain.ResumeCheckpoint{
		PartitionID: p.partitionID,
		ResumeToken: token,
		UpdatedAt:   time.Now(),
	}); err != nil {
		return fmt.Errorf("ingestion: save checkpoint: %w", err)
	}

	p.mu.Lock()
	p.lastFlushedToken = token
	p.mu.Unlock()

	return nil
}
