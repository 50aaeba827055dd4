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

package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/oculairmedia/huly-webhook-service/internal/changestream"
	"github.com/oculairmedia/huly-webhook-service/internal/circuitbreaker"
	"github.com/oculairmedia/huly-webhook-service/internal/config"
	"github.com/oculairmedia/huly-webhook-service/internal/deliveryqueue"
	"github.com/oculairmedia/huly-webhook-service/internal/dispatcher"
	"github.com/oculairmedia/huly-webhook-service/internal/eventtype"
	"github.com/oculairmedia/huly-webhook-service/internal/ingestion"
	"github.com/oculairmedia/huly-webhook-service/internal/matcher"
	"github.com/oculairmedia/huly-webhook-service/internal/memstore"
	"github.com/oculairmedia/huly-webhook-service/internal/supervisor"
	"github.com/oculairmedia/huly-webhook-service/internal/webhookregistry"
)

// Maintenance intervals per SPEC_FULL.md §12: lease reaper every 10s,
// circuit-breaker stats rollup every 30s, resume-token flush every 5s.
// None of these derive from a runtime tunable like the dispatcher's lease
// duration — they are fixed cadences independent of DISPATCHER_LEASE_MS.
const (
	checkpointFlushInterval = 5 * time.Second
	leaseReaperInterval     = 10 * time.Second
	cbStatsRollupInterval   = 30 * time.Second
	webhookRefreshInterval  = 30 * time.Second
)

// main wires every component in the dependency order laid out for the
// pipeline: ResumeStore, WebhookRegistry, and DeliveryQueue come up first
// since the ingestion side and the dispatcher both depend on them, then the
// CircuitBreaker manager and Dispatcher, then the EventTypeDetector and
// ChangeStreamReader feeding the ingestion pipeline, and finally the
// periodic maintenance tasks. The SubscriptionMatcher is built together
// with the WebhookRegistry so its filter-cache invalidation is wired before
// the first Reload.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.FromEnv()
	if err != nil {
		slog.ErrorContext(ctx, "failed to load configuration", "error", err)
		os.Exit(1)
	}

	client, err := mongo.Connect(options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		slog.ErrorContext(ctx, "failed to connect to mongo", "error", err)
		os.Exit(1)
	}
	defer client.Disconnect(ctx)

	db := client.Database(cfg.MongoDB)

	// The persistence layer behind ResumeStore/EventStore/DeliveryStore/
	// WebhookLoader/DLQ is an external collaborator contract this service
	// does not implement; memstore is an in-process stand-in so this binary
	// runs standalone. A production deployment supplies its own store
	// package satisfying the same interfaces.
	backing := memstore.New(cfg.Dispatcher.LeaseMs)

	registry := webhookregistry.NewRegistry(backing)
	matchEngine := matcher.New()
	registry.OnFiltersChanged(matchEngine.Invalidate)
	if err := registry.Reload(ctx); err != nil {
		slog.ErrorContext(ctx, "failed to load initial webhook set", "error", err)
		os.Exit(1)
	}

	queue := deliveryqueue.New(backing, backing, backing, cfg.Retry)

	cbEvents := make(chan circuitbreaker.Event, 64)
	breakers := circuitbreaker.NewManager(cfg.CircuitBreaker, cbEvents)
	go logBreakerTransitions(ctx, cbEvents)

	httpClient := &http.Client{Timeout: time.Duration(cfg.Dispatcher.PerRequestTimeoutMs) * time.Millisecond}
	disp := dispatcher.New(queue, registry, breakers, httpClient, cfg.Dispatcher)

	detector := eventtype.NewDetector(nil, nil, nil)

	changesCollection := db.Collection("tx")
	reader := changestream.NewReader(changestream.CollectionWatcher{Collection: changesCollection}, cfg.ChangeStream)

	pipeline := ingestion.New(reader, detector, matchEngine, registry, queue, backing, cfg.ChangeStream.PartitionID)

	sup := supervisor.New(supervisor.Config{GracePeriodSec: cfg.Dispatcher.GracePeriodSec})

	sup.AddComponent(func(ctx context.Context) error {
		disp.Pool().Run(ctx, disp)

		return nil
	})
	sup.AddComponent(pipeline.Run)
	// Let deliveries already claimed finish sending within the grace
	// period instead of being aborted the instant shutdown begins.
	sup.AddShutdownHook(disp.Shutdown)

	sup.AddMaintenance(supervisor.Maintenance{
		Name:     "checkpoint-flush",
		Interval: checkpointFlushInterval,
		Run:      pipeline.FlushCheckpoint,
	})
	sup.AddMaintenance(supervisor.Maintenance{
		Name:     "lease-reaper",
		Interval: leaseReaperInterval,
		Run: func(ctx context.Context) error {
			_, err := backing.ReapExpiredLeases(ctx, time.Now())

			return err
		},
	})
	sup.AddMaintenance(supervisor.Maintenance{
		Name:     "cb-stats-rollup",
		Interval: cbStatsRollupInterval,
		Run: func(ctx context.Context) error {
			logBreakerSnapshot(ctx, breakers.Snapshot(time.Now()))

			return nil
		},
	})
	sup.AddMaintenance(supervisor.Maintenance{
		Name:     "webhook-registry-refresh",
		Interval: webhookRefreshInterval,
		Run:      registry.Reload,
	})

	slog.InfoContext(ctx, "starting webhook delivery service", "mongoDatabase", cfg.MongoDB, "dispatcherWorkers", cfg.Dispatcher.Workers)

	if err := sup.Run(ctx); err != nil {
		slog.ErrorContext(ctx, "webhook delivery service exited with error", "error", err)
		os.Exit(1)
	}
}

func logBreakerTransitions(ctx context.Context, events <-chan circuitbreaker.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			slog.InfoContext(ctx, "circuit breaker transition", "webhookId", ev.WebhookID, "from", ev.From, "to", ev.To)
		}
	}
}

// logBreakerSnapshot emits the aggregate circuit-breaker rollup SPEC_FULL.md
// §12 calls for: per-webhook state plus an open-breaker count, the "event
// emitter" of spec.md §9.
func logBreakerSnapshot(ctx context.Context, states map[string]circuitbreaker.State) {
	open := 0
	for _, s := range states {
		if s == circuitbreaker.Open {
			open++
		}
	}
	slog.InfoContext(ctx, "circuit breaker stats rollup", "webhooks", len(states), "open", open, "states", states)
}
