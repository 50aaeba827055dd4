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

// Package dispatcher drives the worker pool that claims deliveries, signs
// and sends the outbound HTTP callback, and reports the outcome back to
// the delivery queue, per spec.md §4.6. It is the only component that
// speaks HTTP to a webhook endpoint.
package dispatcher

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/oculairmedia/huly-webhook-service/internal/circuitbreaker"
	"github.com/oculairmedia/huly-webhook-service/internal/deliveryqueue"
	"github.com/oculairmedia/huly-webhook-service/internal/domain"
	"github.com/oculairmedia/huly-webhook-service/internal/webhookregistry"
	"github.com/oculairmedia/huly-webhook-service/internal/workerpool"
)

// Version is reported in the dispatcher's User-Agent header.
const Version = "1.0.0"

// Config holds the dispatcher's tunables (spec.md §6 "dispatcher" options).
type Config struct {
	Workers             int
	Batch               int
	PerRequestTimeoutMs int64
	LeaseMs             int64
	GracePeriodSec      int
	// RequeueJitter is how long a delivery sits out after a non-blocking
	// mutex acquire fails (spec.md §4.6 step 2): "requeue at now + 100ms".
	RequeueJitter time.Duration
	// IdlePollMs bounds how long a worker waits before reclaiming after a
	// batch comes back empty, so an empty queue doesn't spin the worker
	// pool in a tight Claim loop.
	IdlePollMs int64
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 16
	}
	if c.Batch <= 0 {
		c.Batch = c.Workers
	}
	if c.PerRequestTimeoutMs <= 0 {
		c.PerRequestTimeoutMs = 30000
	}
	if c.LeaseMs <= 0 {
		c.LeaseMs = 60000
	}
	if c.GracePeriodSec <= 0 {
		c.GracePeriodSec = 30
	}
	if c.RequeueJitter <= 0 {
		c.RequeueJitter = 100 * time.Millisecond
	}
	if c.IdlePollMs <= 0 {
		c.IdlePollMs = 250
	}

	return c
}

// Breakers supplies (and lazily creates) the per-webhook circuit breaker.
type Breakers interface {
	For(webhook domain.Webhook) *circuitbreaker.Breaker
}

// Dispatcher is the HTTP delivery worker pool of spec.md §4.6.
type Dispatcher struct {
	queue    *deliveryqueue.Queue
	registry *webhookregistry.Registry
	breakers Breakers
	client   *http.Client
	cfg      Config

	locks sync.Map // webhookID -> *sync.Mutex, enforces per-webhook serialization

	// sendCtx is the parent context for in-flight HTTP sends. It is
	// independent of the context workerpool.Pool uses to decide whether to
	// keep claiming (RunOnce's ctx): shutdown must stop new claims
	// immediately but let a send already under way finish within the
	// configured grace period (spec.md §4.6, §4.7). Shutdown cancels it.
	sendCtx    context.Context
	cancelSend context.CancelFunc
}

// New builds a Dispatcher.
func New(queue *deliveryqueue.Queue, registry *webhookregistry.Registry, breakers Breakers, client *http.Client, cfg Config) *Dispatcher {
	if client == nil {
		client = http.DefaultClient
	}

	sendCtx, cancel := context.WithCancel(context.Background())

	return &Dispatcher{
		queue: queue, registry: registry, breakers: breakers, client: client, cfg: cfg.withDefaults(),
		sendCtx: sendCtx, cancelSend: cancel,
	}
}

// Pool builds a workerpool.Pool configured to run Dispatcher.RunOnce with
// this dispatcher's worker count.
func (d *Dispatcher) Pool() *workerpool.Pool {
	idle := time.Duration(d.cfg.IdlePollMs) * time.Millisecond

	return &workerpool.Pool{
		NumWorkers: d.cfg.Workers,
		IdlePoll:   func() <-chan struct{} { return time.After(idle) },
	}
}

// Shutdown lets any delivery already claimed finish sending for up to
// grace before its request context is cancelled, satisfying
// supervisor.Supervisor's AddShutdownHook contract (spec.md §4.6 step 6,
// §4.7: "wait up to gracePeriodSec... for inflight to finish").
func (d *Dispatcher) Shutdown(grace time.Duration) {
	time.AfterFunc(grace, d.cancelSend)
}

// RunOnce claims a batch of due deliveries and attempts each, satisfying
// workerpool.Runner.
func (d *Dispatcher) RunOnce(ctx context.Context, workerID int) (int, error) {
	now := time.Now()

	deliveries, err := d.queue.Claim(ctx, d.cfg.Batch, now)
	if err != nil {
		return 0, err
	}

	for _, delivery := range deliveries {
		d.attempt(ctx, delivery)
	}

	return len(deliveries), nil
}

// attempt implements spec.md §4.6 steps 2-6 for a single delivery.
func (d *Dispatcher) attempt(ctx context.Context, delivery domain.Delivery) {
	mu := d.mutexFor(delivery.WebhookID)
	if !mu.TryLock() {
		d.requeue(ctx, delivery)

		return
	}
	defer mu.Unlock()

	webhook, ok := d.registry.ByID(delivery.WebhookID)
	if !ok || !webhook.Active {
		// The webhook was deleted/disabled after matching; treat as a
		// permanent failure rather than retrying forever.
		d.complete(ctx, delivery, deliveryqueue.Outcome{Permanent: true, Err: errors.New("webhook no longer active")})

		return
	}

	breaker := d.breakers.For(webhook)
	now := time.Now()

	var outcome deliveryqueue.Outcome
	execErr := breaker.Execute(ctx, now, func(ctx context.Context) (time.Duration, error) {
		o, err := d.send(ctx, webhook, delivery)
		outcome = o

		return time.Duration(o.ResponseLatencyMs) * time.Millisecond, err
	})

	var rejected *circuitbreaker.RejectedError
	if errors.As(execErr, &rejected) {
		// Breaker-open is a recoverable failure that does not count toward
		// the webhook's own failure tally (spec.md §4.5, §7).
		outcome = deliveryqueue.Outcome{RetryAfter: time.Duration(rejected.RetryAfterSec) * time.Second, Err: execErr}
	}

	d.complete(ctx, delivery, outcome)
}

func (d *Dispatcher) complete(ctx context.Context, delivery domain.Delivery, outcome deliveryqueue.Outcome) {
	if err := d.queue.Complete(ctx, delivery, delivery.Event, outcome, delivery.ErrorHistory, time.Now()); err != nil {
		slog.ErrorContext(ctx, "failed to record delivery outcome", "deliveryId", delivery.DeliveryID, "error", err)
	}
}

func (d *Dispatcher) requeue(ctx context.Context, delivery domain.Delivery) {
	if err := d.queue.Requeue(ctx, delivery.DeliveryID, d.cfg.RequeueJitter, time.Now()); err != nil {
		slog.ErrorContext(ctx, "failed to requeue contended delivery", "deliveryId", delivery.DeliveryID, "error", err)
	}
}

func (d *Dispatcher) mutexFor(webhookID string) *sync.Mutex {
	v, _ := d.locks.LoadOrStore(webhookID, &sync.Mutex{})

	return v.(*sync.Mutex)
}

// send builds, signs, and executes the outbound HTTP POST described in
// spec.md §4.6/§6, then classifies the response.
// send's request deadline descends from d.sendCtx, not the ctx the caller
// was handed: ctx is the poll loop's context and is cancelled the instant
// shutdown begins, while d.sendCtx is only cancelled after the configured
// grace period (or not at all, outside shutdown), so a send already under
// way is allowed to finish instead of being aborted mid-flight.
func (d *Dispatcher) send(ctx context.Context, webhook domain.Webhook, delivery domain.Delivery) (deliveryqueue.Outcome, error) {
	body, err := json.Marshal(delivery.Event.ToPublicPayload())
	if err != nil {
		return deliveryqueue.Outcome{Permanent: true}, fmt.Errorf("dispatcher: marshal payload: %w", err)
	}

	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	signature := sign(webhook.Secret, timestamp, body)

	reqCtx, cancel := context.WithTimeout(d.sendCtx, time.Duration(d.cfg.PerRequestTimeoutMs)*time.Millisecond)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, webhook.URL, bytes.NewReader(body))
	if err != nil {
		return deliveryqueue.Outcome{Permanent: true}, fmt.Errorf("dispatcher: build request: %w", err)
	}

	// webhook.Headers are applied first so the protocol's own headers below
	// always win on a name collision (spec.md §4.6 lists them last).
	for k, v := range webhook.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "webhook-dispatcher/"+Version)
	req.Header.Set("X-Webhook-Id", webhook.ID)
	req.Header.Set("X-Webhook-Event", delivery.Event.EventType)
	req.Header.Set("X-Webhook-Delivery", delivery.DeliveryID)
	req.Header.Set("X-Webhook-Signature", "sha256="+signature)
	req.Header.Set("X-Webhook-Timestamp", timestamp)

	start := time.Now()
	resp, err := d.client.Do(req)
	latency := time.Since(start)

	if err != nil {
		return deliveryqueue.Outcome{ResponseLatencyMs: latency.Milliseconds(), Err: err}, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	return classify(resp, latency), classifyErr(resp)
}

// sign computes spec.md §6's HMAC-SHA256(secret, ts + "." + body), hex-encoded.
func sign(secret []byte, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)

	return hex.EncodeToString(mac.Sum(nil))
}

// classify turns an HTTP response into a delivery outcome per spec.md §4.6
// step 5. The returned error (from classifyErr) is what the breaker sees.
func classify(resp *http.Response, latency time.Duration) deliveryqueue.Outcome {
	code := resp.StatusCode
	out := deliveryqueue.Outcome{ResponseCode: code, ResponseLatencyMs: latency.Milliseconds()}

	switch {
	case code >= 200 && code < 300:
		out.Success = true

	case code == 408 || code == 425 || code == 429:
		if ra, ok := parseRetryAfter(resp.Header.Get("Retry-After")); ok {
			out.RetryAfter = ra
		}

	case code >= 400 && code < 500:
		out.Permanent = true

	default:
		// 5xx and anything else unexpected: retryable.
	}

	return out
}

// classifyErr reports the error the circuit breaker should see. Per
// spec.md §7, only transient transport failures (5xx here; network errors
// and timeouts are handled earlier in send) count toward the breaker's
// failure tally — client-permanent 4xx and rate-limited 408/425/429 do not,
// since the endpoint itself is healthy in both cases.
func classifyErr(resp *http.Response) error {
	code := resp.StatusCode
	if code < 500 {
		return nil
	}

	return fmt.Errorf("dispatcher: endpoint responded %d", code)
}

// parseRetryAfter accepts either a delta-seconds value or an HTTP-date, per
// spec.md §4.6.
func parseRetryAfter(header string) (time.Duration, bool) {
	if header == "" {
		return 0, false
	}

	if secs, err := strconv.Atoi(header); err == nil {
		return time.Duration(secs) * time.Second, true
	}

	if t, err := http.ParseTime(header); err == nil {
		d := time.Until(t)
		if d < 0 {
			d = 0
		}

		return d, true
	}

	return 0, false
}
