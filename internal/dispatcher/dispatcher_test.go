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

package dispatcher

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/oculairmedia/huly-webhook-service/internal/circuitbreaker"
	"github.com/oculairmedia/huly-webhook-service/internal/deliveryqueue"
	"github.com/oculairmedia/huly-webhook-service/internal/domain"
	"github.com/oculairmedia/huly-webhook-service/internal/store"
	"github.com/oculairmedia/huly-webhook-service/internal/webhookregistry"
)

type fakeLoader struct{ webhooks []domain.Webhook }

func (f *fakeLoader) LoadWebhooks(context.Context) ([]domain.Webhook, error) { return f.webhooks, nil }

type fakeEventStore struct{}

func (fakeEventStore) Persist(context.Context, domain.Event, []domain.Delivery) error { return nil }

type fakeDeliveryStore struct {
	mu        sync.Mutex
	completed map[string]store.DeliveryOutcome
}

func newFakeDeliveryStore() *fakeDeliveryStore {
	return &fakeDeliveryStore{completed: make(map[string]store.DeliveryOutcome)}
}

func (f *fakeDeliveryStore) Claim(context.Context, int, time.Time) ([]domain.Delivery, error) {
	return nil, nil
}

func (f *fakeDeliveryStore) Complete(_ context.Context, id string, outcome store.DeliveryOutcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed[id] = outcome

	return nil
}

func (f *fakeDeliveryStore) ReapExpiredLeases(context.Context, time.Time) (int, error) { return 0, nil }

func (f *fakeDeliveryStore) outcomeFor(id string) store.DeliveryOutcome {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.completed[id]
}

type fakeDLQ struct {
	mu     sync.Mutex
	pushed int
}

func (f *fakeDLQ) Push(context.Context, domain.Event, domain.Delivery, []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushed++

	return nil
}

type staticBreakers struct {
	mu       sync.Mutex
	breakers map[string]*circuitbreaker.Breaker
}

func newStaticBreakers() *staticBreakers {
	return &staticBreakers{breakers: make(map[string]*circuitbreaker.Breaker)}
}

func (s *staticBreakers) For(webhook domain.Webhook) *circuitbreaker.Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.breakers[webhook.ID]; ok {
		return b
	}
	b := circuitbreaker.New(webhook.ID, circuitbreaker.DefaultConfig(), webhook.CircuitBreakerOverrides, nil)
	s.breakers[webhook.ID] = b

	return b
}

func newTestDispatcher(t *testing.T, ds *fakeDeliveryStore, webhooks []domain.Webhook, client *http.Client) *Dispatcher {
	t.Helper()

	q := deliveryqueue.New(fakeEventStore{}, ds, &fakeDLQ{}, deliveryqueue.Config{})
	reg := webhookregistry.NewRegistry(&fakeLoader{webhooks: webhooks})
	if err := reg.Reload(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}

	return New(q, reg, newStaticBreakers(), client, Config{Workers: 1, Batch: 1})
}

func TestDispatcherSendsSignedRequestAndMarksSucceeded(t *testing.T) {
	secret := []byte("s3cr3t")
	var gotSig, gotTs string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Webhook-Signature")
		gotTs = r.Header.Get("X-Webhook-Timestamp")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	webhook := domain.Webhook{ID: "w1", URL: srv.URL, Secret: secret, Active: true}
	ds := newFakeDeliveryStore()
	d := newTestDispatcher(t, ds, []domain.Webhook{webhook}, srv.Client())

	delivery := domain.Delivery{
		DeliveryID: "d1", WebhookID: "w1", Attempt: 1,
		Event: domain.Event{EventID: "e1", EventType: "issue.created"},
	}

	d.attempt(context.Background(), delivery)

	outcome := ds.outcomeFor("d1")
	if outcome.Status != domain.DeliverySucceeded {
		t.Fatalf("expected succeeded, got %v", outcome.Status)
	}

	if _, err := strconv.ParseInt(gotTs, 10, 64); err != nil {
		t.Fatalf("expected numeric timestamp, got %q: %v", gotTs, err)
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(gotTs))
	mac.Write([]byte("."))
	mac.Write(gotBody)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if gotSig != want {
		t.Fatalf("signature = %q, want %q", gotSig, want)
	}
}

func TestDispatcherPermanentFailureMarksDeadAndSkipsRetry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	webhook := domain.Webhook{ID: "w1", URL: srv.URL, Secret: []byte("x"), Active: true}
	ds := newFakeDeliveryStore()
	d := newTestDispatcher(t, ds, []domain.Webhook{webhook}, srv.Client())

	delivery := domain.Delivery{DeliveryID: "d1", WebhookID: "w1", Attempt: 1}
	d.attempt(context.Background(), delivery)

	if got := ds.outcomeFor("d1").Status; got != domain.DeliveryDead {
		t.Fatalf("expected dead for 400 response, got %v", got)
	}
}

func TestDispatcherRateLimitedHonorsRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "5")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	webhook := domain.Webhook{ID: "w1", URL: srv.URL, Secret: []byte("x"), Active: true}
	ds := newFakeDeliveryStore()
	d := newTestDispatcher(t, ds, []domain.Webhook{webhook}, srv.Client())

	delivery := domain.Delivery{DeliveryID: "d1", WebhookID: "w1", Attempt: 1}
	d.attempt(context.Background(), delivery)

	outcome := ds.outcomeFor("d1")
	if outcome.Status != domain.DeliveryFailed {
		t.Fatalf("expected failed (retryable) for 429, got %v", outcome.Status)
	}
	if outcome.NextAttemptAt == nil {
		t.Fatal("expected NextAttemptAt to be set from Retry-After")
	}
}

func TestDispatcherServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	webhook := domain.Webhook{ID: "w1", URL: srv.URL, Secret: []byte("x"), Active: true}
	ds := newFakeDeliveryStore()
	d := newTestDispatcher(t, ds, []domain.Webhook{webhook}, srv.Client())

	delivery := domain.Delivery{DeliveryID: "d1", WebhookID: "w1", Attempt: 1}
	d.attempt(context.Background(), delivery)

	if got := ds.outcomeFor("d1").Status; got != domain.DeliveryFailed {
		t.Fatalf("expected failed (retryable) for 500, got %v", got)
	}
}

func TestDispatcherInactiveWebhookIsPermanent(t *testing.T) {
	webhook := domain.Webhook{ID: "w1", URL: "http://example.invalid", Active: false}
	ds := newFakeDeliveryStore()
	d := newTestDispatcher(t, ds, []domain.Webhook{webhook}, http.DefaultClient)

	delivery := domain.Delivery{DeliveryID: "d1", WebhookID: "w1", Attempt: 1}
	d.attempt(context.Background(), delivery)

	if got := ds.outcomeFor("d1").Status; got != domain.DeliveryDead {
		t.Fatalf("expected dead for inactive webhook, got %v", got)
	}
}

func TestDispatcherContendedMutexRequeues(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	webhook := domain.Webhook{ID: "w1", URL: srv.URL, Active: true}
	ds := newFakeDeliveryStore()
	d := newTestDispatcher(t, ds, []domain.Webhook{webhook}, srv.Client())

	mu := d.mutexFor("w1")
	mu.Lock()
	defer mu.Unlock()

	delivery := domain.Delivery{DeliveryID: "d1", WebhookID: "w1", Attempt: 1}
	d.attempt(context.Background(), delivery)

	outcome := ds.outcomeFor("d1")
	if outcome.Status != domain.DeliveryPending {
		t.Fatalf("expected pending (requeued) on contention, got %v", outcome.Status)
	}
}

func TestParseRetryAfterSecondsAndDate(t *testing.T) {
	if d, ok := parseRetryAfter("120"); !ok || d != 120*time.Second {
		t.Fatalf("expected 120s, got %v ok=%v", d, ok)
	}
	if _, ok := parseRetryAfter(""); ok {
		t.Fatal("expected empty header to report not-ok")
	}
	future := time.Now().Add(10 * time.Minute).UTC().Format(http.TimeFormat)
	if d, ok := parseRetryAfter(future); !ok || d <= 0 {
		t.Fatalf("expected positive duration from HTTP-date, got %v ok=%v", d, ok)
	}
}
