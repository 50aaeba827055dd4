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

// Package changestream tails the MongoDB change stream backing a Huly
// workspace and emits normalized RawChange records on a bounded channel,
// reconnecting with exponential backoff on transient driver errors. The
// reader never persists resume tokens itself: each RawChange carries its
// token, and the caller checkpoints it once the change is durably enqueued
// (spec.md §4.1).
package changestream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// ErrInvalidated signals a hard stop: the underlying change stream reported
// an `invalidate` event (collection/database dropped or renamed) and
// requires operator intervention before the reader can resume.
var ErrInvalidated = errors.New("changestream: cursor invalidated, operator intervention required")

// Cursor is the subset of *mongo.ChangeStream this package drives. It exists
// so tests can supply a fake cursor without a live MongoDB deployment; the
// real driver's *mongo.ChangeStream satisfies it without an adapter.
type Cursor interface {
	Next(ctx context.Context) bool
	Decode(val any) error
	Err() error
	Close(ctx context.Context) error
	ResumeToken() bson.Raw
}

// Watcher opens a change-stream cursor, mirroring *mongo.Collection.Watch /
// *mongo.Database.Watch.
type Watcher interface {
	Watch(ctx context.Context, pipeline any,
		opts ...options.Lister[options.ChangeStreamOptions]) (Cursor, error)
}

// CollectionWatcher adapts a *mongo.Collection to Watcher for production use.
type CollectionWatcher struct {
	Collection *mongo.Collection
}

func (w CollectionWatcher) Watch(ctx context.Context, pipeline any,
	opts ...options.Lister[options.ChangeStreamOptions]) (Cursor, error) {
	return w.Collection.Watch(ctx, pipeline, opts...)
}

// Config controls reconnect backoff and batching (spec.md §6 changeStream options).
type Config struct {
	PartitionID     string
	BatchSize       int32
	ReconnectBaseMs int64
	ReconnectCapMs  int64
}

func (c Config) withDefaults() Config {
	if c.BatchSize == 0 {
		c.BatchSize = 100
	}
	if c.ReconnectBaseMs == 0 {
		c.ReconnectBaseMs = 500
	}
	if c.ReconnectCapMs == 0 {
		c.ReconnectCapMs = 30_000
	}

	return c
}

// Reader tails a change stream and emits RawChange records.
type Reader struct {
	watcher Watcher
	cfg     Config
}

func NewReader(watcher Watcher, cfg Config) *Reader {
	return &Reader{watcher: watcher, cfg: cfg.withDefaults()}
}

// Start opens a tailable cursor beginning after resumeToken (or "now" if
// resumeToken is empty) and streams RawChange records to out until ctx is
// cancelled or an ErrInvalidated is encountered. The reader blocks on a full
// out channel rather than drop records (spec.md §4.1 backpressure).
//
// Reconnection on transient driver errors uses the same exponential-backoff
// helper the teacher reaches for in lib/valkeycache/cache.go, with full
// jitter (base 500ms, cap 30s per spec.md §4.1).
func (r *Reader) Start(ctx context.Context, resumeToken string, out chan<- RawChange) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		runErr := r.runOnce(ctx, resumeToken, out, func(token string) { resumeToken = token })
		if runErr == nil {
			return struct{}{}, nil
		}
		if errors.Is(runErr, ErrInvalidated) {
			slog.ErrorContext(ctx, "change stream invalidated, halting ingestion", "error", runErr)

			return struct{}{}, backoff.Permanent(runErr)
		}

		slog.WarnContext(ctx, "change stream disconnected, reconnecting", "error", runErr)

		return struct{}{}, runErr
	}, backoff.WithBackOff(r.reconnectBackOff()))

	if errors.Is(err, ErrInvalidated) {
		return err
	}
	if ctx.Err() != nil {
		return nil
	}

	return err
}

func (r *Reader) reconnectBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Duration(r.cfg.ReconnectBaseMs) * time.Millisecond
	b.MaxInterval = time.Duration(r.cfg.ReconnectCapMs) * time.Millisecond
	b.RandomizationFactor = 1.0 // full jitter per spec.md §4.1

	return b
}

func (r *Reader) runOnce(ctx context.Context, resumeToken string, out chan<- RawChange,
	advance func(string)) error {
	csOpts := options.ChangeStream().SetBatchSize(r.cfg.BatchSize).SetFullDocument(options.UpdateLookup)
	if resumeToken != "" {
		var raw bson.Raw
		if err := bson.UnmarshalExtJSON([]byte(resumeToken), true, &raw); err != nil {
			return fmt.Errorf("changestream: invalid resume token: %w", err)
		}
		csOpts = csOpts.SetResumeAfter(raw)
	}

	cursor, err := r.watcher.Watch(ctx, mongo.Pipeline{}, csOpts)
	if err != nil {
		return fmt.Errorf("changestream: watch failed: %w", err)
	}
	defer cursor.Close(ctx)

	for cursor.Next(ctx) {
		change, convErr := decode(cursor)
		if convErr != nil {
			slog.ErrorContext(ctx, "failed to decode change document", "error", convErr)

			continue
		}

		select {
		case out <- change:
		case <-ctx.Done():
			return nil
		}

		advance(change.ResumeToken)

		if change.OperationType == OpInvalidate {
			return ErrInvalidated
		}
	}

	if err := cursor.Err(); err != nil {
		return fmt.Errorf("changestream: cursor error: %w", err)
	}

	// Cursor ended without an explicit invalidate and without an error: the
	// driver lost the cursor. Start reconnects after the last token this
	// reader emitted (or the token it was started with, if none).
	slog.WarnContext(ctx, "change stream cursor closed unexpectedly, reconnecting from last emitted token")

	return fmt.Errorf("changestream: %w", mongo.ErrNilCursor)
}

type rawChangeDoc struct {
	OperationType     string         `bson:"operationType"`
	NS                Namespace      `bson:"ns"`
	DocumentKey       bson.M         `bson:"documentKey"`
	UpdateDescription *rawUpdateDesc `bson:"updateDescription"`
	FullDocument      bson.M         `bson:"fullDocument"`
	FullDocBefore     bson.M         `bson:"fullDocumentBeforeChange"`
	ClusterTime       bson.Timestamp `bson:"clusterTime"`
}

type rawUpdateDesc struct {
	// UpdatedFields is decoded as a bson.D, not a bson.M: the update
	// classifier's "first match wins" rule (spec.md §4.2) depends on the
	// document's field order, which a Go map does not preserve.
	UpdatedFields bson.D   `bson:"updatedFields"`
	RemovedFields []string `bson:"removedFields"`
}

func decode(cursor Cursor) (RawChange, error) {
	var doc rawChangeDoc
	if err := cursor.Decode(&doc); err != nil {
		return RawChange{}, fmt.Errorf("changestream: decode change document: %w", err)
	}

	change := RawChange{
		OperationType:            OperationType(doc.OperationType),
		Namespace:                doc.NS,
		DocumentKey:              bsonMToMap(doc.DocumentKey),
		FullDocument:             bsonMToMap(doc.FullDocument),
		FullDocumentBeforeChange: bsonMToMap(doc.FullDocBefore),
		ClusterTime:              time.Unix(int64(doc.ClusterTime.T), 0).UTC(),
		ResumeToken:              cursor.ResumeToken().String(),
	}

	if doc.UpdateDescription != nil {
		change.UpdateDescription = &UpdateDescription{
			UpdatedFields: bsonDToOrderedFields(doc.UpdateDescription.UpdatedFields),
			RemovedFields: doc.UpdateDescription.RemovedFields,
		}
	}

	return change, nil
}

func bsonDToOrderedFields(d bson.D) []UpdatedField {
	if d == nil {
		return nil
	}
	out := make([]UpdatedField, 0, len(d))
	for _, elem := range d {
		out = append(out, UpdatedField{Key: elem.Key, Value: elem.Value})
	}

	return out
}

func bsonMToMap(m bson.M) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}

	return out
}
