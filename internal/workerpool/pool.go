// Copyright 2024 Google LLC
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

// Package workerpool runs a fixed number of goroutines that poll for work
// until their context is cancelled, rather than draining a fixed jobs
// channel. The dispatcher needs workers that keep claiming batches from a
// durable queue for the lifetime of the process, not a one-shot fan-out
// over a closed channel.
package workerpool

import (
	"context"
	"log/slog"
	"sync"
)

// Runner does one unit of polling work. It should claim what it can and
// return; Pool.Run calls it again immediately when it processed something,
// waits on Pool.IdlePoll first when it processed nothing, and stops once ctx
// is done.
type Runner interface {
	// RunOnce performs one poll/claim/process cycle. It returns the number of
	// items it processed (used only to decide whether to poll again
	// immediately or wait) and an error, which is logged but does not stop
	// the worker.
	RunOnce(ctx context.Context, workerID int) (processed int, err error)
}

// Pool starts numWorkers goroutines, each looping on a Runner until ctx is
// cancelled, then waits for all of them to return.
type Pool struct {
	NumWorkers int
	IdlePoll   func() <-chan struct{} // optional: caller-controlled idle wait, defaults to no wait
}

func (p Pool) Run(ctx context.Context, runner Runner) {
	if p.NumWorkers <= 0 {
		return
	}

	var wg sync.WaitGroup
	wg.Add(p.NumWorkers)

	for i := 0; i < p.NumWorkers; i++ {
		go func(workerID int) {
			defer wg.Done()
			p.loop(ctx, workerID, runner)
		}(i)
	}

	wg.Wait()
	slog.InfoContext(ctx, "worker pool stopped", "workers", p.NumWorkers)
}

func (p Pool) loop(ctx context.Context, workerID int, runner Runner) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		processed, err := runner.RunOnce(ctx, workerID)
		if err != nil {
			slog.ErrorContext(ctx, "worker iteration failed", "worker_id", workerID, "error", err)
		}

		if processed == 0 {
			select {
			case <-ctx.Done():
				return
			case <-idleWait(p.IdlePoll):
			}
		}
	}
}

func idleWait(idlePoll func() <-chan struct{}) <-chan struct{} {
	if idlePoll == nil {
		ch := make(chan struct{})
		close(ch)

		return ch
	}

	return idlePoll()
}
