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

// Package config assembles a Config from the process environment, in the
// fail-fast style of the rest of this codebase's cmd/ entrypoints: malformed
// input is a startup error, not a runtime surprise.
package config

import (
	"cmp"
	"fmt"
	"os"
	"strconv"

	"github.com/oculairmedia/huly-webhook-service/internal/changestream"
	"github.com/oculairmedia/huly-webhook-service/internal/circuitbreaker"
	"github.com/oculairmedia/huly-webhook-service/internal/deliveryqueue"
	"github.com/oculairmedia/huly-webhook-service/internal/dispatcher"
)

// Config is the recognized option set of spec.md §6.
type Config struct {
	MongoURI string
	MongoDB  string

	ChangeStream   changestream.Config
	Retry          deliveryqueue.Config
	CircuitBreaker circuitbreaker.Config
	Dispatcher     dispatcher.Config
}

// FromEnv reads the process environment into a Config, applying the same
// defaults each component applies internally when a value is unset.
func FromEnv() (Config, error) {
	cfg := Config{
		MongoURI: cmp.Or(os.Getenv("MONGO_URI"), "mongodb://localhost:27017"),
		MongoDB:  cmp.Or(os.Getenv("MONGO_DATABASE"), "huly"),
	}

	var err error

	cfg.ChangeStream.PartitionID = cmp.Or(os.Getenv("CHANGE_STREAM_PARTITION_ID"), "default")
	batchSize, err := envInt("CHANGE_STREAM_BATCH_SIZE", 100)
	if err != nil {
		return Config{}, err
	}
	cfg.ChangeStream.BatchSize = int32(batchSize)
	if cfg.ChangeStream.ReconnectBaseMs, err = envInt64("CHANGE_STREAM_RECONNECT_BASE_MS", 500); err != nil {
		return Config{}, err
	}
	if cfg.ChangeStream.ReconnectCapMs, err = envInt64("CHANGE_STREAM_RECONNECT_CAP_MS", 30000); err != nil {
		return Config{}, err
	}

	if cfg.Retry.BaseMs, err = envInt64("RETRY_BASE_MS", 1000); err != nil {
		return Config{}, err
	}
	if cfg.Retry.CapMs, err = envInt64("RETRY_CAP_MS", 3_600_000); err != nil {
		return Config{}, err
	}
	retryMaxAttempts, err := envInt("RETRY_MAX_ATTEMPTS", 8)
	if err != nil {
		return Config{}, err
	}
	cfg.Retry.MaxAttempts = retryMaxAttempts

	cfg.CircuitBreaker = circuitbreaker.DefaultConfig()
	if cfg.CircuitBreaker.FailureThreshold, err = envInt("CB_FAILURE_THRESHOLD", cfg.CircuitBreaker.FailureThreshold); err != nil {
		return Config{}, err
	}
	if cfg.CircuitBreaker.TimeoutMs, err = envInt64("CB_TIMEOUT_MS", cfg.CircuitBreaker.TimeoutMs); err != nil {
		return Config{}, err
	}
	if cfg.CircuitBreaker.ResetTimeoutMs, err = envInt64("CB_RESET_TIMEOUT_MS", cfg.CircuitBreaker.ResetTimeoutMs); err != nil {
		return Config{}, err
	}
	if cfg.CircuitBreaker.SuccessThreshold, err = envInt("CB_SUCCESS_THRESHOLD", cfg.CircuitBreaker.SuccessThreshold); err != nil {
		return Config{}, err
	}
	if cfg.CircuitBreaker.VolumeThreshold, err = envInt("CB_VOLUME_THRESHOLD", cfg.CircuitBreaker.VolumeThreshold); err != nil {
		return Config{}, err
	}

	workers, err := envInt("DISPATCHER_WORKERS", 16)
	if err != nil {
		return Config{}, err
	}
	cfg.Dispatcher.Workers = workers
	if cfg.Dispatcher.PerRequestTimeoutMs, err = envInt64("DISPATCHER_REQUEST_TIMEOUT_MS", 30000); err != nil {
		return Config{}, err
	}
	if cfg.Dispatcher.LeaseMs, err = envInt64("DISPATCHER_LEASE_MS", 60000); err != nil {
		return Config{}, err
	}
	gracePeriodSec, err := envInt("GRACE_PERIOD_SEC", 30)
	if err != nil {
		return Config{}, err
	}
	cfg.Dispatcher.GracePeriodSec = gracePeriodSec
	if cfg.Dispatcher.IdlePollMs, err = envInt64("DISPATCHER_IDLE_POLL_MS", 250); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func envInt(key string, def int) (int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return def, nil
	}

	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("config: parse %s=%q: %w", key, raw, err)
	}

	return v, nil
}

func envInt64(key string, def int64) (int64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return def, nil
	}

	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config: parse %s=%q: %w", key, raw, err)
	}

	return v, nil
}
