/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package circuitbreaker gates downstream calls per named circuit using a
// sliding window of call outcomes.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/blnkfinance/esb/metrics"
	"github.com/blnkfinance/esb/model"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
)

// ErrCircuitDown is returned while a circuit is open.
var ErrCircuitDown = errors.New("circuit is down")

type CircuitBreaker struct {
	store CircuitStateStore
	now   func() time.Time
}

func New(store CircuitStateStore) *CircuitBreaker {
	return &CircuitBreaker{store: store, now: time.Now}
}

// WithClock replaces the time source, mainly for tests.
func (cb *CircuitBreaker) WithClock(now func() time.Time) *CircuitBreaker {
	cb.now = now
	return cb
}

func (cb *CircuitBreaker) Store() CircuitStateStore {
	return cb.store
}

// CheckOpen fails with ErrCircuitDown while now < lastOpenedAt + sleepMillis.
func (cb *CircuitBreaker) CheckOpen(ctx context.Context, cfg model.CircuitConfig) error {
	if !cfg.Enabled {
		return nil
	}

	state, err := cb.store.Get(ctx, cfg.Name)
	if err != nil {
		return err
	}
	now := cb.now().UnixMilli()
	if until := state.OpenUntil(cfg); now < until {
		metrics.Get().CircuitRejected.WithLabelValues(cfg.Name).Inc()
		return fmt.Errorf("%w: %s is open for another %dms", ErrCircuitDown, cfg.Name, until-now)
	}
	return nil
}

// IsOpen reports whether calls under cfg are fast-failed at the current time.
// Unlike CheckOpen it counts nothing, so it suits status reads.
func (cb *CircuitBreaker) IsOpen(state *model.CircuitState, cfg model.CircuitConfig) bool {
	return cfg.Enabled && cb.now().UnixMilli() < state.OpenUntil(cfg)
}

// RecordOutcome appends the outcome to the window of the circuit and opens it
// when the failure ratio reaches the threshold.
func (cb *CircuitBreaker) RecordOutcome(ctx context.Context, cfg model.CircuitConfig, success bool) error {
	if !cfg.Enabled {
		return nil
	}

	ctx, span := otel.Tracer("esb.circuitbreaker").Start(ctx, "Recording circuit outcome")
	defer span.End()

	opened, err := cb.store.RecordAndEvaluate(ctx, cfg, success, cb.now().UnixMilli())
	if err != nil {
		return err
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	metrics.Get().CircuitOutcomes.WithLabelValues(cfg.Name, outcome).Inc()
	if opened {
		metrics.Get().CircuitOpened.WithLabelValues(cfg.Name).Inc()
		logrus.WithFields(logrus.Fields{
			"circuit":      cfg.Name,
			"sleep_millis": cfg.SleepMillis,
		}).Warn("circuit opened")
	}
	return nil
}

// Execute gates fn by the circuit and records its outcome. An ErrCircuitDown
// coming back from fn belongs to another circuit and is not recorded here.
func (cb *CircuitBreaker) Execute(ctx context.Context, cfg model.CircuitConfig, fn func(ctx context.Context) error) error {
	if err := cb.CheckOpen(ctx, cfg); err != nil {
		return err
	}

	callErr := fn(ctx)
	if errors.Is(callErr, ErrCircuitDown) {
		return callErr
	}
	if err := cb.RecordOutcome(ctx, cfg, callErr == nil); err != nil {
		logrus.WithError(err).WithField("circuit", cfg.Name).Error("failed to record circuit outcome")
	}
	return callErr
}

// Evaluate applies one outcome at now to state: append, prune everything older
// than the window, then open the circuit when enough calls were seen and the
// failure percentage reaches the threshold. It reports whether the circuit opened.
func Evaluate(state *model.CircuitState, cfg model.CircuitConfig, success bool, now int64) bool {
	if success {
		state.SuccessTimestamps = append(state.SuccessTimestamps, now)
	} else {
		state.FailureTimestamps = append(state.FailureTimestamps, now)
	}

	windowStart := now - cfg.WindowMillis
	state.SuccessTimestamps = prune(state.SuccessTimestamps, windowStart)
	state.FailureTimestamps = prune(state.FailureTimestamps, windowStart)

	failures := len(state.FailureTimestamps)
	total := len(state.SuccessTimestamps) + failures
	if total == 0 || total < cfg.MinimalCountInWindow {
		return false
	}

	if failures*100 >= cfg.ThresholdPercentage*total {
		state.SuccessTimestamps = state.SuccessTimestamps[:0]
		state.FailureTimestamps = state.FailureTimestamps[:0]
		state.LastOpenedAt = now
		return true
	}
	return false
}

func prune(ts []int64, windowStart int64) []int64 {
	kept := ts[:0]
	for _, t := range ts {
		if t >= windowStart {
			kept = append(kept, t)
		}
	}
	return kept
}
