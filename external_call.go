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

package esb

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/blnkfinance/esb/circuitbreaker"
	"github.com/blnkfinance/esb/database"
	"github.com/blnkfinance/esb/metrics"
	"github.com/blnkfinance/esb/model"
	"github.com/sirupsen/logrus"
)

// ExternalCallLedger guarantees that a downstream operation runs at most once
// per dedup key at a time, and never again for a key that already succeeded
// with the same source timestamp.
type ExternalCallLedger struct {
	datasource  database.IDataSource
	breaker     *circuitbreaker.CircuitBreaker
	circuits    *circuitbreaker.Registry
	skipPattern *regexp.Regexp
	now         func() time.Time
}

// NewExternalCallLedger builds a ledger. breaker and circuits may be nil, in
// which case calls are never gated. An empty skipURIPattern disables skipping.
func NewExternalCallLedger(datasource database.IDataSource, breaker *circuitbreaker.CircuitBreaker, circuits *circuitbreaker.Registry, skipURIPattern string) (*ExternalCallLedger, error) {
	l := &ExternalCallLedger{
		datasource: datasource,
		breaker:    breaker,
		circuits:   circuits,
		now:        time.Now,
	}
	if skipURIPattern != "" {
		re, err := regexp.Compile(skipURIPattern)
		if err != nil {
			return nil, fmt.Errorf("invalid external call skip pattern: %w", err)
		}
		l.skipPattern = re
	}
	return l, nil
}

// WithClock replaces the time source used for timestamps.
func (l *ExternalCallLedger) WithClock(now func() time.Time) *ExternalCallLedger {
	l.now = now
	return l
}

// Prepare claims the ledger row of (operation, key) for msg.
//
// It returns the PROCESSING row the caller now owns, or nil when the call must
// be skipped: the operation matches the skip pattern, the same message already
// succeeded, or, for entity keys, a newer message already went through.
// ErrLockFailure is returned while another call holds the key.
func (l *ExternalCallLedger) Prepare(ctx context.Context, operation string, key CallKey, msg *model.Message) (*model.ExternalCall, error) {
	ctx, span := tracer.Start(ctx, "Preparing external call")
	defer span.End()

	fields := logrus.Fields{
		"operation":  operation,
		"key":        key.Value,
		"message_id": msg.MessageID,
	}

	if l.skipPattern != nil && l.skipPattern.MatchString(operation) {
		metrics.Get().ExternalCalls.WithLabelValues(operation, "skipped").Inc()
		return nil, nil
	}

	result := "locked"
	call, err := l.datasource.LockExternalCall(ctx, operation, key.Value, func(existing *model.ExternalCall) (*model.ExternalCall, error) {
		now := l.now()
		if existing == nil {
			return &model.ExternalCall{
				State:        model.ExternalCallProcessing,
				MessageID:    msg.MessageID,
				MsgTimestamp: msg.MsgTimestamp,
				CreatedAt:    now,
				LastUpdateAt: now,
			}, nil
		}

		switch existing.State {
		case model.ExternalCallProcessing:
			return nil, lockFailure("external call %s is already in progress", existing.OperationKey())
		case model.ExternalCallOk:
			if existing.MsgTimestamp.Equal(msg.MsgTimestamp) {
				result = "duplicate"
				return nil, nil
			}
			if key.Type == KeyTypeEntity && existing.MsgTimestamp.After(msg.MsgTimestamp) {
				result = "obsolete"
				return nil, nil
			}
		case model.ExternalCallFailed:
			if key.Type == KeyTypeEntity && existing.MsgTimestamp.After(msg.MsgTimestamp) {
				result = "obsolete"
				return nil, nil
			}
		}

		next := *existing
		next.State = model.ExternalCallProcessing
		next.MessageID = msg.MessageID
		next.MsgTimestamp = msg.MsgTimestamp
		next.LastUpdateAt = now
		return &next, nil
	})
	if err != nil {
		if errors.Is(err, ErrLockFailure) {
			metrics.Get().ExternalCalls.WithLabelValues(operation, "contended").Inc()
			logrus.WithFields(fields).Debug("external call is locked by another message")
		}
		return nil, err
	}

	metrics.Get().ExternalCalls.WithLabelValues(operation, result).Inc()
	if call == nil {
		logrus.WithFields(fields).WithField("reason", result).Info("external call skipped")
	}
	return call, nil
}

// Complete marks a prepared call OK. Finalizing an already finished call, or one
// that was repaired and re-locked since Prepare, is a no-op.
func (l *ExternalCallLedger) Complete(ctx context.Context, call *model.ExternalCall) error {
	return l.finalize(ctx, call, model.ExternalCallOk)
}

// Failed marks a prepared call FAILED. Finalizing an already finished call is a no-op.
func (l *ExternalCallLedger) Failed(ctx context.Context, call *model.ExternalCall) error {
	return l.finalize(ctx, call, model.ExternalCallFailed)
}

func (l *ExternalCallLedger) finalize(ctx context.Context, call *model.ExternalCall, to model.ExternalCallState) error {
	if call == nil {
		return nil
	}
	updated, err := l.datasource.UpdateExternalCallState(ctx, call.ID, call.Version, model.ExternalCallProcessing, to, false, l.now())
	if err != nil {
		return err
	}
	if !updated {
		logrus.WithFields(logrus.Fields{
			"operation":  call.OperationName,
			"key":        call.EntityID,
			"message_id": call.MessageID,
			"state":      to,
		}).Warn("external call was finalized or taken over by another holder")
		return nil
	}
	call.State = to
	call.Version++
	return nil
}

// Execute runs fn behind the ledger and the circuit named after the target of
// site. fn is not called when the ledger skips the call or the circuit is
// open. The ledger row is always finalized, even if fn panics.
func (l *ExternalCallLedger) Execute(ctx context.Context, site CallSite, msg *model.Message, cc CallContext, fn func(ctx context.Context) error) error {
	ctx, span := tracer.Start(ctx, "Executing external call")
	defer span.End()

	key, err := BuildKey(site.KeyType, msg, cc)
	if err != nil {
		return err
	}
	call, err := l.Prepare(ctx, cc.operation(site), key, msg)
	if err != nil || call == nil {
		return err
	}

	success := false
	defer func() {
		finalize := l.Failed
		if success {
			finalize = l.Complete
		}
		if err := finalize(context.WithoutCancel(ctx), call); err != nil {
			logrus.WithError(err).WithField("operation", call.OperationName).Error("failed to finalize external call")
		}
	}()

	circuit, gated := l.circuits.Lookup(site.TargetURI)
	gated = gated && l.breaker != nil
	if gated {
		if err := l.breaker.CheckOpen(ctx, circuit); err != nil {
			return err
		}
	}

	callErr := fn(ctx)
	success = callErr == nil
	if cc.Success != nil {
		success = *cc.Success
	}

	if gated && !errors.Is(callErr, circuitbreaker.ErrCircuitDown) {
		if err := l.breaker.RecordOutcome(ctx, circuit, success); err != nil {
			logrus.WithError(err).WithField("circuit", circuit.Name).Error("failed to record circuit outcome")
		}
	}
	return callErr
}
