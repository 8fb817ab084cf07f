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
	"time"

	"github.com/blnkfinance/esb/config"
	"github.com/blnkfinance/esb/database"
	"github.com/blnkfinance/esb/internal/notification"
	"github.com/blnkfinance/esb/metrics"
	"github.com/blnkfinance/esb/model"
	"github.com/sirupsen/logrus"
)

// RepairBatchSize is the number of rows claimed per repair transaction.
const RepairBatchSize = 10

const crashedTooManyTimesDesc = "crashed too many times"

// RepairScheduler recovers work left behind by crashed workers: messages and
// external calls stuck in PROCESSING for longer than the repair interval.
type RepairScheduler struct {
	datasource     database.IDataSource
	stateMachine   *MessageStateMachine
	repairInterval time.Duration
	maxFailures    int
	notify         func(error)
	now            func() time.Time
}

func NewRepairScheduler(datasource database.IDataSource, stateMachine *MessageStateMachine, cfg config.RepairConfig) *RepairScheduler {
	return &RepairScheduler{
		datasource:     datasource,
		stateMachine:   stateMachine,
		repairInterval: config.Seconds(cfg.RepairInterval),
		maxFailures:    cfg.MaxFailuresBeforeFatal,
		notify:         notification.NotifyError,
		now:            time.Now,
	}
}

// WithClock replaces the time source used for the stuck threshold and timestamps.
func (r *RepairScheduler) WithClock(now func() time.Time) *RepairScheduler {
	r.now = now
	return r
}

// Run is the job handler: both sweeps, one after the other.
func (r *RepairScheduler) Run(ctx context.Context) error {
	_, msgErr := r.RepairMessages(ctx)
	_, callErr := r.RepairExternalCalls(ctx)
	return errors.Join(msgErr, callErr)
}

// RepairMessages sweeps stuck PROCESSING messages in batches. A message that
// has crashed maxFailures times is failed for good; any other is handed back
// for a retry as PARTLY_FAILED with one more failure counted.
func (r *RepairScheduler) RepairMessages(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "Repairing stuck messages")
	defer span.End()

	total := 0
	for {
		now := r.now()
		repaired, claimed, err := r.datasource.RepairMessages(ctx, now.Add(-r.repairInterval), RepairBatchSize, func(m *model.Message) error {
			r.repairMessage(m, now)
			return nil
		})
		if err != nil {
			return total, err
		}
		total += len(repaired)

		for i := range repaired {
			r.afterRepair(ctx, &repaired[i])
		}

		if claimed < RepairBatchSize || len(repaired) == 0 {
			break
		}
	}

	if total > 0 {
		logrus.Infof("repaired %d stuck messages", total)
	}
	return total, nil
}

func (r *RepairScheduler) repairMessage(m *model.Message, now time.Time) {
	m.LastUpdateAt = now
	if m.FailedCount >= r.maxFailures {
		m.State = model.MessageFailed
		m.FailedErrorCode = ErrorCodeCrashedTooManyTimes
		m.FailedDesc = crashedTooManyTimesDesc
		return
	}
	m.State = model.MessagePartlyFailed
	m.FailedCount++
}

// afterRepair runs the follow-ups that cannot share the batch transaction.
func (r *RepairScheduler) afterRepair(ctx context.Context, msg *model.Message) {
	fields := logrus.Fields{
		"message_id":   msg.MessageID,
		"failed_count": msg.FailedCount,
	}

	if msg.State != model.MessageFailed {
		metrics.Get().RepairedMessages.WithLabelValues("partly_failed").Inc()
		metrics.Get().MessageTransitions.WithLabelValues(string(model.MessagePartlyFailed)).Inc()
		logrus.WithFields(fields).Warn("stuck message handed back for retry")
		return
	}

	metrics.Get().RepairedMessages.WithLabelValues("fatal").Inc()
	metrics.Get().MessageTransitions.WithLabelValues(string(model.MessageFailed)).Inc()
	logrus.WithFields(fields).Error("stuck message failed, crashed too many times")

	r.stateMachine.finished(ctx, msg)
	if err := r.stateMachine.afterTerminal(ctx, msg); err != nil {
		logrus.WithFields(fields).WithError(err).Error("failed to propagate repaired failure to parent")
	}
	if r.notify != nil {
		r.notify(fmt.Errorf("message %s (%s/%s) failed after %d crashes: %s",
			msg.MessageID, msg.Service, msg.Operation, msg.FailedCount, crashedTooManyTimesDesc))
	}
}

// RepairExternalCalls fails external calls stuck in PROCESSING so their keys
// can be locked again. The failure counter is left as is.
func (r *RepairScheduler) RepairExternalCalls(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "Repairing stuck external calls")
	defer span.End()

	total := 0
	for {
		now := r.now()
		repaired, err := r.datasource.RepairExternalCalls(ctx, now.Add(-r.repairInterval), RepairBatchSize, now)
		if err != nil {
			return total, err
		}
		total += len(repaired)
		metrics.Get().RepairedExternalCalls.Add(float64(len(repaired)))

		for _, call := range repaired {
			logrus.WithFields(logrus.Fields{
				"operation":  call.OperationName,
				"key":        call.EntityID,
				"message_id": call.MessageID,
			}).Warn("stuck external call failed")
		}

		if len(repaired) < RepairBatchSize {
			break
		}
	}
	return total, nil
}
