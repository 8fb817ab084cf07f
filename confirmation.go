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
	"time"

	"github.com/blnkfinance/esb/config"
	"github.com/blnkfinance/esb/database"
	"github.com/blnkfinance/esb/metrics"
	"github.com/blnkfinance/esb/model"
	"github.com/sirupsen/logrus"
)

// ConfirmationLockFailureLimit is the number of lost claim races after which
// a poll run gives up and leaves the rest to other nodes.
const ConfirmationLockFailureLimit = 5

// ConfirmationSender delivers the final state of a message to its source system.
type ConfirmationSender interface {
	Confirm(ctx context.Context, msg *model.Message) error
}

// ConfirmationRetryQueue keeps undelivered confirmations as external call
// rows with the confirmation operation. Failed deliveries are retried
// without limit.
type ConfirmationRetryQueue struct {
	datasource    database.IDataSource
	retryInterval time.Duration
	now           func() time.Time
}

func NewConfirmationRetryQueue(datasource database.IDataSource, cfg config.ConfirmationConfig) *ConfirmationRetryQueue {
	return &ConfirmationRetryQueue{
		datasource:    datasource,
		retryInterval: config.Seconds(cfg.RetryInterval),
		now:           time.Now,
	}
}

// WithClock replaces the time source used for the retry interval and timestamps.
func (q *ConfirmationRetryQueue) WithClock(now func() time.Time) *ConfirmationRetryQueue {
	q.now = now
	return q
}

// InsertFailed queues msg for a later confirmation attempt.
func (q *ConfirmationRetryQueue) InsertFailed(ctx context.Context, msg *model.Message) (*model.ExternalCall, error) {
	ctx, span := tracer.Start(ctx, "Queueing failed confirmation")
	defer span.End()

	call, err := q.datasource.UpsertFailedConfirmation(ctx, model.NewFailedConfirmation(msg, q.now()))
	if err != nil {
		return nil, err
	}
	logrus.WithField("message_id", msg.MessageID).Info("confirmation queued for retry")
	return call, nil
}

// PollNext claims the oldest failed confirmation last tried before the retry
// interval. It returns nil when nothing is due and ErrLockFailure when another
// node claimed the row first.
func (q *ConfirmationRetryQueue) PollNext(ctx context.Context) (*model.ExternalCall, error) {
	now := q.now()
	return q.datasource.ClaimConfirmation(ctx, now.Add(-q.retryInterval), now)
}

func (q *ConfirmationRetryQueue) Complete(ctx context.Context, call *model.ExternalCall) error {
	_, err := q.datasource.UpdateExternalCallState(ctx, call.ID, call.Version, model.ExternalCallProcessing, model.ExternalCallOk, false, q.now())
	return err
}

// Failed puts the confirmation back in the queue and counts the attempt.
func (q *ConfirmationRetryQueue) Failed(ctx context.Context, call *model.ExternalCall) error {
	_, err := q.datasource.UpdateExternalCallState(ctx, call.ID, call.Version, model.ExternalCallProcessing, model.ExternalCallFailed, true, q.now())
	return err
}

// ConfirmationPollExecutor drains the retry queue through a sender.
type ConfirmationPollExecutor struct {
	datasource database.IDataSource
	queue      *ConfirmationRetryQueue
	sender     ConfirmationSender
}

func NewConfirmationPollExecutor(datasource database.IDataSource, queue *ConfirmationRetryQueue, sender ConfirmationSender) *ConfirmationPollExecutor {
	return &ConfirmationPollExecutor{datasource: datasource, queue: queue, sender: sender}
}

// Deliver confirms msg right away and queues it for retry when that fails.
func (e *ConfirmationPollExecutor) Deliver(ctx context.Context, msg *model.Message) error {
	ctx, span := tracer.Start(ctx, "Delivering confirmation")
	defer span.End()

	if err := e.sender.Confirm(ctx, msg); err != nil {
		metrics.Get().Confirmations.WithLabelValues("failed").Inc()
		logrus.WithError(err).WithField("message_id", msg.MessageID).Warn("confirmation failed")
		_, qErr := e.queue.InsertFailed(ctx, msg)
		return qErr
	}
	metrics.Get().Confirmations.WithLabelValues("ok").Inc()
	return nil
}

// Run is the job handler. It confirms due entries one by one until none is
// left or ConfirmationLockFailureLimit claims were lost to other nodes.
func (e *ConfirmationPollExecutor) Run(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Polling confirmations")
	defer span.End()

	lockFailures := 0
	for lockFailures < ConfirmationLockFailureLimit {
		if err := ctx.Err(); err != nil {
			return err
		}

		call, err := e.queue.PollNext(ctx)
		if err != nil {
			if errors.Is(err, ErrLockFailure) {
				lockFailures++
				continue
			}
			return err
		}
		if call == nil {
			return nil
		}
		e.retry(ctx, call)
	}

	logrus.Debugf("confirmation poll stopped after %d lock failures", lockFailures)
	return nil
}

func (e *ConfirmationPollExecutor) retry(ctx context.Context, call *model.ExternalCall) {
	fields := logrus.Fields{
		"message_id":   call.MessageID,
		"failed_count": call.FailedCount,
	}

	msg, err := e.datasource.GetMessage(ctx, call.MessageID)
	if err == nil {
		err = e.sender.Confirm(ctx, msg)
	}
	if err != nil {
		metrics.Get().Confirmations.WithLabelValues("failed").Inc()
		logrus.WithFields(fields).WithError(err).Warn("confirmation retry failed")
		if err := e.queue.Failed(ctx, call); err != nil {
			logrus.WithFields(fields).WithError(err).Error("failed to requeue confirmation")
		}
		return
	}

	metrics.Get().Confirmations.WithLabelValues("ok").Inc()
	if err := e.queue.Complete(ctx, call); err != nil {
		logrus.WithFields(fields).WithError(err).Error("failed to complete confirmation")
	}
}
