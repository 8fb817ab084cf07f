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
	"github.com/blnkfinance/esb/internal/apierror"
	"github.com/blnkfinance/esb/model"
	"github.com/sirupsen/logrus"
)

// Enqueuer hands a message to the workers.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg *model.Message) error
}

// MessagePoller re-admits messages waiting for another attempt: PARTLY_FAILED
// ones after the partly-failed interval and POSTPONED ones after the
// postponed interval. Messages left behind by a crashed worker are picked up
// after the stuck interval: NEW ones are enqueued again and IN_QUEUE ones are
// postponed first, since a lock that never reached PROCESSING can be retaken.
type MessagePoller struct {
	datasource           database.IDataSource
	stateMachine         *MessageStateMachine
	enqueuer             Enqueuer
	partlyFailedInterval time.Duration
	postponedInterval    time.Duration
	stuckInterval        time.Duration
	batchSize            int
	now                  func() time.Time
}

func NewMessagePoller(datasource database.IDataSource, stateMachine *MessageStateMachine, enqueuer Enqueuer, cfg config.PollerConfig) *MessagePoller {
	return &MessagePoller{
		datasource:           datasource,
		stateMachine:         stateMachine,
		enqueuer:             enqueuer,
		partlyFailedInterval: config.Seconds(cfg.PartlyFailedInterval),
		postponedInterval:    config.Seconds(cfg.PostponedInterval),
		stuckInterval:        config.Seconds(cfg.StuckInterval),
		batchSize:            cfg.BatchSize,
		now:                  time.Now,
	}
}

// WithClock replaces the time source used for the intervals.
func (p *MessagePoller) WithClock(now func() time.Time) *MessagePoller {
	p.now = now
	return p
}

// Run is the job handler. It returns the number of messages enqueued.
func (p *MessagePoller) Run(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "Polling messages for retry")
	defer span.End()

	now := p.now()
	partlyFailed, pfErr := p.poll(ctx, model.MessagePartlyFailed, now.Add(-p.partlyFailedInterval))
	postponed, ppErr := p.poll(ctx, model.MessagePostponed, now.Add(-p.postponedInterval))
	stranded, nErr := p.poll(ctx, model.MessageNew, now.Add(-p.stuckInterval))
	rescued, iqErr := p.rescue(ctx, now.Add(-p.stuckInterval))
	return partlyFailed + postponed + stranded + rescued, errors.Join(pfErr, ppErr, nErr, iqErr)
}

func (p *MessagePoller) poll(ctx context.Context, state model.MessageState, olderThan time.Time) (int, error) {
	messages, err := p.datasource.FindMessagesByState(ctx, state, olderThan, p.batchSize)
	if err != nil {
		return 0, err
	}

	enqueued := 0
	for i := range messages {
		if p.enqueue(ctx, &messages[i], state) {
			enqueued++
		}
	}
	if enqueued > 0 {
		logrus.Infof("enqueued %d %s messages for retry", enqueued, state)
	}
	return enqueued, nil
}

// rescue postpones IN_QUEUE messages whose worker died before MarkProcessing
// and enqueues them again. While they sit in IN_QUEUE every funnel sibling is
// deferred.
func (p *MessagePoller) rescue(ctx context.Context, olderThan time.Time) (int, error) {
	messages, err := p.datasource.FindMessagesByState(ctx, model.MessageInQueue, olderThan, p.batchSize)
	if err != nil {
		return 0, err
	}

	enqueued := 0
	for i := range messages {
		fields := logrus.Fields{
			"message_id": messages[i].MessageID,
			"node_id":    messages[i].NodeID,
		}
		msg, err := p.stateMachine.MarkPostponed(ctx, messages[i].MessageID)
		if err != nil {
			if apierror.HasCode(err, apierror.ErrInvalidStateTransition) {
				logrus.WithFields(fields).Debug("queued message moved on before it was rescued")
				continue
			}
			logrus.WithFields(fields).WithError(err).Error("failed to postpone stuck message")
			continue
		}
		logrus.WithFields(fields).Warn("message stuck in queue, postponed for another attempt")
		if p.enqueue(ctx, msg, model.MessageInQueue) {
			enqueued++
		}
	}
	return enqueued, nil
}

func (p *MessagePoller) enqueue(ctx context.Context, msg *model.Message, state model.MessageState) bool {
	if err := p.enqueuer.Enqueue(ctx, msg); err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"message_id": msg.MessageID,
			"state":      state,
		}).Error("failed to enqueue message for retry")
		return false
	}
	return true
}
