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
	"time"

	"github.com/blnkfinance/esb/database"
	"github.com/blnkfinance/esb/metrics"
	"github.com/blnkfinance/esb/model"
	"github.com/sirupsen/logrus"
)

// LockOutcome is the result of LockForProcessing.
type LockOutcome int

const (
	// LockAcquired means the caller owns the message and must process it.
	LockAcquired LockOutcome = iota
	// LockTaken means another worker locked the message first.
	LockTaken
	// LockDeferred means a message with the same funnel value is in flight.
	// The message was postponed.
	LockDeferred
)

func (o LockOutcome) String() string {
	switch o {
	case LockAcquired:
		return "acquired"
	case LockTaken:
		return "taken"
	case LockDeferred:
		return "deferred"
	default:
		return "unknown"
	}
}

type transition struct {
	name string
	from []model.MessageState
	to   model.MessageState
}

func (t transition) allows(state model.MessageState) bool {
	for _, s := range t.from {
		if s == state {
			return true
		}
	}
	return false
}

var (
	lockForProcessing = transition{
		name: "LockForProcessing",
		from: []model.MessageState{model.MessageNew, model.MessagePartlyFailed, model.MessagePostponed, model.MessageWaitingForResponse},
		to:   model.MessageInQueue,
	}
	markProcessing = transition{
		name: "MarkProcessing",
		from: []model.MessageState{model.MessageInQueue},
		to:   model.MessageProcessing,
	}
	markWaiting = transition{
		name: "MarkWaiting",
		from: []model.MessageState{model.MessageProcessing},
		to:   model.MessageWaiting,
	}
	markWaitingForResponse = transition{
		name: "MarkWaitingForResponse",
		from: []model.MessageState{model.MessageProcessing},
		to:   model.MessageWaitingForResponse,
	}
	markPartlyFailedNoError = transition{
		name: "MarkPartlyFailedNoError",
		from: []model.MessageState{model.MessageNew, model.MessageProcessing},
		to:   model.MessagePartlyFailed,
	}
	markPartlyFailed = transition{
		name: "MarkPartlyFailed",
		from: []model.MessageState{model.MessageProcessing},
		to:   model.MessagePartlyFailed,
	}
	markFailed = transition{
		name: "MarkFailed",
		from: []model.MessageState{model.MessageNew, model.MessageProcessing, model.MessagePartlyFailed},
		to:   model.MessageFailed,
	}
	markFatal = transition{
		name: "MarkFatal",
		from: []model.MessageState{model.MessageProcessing},
		to:   model.MessageFailed,
	}
	markPostponed = transition{
		name: "MarkPostponed",
		from: []model.MessageState{model.MessageNew, model.MessagePartlyFailed, model.MessageInQueue},
		to:   model.MessagePostponed,
	}
	markOk = transition{
		name: "MarkOk",
		from: []model.MessageState{model.MessageProcessing, model.MessageWaiting, model.MessageWaitingForResponse},
		to:   model.MessageOk,
	}
	markCancel = transition{
		name: "MarkCancel",
		from: []model.MessageState{model.MessageNew, model.MessagePartlyFailed, model.MessagePostponed},
		to:   model.MessageCancel,
	}
)

// MessageStateMachine moves messages through their lifecycle. Every
// transition is a conditional update of the locked message row, so two
// workers can never both move a message out of the same state.
type MessageStateMachine struct {
	datasource database.IDataSource
	nodeID     string
	now        func() time.Time
	onFinished func(ctx context.Context, msg *model.Message)
}

func NewMessageStateMachine(datasource database.IDataSource, nodeID string) *MessageStateMachine {
	return &MessageStateMachine{datasource: datasource, nodeID: nodeID, now: time.Now}
}

// WithClock replaces the time source used for timestamps.
func (sm *MessageStateMachine) WithClock(now func() time.Time) *MessageStateMachine {
	sm.now = now
	return sm
}

// OnFinished registers fn to be called for ancestors that reach a terminal
// state through propagation from a child.
func (sm *MessageStateMachine) OnFinished(fn func(ctx context.Context, msg *model.Message)) {
	sm.onFinished = fn
}

func (sm *MessageStateMachine) finished(ctx context.Context, msg *model.Message) {
	if sm.onFinished != nil {
		sm.onFinished(ctx, msg)
	}
}

// LockForProcessing moves a message into IN_QUEUE for this node.
//
// A message already IN_QUEUE or PROCESSING was taken by a concurrent worker:
// the current row is returned with LockTaken and no error. When the message
// carries a funnel value and a sibling with the same value is in flight, the
// message is postponed and LockDeferred is returned. Messages resuming from
// WAITING_FOR_RESPONSE bypass the funnel because they already hold its slot.
func (sm *MessageStateMachine) LockForProcessing(ctx context.Context, messageID string) (*model.Message, LockOutcome, error) {
	ctx, span := tracer.Start(ctx, "Locking message for processing")
	defer span.End()

	outcome := LockAcquired
	msg, err := sm.datasource.UpdateMessage(ctx, messageID, func(tx database.MessageTx, m *model.Message) error {
		if !lockForProcessing.allows(m.State) {
			if m.State == model.MessageInQueue || m.State == model.MessageProcessing {
				outcome = LockTaken
				return database.ErrNoUpdate
			}
			return invalidTransition(lockForProcessing.name, m)
		}

		now := sm.now()
		if m.FunnelValue != "" && m.State != model.MessageWaitingForResponse {
			busy, err := tx.FunnelInFlight(ctx, m.FunnelValue, m.MessageID)
			if err != nil {
				return err
			}
			if busy {
				outcome = LockDeferred
				m.State = model.MessagePostponed
				m.LastUpdateAt = now
				return nil
			}
		}

		m.State = model.MessageInQueue
		m.NodeID = sm.nodeID
		m.StartInQueueAt = &now
		m.LastUpdateAt = now
		return nil
	})
	if err != nil {
		return nil, outcome, err
	}

	metrics.Get().LockOutcomes.WithLabelValues(outcome.String()).Inc()
	switch outcome {
	case LockAcquired:
		metrics.Get().MessageTransitions.WithLabelValues(string(model.MessageInQueue)).Inc()
	case LockDeferred:
		metrics.Get().MessageTransitions.WithLabelValues(string(model.MessagePostponed)).Inc()
		logrus.WithFields(logrus.Fields{
			"message_id":   msg.MessageID,
			"funnel_value": msg.FunnelValue,
		}).Info("message postponed, funnel sibling in flight")
	}
	return msg, outcome, nil
}

// apply runs t against the locked message. mutate, when set, adjusts the
// message after the state has been changed.
func (sm *MessageStateMachine) apply(ctx context.Context, messageID string, t transition, mutate func(m *model.Message)) (*model.Message, error) {
	msg, err := sm.datasource.UpdateMessage(ctx, messageID, func(_ database.MessageTx, m *model.Message) error {
		if !t.allows(m.State) {
			return invalidTransition(t.name, m)
		}
		m.State = t.to
		m.LastUpdateAt = sm.now()
		if mutate != nil {
			mutate(m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.Get().MessageTransitions.WithLabelValues(string(t.to)).Inc()
	return msg, nil
}

// MarkProcessing is called by the worker that locked the message.
func (sm *MessageStateMachine) MarkProcessing(ctx context.Context, messageID string) (*model.Message, error) {
	ctx, span := tracer.Start(ctx, "Marking message processing")
	defer span.End()

	return sm.apply(ctx, messageID, markProcessing, func(m *model.Message) {
		now := m.LastUpdateAt
		m.StartProcessingAt = &now
	})
}

// MarkWaiting parks a parent message until its children finish. If they
// already have, the parent is resolved straight away.
func (sm *MessageStateMachine) MarkWaiting(ctx context.Context, messageID string) (*model.Message, error) {
	ctx, span := tracer.Start(ctx, "Marking message waiting")
	defer span.End()

	msg, err := sm.apply(ctx, messageID, markWaiting, nil)
	if err != nil {
		return nil, err
	}
	resolved, err := sm.resolveParent(ctx, msg.MessageID)
	if err != nil {
		return nil, err
	}
	if resolved != nil {
		return resolved, nil
	}
	return msg, nil
}

func (sm *MessageStateMachine) MarkWaitingForResponse(ctx context.Context, messageID string) (*model.Message, error) {
	ctx, span := tracer.Start(ctx, "Marking message waiting for response")
	defer span.End()

	return sm.apply(ctx, messageID, markWaitingForResponse, nil)
}

// MarkPartlyFailedNoError schedules the message for another attempt without
// counting a failure.
func (sm *MessageStateMachine) MarkPartlyFailedNoError(ctx context.Context, messageID string) (*model.Message, error) {
	ctx, span := tracer.Start(ctx, "Marking message partly failed")
	defer span.End()

	return sm.apply(ctx, messageID, markPartlyFailedNoError, nil)
}

func (sm *MessageStateMachine) MarkPartlyFailed(ctx context.Context, messageID, code, desc string) (*model.Message, error) {
	ctx, span := tracer.Start(ctx, "Marking message partly failed")
	defer span.End()

	return sm.apply(ctx, messageID, markPartlyFailed, func(m *model.Message) {
		m.FailedCount++
		m.FailedErrorCode = code
		m.FailedDesc = desc
	})
}

// MarkFailed ends the message in FAILED. A hard-bound child fails its parent.
func (sm *MessageStateMachine) MarkFailed(ctx context.Context, messageID, code, desc string) (*model.Message, error) {
	ctx, span := tracer.Start(ctx, "Marking message failed")
	defer span.End()

	msg, err := sm.apply(ctx, messageID, markFailed, func(m *model.Message) {
		m.FailedCount++
		m.FailedErrorCode = code
		m.FailedDesc = desc
	})
	if err != nil {
		return nil, err
	}
	return msg, sm.afterTerminal(ctx, msg)
}

// MarkFatal fails the message without counting another failure.
func (sm *MessageStateMachine) MarkFatal(ctx context.Context, messageID, code, desc string) (*model.Message, error) {
	ctx, span := tracer.Start(ctx, "Marking message fatal")
	defer span.End()

	msg, err := sm.apply(ctx, messageID, markFatal, func(m *model.Message) {
		m.FailedErrorCode = code
		m.FailedDesc = desc
	})
	if err != nil {
		return nil, err
	}
	return msg, sm.afterTerminal(ctx, msg)
}

func (sm *MessageStateMachine) MarkPostponed(ctx context.Context, messageID string) (*model.Message, error) {
	ctx, span := tracer.Start(ctx, "Marking message postponed")
	defer span.End()

	return sm.apply(ctx, messageID, markPostponed, nil)
}

// MarkOk ends the message successfully. A child completing may resolve its
// waiting parent.
func (sm *MessageStateMachine) MarkOk(ctx context.Context, messageID string) (*model.Message, error) {
	ctx, span := tracer.Start(ctx, "Marking message ok")
	defer span.End()

	msg, err := sm.apply(ctx, messageID, markOk, nil)
	if err != nil {
		return nil, err
	}
	return msg, sm.afterTerminal(ctx, msg)
}

func (sm *MessageStateMachine) MarkCancel(ctx context.Context, messageID string) (*model.Message, error) {
	ctx, span := tracer.Start(ctx, "Cancelling message")
	defer span.End()

	msg, err := sm.apply(ctx, messageID, markCancel, nil)
	if err != nil {
		return nil, err
	}
	return msg, sm.afterTerminal(ctx, msg)
}

// afterTerminal propagates a child's terminal state to its parent: a failed
// hard-bound child fails the parent, anything else may let it resolve.
func (sm *MessageStateMachine) afterTerminal(ctx context.Context, msg *model.Message) error {
	if !msg.IsChild() {
		return nil
	}
	if msg.State == model.MessageFailed && msg.HardBound() {
		return sm.failParent(ctx, msg)
	}
	_, err := sm.resolveParent(ctx, msg.ParentMessageID)
	return err
}

// failParent fails every ancestor reachable over hard bindings, copying the
// error of the failed child.
func (sm *MessageStateMachine) failParent(ctx context.Context, child *model.Message) error {
	for child.HardBound() {
		failed := false
		parent, err := sm.datasource.UpdateMessage(ctx, child.ParentMessageID, func(_ database.MessageTx, m *model.Message) error {
			if m.State.IsTerminal() {
				return database.ErrNoUpdate
			}
			m.State = model.MessageFailed
			m.FailedErrorCode = child.FailedErrorCode
			m.FailedDesc = child.FailedDesc
			m.FailedCount = child.FailedCount
			m.LastUpdateAt = sm.now()
			failed = true
			return nil
		})
		if err != nil {
			return err
		}
		if !failed {
			return nil
		}

		metrics.Get().MessageTransitions.WithLabelValues(string(model.MessageFailed)).Inc()
		logrus.WithFields(logrus.Fields{
			"message_id":       parent.MessageID,
			"child_message_id": child.MessageID,
			"error_code":       child.FailedErrorCode,
		}).Warn("parent message failed by hard-bound child")
		sm.finished(ctx, parent)
		child = parent
	}

	// a soft-bound ancestor only counts as finished for its own parent
	if child.IsChild() {
		_, err := sm.resolveParent(ctx, child.ParentMessageID)
		return err
	}
	return nil
}

// resolveParent completes a WAITING parent once all of its children are
// terminal. It returns the parent when it was resolved.
func (sm *MessageStateMachine) resolveParent(ctx context.Context, parentMessageID string) (*model.Message, error) {
	resolved := false
	parent, err := sm.datasource.UpdateMessage(ctx, parentMessageID, func(tx database.MessageTx, m *model.Message) error {
		if m.State != model.MessageWaiting {
			return database.ErrNoUpdate
		}
		children, err := tx.ChildMessages(ctx, m.MessageID)
		if err != nil {
			return err
		}
		if len(children) == 0 {
			return database.ErrNoUpdate
		}
		for i := range children {
			if !children[i].State.IsTerminal() {
				return database.ErrNoUpdate
			}
			if children[i].State == model.MessageFailed && children[i].HardBound() {
				return database.ErrNoUpdate
			}
		}
		m.State = model.MessageOk
		m.LastUpdateAt = sm.now()
		resolved = true
		return nil
	})
	if err != nil || !resolved {
		return nil, err
	}

	metrics.Get().MessageTransitions.WithLabelValues(string(model.MessageOk)).Inc()
	logrus.WithField("message_id", parent.MessageID).Info("parent message resolved, all children finished")
	sm.finished(ctx, parent)
	if parent.IsChild() {
		if _, err := sm.resolveParent(ctx, parent.ParentMessageID); err != nil {
			return nil, err
		}
	}
	return parent, nil
}
