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

	"github.com/blnkfinance/esb/circuitbreaker"
	"github.com/blnkfinance/esb/internal/apierror"
	"github.com/blnkfinance/esb/metrics"
	"github.com/blnkfinance/esb/model"
	"github.com/sirupsen/logrus"
)

// Error codes set by the dispatcher.
const (
	ErrorCodeUnspecified = "E100"
	ErrorCodeNoProcessor = "E101"
)

// Outcome is how a processor left a message it handled without error.
type Outcome int

const (
	// OutcomeOk finishes the message.
	OutcomeOk Outcome = iota
	// OutcomeWaiting parks the message until its child messages finish.
	OutcomeWaiting
	// OutcomeWaitingForResponse parks the message until an asynchronous
	// response arrives and the message is locked again.
	OutcomeWaitingForResponse
)

// Processor runs the pipeline of one service operation. Downstream calls
// should go through the bus ledger so they are deduplicated.
type Processor interface {
	Process(ctx context.Context, msg *model.Message) (Outcome, error)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, msg *model.Message) (Outcome, error)

func (f ProcessorFunc) Process(ctx context.Context, msg *model.Message) (Outcome, error) {
	return f(ctx, msg)
}

func routeKey(service, operation string) string {
	return service + ":" + operation
}

// RegisterProcessor routes messages of service and operation to p.
func (b *Bus) RegisterProcessor(service, operation string, p Processor) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.processors[routeKey(service, operation)] = p
}

func (b *Bus) processor(msg *model.Message) (Processor, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.processors[routeKey(msg.Service, msg.Operation)]
	return p, ok
}

// SubmitMessage stores a new message and queues it for processing.
func (b *Bus) SubmitMessage(ctx context.Context, msg model.Message) (*model.Message, error) {
	ctx, span := tracer.Start(ctx, "Submitting message")
	defer span.End()

	msg.State = model.MessageNew
	created, err := b.datasource.CreateMessage(ctx, msg)
	if err != nil {
		return nil, err
	}
	if err := b.enqueuer.Enqueue(ctx, &created); err != nil {
		// the message stays NEW, it can be submitted to the queue again
		return &created, err
	}
	return &created, nil
}

func (b *Bus) GetMessage(ctx context.Context, messageID string) (*model.Message, error) {
	return b.datasource.GetMessage(ctx, messageID)
}

func (b *Bus) GetChildMessages(ctx context.Context, messageID string) ([]model.Message, error) {
	return b.datasource.GetChildMessages(ctx, messageID)
}

// CancelMessage cancels a message that is not being processed and confirms
// the cancellation to its source.
func (b *Bus) CancelMessage(ctx context.Context, messageID string) (*model.Message, error) {
	msg, err := b.stateMachine.MarkCancel(ctx, messageID)
	if err != nil {
		return nil, err
	}
	b.confirm(ctx, msg)
	return msg, nil
}

// ProcessMessage takes one message from lock to its next resting state. It is
// the handler of the worker pool.
func (b *Bus) ProcessMessage(ctx context.Context, messageID string) error {
	ctx, span := tracer.Start(ctx, "Processing message")
	defer span.End()

	msg, outcome, err := b.stateMachine.LockForProcessing(ctx, messageID)
	if err != nil {
		if apierror.HasCode(err, apierror.ErrInvalidStateTransition) {
			// redelivery of a message that already moved past processing
			metrics.Get().LockOutcomes.WithLabelValues("rejected").Inc()
			logrus.WithField("message_id", messageID).WithError(err).Warn("message delivered in a state it cannot be processed from")
			return nil
		}
		return err
	}
	if outcome != LockAcquired {
		return nil
	}

	msg, err = b.stateMachine.MarkProcessing(ctx, messageID)
	if err != nil {
		return err
	}

	p, ok := b.processor(msg)
	if !ok {
		msg, err = b.stateMachine.MarkFailed(ctx, messageID, ErrorCodeNoProcessor,
			fmt.Sprintf("no processor for %s", routeKey(msg.Service, msg.Operation)))
		if err != nil {
			return err
		}
		b.confirm(ctx, msg)
		return nil
	}

	result, procErr := p.Process(ctx, msg)
	if procErr != nil {
		msg, err = b.handleProcessingError(ctx, msg, procErr)
	} else {
		switch result {
		case OutcomeWaiting:
			msg, err = b.stateMachine.MarkWaiting(ctx, messageID)
		case OutcomeWaitingForResponse:
			msg, err = b.stateMachine.MarkWaitingForResponse(ctx, messageID)
		default:
			msg, err = b.stateMachine.MarkOk(ctx, messageID)
		}
	}
	if err != nil {
		return err
	}

	if msg.State.IsTerminal() {
		b.confirm(ctx, msg)
	}
	return nil
}

// handleProcessingError decides between another attempt and a final failure.
// Contention and open circuits are retried without counting a failure.
func (b *Bus) handleProcessingError(ctx context.Context, msg *model.Message, procErr error) (*model.Message, error) {
	fields := logrus.Fields{
		"message_id":   msg.MessageID,
		"failed_count": msg.FailedCount,
	}

	if errors.Is(procErr, ErrLockFailure) || errors.Is(procErr, circuitbreaker.ErrCircuitDown) {
		logrus.WithFields(fields).WithError(procErr).Info("message will be retried")
		return b.stateMachine.MarkPartlyFailedNoError(ctx, msg.MessageID)
	}

	code := ErrorCodeUnspecified
	var apiErr apierror.APIError
	if errors.As(procErr, &apiErr) {
		code = string(apiErr.Code)
	}

	if msg.FailedCount+1 >= b.cnf.Repair.MaxFailuresBeforeFatal {
		logrus.WithFields(fields).WithError(procErr).Error("message failed")
		return b.stateMachine.MarkFailed(ctx, msg.MessageID, code, procErr.Error())
	}
	logrus.WithFields(fields).WithError(procErr).Warn("message partly failed")
	return b.stateMachine.MarkPartlyFailed(ctx, msg.MessageID, code, procErr.Error())
}

// confirm reports the final state of a message received from a source
// system. Child messages are internal and never confirmed.
func (b *Bus) confirm(ctx context.Context, msg *model.Message) {
	if msg.IsChild() || b.confirmer == nil {
		return
	}
	if err := b.confirmer.Deliver(ctx, msg); err != nil {
		logrus.WithError(err).WithField("message_id", msg.MessageID).Error("failed to queue confirmation")
	}
}
