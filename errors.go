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
	"errors"
	"fmt"

	"github.com/blnkfinance/esb/database"
	"github.com/blnkfinance/esb/internal/apierror"
	"github.com/blnkfinance/esb/model"
)

var (
	// ErrLockFailure means another worker holds the row being locked.
	ErrLockFailure = database.ErrLockFailure

	// ErrInvalidStateTransition is returned when an operation is not allowed
	// from the message's current state.
	ErrInvalidStateTransition = errors.New("invalid state transition")
)

// ErrorCodeCrashedTooManyTimes is recorded on messages failed by the repair sweep.
const ErrorCodeCrashedTooManyTimes = "E116"

func invalidTransition(op string, msg *model.Message) error {
	return apierror.APIError{
		Code:    apierror.ErrInvalidStateTransition,
		Message: fmt.Sprintf("%s is not allowed for message %s in state %s", op, msg.MessageID, msg.State),
		Details: fmt.Errorf("%w: %s from %s", ErrInvalidStateTransition, op, msg.State),
	}
}

func lockFailure(format string, args ...any) error {
	return apierror.APIError{
		Code:    apierror.ErrLockFailure,
		Message: fmt.Sprintf(format, args...),
		Details: ErrLockFailure,
	}
}
