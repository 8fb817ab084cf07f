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

package database

import (
	"errors"
	"fmt"

	"github.com/blnkfinance/esb/internal/apierror"
	"github.com/lib/pq"
)

var (
	// ErrLockFailure is returned when a row is held by another transaction.
	ErrLockFailure = errors.New("lock failure")

	// ErrNoUpdate may be returned by a mutation callback to leave the row untouched.
	ErrNoUpdate = errors.New("no update")
)

const (
	pqUniqueViolation     = "23505"
	pqForeignKeyViolation = "23503"
	pqLockNotAvailable    = "55P03"
)

func lockFailure(message string, cause error) error {
	if cause == nil {
		return apierror.APIError{Code: apierror.ErrLockFailure, Message: message, Details: ErrLockFailure}
	}
	return apierror.APIError{
		Code:    apierror.ErrLockFailure,
		Message: message,
		Details: fmt.Errorf("%w: %v", ErrLockFailure, cause),
	}
}

// mapPqError translates driver errors into API errors. Lock contention is
// not logged because it is an expected outcome under concurrent workers.
func mapPqError(err error, message string) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case pqLockNotAvailable:
			return lockFailure(message, err)
		case pqUniqueViolation:
			return apierror.NewAPIError(apierror.ErrConflict, message, err)
		case pqForeignKeyViolation:
			return apierror.NewAPIError(apierror.ErrBadRequest, message, err)
		}
	}
	return apierror.NewAPIError(apierror.ErrInternalServer, message, err)
}
