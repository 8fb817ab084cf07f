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
	"net/http"
	"time"

	"github.com/blnkfinance/esb/config"
	"github.com/blnkfinance/esb/internal/request"
	"github.com/blnkfinance/esb/model"
	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

const confirmationMaxRetries = 3

type confirmationPayload struct {
	MessageID       string             `json:"message_id"`
	CorrelationID   string             `json:"correlation_id"`
	SourceSystem    string             `json:"source_system"`
	State           model.MessageState `json:"state"`
	FailedErrorCode string             `json:"failed_error_code,omitempty"`
	FailedDesc      string             `json:"failed_desc,omitempty"`
	Timestamp       time.Time          `json:"timestamp"`
}

// HTTPConfirmationSender posts the final state of a message to the endpoint
// configured for its source system. Sources without an endpoint are not
// confirmed.
type HTTPConfirmationSender struct {
	client    *http.Client
	endpoints map[string]string
	newPolicy func() backoff.BackOff
}

func NewHTTPConfirmationSender(cfg config.ConfirmationConfig) *HTTPConfirmationSender {
	return &HTTPConfirmationSender{
		client:    &http.Client{Timeout: config.Seconds(cfg.Timeout)},
		endpoints: cfg.Endpoints,
		newPolicy: func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewExponentialBackOff(), confirmationMaxRetries)
		},
	}
}

func (s *HTTPConfirmationSender) Confirm(ctx context.Context, msg *model.Message) error {
	endpoint, ok := s.endpoints[msg.SourceSystem]
	if !ok || endpoint == "" {
		logrus.WithField("source_system", msg.SourceSystem).Debug("no confirmation endpoint configured")
		return nil
	}

	payload := confirmationPayload{
		MessageID:       msg.MessageID,
		CorrelationID:   msg.CorrelationID,
		SourceSystem:    msg.SourceSystem,
		State:           msg.State,
		FailedErrorCode: msg.FailedErrorCode,
		FailedDesc:      msg.FailedDesc,
		Timestamp:       msg.LastUpdateAt,
	}

	send := func() error {
		body, err := request.ToJsonReq(payload)
		if err != nil {
			return backoff.Permanent(err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
		if err != nil {
			return backoff.Permanent(err)
		}
		_, err = request.Call(s.client, req, nil)
		var statusErr *request.StatusError
		if errors.As(err, &statusErr) && !statusErr.Retryable() {
			return backoff.Permanent(err)
		}
		return err
	}

	return backoff.Retry(send, backoff.WithContext(s.newPolicy(), ctx))
}
