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

package model

// CircuitState is a snapshot of one named circuit. Timestamps are epoch millis.
type CircuitState struct {
	Name              string  `json:"name"`
	SuccessTimestamps []int64 `json:"success_timestamps"`
	FailureTimestamps []int64 `json:"failure_timestamps"`
	LastOpenedAt      int64   `json:"last_opened_at"`
}

// OpenUntil returns the epoch millis before which calls are fast-failed.
func (s *CircuitState) OpenUntil(cfg CircuitConfig) int64 {
	if s.LastOpenedAt == 0 {
		return 0
	}
	return s.LastOpenedAt + cfg.SleepMillis
}

type CircuitConfig struct {
	Name                 string `json:"name"`
	Enabled              bool   `json:"enabled"`
	WindowMillis         int64  `json:"window_millis"`
	ThresholdPercentage  int    `json:"threshold_percentage"`
	SleepMillis          int64  `json:"sleep_millis"`
	MinimalCountInWindow int    `json:"minimal_count_in_window"`
}
