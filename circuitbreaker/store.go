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

package circuitbreaker

import (
	"context"

	"github.com/blnkfinance/esb/config"
	"github.com/blnkfinance/esb/model"
	"github.com/redis/go-redis/v9"
)

// CircuitStateStore keeps the per-circuit windows. RecordAndEvaluate must be
// atomic per circuit name.
type CircuitStateStore interface {
	Get(ctx context.Context, name string) (model.CircuitState, error)
	RecordAndEvaluate(ctx context.Context, cfg model.CircuitConfig, success bool, now int64) (bool, error)
}

// NewStore picks the store named by the configuration. The redis client is only
// used for the redis store.
func NewStore(cnf *config.Configuration, client redis.UniversalClient) CircuitStateStore {
	if cnf.CircuitStore == config.CircuitStoreRedis && client != nil {
		return NewRedisStore(client)
	}
	return NewLocalStore()
}
