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
	"errors"
	"fmt"
	"strconv"

	"github.com/blnkfinance/esb/model"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// recordScript appends one outcome, prunes both windows and opens the circuit
// in a single step so concurrent nodes never interleave on one circuit.
//
// KEYS: ok zset, fail zset, opened key
// ARGV: now, window start, success flag, member, minimal count, threshold, window millis
var recordScript = redis.NewScript(`
local okKey, failKey, openedKey = KEYS[1], KEYS[2], KEYS[3]
local now = ARGV[1]
local target = failKey
if ARGV[3] == '1' then
	target = okKey
end
redis.call('ZADD', target, now, ARGV[4])
redis.call('ZREMRANGEBYSCORE', okKey, '-inf', '(' .. ARGV[2])
redis.call('ZREMRANGEBYSCORE', failKey, '-inf', '(' .. ARGV[2])
redis.call('PEXPIRE', okKey, ARGV[7])
redis.call('PEXPIRE', failKey, ARGV[7])

local okCount = redis.call('ZCARD', okKey)
local failCount = redis.call('ZCARD', failKey)
local total = okCount + failCount
if total == 0 or total < tonumber(ARGV[5]) then
	return 0
end
if failCount * 100 >= tonumber(ARGV[6]) * total then
	redis.call('DEL', okKey, failKey)
	redis.call('SET', openedKey, now)
	return 1
end
return 0
`)

// RedisStore shares circuit windows between nodes. Each outcome is one
// sorted-set member scored by its timestamp.
type RedisStore struct {
	client redis.UniversalClient
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// keys share a hash tag so one script can touch all of them on a cluster.
func keys(name string) (ok, fail, opened string) {
	return fmt.Sprintf("circuit:{%s}:ok", name),
		fmt.Sprintf("circuit:{%s}:fail", name),
		fmt.Sprintf("circuit:{%s}:opened", name)
}

func (s *RedisStore) Get(ctx context.Context, name string) (model.CircuitState, error) {
	okKey, failKey, openedKey := keys(name)

	pipe := s.client.Pipeline()
	okCmd := pipe.ZRangeWithScores(ctx, okKey, 0, -1)
	failCmd := pipe.ZRangeWithScores(ctx, failKey, 0, -1)
	openedCmd := pipe.Get(ctx, openedKey)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return model.CircuitState{}, fmt.Errorf("read circuit %s: %w", name, err)
	}

	state := model.CircuitState{Name: name}
	for _, z := range okCmd.Val() {
		state.SuccessTimestamps = append(state.SuccessTimestamps, int64(z.Score))
	}
	for _, z := range failCmd.Val() {
		state.FailureTimestamps = append(state.FailureTimestamps, int64(z.Score))
	}
	if v := openedCmd.Val(); v != "" {
		opened, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return model.CircuitState{}, fmt.Errorf("parse opened timestamp of circuit %s: %w", name, err)
		}
		state.LastOpenedAt = opened
	}
	return state, nil
}

func (s *RedisStore) RecordAndEvaluate(ctx context.Context, cfg model.CircuitConfig, success bool, now int64) (bool, error) {
	okKey, failKey, openedKey := keys(cfg.Name)

	flag := "0"
	if success {
		flag = "1"
	}
	ttl := cfg.WindowMillis
	if ttl <= 0 {
		ttl = 1
	}

	res, err := recordScript.Run(ctx, s.client, []string{okKey, failKey, openedKey},
		now, now-cfg.WindowMillis, flag, uuid.NewString(), cfg.MinimalCountInWindow, cfg.ThresholdPercentage, ttl,
	).Int()
	if err != nil {
		return false, fmt.Errorf("record outcome of circuit %s: %w", cfg.Name, err)
	}
	return res == 1, nil
}
