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
	"testing"

	"github.com/blnkfinance/esb/config"
	"github.com/blnkfinance/esb/model"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueNames(t *testing.T) {
	q := &Queue{prefix: "esb_messages", numberOfQueues: 3}

	assert.Equal(t, map[string]int{
		"esb_messages_1": 1,
		"esb_messages_2": 1,
		"esb_messages_3": 1,
	}, q.QueueNames())
}

func TestGetTaskShardsByFunnel(t *testing.T) {
	q := &Queue{prefix: "esb_messages", numberOfQueues: 20}

	first := newTestMessage()
	first.FunnelValue = "customer-42"
	second := newTestMessage()
	second.FunnelValue = "customer-42"

	firstTask, err := q.getTask(&first)
	require.NoError(t, err)
	secondTask, err := q.getTask(&second)
	require.NoError(t, err)

	assert.Equal(t, firstTask.Type(), secondTask.Type())
	assert.Contains(t, q.QueueNames(), firstTask.Type())

	id, err := DecodeMessageTask(firstTask)
	require.NoError(t, err)
	assert.Equal(t, first.MessageID, id)
}

func TestShardIndex(t *testing.T) {
	q := &Queue{prefix: "esb_messages", numberOfQueues: 7}
	for _, key := range []string{"a", "customer-42", "msg_5f0c"} {
		idx := q.shardIndex(key)
		assert.GreaterOrEqual(t, idx, 0)
		assert.Less(t, idx, 7)
		assert.Equal(t, idx, q.shardIndex(key))
	}

	empty := &Queue{prefix: "esb_messages"}
	assert.Zero(t, empty.shardIndex("customer-42"))
}

func TestShardKeyFallsBackToMessageID(t *testing.T) {
	msg := model.Message{MessageID: "msg_1"}
	assert.Equal(t, "msg_1", msg.ShardKey())
	msg.FunnelValue = "customer-42"
	assert.Equal(t, "customer-42", msg.ShardKey())
}

func TestDecodeMessageTask(t *testing.T) {
	_, err := DecodeMessageTask(asynq.NewTask("esb_messages_1", []byte(`{}`)))
	assert.Error(t, err)

	_, err = DecodeMessageTask(asynq.NewTask("esb_messages_1", []byte(`not json`)))
	assert.Error(t, err)

	id, err := DecodeMessageTask(asynq.NewTask("esb_messages_1", []byte(`{"message_id":"msg_1"}`)))
	require.NoError(t, err)
	assert.Equal(t, "msg_1", id)
}

func TestRedisConnOpt(t *testing.T) {
	cnf := &config.Configuration{Redis: config.RedisConfig{Dns: "redis://:secret@localhost:6379/2"}}
	opt, err := RedisConnOpt(cnf)
	require.NoError(t, err)
	assert.Equal(t, "localhost:6379", opt.Addr)
	assert.Equal(t, "secret", opt.Password)
	assert.Equal(t, 2, opt.DB)

	_, err = RedisConnOpt(&config.Configuration{})
	assert.Error(t, err)
}
