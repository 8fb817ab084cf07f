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
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"

	"github.com/blnkfinance/esb/config"
	redis_db "github.com/blnkfinance/esb/internal/redis-db"
	"github.com/blnkfinance/esb/model"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
)

// Queue carries message ids from the intake to the workers.
type Queue struct {
	Client    *asynq.Client
	Inspector *asynq.Inspector

	prefix         string
	numberOfQueues int
}

// MessageTaskPayload is the body of a queued message task. Only the id
// travels; workers load the message from storage.
type MessageTaskPayload struct {
	MessageID string `json:"message_id"`
}

// RedisConnOpt builds the asynq connection options from the redis configuration.
func RedisConnOpt(conf *config.Configuration) (asynq.RedisClientOpt, error) {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		return asynq.RedisClientOpt{}, fmt.Errorf("error parsing Redis URL: %w", err)
	}
	return asynq.RedisClientOpt{
		Addr:      redisOption.Addr,
		Password:  redisOption.Password,
		DB:        redisOption.DB,
		TLSConfig: redisOption.TLSConfig,
	}, nil
}

// NewQueue initializes a new Queue instance with the provided configuration.
//
// Parameters:
// - conf *config.Configuration: The configuration for the queue.
//
// Returns:
// - *Queue: A pointer to the newly created Queue instance.
// - error: An error if the redis address cannot be parsed.
func NewQueue(conf *config.Configuration) (*Queue, error) {
	opt, err := RedisConnOpt(conf)
	if err != nil {
		return nil, err
	}
	return &Queue{
		Client:         asynq.NewClient(opt),
		Inspector:      asynq.NewInspector(opt),
		prefix:         conf.Queue.MessageQueue,
		numberOfQueues: conf.Queue.NumberOfQueues,
	}, nil
}

// QueueNames lists the shard queues, all with the same priority.
func (q *Queue) QueueNames() map[string]int {
	queues := make(map[string]int, q.numberOfQueues)
	for i := 1; i <= q.numberOfQueues; i++ {
		queues[q.queueName(i-1)] = 1
	}
	return queues
}

func (q *Queue) queueName(index int) string {
	return fmt.Sprintf("%s_%d", q.prefix, index+1)
}

// Enqueue adds msg to its shard queue. A message that is already waiting in
// the queue is not added twice.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - msg *model.Message: The message to be enqueued.
//
// Returns:
// - error: An error if the message could not be enqueued.
func (q *Queue) Enqueue(ctx context.Context, msg *model.Message) error {
	ctx, span := tracer.Start(ctx, "Adding Message To Redis Queue")
	defer span.End()

	task, err := q.getTask(msg)
	if err != nil {
		return err
	}
	info, err := q.Client.EnqueueContext(ctx, task)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
			logrus.WithField("message_id", msg.MessageID).Debug("message is already queued")
			return nil
		}
		return err
	}
	logrus.WithFields(logrus.Fields{
		"message_id": msg.MessageID,
		"queue":      info.Queue,
	}).Debug("message enqueued")
	return nil
}

// getTask assigns msg to a shard queue by hashing its shard key. Messages
// sharing a funnel value always land on the same queue, which keeps their
// processing order close to their arrival order.
func (q *Queue) getTask(msg *model.Message) (*asynq.Task, error) {
	payload, err := json.Marshal(MessageTaskPayload{MessageID: msg.MessageID})
	if err != nil {
		return nil, err
	}
	queueName := q.queueName(q.shardIndex(msg.ShardKey()))
	return asynq.NewTask(queueName, payload, asynq.TaskID(msg.MessageID), asynq.Queue(queueName), asynq.MaxRetry(0)), nil
}

func (q *Queue) shardIndex(key string) int {
	if q.numberOfQueues <= 0 {
		return 0
	}
	return hashShardKey(key) % q.numberOfQueues
}

// hashShardKey returns a consistent hash value for a shard key.
func hashShardKey(key string) int {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(key))
	return int(hasher.Sum32())
}

// QueueStats is a snapshot of one shard queue.
type QueueStats struct {
	Name      string `json:"name"`
	Pending   int    `json:"pending"`
	Active    int    `json:"active"`
	Retry     int    `json:"retry"`
	Archived  int    `json:"archived"`
	Processed int    `json:"processed"`
	Failed    int    `json:"failed"`
}

// Stats reports the size of every shard queue. Queues that never received a
// task are reported empty.
func (q *Queue) Stats() ([]QueueStats, error) {
	names := make([]string, 0, q.numberOfQueues)
	for name := range q.QueueNames() {
		names = append(names, name)
	}
	sort.Strings(names)

	stats := make([]QueueStats, 0, len(names))
	for _, name := range names {
		info, err := q.Inspector.GetQueueInfo(name)
		if errors.Is(err, asynq.ErrQueueNotFound) {
			stats = append(stats, QueueStats{Name: name})
			continue
		}
		if err != nil {
			return nil, err
		}
		stats = append(stats, QueueStats{
			Name:      name,
			Pending:   info.Pending,
			Active:    info.Active,
			Retry:     info.Retry,
			Archived:  info.Archived,
			Processed: info.Processed,
			Failed:    info.Failed,
		})
	}
	return stats, nil
}

// Close releases the client and inspector connections.
func (q *Queue) Close() error {
	return errors.Join(q.Client.Close(), q.Inspector.Close())
}

// DecodeMessageTask extracts the message id from a queued task.
func DecodeMessageTask(t *asynq.Task) (string, error) {
	var payload MessageTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return "", err
	}
	if payload.MessageID == "" {
		return "", errors.New("message task has no message id")
	}
	return payload.MessageID, nil
}
