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

package main

import (
	"context"
	"fmt"
	"log"

	"github.com/blnkfinance/esb"
	"github.com/blnkfinance/esb/config"
	"github.com/blnkfinance/esb/internal/scheduler"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
)

// submitMessage runs a queued message through the worker pool and returns
// once it has been processed, so asynq only acks the task after the message
// reached its next state. Malformed tasks are dropped; failures make asynq
// retry the task.
func submitMessage(pool *esb.WorkerPool) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		ctx, span := otel.Tracer("esb.messages.worker").Start(ctx, "Submit Message From Redis Queue")
		defer span.End()

		messageID, err := esb.DecodeMessageTask(t)
		if err != nil {
			logrus.Error(err)
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return pool.Process(ctx, messageID)
	}
}

func initializeWorkerServer(conf *config.Configuration, queues map[string]int) (*asynq.Server, error) {
	redisOption, err := esb.RedisConnOpt(conf)
	if err != nil {
		return nil, err
	}

	return asynq.NewServer(redisOption, asynq.Config{
		Concurrency: conf.Queue.Workers,
		Queues:      queues,
	}), nil
}

func initializeTaskHandlers(queues map[string]int, pool *esb.WorkerPool, mux *asynq.ServeMux) {
	// tasks are typed by their shard queue
	for name := range queues {
		mux.HandleFunc(name, submitMessage(pool))
	}
}

// workerCommands defines the "workers" command. It consumes the shard queues
// into the worker pool and runs the repair, confirmation and retry jobs.
func workerCommands(b *esbInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "start bus workers",
		Run: func(cmd *cobra.Command, args []string) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			conf := b.cnf
			queue := b.bus.Queue()
			if queue == nil {
				log.Fatal("workers need the message queue")
			}
			queues := queue.QueueNames()

			pool := esb.NewWorkerPool(conf.Queue.Workers, conf.Queue.QueueSize, b.bus.ProcessMessage)
			pool.Start(ctx)

			jobs := scheduler.New(b.bus.Redis(), conf.NodeID)
			if err := b.bus.RegisterJobs(jobs); err != nil {
				log.Fatal(err)
			}
			jobs.Start(ctx)

			srv, err := initializeWorkerServer(conf, queues)
			if err != nil {
				log.Fatal(err)
			}

			mux := asynq.NewServeMux()
			initializeTaskHandlers(queues, pool, mux)

			// Run blocks until SIGINT or SIGTERM
			if err := srv.Run(mux); err != nil {
				log.Printf("could not run server: %v", err)
			}

			jobs.Stop()
			pool.Stop()
			if err := b.bus.Close(); err != nil {
				log.Printf("Error during shutdown: %v", err)
			}
		},
	}

	return cmd
}
