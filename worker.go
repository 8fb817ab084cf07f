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
	"sync"

	"github.com/blnkfinance/esb/metrics"
	"github.com/sirupsen/logrus"
)

// ErrPoolStopped is returned by Submit after Stop.
var ErrPoolStopped = errors.New("worker pool is stopped")

// MessageHandler takes one message from lock to final state.
type MessageHandler func(ctx context.Context, messageID string) error

type job struct {
	messageID string
	done      chan error
}

// WorkerPool runs a fixed number of workers fed by a bounded queue. Submit
// blocks while the queue is full, which pushes back on the intake.
type WorkerPool struct {
	handler MessageHandler
	workers int
	jobs    chan job
	wg      sync.WaitGroup

	mu      sync.RWMutex
	started bool
	stopped bool
}

func NewWorkerPool(workers, queueSize int, handler MessageHandler) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	return &WorkerPool{
		handler: handler,
		workers: workers,
		jobs:    make(chan job, queueSize),
	}
}

// Start launches the workers. They run until Stop; ctx is handed to every
// handler call.
func (p *WorkerPool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for j := range p.jobs {
				metrics.Get().WorkerQueueDepth.Dec()
				err := p.handler(ctx, j.messageID)
				if err != nil {
					logrus.WithError(err).WithField("message_id", j.messageID).Error("failed to process message")
				}
				if j.done != nil {
					j.done <- err
				}
			}
		}()
	}
	logrus.Infof("worker pool started with %d workers", p.workers)
}

// Submit hands messageID to the pool. It blocks while the queue is full and
// gives up with the context error when ctx ends first.
func (p *WorkerPool) Submit(ctx context.Context, messageID string) error {
	return p.enqueue(ctx, job{messageID: messageID})
}

// Process hands messageID to the pool and waits for the handler to finish
// with it. A message handed over through Process is never held only in the
// pool's buffer, so the caller can ack its delivery once Process returns nil.
func (p *WorkerPool) Process(ctx context.Context, messageID string) error {
	done := make(chan error, 1)
	if err := p.enqueue(ctx, job{messageID: messageID, done: done}); err != nil {
		return err
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *WorkerPool) enqueue(ctx context.Context, j job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case p.jobs <- j:
		metrics.Get().WorkerQueueDepth.Inc()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop refuses new work, lets the workers drain the queue and waits for them.
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.jobs)
	started := p.started
	p.mu.Unlock()

	if started {
		p.wg.Wait()
	}
	logrus.Info("worker pool stopped")
}
