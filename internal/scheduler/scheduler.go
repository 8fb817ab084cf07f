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

// Package scheduler runs named background jobs at a fixed interval. A job
// never overlaps itself on one node; exclusive jobs also never overlap
// across nodes.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	redlock "github.com/blnkfinance/esb/internal/lock"
	"github.com/blnkfinance/esb/metrics"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// ClusterMode says whether a job may run on several nodes at once.
type ClusterMode int

const (
	// ClusterConcurrent jobs run on every node. Their handlers must be safe
	// against each other, typically through row locks.
	ClusterConcurrent ClusterMode = iota
	// ClusterExclusive jobs run on one node at a time, guarded by a redis lock.
	ClusterExclusive
)

const minLockTTL = 30 * time.Second

// Handler is the body of a job.
type Handler func(ctx context.Context) error

var (
	ErrJobExists   = errors.New("job already registered")
	ErrJobNotFound = errors.New("job not found")
)

type job struct {
	name     string
	interval time.Duration
	handler  Handler
	mode     ClusterMode
	running  atomic.Bool
}

type Scheduler struct {
	redis  redis.UniversalClient
	nodeID string

	mu      sync.Mutex
	jobs    map[string]*job
	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
}

// New creates a scheduler. client is only needed for exclusive jobs.
func New(client redis.UniversalClient, nodeID string) *Scheduler {
	return &Scheduler{
		redis:  client,
		nodeID: nodeID,
		jobs:   make(map[string]*job),
	}
}

// RegisterJob adds a job. Jobs registered after Start are started right away.
func (s *Scheduler) RegisterJob(name string, interval time.Duration, handler Handler, mode ClusterMode) error {
	if interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive", name)
	}
	if mode == ClusterExclusive && s.redis == nil {
		return fmt.Errorf("job %s: exclusive jobs need redis", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[name]; ok {
		return fmt.Errorf("%w: %s", ErrJobExists, name)
	}
	j := &job{name: name, interval: interval, handler: handler, mode: mode}
	s.jobs[name] = j
	if s.started {
		s.launch(context.Background(), j)
	}
	return nil
}

// Jobs lists the registered job names.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.stopCh = make(chan struct{})
	for _, j := range s.jobs {
		s.launch(ctx, j)
	}
	logrus.Infof("scheduler started with %d jobs", len(s.jobs))
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	logrus.Info("scheduler stopped")
}

func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

func (s *Scheduler) launch(ctx context.Context, j *job) {
	stopCh := s.stopCh
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-ticker.C:
				if _, err := s.run(ctx, j); err != nil {
					logrus.WithError(err).WithField("job", j.name).Error("job failed")
				}
			}
		}
	}()
}

// RunNow runs a registered job immediately. It reports false when the job
// was skipped because it is already running.
func (s *Scheduler) RunNow(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	return s.run(ctx, j)
}

func (s *Scheduler) run(ctx context.Context, j *job) (bool, error) {
	if !j.running.CompareAndSwap(false, true) {
		metrics.Get().JobRuns.WithLabelValues(j.name, "skipped").Inc()
		logrus.WithField("job", j.name).Debug("job still running, tick skipped")
		return false, nil
	}
	defer j.running.Store(false)

	start := time.Now()
	var err error
	if j.mode == ClusterExclusive {
		locker := redlock.NewLocker(s.redis, "esb:job:"+j.name, s.nodeID+":"+uuid.NewString())
		err = locker.Hold(ctx, lockTTL(j.interval), j.handler)
		if errors.Is(err, redlock.ErrLockHeld) {
			metrics.Get().JobRuns.WithLabelValues(j.name, "skipped").Inc()
			logrus.WithField("job", j.name).Debug("job runs on another node, tick skipped")
			return false, nil
		}
	} else {
		err = j.handler(ctx)
	}
	metrics.Get().JobDuration.WithLabelValues(j.name).Observe(time.Since(start).Seconds())

	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.Get().JobRuns.WithLabelValues(j.name, result).Inc()
	return true, err
}

func lockTTL(interval time.Duration) time.Duration {
	if ttl := 2 * interval; ttl > minLockTTL {
		return ttl
	}
	return minLockTTL
}
