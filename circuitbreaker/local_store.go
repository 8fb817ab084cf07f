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
	"hash/fnv"
	"sync"

	"github.com/blnkfinance/esb/model"
)

const stripeCount = 64

// LocalStore keeps circuit windows in process memory. Mutations of one circuit
// are serialized by the stripe its name hashes to.
type LocalStore struct {
	stripes [stripeCount]sync.Mutex

	mu     sync.RWMutex
	states map[string]*model.CircuitState
}

func NewLocalStore() *LocalStore {
	return &LocalStore{states: make(map[string]*model.CircuitState)}
}

func (s *LocalStore) stripe(name string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return &s.stripes[h.Sum32()%stripeCount]
}

func (s *LocalStore) getOrCreate(name string) *model.CircuitState {
	s.mu.RLock()
	st, ok := s.states[name]
	s.mu.RUnlock()
	if ok {
		return st
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok = s.states[name]; !ok {
		st = &model.CircuitState{Name: name}
		s.states[name] = st
	}
	return st
}

func (s *LocalStore) Get(_ context.Context, name string) (model.CircuitState, error) {
	st := s.getOrCreate(name)
	lock := s.stripe(name)
	lock.Lock()
	defer lock.Unlock()

	snapshot := *st
	snapshot.SuccessTimestamps = append([]int64(nil), st.SuccessTimestamps...)
	snapshot.FailureTimestamps = append([]int64(nil), st.FailureTimestamps...)
	return snapshot, nil
}

func (s *LocalStore) RecordAndEvaluate(_ context.Context, cfg model.CircuitConfig, success bool, now int64) (bool, error) {
	st := s.getOrCreate(cfg.Name)
	lock := s.stripe(cfg.Name)
	lock.Lock()
	defer lock.Unlock()

	return Evaluate(st, cfg, success, now), nil
}
