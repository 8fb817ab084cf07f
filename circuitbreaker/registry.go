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
	"sort"

	"github.com/blnkfinance/esb/config"
	"github.com/blnkfinance/esb/model"
)

// Registry resolves circuit configurations by name.
type Registry struct {
	configs map[string]model.CircuitConfig
}

func NewRegistry(circuits []config.CircuitConfig) *Registry {
	r := &Registry{configs: make(map[string]model.CircuitConfig, len(circuits))}
	for _, c := range circuits {
		r.configs[c.Name] = model.CircuitConfig{
			Name:                 c.Name,
			Enabled:              c.Enabled,
			WindowMillis:         c.WindowMillis,
			ThresholdPercentage:  c.ThresholdPercentage,
			SleepMillis:          c.SleepMillis,
			MinimalCountInWindow: c.MinimalCountInWindow,
		}
	}
	return r
}

func (r *Registry) Lookup(name string) (model.CircuitConfig, bool) {
	if r == nil {
		return model.CircuitConfig{}, false
	}
	cfg, ok := r.configs[name]
	return cfg, ok
}

// Names returns the configured circuit names in order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.configs))
	for n := range r.configs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
