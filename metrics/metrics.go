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

// Package metrics holds the Prometheus collectors of the bus. They register
// with the default registry on first use.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "esb"

type Metrics struct {
	MessageTransitions *prometheus.CounterVec
	LockOutcomes       *prometheus.CounterVec

	ExternalCalls *prometheus.CounterVec

	CircuitOutcomes *prometheus.CounterVec
	CircuitOpened   *prometheus.CounterVec
	CircuitRejected *prometheus.CounterVec

	RepairedMessages      *prometheus.CounterVec
	RepairedExternalCalls prometheus.Counter

	Confirmations *prometheus.CounterVec

	JobRuns     *prometheus.CounterVec
	JobDuration *prometheus.HistogramVec

	WorkerQueueDepth prometheus.Gauge
}

var singleton = sync.OnceValue(func() *Metrics {
	return &Metrics{
		MessageTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "message_transitions_total",
			Help:      "Total number of message state transitions by target state.",
		}, []string{"state"}),
		LockOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "message_lock_total",
			Help:      "Outcomes of locking messages for processing.",
		}, []string{"outcome"}),
		ExternalCalls: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "external_call_prepare_total",
			Help:      "Outcomes of preparing external calls in the ledger.",
		}, []string{"operation", "result"}),
		CircuitOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_outcomes_total",
			Help:      "Call outcomes recorded per circuit.",
		}, []string{"circuit", "outcome"}),
		CircuitOpened: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_opened_total",
			Help:      "Number of times a circuit opened.",
		}, []string{"circuit"}),
		CircuitRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_rejected_total",
			Help:      "Calls fast-failed by an open circuit.",
		}, []string{"circuit"}),
		RepairedMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "repaired_messages_total",
			Help:      "Messages found stuck in PROCESSING and repaired.",
		}, []string{"result"}),
		RepairedExternalCalls: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "repaired_external_calls_total",
			Help:      "External calls found stuck in PROCESSING and failed.",
		}),
		Confirmations: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "confirmations_total",
			Help:      "Confirmation delivery attempts.",
		}, []string{"result"}),
		JobRuns: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_runs_total",
			Help:      "Scheduled job invocations.",
		}, []string{"job", "result"}),
		JobDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Duration of scheduled job runs.",
			Buckets: []float64{
				0.005, 0.01, 0.05,
				0.1, 0.5,
				1, 5, 10, 30,
			},
		}, []string{"job"}),
		WorkerQueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_queue_depth",
			Help:      "Messages waiting in the worker pool queue.",
		}),
	}
})

func Get() *Metrics {
	return singleton()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
