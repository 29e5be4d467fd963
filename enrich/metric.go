// Copyright The Amtriage Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package enrich

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

// QueueMetrics represents metrics associated to an enrichment queue.
type QueueMetrics struct {
	submissions    *prometheus.CounterVec
	investigations *prometheus.CounterVec
	duration       prometheus.Histogram

	depth    *atomic.Int64
	inFlight *atomic.Int64
}

// NewQueueMetrics returns a new registered QueueMetrics.
func NewQueueMetrics(r prometheus.Registerer) *QueueMetrics {
	m := &QueueMetrics{
		submissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "amtriage_enrich_submissions_total",
				Help: "Number of enrichment submissions by result.",
			},
			[]string{"result"},
		),
		investigations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "amtriage_enrich_investigations_total",
				Help: "Number of finished investigations by outcome.",
			},
			[]string{"outcome"},
		),
		duration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "amtriage_enrich_investigation_duration_seconds",
				Help:    "Duration of investigations.",
				Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
			},
		),
		depth:    atomic.NewInt64(0),
		inFlight: atomic.NewInt64(0),
	}

	if r != nil {
		r.MustRegister(m.submissions, m.investigations, m.duration)
		r.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "amtriage_enrich_queue_depth",
				Help: "Number of fingerprints waiting for a worker.",
			},
			func() float64 { return float64(m.depth.Load()) },
		))
		r.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "amtriage_enrich_in_flight",
				Help: "Number of investigations currently running.",
			},
			func() float64 { return float64(m.inFlight.Load()) },
		))
	}

	return m
}
