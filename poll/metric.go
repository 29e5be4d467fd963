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

package poll

import "github.com/prometheus/client_golang/prometheus"

// PollerMetrics holds the per-source polling metrics.
type PollerMetrics struct {
	fetches       *prometheus.CounterVec
	fetchErrors   *prometheus.CounterVec
	lastSuccess   *prometheus.GaugeVec
	alertsCreated *prometheus.CounterVec
	alertsUpdated *prometheus.CounterVec
}

// NewPollerMetrics returns a new PollerMetrics instance registered on r.
func NewPollerMetrics(r prometheus.Registerer) *PollerMetrics {
	m := &PollerMetrics{
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "amtriage_poll_fetches_total",
			Help: "Number of upstream fetch attempts.",
		}, []string{"source"}),
		fetchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "amtriage_poll_fetch_errors_total",
			Help: "Number of failed upstream fetches.",
		}, []string{"source"}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "amtriage_poll_last_success_timestamp_seconds",
			Help: "Timestamp of the last successful fetch per source.",
		}, []string{"source"}),
		alertsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "amtriage_poll_alerts_created_total",
			Help: "Number of alerts first seen via polling.",
		}, []string{"source"}),
		alertsUpdated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "amtriage_poll_alerts_updated_total",
			Help: "Number of alert updates merged via polling.",
		}, []string{"source"}),
	}
	if r != nil {
		r.MustRegister(m.fetches, m.fetchErrors, m.lastSuccess, m.alertsCreated, m.alertsUpdated)
	}
	return m
}
