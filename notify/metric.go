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

package notify

import (
	"github.com/prometheus/client_golang/prometheus"
)

// FanoutMetrics represents metrics associated to the destination fan-out.
type FanoutMetrics struct {
	notifications *prometheus.CounterVec
	failed        *prometheus.CounterVec
	attempts      *prometheus.CounterVec
	dropped       *prometheus.CounterVec
}

// NewFanoutMetrics returns a new registered FanoutMetrics.
func NewFanoutMetrics(r prometheus.Registerer) *FanoutMetrics {
	m := &FanoutMetrics{
		notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "amtriage_notifications_total",
				Help: "Number of successfully delivered notifications.",
			},
			[]string{"destination"},
		),
		failed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "amtriage_notifications_failed_total",
				Help: "Number of notifications dropped after permanent failure or exhausted attempts.",
			},
			[]string{"destination"},
		),
		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "amtriage_notification_attempts_total",
				Help: "Number of delivery attempts.",
			},
			[]string{"destination"},
		),
		dropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "amtriage_notification_queue_dropped_total",
				Help: "Number of queued notifications shed because a destination queue was full.",
			},
			[]string{"destination"},
		),
	}

	if r != nil {
		r.MustRegister(m.notifications, m.failed, m.attempts, m.dropped)
	}

	return m
}
