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

package grouping

import (
	"github.com/prometheus/client_golang/prometheus"
)

// GrouperMetrics represents metrics associated to a grouper.
type GrouperMetrics struct {
	admissions    *prometheus.CounterVec
	verifications *prometheus.CounterVec
	llmAvoided    prometheus.Counter
	groups        prometheus.Gauge
	rules         *prometheus.GaugeVec
	induced       prometheus.Counter
	retired       prometheus.Counter
}

// NewGrouperMetrics returns a new registered GrouperMetrics.
func NewGrouperMetrics(r prometheus.Registerer) *GrouperMetrics {
	m := &GrouperMetrics{
		admissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "amtriage_grouping_admissions_total",
				Help: "Number of group admissions by path.",
			},
			[]string{"path"},
		),
		verifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "amtriage_grouping_verifications_total",
				Help: "Number of grouping verifications by result.",
			},
			[]string{"result"},
		),
		llmAvoided: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "amtriage_grouping_llm_calls_avoided_total",
				Help: "Number of admissions decided by a trusted rule without an LLM call.",
			},
		),
		groups: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "amtriage_grouping_groups",
				Help: "Number of root-cause groups.",
			},
		),
		rules: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "amtriage_grouping_rules",
				Help: "Number of learned rules by state.",
			},
			[]string{"state"},
		),
		induced: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "amtriage_grouping_rules_induced_total",
				Help: "Number of rules induced from group members.",
			},
		),
		retired: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "amtriage_grouping_rules_retired_total",
				Help: "Number of rules retired after a rejected verification.",
			},
		),
	}

	if r != nil {
		r.MustRegister(m.admissions, m.verifications, m.llmAvoided, m.groups, m.rules, m.induced, m.retired)
	}

	return m
}
