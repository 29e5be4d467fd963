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

package types

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/common/model"
)

// AlertStatus is the upstream-facing state of an alert.
type AlertStatus string

const (
	AlertFiring   AlertStatus = "firing"
	AlertResolved AlertStatus = "resolved"
)

// Alert is the atomic unit flowing through the proxy. The fingerprint is
// assigned by the upstream Alertmanager and is never synthesized here;
// alerts arriving without one are rejected at ingress.
type Alert struct {
	Fingerprint string         `json:"fingerprint"`
	Labels      model.LabelSet `json:"labels"`
	Annotations model.LabelSet `json:"annotations,omitempty"`

	StartsAt  time.Time `json:"startsAt"`
	EndsAt    time.Time `json:"endsAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`

	Status       AlertStatus `json:"status"`
	GeneratorURL string      `json:"generatorURL,omitempty"`

	// Enrichment is written by the enrichment workers; nil until the alert
	// has been admitted to the queue at least once.
	Enrichment *Enrichment `json:"enrichment,omitempty"`

	// GroupID is set by the grouper once a root-cause group admits the alert.
	GroupID string `json:"groupID,omitempty"`

	// SourceIDs lists the sources that reported this alert, in the order
	// they first did.
	SourceIDs []string `json:"sourceIDs,omitempty"`
}

// Name returns the name of the alert. It is equivalent to the "alertname" label.
func (a *Alert) Name() string {
	return string(a.Labels[model.AlertNameLabel])
}

// Resolved reports whether the alert is in the resolved state.
func (a *Alert) Resolved() bool {
	return a.Status == AlertResolved
}

func (a *Alert) String() string {
	s := fmt.Sprintf("%s[%s]", a.Name(), a.Fingerprint)
	if a.Resolved() {
		return s + "[resolved]"
	}
	return s + "[firing]"
}

// Validate returns an error if the alert cannot be admitted.
func (a *Alert) Validate() error {
	if a.Fingerprint == "" {
		return errors.New("alert fingerprint missing")
	}
	if len(a.Labels) == 0 {
		return errors.New("alert has no labels")
	}
	return nil
}

// Clone returns a deep copy of the alert. Store readers only ever observe
// clones so that enrichment writes never race with readers.
func (a *Alert) Clone() *Alert {
	na := *a
	na.Labels = a.Labels.Clone()
	na.Annotations = a.Annotations.Clone()
	if a.Enrichment != nil {
		na.Enrichment = a.Enrichment.Clone()
	}
	if a.SourceIDs != nil {
		na.SourceIDs = make([]string, len(a.SourceIDs))
		copy(na.SourceIDs, a.SourceIDs)
	}
	return &na
}

// EnrichmentStatus tracks the lifecycle of a root-cause investigation.
type EnrichmentStatus string

const (
	EnrichmentPending    EnrichmentStatus = "pending"
	EnrichmentInProgress EnrichmentStatus = "in_progress"
	EnrichmentOK         EnrichmentStatus = "ok"
	EnrichmentFailed     EnrichmentStatus = "failed"
)

// Category classifies a root cause into a small fixed taxonomy.
type Category string

const (
	CategoryApplication    Category = "application"
	CategoryDatabase       Category = "database"
	CategoryInfrastructure Category = "infrastructure"
	CategoryNetwork        Category = "network"
	CategoryUnknown        Category = "unknown"
)

// ParseCategory normalizes free-form investigator output into the taxonomy.
func ParseCategory(s string) Category {
	switch Category(s) {
	case CategoryApplication, CategoryDatabase, CategoryInfrastructure, CategoryNetwork:
		return Category(s)
	default:
		return CategoryUnknown
	}
}

// Evidence is one tool invocation captured during an investigation.
type Evidence struct {
	Tool    string `json:"tool"`
	Summary string `json:"summary"`
}

// Enrichment is the investigator's verdict attached to an alert.
type Enrichment struct {
	// ID identifies one investigation run.
	ID     string           `json:"id,omitempty"`
	Status EnrichmentStatus `json:"status"`

	// RootCause is present iff Status is ok.
	RootCause string   `json:"rootCause,omitempty"`
	Category  Category `json:"category,omitempty"`

	// Evidence preserves tool-call order.
	Evidence []Evidence    `json:"evidence,omitempty"`
	Latency  time.Duration `json:"latency,omitempty"`

	// Error is present iff Status is failed.
	Error string `json:"error,omitempty"`

	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// Clone returns a deep copy of the enrichment.
func (e *Enrichment) Clone() *Enrichment {
	ne := *e
	if e.Evidence != nil {
		ne.Evidence = make([]Evidence, len(e.Evidence))
		copy(ne.Evidence, e.Evidence)
	}
	return &ne
}

// Group clusters alerts that share a root cause. The root cause is frozen at
// creation; groups only ever grow by appending members.
type Group struct {
	ID        string   `json:"id"`
	RootCause string   `json:"rootCause"`
	Category  Category `json:"category"`

	// Members holds fingerprints in join order.
	Members []string `json:"members"`

	// RuleID names the learned rule that admits members on the fast path,
	// if one exists.
	RuleID string `json:"ruleID,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Clone returns a deep copy of the group.
func (g *Group) Clone() *Group {
	ng := *g
	ng.Members = make([]string, len(g.Members))
	copy(ng.Members, g.Members)
	return &ng
}

// HasMember reports whether the fingerprint already joined the group.
func (g *Group) HasMember(fp string) bool {
	for _, m := range g.Members {
		if m == fp {
			return true
		}
	}
	return false
}
