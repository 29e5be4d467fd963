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

// Package store implements the process-local alert store: a fingerprint
// keyed map with an insertion-ordered index and per-source seen sets for
// deduplication. All methods are goroutine-safe; readers only ever observe
// clones, so enrichment writes never race with readers.
package store

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/model"

	"github.com/amtriage/amtriage/types"
)

// ErrNotFound is returned if the store holds no alert for a fingerprint.
var ErrNotFound = errors.New("alert not found")

// Op describes the effect of an Upsert.
type Op int

const (
	OpNoop Op = iota
	OpCreated
	OpUpdated
)

func (op Op) String() string {
	switch op {
	case OpCreated:
		return "created"
	case OpUpdated:
		return "updated"
	default:
		return "noop"
	}
}

// UpsertOutcome reports what an Upsert did to the store. Reopened is set on
// the resolved to firing transition, which re-qualifies the alert for
// enrichment.
type UpsertOutcome struct {
	Op       Op
	Reopened bool
}

// Alerts gives access to the set of alerts seen so far. Insertion order of
// fingerprints is preserved for the lifetime of the store.
type Alerts struct {
	mtx    sync.RWMutex
	alerts map[string]*types.Alert
	index  []string
	seen   map[string]map[string]struct{}
}

// NewAlerts returns an empty alert store.
func NewAlerts() *Alerts {
	return &Alerts{
		alerts: map[string]*types.Alert{},
		seen:   map[string]map[string]struct{}{},
	}
}

// Upsert inserts a new alert or merges it into the stored one with the same
// fingerprint, and records the fingerprint as seen by sourceID. Merging takes
// the union of label and annotation keys with last-writer-wins values,
// refreshes status and UpdatedAt, and keeps StartsAt from the first sighting.
//
// The caller must have validated the alert; an empty fingerprint here is an
// invariant breach and panics.
func (a *Alerts) Upsert(alert *types.Alert, sourceID string) UpsertOutcome {
	if alert.Fingerprint == "" {
		panic("store: upsert of alert without fingerprint")
	}

	a.mtx.Lock()
	defer a.mtx.Unlock()

	a.markSeen(alert.Fingerprint, sourceID)

	old, ok := a.alerts[alert.Fingerprint]
	if !ok {
		na := alert.Clone()
		if na.UpdatedAt.IsZero() {
			na.UpdatedAt = time.Now()
		}
		na.SourceIDs = []string{sourceID}
		a.alerts[na.Fingerprint] = na
		a.index = append(a.index, na.Fingerprint)
		return UpsertOutcome{Op: OpCreated}
	}

	changed := false
	if mergeLabelSet(&old.Labels, alert.Labels) {
		changed = true
	}
	if mergeLabelSet(&old.Annotations, alert.Annotations) {
		changed = true
	}
	reopened := false
	if old.Status != alert.Status {
		reopened = old.Status == types.AlertResolved && alert.Status == types.AlertFiring
		old.Status = alert.Status
		changed = true
	}
	if !alert.EndsAt.Equal(old.EndsAt) {
		old.EndsAt = alert.EndsAt
		changed = true
	}
	if alert.GeneratorURL != "" && alert.GeneratorURL != old.GeneratorURL {
		old.GeneratorURL = alert.GeneratorURL
		changed = true
	}
	if !hasSource(old, sourceID) {
		old.SourceIDs = append(old.SourceIDs, sourceID)
		changed = true
	}
	if !changed {
		return UpsertOutcome{Op: OpNoop}
	}
	old.UpdatedAt = time.Now()
	return UpsertOutcome{Op: OpUpdated, Reopened: reopened}
}

// mergeLabelSet unions src into dst with last-writer-wins values and reports
// whether dst changed.
func mergeLabelSet(dst *model.LabelSet, src model.LabelSet) bool {
	if len(src) == 0 {
		return false
	}
	changed := false
	if *dst == nil {
		*dst = model.LabelSet{}
	}
	for k, v := range src {
		if ov, ok := (*dst)[k]; !ok || ov != v {
			(*dst)[k] = v
			changed = true
		}
	}
	return changed
}

func hasSource(alert *types.Alert, sourceID string) bool {
	for _, id := range alert.SourceIDs {
		if id == sourceID {
			return true
		}
	}
	return false
}

func (a *Alerts) markSeen(fp, sourceID string) {
	set, ok := a.seen[sourceID]
	if !ok {
		set = map[string]struct{}{}
		a.seen[sourceID] = set
	}
	set[fp] = struct{}{}
}

// Get returns a clone of the alert with the given fingerprint.
func (a *Alerts) Get(fp string) (*types.Alert, error) {
	a.mtx.RLock()
	defer a.mtx.RUnlock()

	alert, ok := a.alerts[fp]
	if !ok {
		return nil, ErrNotFound
	}
	return alert.Clone(), nil
}

// ListFilter restricts the alerts List returns.
type ListFilter func(*types.Alert) bool

// WithStatus keeps alerts in the given state.
func WithStatus(status types.AlertStatus) ListFilter {
	return func(alert *types.Alert) bool {
		return alert.Status == status
	}
}

// WithLabels keeps alerts whose label set contains all of the given labels.
func WithLabels(labels model.LabelSet) ListFilter {
	return func(alert *types.Alert) bool {
		for k, v := range labels {
			if alert.Labels[k] != v {
				return false
			}
		}
		return true
	}
}

// List returns clones of all stored alerts matching every filter, in
// insertion order.
func (a *Alerts) List(filters ...ListFilter) []*types.Alert {
	a.mtx.RLock()
	defer a.mtx.RUnlock()

	res := make([]*types.Alert, 0, len(a.index))
loop:
	for _, fp := range a.index {
		alert := a.alerts[fp]
		for _, f := range filters {
			if !f(alert) {
				continue loop
			}
		}
		res = append(res, alert.Clone())
	}
	return res
}

// Snapshot returns an insertion-ordered copy of all stored alerts. It is the
// read surface for the API and the grouper's induction scans.
func (a *Alerts) Snapshot() []*types.Alert {
	return a.List()
}

// Count returns the number of stored alerts, optionally narrowed by filters.
func (a *Alerts) Count(filters ...ListFilter) int {
	a.mtx.RLock()
	defer a.mtx.RUnlock()

	if len(filters) == 0 {
		return len(a.index)
	}
	n := 0
loop:
	for _, fp := range a.index {
		for _, f := range filters {
			if !f(a.alerts[fp]) {
				continue loop
			}
		}
		n++
	}
	return n
}

// Delete removes the alert from the map, the index, and every seen set. It
// backs the explicit user eviction only; alerts are otherwise kept until the
// process exits.
func (a *Alerts) Delete(fp string) error {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	if _, ok := a.alerts[fp]; !ok {
		return ErrNotFound
	}
	delete(a.alerts, fp)
	for i, ifp := range a.index {
		if ifp == fp {
			a.index = append(a.index[:i], a.index[i+1:]...)
			break
		}
	}
	for _, set := range a.seen {
		delete(set, fp)
	}
	return nil
}

// Dedup returns the subsequence of alerts whose fingerprints the given
// source has not reported before, preserving order.
func (a *Alerts) Dedup(sourceID string, alerts []*types.Alert) []*types.Alert {
	a.mtx.RLock()
	defer a.mtx.RUnlock()

	set := a.seen[sourceID]
	if len(set) == 0 {
		return alerts
	}
	res := make([]*types.Alert, 0, len(alerts))
	for _, alert := range alerts {
		if _, ok := set[alert.Fingerprint]; !ok {
			res = append(res, alert)
		}
	}
	return res
}

// Seen reports whether the source has reported the fingerprint before.
func (a *Alerts) Seen(sourceID, fp string) bool {
	a.mtx.RLock()
	defer a.mtx.RUnlock()

	_, ok := a.seen[sourceID][fp]
	return ok
}

// SetEnrichment attaches the enrichment to the stored alert. The enrichment
// workers are the only writers.
func (a *Alerts) SetEnrichment(fp string, e *types.Enrichment) error {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	alert, ok := a.alerts[fp]
	if !ok {
		return ErrNotFound
	}
	alert.Enrichment = e.Clone()
	alert.UpdatedAt = time.Now()
	return nil
}

// SetGroup records the group the alert was admitted to.
func (a *Alerts) SetGroup(fp, groupID string) error {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	alert, ok := a.alerts[fp]
	if !ok {
		return ErrNotFound
	}
	alert.GroupID = groupID
	return nil
}

// RegisterMetrics exposes alert-count gauges on r, one per alert status plus
// one for completed enrichments.
func (a *Alerts) RegisterMetrics(r prometheus.Registerer) {
	if r == nil {
		return
	}
	for _, status := range []types.AlertStatus{types.AlertFiring, types.AlertResolved} {
		r.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name:        "amtriage_alerts",
				Help:        "How many alerts by status.",
				ConstLabels: prometheus.Labels{"status": string(status)},
			},
			func() float64 { return float64(a.Count(WithStatus(status))) },
		))
	}
	r.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "amtriage_alerts_enriched",
			Help: "How many alerts carry a completed enrichment.",
		},
		func() float64 {
			return float64(a.Count(func(alert *types.Alert) bool {
				return alert.Enrichment != nil && alert.Enrichment.Status == types.EnrichmentOK
			}))
		},
	))
}

// String is used in debug logging.
func (a *Alerts) String() string {
	a.mtx.RLock()
	defer a.mtx.RUnlock()
	return fmt.Sprintf("store with %d alerts over %d sources", len(a.index), len(a.seen))
}
