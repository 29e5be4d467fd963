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

// Package grouping clusters enriched alerts into root-cause groups. A learned
// rule set answers most admissions without an LLM call; the verifier backs
// candidate rules and the slow path. All rule and group mutations happen on
// the single Run goroutine.
package grouping

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/amtriage/amtriage/enrich"
	"github.com/amtriage/amtriage/store"
	"github.com/amtriage/amtriage/types"
)

// Verifier asks the investigator whether an alert belongs to a proposed root
// cause. It backs candidate-rule admissions and slow-path assignments.
type Verifier interface {
	VerifyGrouping(ctx context.Context, alert *types.Alert, rootCause string) (bool, error)
}

// Forwarder receives every admitted (alert, group) pair. The notification
// fan-out implements it; Submit must not block.
type Forwarder interface {
	Submit(alert *types.Alert, group *types.Group)
}

// slowPathCandidates caps how many same-category groups the slow path offers
// to the verifier per alert.
const slowPathCandidates = 3

// Grouper consumes enrichment completions and assigns each enriched alert to
// a group sharing its root cause, learning predicates as groups grow.
type Grouper struct {
	alerts       *store.Alerts
	verifier     Verifier
	forward      Forwarder
	completions  <-chan enrich.Completion
	verifyFirstN int
	logger       *slog.Logger
	metrics      *GrouperMetrics

	// mtx guards the snapshot surface only; mutations are serialized by the
	// Run goroutine.
	mtx        sync.RWMutex
	groups     map[string]*types.Group
	groupOrder []string
	rules      []*Rule

	// burned bars the groups of retired rules from re-induction; the same
	// predicate would only be re-learned and retired again.
	burned map[string]struct{}
}

// NewGrouper returns a grouper consuming the given completion stream.
func NewGrouper(
	alerts *store.Alerts,
	verifier Verifier,
	forward Forwarder,
	completions <-chan enrich.Completion,
	verifyFirstN int,
	l *slog.Logger,
	m *GrouperMetrics,
) *Grouper {
	return &Grouper{
		alerts:       alerts,
		verifier:     verifier,
		forward:      forward,
		completions:  completions,
		verifyFirstN: verifyFirstN,
		logger:       l.With("component", "grouper"),
		metrics:      m,
		groups:       map[string]*types.Group{},
		burned:       map[string]struct{}{},
	}
}

// Run consumes completion events until the stream closes or ctx is done.
func (g *Grouper) Run(ctx context.Context) {
	for {
		select {
		case c, ok := <-g.completions:
			if !ok {
				return
			}
			g.process(ctx, c.Fingerprint)
		case <-ctx.Done():
			return
		}
	}
}

func (g *Grouper) process(ctx context.Context, fp string) {
	alert, err := g.alerts.Get(fp)
	if err != nil {
		return
	}
	e := alert.Enrichment
	// Failed enrichments stay visible in the store but are never grouped.
	if e == nil || e.Status != types.EnrichmentOK {
		return
	}

	group := g.assign(ctx, alert)
	if group == nil {
		return
	}

	if err := g.alerts.SetGroup(fp, group.ID); err != nil {
		g.logger.Debug("Alert deleted before group assignment", "fingerprint", fp)
		return
	}
	alert.GroupID = group.ID
	g.forward.Submit(alert, group.Clone())
}

// assign runs the two-tier matching and returns the admitting group.
func (g *Grouper) assign(ctx context.Context, alert *types.Alert) *types.Group {
	e := alert.Enrichment

	// A re-enriched alert whose root cause still matches its group needs no
	// reassignment, only re-forwarding. On a changed root cause the alert
	// leaves its old group before the matching tiers run, so a fingerprint
	// never sits in two groups.
	if alert.GroupID != "" {
		if cur, ok := g.groups[alert.GroupID]; ok {
			if normalizeCause(cur.RootCause) == normalizeCause(e.RootCause) {
				return cur
			}
			g.removeMember(cur, alert.Fingerprint)
		}
	}

	if group := g.fastPath(ctx, alert); group != nil {
		return group
	}
	return g.slowPath(ctx, alert)
}

// fastPath consults live rules in most-specific-first order. It returns nil
// when no live rule admits the alert.
func (g *Grouper) fastPath(ctx context.Context, alert *types.Alert) *types.Group {
	e := alert.Enrichment
	for _, rule := range g.orderedRules() {
		if !rule.Matches(alert) {
			continue
		}
		group, ok := g.groups[rule.GroupID]
		if !ok {
			continue
		}

		if rule.State == RuleTrusted && normalizeCause(rule.RootCause) == normalizeCause(e.RootCause) {
			g.admit(group, alert.Fingerprint)
			g.metrics.admissions.WithLabelValues("fast").Inc()
			g.metrics.llmAvoided.Inc()
			return group
		}

		// Candidate rules always verify; a trusted rule re-checks only when
		// the alert's own enrichment disagrees with the rule's root cause.
		g.admit(group, alert.Fingerprint)
		accepted, err := g.verifier.VerifyGrouping(ctx, alert, rule.RootCause)
		if err != nil {
			// Verifier trouble is contained: keep the tentative admission,
			// move no counters.
			g.logger.Warn("Grouping verification failed, keeping tentative admission",
				"rule", rule.ID, "alert", alert, "err", err)
			g.metrics.verifications.WithLabelValues("error").Inc()
			g.metrics.admissions.WithLabelValues("fast").Inc()
			return group
		}
		if accepted {
			g.metrics.verifications.WithLabelValues("accepted").Inc()
			g.mtx.Lock()
			rule.Verifications++
			if rule.State == RuleCandidate && rule.Verifications >= g.verifyFirstN {
				rule.State = RuleTrusted
				g.metrics.rules.WithLabelValues(string(RuleCandidate)).Dec()
				g.metrics.rules.WithLabelValues(string(RuleTrusted)).Inc()
				g.logger.Info("Rule promoted to trusted", "rule", rule.ID, "verifications", rule.Verifications)
			}
			g.mtx.Unlock()
			g.metrics.admissions.WithLabelValues("fast").Inc()
			return group
		}

		g.metrics.verifications.WithLabelValues("rejected").Inc()
		g.retire(rule, group, alert.Fingerprint)
		// The offending member reroutes through the slow path.
		return nil
	}
	return nil
}

// retire takes the rule out of the fast path for good and rolls back the
// tentative admission.
func (g *Grouper) retire(rule *Rule, group *types.Group, fp string) {
	g.mtx.Lock()
	defer g.mtx.Unlock()

	g.metrics.rules.WithLabelValues(string(rule.State)).Dec()
	rule.State = RuleRetired
	rule.Failures++
	g.metrics.rules.WithLabelValues(string(RuleRetired)).Inc()
	g.metrics.retired.Inc()

	spliceMember(group, fp)
	if group.RuleID == rule.ID {
		group.RuleID = ""
	}
	g.burned[group.ID] = struct{}{}
	g.logger.Info("Rule retired after rejected verification", "rule", rule.ID, "group", group.ID)
}

// slowPath assigns by root cause: an exact normalized match joins directly,
// otherwise the verifier arbitrates against recent same-category groups, and
// failing all that a fresh group is created.
func (g *Grouper) slowPath(ctx context.Context, alert *types.Alert) *types.Group {
	e := alert.Enrichment
	want := normalizeCause(e.RootCause)

	for i := len(g.groupOrder) - 1; i >= 0; i-- {
		group := g.groups[g.groupOrder[i]]
		if normalizeCause(group.RootCause) == want {
			g.admit(group, alert.Fingerprint)
			g.metrics.admissions.WithLabelValues("slow").Inc()
			g.maybeInduce(group)
			return group
		}
	}

	checked := 0
	for i := len(g.groupOrder) - 1; i >= 0 && checked < slowPathCandidates; i-- {
		group := g.groups[g.groupOrder[i]]
		if group.Category != e.Category {
			continue
		}
		checked++
		accepted, err := g.verifier.VerifyGrouping(ctx, alert, group.RootCause)
		if err != nil {
			g.logger.Warn("Slow-path verification failed", "group", group.ID, "err", err)
			g.metrics.verifications.WithLabelValues("error").Inc()
			continue
		}
		if accepted {
			g.metrics.verifications.WithLabelValues("accepted").Inc()
			g.admit(group, alert.Fingerprint)
			g.metrics.admissions.WithLabelValues("slow").Inc()
			g.maybeInduce(group)
			return group
		}
		g.metrics.verifications.WithLabelValues("rejected").Inc()
	}

	group := g.createGroup(e.RootCause, e.Category)
	g.admit(group, alert.Fingerprint)
	g.metrics.admissions.WithLabelValues("new").Inc()
	return group
}

// removeMember drops fp from the group's member list, if present.
func (g *Grouper) removeMember(group *types.Group, fp string) {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	spliceMember(group, fp)
}

func spliceMember(group *types.Group, fp string) {
	for i, m := range group.Members {
		if m == fp {
			group.Members = append(group.Members[:i], group.Members[i+1:]...)
			group.UpdatedAt = time.Now()
			return
		}
	}
}

func (g *Grouper) admit(group *types.Group, fp string) {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	if group.HasMember(fp) {
		return
	}
	group.Members = append(group.Members, fp)
	group.UpdatedAt = time.Now()
}

func (g *Grouper) createGroup(rootCause string, category types.Category) *types.Group {
	g.mtx.Lock()
	defer g.mtx.Unlock()

	id := ""
	for salt := 0; ; salt++ {
		id = groupID(rootCause, category, salt)
		existing, ok := g.groups[id]
		if !ok {
			break
		}
		// Hash collision across distinct root causes: salt and retry.
		if normalizeCause(existing.RootCause) == normalizeCause(rootCause) {
			break
		}
	}

	now := time.Now()
	group := &types.Group{
		ID:        id,
		RootCause: rootCause,
		Category:  category,
		CreatedAt: now,
		UpdatedAt: now,
	}
	g.groups[id] = group
	g.groupOrder = append(g.groupOrder, id)
	g.metrics.groups.Set(float64(len(g.groups)))
	g.logger.Info("Created group", "group", id, "root_cause", rootCause, "category", category)
	return group
}

func groupID(rootCause string, category types.Category, salt int) string {
	key := fmt.Sprintf("%s|%s|%d", normalizeCause(rootCause), category, salt)
	return fmt.Sprintf("group-%08x", uint32(xxhash.Sum64String(key)))
}

// maybeInduce attempts rule induction for a group that reached three members
// without a live rule. Groups whose rule was retired are barred for good.
func (g *Grouper) maybeInduce(group *types.Group) {
	if group.RuleID != "" || len(group.Members) < 3 {
		return
	}
	if _, ok := g.burned[group.ID]; ok {
		return
	}

	memberSet := map[string]struct{}{}
	for _, fp := range group.Members {
		memberSet[fp] = struct{}{}
	}
	var members, others []*types.Alert
	for _, alert := range g.alerts.Snapshot() {
		if _, ok := memberSet[alert.Fingerprint]; ok {
			members = append(members, alert)
		} else {
			others = append(others, alert)
		}
	}

	clauses := induce(members, others)
	if clauses == nil {
		return
	}
	rule, err := NewRule(group.ID, group.RootCause, group.Category, clauses)
	if err != nil {
		g.logger.Warn("Rule induction produced an invalid rule", "group", group.ID, "err", err)
		return
	}

	g.mtx.Lock()
	g.rules = append(g.rules, rule)
	group.RuleID = rule.ID
	g.mtx.Unlock()
	g.metrics.rules.WithLabelValues(string(RuleCandidate)).Inc()
	g.metrics.induced.Inc()
	g.logger.Info("Induced candidate rule", "rule", rule.ID, "group", group.ID, "clauses", len(clauses))
}

// orderedRules returns the live rules in fast-path order: specificity
// descending, newer rules first on ties.
func (g *Grouper) orderedRules() []*Rule {
	live := make([]*Rule, 0, len(g.rules))
	for _, r := range g.rules {
		if r.Live() {
			live = append(live, r)
		}
	}
	sort.SliceStable(live, func(i, j int) bool {
		si, sj := live[i].Specificity(), live[j].Specificity()
		if si != sj {
			return si > sj
		}
		return live[i].ID > live[j].ID
	})
	return live
}

// Groups returns clones of all groups in creation order.
func (g *Grouper) Groups() []*types.Group {
	g.mtx.RLock()
	defer g.mtx.RUnlock()

	res := make([]*types.Group, 0, len(g.groupOrder))
	for _, id := range g.groupOrder {
		res = append(res, g.groups[id].Clone())
	}
	return res
}

// Rules returns clones of all rules, retired ones included.
func (g *Grouper) Rules() []*Rule {
	g.mtx.RLock()
	defer g.mtx.RUnlock()

	res := make([]*Rule, 0, len(g.rules))
	for _, r := range g.rules {
		res = append(res, r.Clone())
	}
	return res
}
