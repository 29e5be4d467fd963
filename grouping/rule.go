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
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/common/model"

	"github.com/amtriage/amtriage/types"
)

// ClauseOp is a predicate operator over one label value.
type ClauseOp string

const (
	OpEquals ClauseOp = "equals"
	OpRegex  ClauseOp = "matches-regex"
	OpPrefix ClauseOp = "prefix"
)

// Clause is one (key, op, value) predicate. A rule matches when every clause
// holds over the alert's labels and annotations.
type Clause struct {
	Key   string   `json:"key"`
	Op    ClauseOp `json:"op"`
	Value string   `json:"value"`

	re *regexp.Regexp
}

func (c Clause) String() string {
	return fmt.Sprintf("%s %s %q", c.Key, c.Op, c.Value)
}

func (c *Clause) matches(ls model.LabelSet) bool {
	v, ok := ls[model.LabelName(c.Key)]
	if !ok {
		return false
	}
	switch c.Op {
	case OpEquals:
		return string(v) == c.Value
	case OpPrefix:
		return strings.HasPrefix(string(v), c.Value)
	case OpRegex:
		return c.re.MatchString(string(v))
	default:
		return false
	}
}

// RuleState is the lifecycle state of a learned rule.
type RuleState string

const (
	RuleCandidate RuleState = "candidate"
	RuleTrusted   RuleState = "trusted"
	RuleRetired   RuleState = "retired"
)

// Rule is a learned grouping predicate bound to one group. Candidate rules
// admit tentatively and require verification; trusted rules admit directly;
// retired rules are never consulted again.
type Rule struct {
	// ID is a ULID; its lexicographic order doubles as the recency
	// tiebreak in the fast-path ordering.
	ID      string    `json:"id"`
	GroupID string    `json:"groupID"`
	Clauses []Clause  `json:"clauses"`
	State   RuleState `json:"state"`

	RootCause string         `json:"rootCause"`
	Category  types.Category `json:"category"`

	Verifications int `json:"verifications"`
	Failures      int `json:"failures"`

	CreatedAt time.Time `json:"createdAt"`
}

// NewRule builds a candidate rule for the group, compiling any regex clauses.
func NewRule(groupID, rootCause string, category types.Category, clauses []Clause) (*Rule, error) {
	if len(clauses) == 0 {
		return nil, fmt.Errorf("rule for group %s has no clauses", groupID)
	}
	for i := range clauses {
		if clauses[i].Op == OpRegex {
			re, err := regexp.Compile(clauses[i].Value)
			if err != nil {
				return nil, fmt.Errorf("compiling clause %s: %w", clauses[i], err)
			}
			clauses[i].re = re
		}
	}
	return &Rule{
		ID:        ulid.Make().String(),
		GroupID:   groupID,
		Clauses:   clauses,
		State:     RuleCandidate,
		RootCause: rootCause,
		Category:  category,
		CreatedAt: time.Now(),
	}, nil
}

// Matches reports whether every clause holds over the alert's labels and
// annotations. Labels win on key collision.
func (r *Rule) Matches(alert *types.Alert) bool {
	ls := flatten(alert)
	for i := range r.Clauses {
		if !r.Clauses[i].matches(ls) {
			return false
		}
	}
	return true
}

// Specificity scores the rule for the fast-path ordering: equals clauses
// weigh 3, prefix 2, regex 1.
func (r *Rule) Specificity() int {
	s := 0
	for _, c := range r.Clauses {
		switch c.Op {
		case OpEquals:
			s += 3
		case OpPrefix:
			s += 2
		case OpRegex:
			s++
		}
	}
	return s
}

// Live reports whether the fast path may consult the rule.
func (r *Rule) Live() bool {
	return r.State == RuleCandidate || r.State == RuleTrusted
}

// Clone returns a copy of the rule for snapshots.
func (r *Rule) Clone() *Rule {
	nr := *r
	nr.Clauses = make([]Clause, len(r.Clauses))
	copy(nr.Clauses, r.Clauses)
	return &nr
}

// flatten merges labels and annotations into one set for clause evaluation.
func flatten(alert *types.Alert) model.LabelSet {
	if len(alert.Annotations) == 0 {
		return alert.Labels
	}
	ls := make(model.LabelSet, len(alert.Labels)+len(alert.Annotations))
	for k, v := range alert.Annotations {
		ls[k] = v
	}
	for k, v := range alert.Labels {
		ls[k] = v
	}
	return ls
}

// normalizeCause canonicalizes root-cause text for comparison: lower case,
// collapsed whitespace.
func normalizeCause(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
