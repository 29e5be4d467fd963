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
	"sort"
	"unicode/utf8"

	"github.com/prometheus/common/model"

	"github.com/amtriage/amtriage/types"
)

// induce computes a minimal clause conjunction that is true for every member
// and false for every non-member, or nil when no non-trivial discriminating
// predicate exists. Equals clauses over labels shared with identical values
// come first; when those alone do not discriminate, prefix clauses over the
// remaining shared keys are added.
func induce(members, others []*types.Alert) []Clause {
	if len(members) < 3 {
		return nil
	}

	flat := make([]model.LabelSet, len(members))
	for i, m := range members {
		flat[i] = flatten(m)
	}

	// Keys present in every member, split into identical-value keys and
	// common-prefix keys. Sorted for deterministic clause order.
	var equalKeys, prefixKeys []string
	prefixes := map[string]string{}
	for k, v := range flat[0] {
		identical := true
		prefix := string(v)
		shared := true
		for _, ls := range flat[1:] {
			ov, ok := ls[k]
			if !ok {
				shared = false
				break
			}
			if ov != v {
				identical = false
			}
			prefix = commonPrefix(prefix, string(ov))
		}
		if !shared {
			continue
		}
		if identical {
			equalKeys = append(equalKeys, string(k))
		} else if prefix != "" {
			prefixKeys = append(prefixKeys, string(k))
			prefixes[string(k)] = prefix
		}
	}
	sort.Strings(equalKeys)
	sort.Strings(prefixKeys)

	clauses := make([]Clause, 0, len(equalKeys))
	for _, k := range equalKeys {
		clauses = append(clauses, Clause{Key: k, Op: OpEquals, Value: string(flat[0][model.LabelName(k)])})
	}
	if len(clauses) > 0 && discriminates(clauses, others) {
		return clauses
	}

	for _, k := range prefixKeys {
		clauses = append(clauses, Clause{Key: k, Op: OpPrefix, Value: prefixes[k]})
	}
	if len(clauses) > 0 && discriminates(clauses, others) {
		return clauses
	}
	return nil
}

// discriminates reports whether no non-member satisfies all clauses.
func discriminates(clauses []Clause, others []*types.Alert) bool {
	for _, alert := range others {
		ls := flatten(alert)
		all := true
		for i := range clauses {
			if !clauses[i].matches(ls) {
				all = false
				break
			}
		}
		if all {
			return false
		}
	}
	return true
}

func commonPrefix(a, b string) string {
	n := 0
	for n < len(a) && n < len(b) {
		ra, sa := utf8.DecodeRuneInString(a[n:])
		rb, _ := utf8.DecodeRuneInString(b[n:])
		if ra != rb {
			break
		}
		n += sa
	}
	return a[:n]
}
