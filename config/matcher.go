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

package config

import (
	"fmt"
	"regexp"
	"strconv"
)

// MatchOp is a label matching operator as understood by the Alertmanager
// filter query parameter.
type MatchOp string

const (
	MatchEqual     MatchOp = "="
	MatchNotEqual  MatchOp = "!="
	MatchRegexp    MatchOp = "=~"
	MatchNotRegexp MatchOp = "!~"
)

// Matcher selects alerts by label value. It is rendered verbatim into the
// upstream filter= query parameter.
type Matcher struct {
	Name  string
	Op    MatchOp
	Value string
}

func (m Matcher) String() string {
	return fmt.Sprintf("%s%s%s", m.Name, m.Op, strconv.Quote(m.Value))
}

// MarshalYAML implements the yaml.Marshaler interface for Matcher.
func (m Matcher) MarshalYAML() (interface{}, error) {
	return m.String(), nil
}

// UnmarshalYAML implements the yaml.Unmarshaler interface for Matcher.
func (m *Matcher) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	nm, err := ParseMatcher(s)
	if err != nil {
		return err
	}
	*m = nm
	return nil
}

var matcherRE = regexp.MustCompile(`(?s)^\s*([a-zA-Z_][a-zA-Z0-9_]*)\s*(=~|=|!=|!~)\s*(.*?)\s*$`)

// ParseMatcher parses a matcher expression of the form name=value,
// name!=value, name=~regex or name!~regex. The value may be double-quoted.
func ParseMatcher(s string) (Matcher, error) {
	ms := matcherRE.FindStringSubmatch(s)
	if ms == nil {
		return Matcher{}, fmt.Errorf("bad matcher format: %q", s)
	}
	name, op, value := ms[1], MatchOp(ms[2]), ms[3]

	if len(value) > 1 && value[0] == '"' && value[len(value)-1] == '"' {
		unq, err := strconv.Unquote(value)
		if err != nil {
			return Matcher{}, fmt.Errorf("invalid quoted value in matcher %q: %w", s, err)
		}
		value = unq
	}

	if op == MatchRegexp || op == MatchNotRegexp {
		if _, err := regexp.Compile(value); err != nil {
			return Matcher{}, fmt.Errorf("invalid regexp in matcher %q: %w", s, err)
		}
	}

	return Matcher{Name: name, Op: op, Value: value}, nil
}
