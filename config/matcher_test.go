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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseMatcher(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want Matcher
		err  string
	}{
		{
			in:   `severity=critical`,
			want: Matcher{Name: "severity", Op: MatchEqual, Value: "critical"},
		},
		{
			in:   `severity="critical"`,
			want: Matcher{Name: "severity", Op: MatchEqual, Value: "critical"},
		},
		{
			in:   `env!=staging`,
			want: Matcher{Name: "env", Op: MatchNotEqual, Value: "staging"},
		},
		{
			in:   `severity=~"critical|warning"`,
			want: Matcher{Name: "severity", Op: MatchRegexp, Value: "critical|warning"},
		},
		{
			in:   `service!~"^canary-.*"`,
			want: Matcher{Name: "service", Op: MatchNotRegexp, Value: "^canary-.*"},
		},
		{
			in:   ` alertname = "Has = inside" `,
			want: Matcher{Name: "alertname", Op: MatchEqual, Value: "Has = inside"},
		},
		{
			in:  `severity`,
			err: `bad matcher format: "severity"`,
		},
		{
			in:  `=critical`,
			err: `bad matcher format: "=critical"`,
		},
		{
			in:  `0bad=critical`,
			err: `bad matcher format: "0bad=critical"`,
		},
		{
			in:  `service=~"[unclosed"`,
			err: "invalid regexp",
		},
	} {
		t.Run(tc.in, func(t *testing.T) {
			m, err := ParseMatcher(tc.in)
			if tc.err != "" {
				require.Error(t, err)
				require.Contains(t, err.Error(), tc.err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, m)
		})
	}
}

func TestMatcherString(t *testing.T) {
	m := Matcher{Name: "severity", Op: MatchRegexp, Value: "critical|warning"}
	require.Equal(t, `severity=~"critical|warning"`, m.String())

	// String output parses back to the same matcher.
	back, err := ParseMatcher(m.String())
	require.NoError(t, err)
	require.Equal(t, m, back)
}
