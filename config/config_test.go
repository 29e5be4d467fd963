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
	"strings"
	"testing"
	"time"

	"github.com/prometheus/common/model"
	"github.com/stretchr/testify/require"
)

const minimalConfig = `
investigator:
  url: http://holmes.monitoring:5050
`

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(minimalConfig)
	require.NoError(t, err)

	require.Equal(t, model.Duration(30*time.Second), cfg.PollInterval)
	require.Equal(t, model.Duration(10*time.Second), cfg.FetchTimeout)
	require.Equal(t, 500, cfg.MaxAlertsPerSource)
	require.Equal(t, 4, cfg.EnrichWorkers)
	require.Equal(t, 1024, cfg.EnrichQueueCap)
	require.Equal(t, model.Duration(90*time.Second), cfg.EnrichTimeout)
	require.Equal(t, 5, cfg.VerifyFirstN)
	require.Equal(t, 5, cfg.MaxAttempts)
	require.Equal(t, model.Duration(10*time.Second), cfg.ShutdownGrace)
	require.Equal(t, model.Duration(90*time.Second), cfg.Investigator.Timeout)
}

func TestLoadFull(t *testing.T) {
	in := `
poll_interval: 15s
max_alerts_per_source: 100
sources:
  - id: prod-us
    url: https://am.prod-us.example.org
    matchers:
      - severity=~"critical|warning"
  - id: prod-eu
    url: https://am.prod-eu.example.org
    transport: proxied
    proxy_url: http://gateway.example.org:3128
    timeout: 5s
    only_firing: false
    silenced: true
destinations:
  - name: oncall
    type: chat
    url: https://hooks.slack.com/services/T000/B000/XXX
    channel: '#alerts'
  - name: archive
    type: webhook
    url: http://archiver.internal:8080/ingest
    max_attempts: 3
investigator:
  url: http://holmes.monitoring:5050
  timeout: 60s
`
	cfg, err := Load(in)
	require.NoError(t, err)

	require.Equal(t, model.Duration(15*time.Second), cfg.PollInterval)
	require.Len(t, cfg.Sources, 2)

	us := cfg.Sources[0]
	require.Equal(t, TransportDirect, us.Transport)
	require.True(t, us.OnlyFiring)
	require.False(t, us.Silenced)
	// Unset per-source timeout inherits fetch_timeout.
	require.Equal(t, model.Duration(10*time.Second), us.Timeout)
	require.Equal(t, []Matcher{{Name: "severity", Op: MatchRegexp, Value: "critical|warning"}}, us.Matchers)

	eu := cfg.Sources[1]
	require.Equal(t, TransportProxied, eu.Transport)
	require.Equal(t, "http://gateway.example.org:3128", eu.ProxyURL.String())
	require.Equal(t, model.Duration(5*time.Second), eu.Timeout)
	require.False(t, eu.OnlyFiring)
	require.True(t, eu.Silenced)

	require.Len(t, cfg.Destinations, 2)
	require.Equal(t, DestinationChat, cfg.Destinations[0].Type)
	require.Equal(t, model.Duration(15*time.Second), cfg.Destinations[0].Timeout)
	require.Equal(t, 4, cfg.Destinations[0].MaxEvidenceLines)
	// Unset max_attempts inherits the global value.
	require.Equal(t, 5, cfg.Destinations[0].MaxAttempts)
	require.Equal(t, 3, cfg.Destinations[1].MaxAttempts)

	require.Equal(t, model.Duration(60*time.Second), cfg.Investigator.Timeout)
}

func TestLoadErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		in   string
		err  string
	}{
		{
			name: "empty",
			in:   ``,
			err:  "no investigator configuration provided",
		},
		{
			name: "missing investigator",
			in: `
sources:
  - id: prod
    url: http://am.example.org
`,
			err: "no investigator configuration provided",
		},
		{
			name: "duplicate source id",
			in: `
sources:
  - id: prod
    url: http://a.example.org
  - id: prod
    url: http://b.example.org
` + minimalConfig,
			err: `source id "prod" is not unique`,
		},
		{
			name: "source without url",
			in: `
sources:
  - id: prod
` + minimalConfig,
			err: `no url set for source "prod"`,
		},
		{
			name: "proxied source without proxy url",
			in: `
sources:
  - id: prod
    url: http://am.example.org
    transport: proxied
` + minimalConfig,
			err: `no proxy_url set for proxied source "prod"`,
		},
		{
			name: "unknown transport",
			in: `
sources:
  - id: prod
    url: http://am.example.org
    transport: carrier_pigeon
` + minimalConfig,
			err: `invalid transport "carrier_pigeon" for source "prod"`,
		},
		{
			name: "duplicate destination name",
			in: `
destinations:
  - name: oncall
    type: chat
    url: https://hooks.slack.com/services/X
  - name: oncall
    type: webhook
    url: http://archiver.internal/ingest
` + minimalConfig,
			err: `destination name "oncall" is not unique`,
		},
		{
			name: "bad destination type",
			in: `
destinations:
  - name: oncall
    type: pager
    url: http://p.example.org
` + minimalConfig,
			err: `invalid type "pager" for destination "oncall"`,
		},
		{
			name: "non-positive workers",
			in: `
enrich_workers: 0
` + minimalConfig,
			err: "enrich_workers must be positive",
		},
		{
			name: "bad matcher",
			in: `
sources:
  - id: prod
    url: http://am.example.org
    matchers: ['severity']
` + minimalConfig,
			err: `bad matcher format: "severity"`,
		},
		{
			name: "unknown field",
			in: `
retention: 120h
` + minimalConfig,
			err: "field retention not found",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(tc.in)
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.err)
		})
	}
}

func TestDestinationURLRedacted(t *testing.T) {
	in := `
destinations:
  - name: oncall
    type: chat
    url: https://hooks.slack.com/services/T000/B000/supersecret
` + minimalConfig
	cfg, err := Load(in)
	require.NoError(t, err)

	s := cfg.String()
	require.NotContains(t, s, "supersecret")
	require.Contains(t, s, secretToken)
}

func TestSecretURLRoundTrip(t *testing.T) {
	// A marshaled <secret> must be accepted again on unmarshal.
	in := `
destinations:
  - name: oncall
    type: chat
    url: ` + secretToken + `
` + minimalConfig
	cfg, err := Load(in)
	require.NoError(t, err)
	require.NotNil(t, cfg.Destinations[0].URL)
}

func TestConfigStringParses(t *testing.T) {
	cfg, err := Load(minimalConfig)
	require.NoError(t, err)
	require.True(t, strings.Contains(cfg.String(), "investigator"))
}
