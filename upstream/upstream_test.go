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

package upstream

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/model"
	"github.com/prometheus/common/promslog"
	"github.com/stretchr/testify/require"

	"github.com/amtriage/amtriage/config"
	"github.com/amtriage/amtriage/types"
)

func newTestClient(t *testing.T, serverURL string) *Client {
	t.Helper()
	c, err := New(&config.SourceConfig{
		ID:        "test",
		URL:       config.MustParseURL(serverURL),
		Transport: config.TransportDirect,
		Timeout:   model.Duration(2 * time.Second),
	}, promslog.NewNopLogger(), NewMetrics(prometheus.NewRegistry()))
	require.NoError(t, err)
	return c
}

func TestFetchDecodesAndMapsStates(t *testing.T) {
	now := time.Now()
	body := fmt.Sprintf(`[
		{"fingerprint":"fp1","labels":{"alertname":"A","severity":"critical"},"annotations":{"summary":"s"},"startsAt":%q,"status":{"state":"active"},"generatorURL":"http://prom/graph"},
		{"fingerprint":"fp2","labels":{"alertname":"B"},"startsAt":%q,"status":{"state":"suppressed"}},
		{"fingerprint":"fp3","labels":{"alertname":"C"},"startsAt":%q,"endsAt":%q,"status":{"state":"active"}},
		{"fingerprint":"fp4","labels":{"alertname":"D"},"startsAt":%q,"status":{"state":"unprocessed"}}
	]`,
		now.Format(time.RFC3339), now.Format(time.RFC3339),
		now.Add(-2*time.Hour).Format(time.RFC3339), now.Add(-time.Hour).Format(time.RFC3339),
		now.Format(time.RFC3339),
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v2/alerts", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, body)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	alerts, err := c.Fetch(context.Background(), Filter{OnlyFiring: false})
	require.NoError(t, err)
	require.Len(t, alerts, 4)
	// Upstream order is preserved.
	require.Equal(t, "fp1", alerts[0].Fingerprint)
	require.Equal(t, types.AlertFiring, alerts[0].Status)
	require.Equal(t, model.LabelValue("critical"), alerts[0].Labels["severity"])
	// Suppressed still fires.
	require.Equal(t, types.AlertFiring, alerts[1].Status)
	// Past endsAt maps to resolved.
	require.Equal(t, types.AlertResolved, alerts[2].Status)
	require.Equal(t, types.AlertFiring, alerts[3].Status)

	// OnlyFiring drops the resolved one.
	alerts, err = c.Fetch(context.Background(), Filter{OnlyFiring: true})
	require.NoError(t, err)
	require.Len(t, alerts, 3)
	for _, a := range alerts {
		require.Equal(t, types.AlertFiring, a.Status)
	}
}

func TestFetchQueryParameters(t *testing.T) {
	var gotQuery map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		fmt.Fprint(w, `[]`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.Fetch(context.Background(), Filter{
		Silenced: true,
		Matchers: []config.Matcher{
			{Name: "severity", Op: config.MatchRegexp, Value: "critical|warning"},
			{Name: "env", Op: config.MatchEqual, Value: "prod"},
		},
	})
	require.NoError(t, err)

	require.Equal(t, []string{"true"}, gotQuery["active"])
	require.Equal(t, []string{"true"}, gotQuery["silenced"])
	require.Equal(t, []string{"false"}, gotQuery["inhibited"])
	require.Equal(t, []string{`severity=~"critical|warning"`, `env="prod"`}, gotQuery["filter"])
}

func TestFetchDropsMissingFingerprint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[
			{"fingerprint":"","labels":{"alertname":"A"},"status":{"state":"active"}},
			{"fingerprint":"fp2","labels":{"alertname":"B"},"status":{"state":"active"}}
		]`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	alerts, err := c.Fetch(context.Background(), Filter{})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	require.Equal(t, "fp2", alerts[0].Fingerprint)
}

func TestFetchTruncates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[
			{"fingerprint":"fp1","labels":{"alertname":"A"},"status":{"state":"active"}},
			{"fingerprint":"fp2","labels":{"alertname":"B"},"status":{"state":"active"}},
			{"fingerprint":"fp3","labels":{"alertname":"C"},"status":{"state":"active"}}
		]`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	alerts, err := c.Fetch(context.Background(), Filter{MaxAlerts: 2})
	require.NoError(t, err)
	require.Len(t, alerts, 2)
	require.Equal(t, "fp1", alerts[0].Fingerprint)
	require.Equal(t, "fp2", alerts[1].Fingerprint)
}

func TestFetchEmptyResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[]`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	alerts, err := c.Fetch(context.Background(), Filter{})
	require.NoError(t, err)
	require.Empty(t, alerts)
}

func TestFetchTransportErrors(t *testing.T) {
	t.Run("http error status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		c := newTestClient(t, srv.URL)
		_, err := c.Fetch(context.Background(), Filter{})
		var te *TransportError
		require.ErrorAs(t, err, &te)
		require.Equal(t, http.StatusServiceUnavailable, te.StatusCode)
		require.Equal(t, "fetch", te.Op)
	})

	t.Run("connection refused", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		srv.Close()

		c := newTestClient(t, srv.URL)
		_, err := c.Fetch(context.Background(), Filter{})
		var te *TransportError
		require.ErrorAs(t, err, &te)
		require.Zero(t, te.StatusCode)
		require.Error(t, te.Err)
	})

	t.Run("garbage body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"not":"a list"}`)
		}))
		defer srv.Close()

		c := newTestClient(t, srv.URL)
		_, err := c.Fetch(context.Background(), Filter{})
		var te *TransportError
		require.ErrorAs(t, err, &te)
	})

	t.Run("timeout", func(t *testing.T) {
		release := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			<-release
		}))
		defer srv.Close()
		defer close(release)

		c, err := New(&config.SourceConfig{
			ID:        "slow",
			URL:       config.MustParseURL(srv.URL),
			Transport: config.TransportDirect,
			Timeout:   model.Duration(50 * time.Millisecond),
		}, promslog.NewNopLogger(), NewMetrics(prometheus.NewRegistry()))
		require.NoError(t, err)

		start := time.Now()
		_, err = c.Fetch(context.Background(), Filter{})
		var te *TransportError
		require.ErrorAs(t, err, &te)
		require.Error(t, te.Err)
		require.Less(t, time.Since(start), time.Second)
	})
}
