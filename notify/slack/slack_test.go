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

package slack

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/common/model"
	"github.com/prometheus/common/promslog"
	"github.com/stretchr/testify/require"

	"github.com/amtriage/amtriage/config"
	"github.com/amtriage/amtriage/notify"
	"github.com/amtriage/amtriage/types"
)

func testNotifier(t *testing.T, target string) *Notifier {
	t.Helper()
	conf := config.DefaultDestinationConfig
	conf.Name = "oncall"
	conf.Type = config.DestinationChat
	conf.Channel = "#incidents"
	conf.Username = "amtriage"
	conf.MaxEvidenceLines = 2
	if target != "" {
		conf.URL = (*config.SecretURL)(config.MustParseURL(target))
	}
	n, err := New(&conf, promslog.NewNopLogger())
	require.NoError(t, err)
	return n
}

func testAlert() *types.Alert {
	return &types.Alert{
		Fingerprint: "f1",
		Labels: model.LabelSet{
			"alertname": "HighErrorRate",
			"severity":  "critical",
		},
		Status:   types.AlertFiring,
		StartsAt: time.Now(),
	}
}

func TestFormat(t *testing.T) {
	n := testNotifier(t, "")

	e := &types.Enrichment{
		Status:    types.EnrichmentOK,
		RootCause: "checkout pods OOMKilled",
		Category:  types.CategoryInfrastructure,
		Evidence: []types.Evidence{
			{Tool: "kubectl", Summary: "pod restarts climbing"},
			{Tool: "logs", Summary: "OOMKilled events"},
			{Tool: "metrics", Summary: "memory at limit"},
		},
	}
	group := &types.Group{ID: "group-0000beef", Members: []string{"f1", "f2"}}

	payload, err := n.Format(testAlert(), e, group)
	require.NoError(t, err)

	var msg message
	require.NoError(t, json.Unmarshal(payload, &msg))
	require.Equal(t, "#incidents", msg.Channel)
	require.Equal(t, "amtriage", msg.Username)
	require.Len(t, msg.Attachments, 1)

	att := msg.Attachments[0]
	require.Equal(t, "[critical] HighErrorRate", att.Title)
	require.Equal(t, "danger", att.Color)
	require.Equal(t, "f1", att.Footer)

	// Max two evidence lines per the config, third is dropped.
	require.Equal(t, 2, strings.Count(att.Text, "\n"))
	require.Contains(t, att.Text, "kubectl: pod restarts climbing")
	require.NotContains(t, att.Text, "memory at limit")

	var fields []string
	for _, f := range att.Fields {
		fields = append(fields, f.Title+"="+f.Value)
	}
	require.Equal(t, []string{
		"Root cause=checkout pods OOMKilled",
		"Category=infrastructure",
		"Group=group-0000beef (2 alerts)",
	}, fields)
}

func TestFormatWithoutEnrichment(t *testing.T) {
	n := testNotifier(t, "")

	payload, err := n.Format(testAlert(), nil, nil)
	require.NoError(t, err)

	var msg message
	require.NoError(t, json.Unmarshal(payload, &msg))
	require.Len(t, msg.Attachments, 1)
	require.Empty(t, msg.Attachments[0].Text)
	require.Empty(t, msg.Attachments[0].Fields)
}

func TestDeliver(t *testing.T) {
	var got []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = json.Marshal(r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := testNotifier(t, srv.URL)
	outcome, err := n.Deliver(context.Background(), []byte(`{"attachments":[]}`))
	require.NoError(t, err)
	require.Equal(t, notify.OutcomeOK, outcome)
	require.Contains(t, string(got), "application/json")
}

func TestDeliverTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	n := testNotifier(t, srv.URL)
	outcome, err := n.Deliver(context.Background(), []byte(`{}`))
	require.Error(t, err)
	require.Equal(t, notify.OutcomeTransient, outcome)
}
