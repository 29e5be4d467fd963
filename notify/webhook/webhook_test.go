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

package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/common/model"
	"github.com/prometheus/common/promslog"
	"github.com/stretchr/testify/require"

	"github.com/amtriage/amtriage/config"
	"github.com/amtriage/amtriage/notify"
	"github.com/amtriage/amtriage/types"
)

func TestFormat(t *testing.T) {
	conf := config.DefaultDestinationConfig
	conf.Name = "audit"
	conf.Type = config.DestinationWebhook
	n, err := New(&conf, promslog.NewNopLogger())
	require.NoError(t, err)

	alert := &types.Alert{
		Fingerprint: "f1",
		Labels:      model.LabelSet{"alertname": "HighErrorRate"},
		Status:      types.AlertFiring,
	}
	e := &types.Enrichment{Status: types.EnrichmentOK, RootCause: "bad deploy"}
	group := &types.Group{ID: "group-0000beef", RootCause: "bad deploy"}

	payload, err := n.Format(alert, e, group)
	require.NoError(t, err)

	var msg Message
	require.NoError(t, json.Unmarshal(payload, &msg))
	require.Equal(t, "1", msg.Version)
	require.Equal(t, "f1", msg.Alert.Fingerprint)
	require.Equal(t, "bad deploy", msg.Enrichment.RootCause)
	require.Equal(t, "group-0000beef", msg.Group.ID)
}

func TestDeliverRoundTrip(t *testing.T) {
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	conf := config.DefaultDestinationConfig
	conf.Name = "audit"
	conf.URL = (*config.SecretURL)(config.MustParseURL(srv.URL))
	n, err := New(&conf, promslog.NewNopLogger())
	require.NoError(t, err)

	outcome, err := n.Deliver(context.Background(), []byte(`{"version":"1"}`))
	require.NoError(t, err)
	require.Equal(t, notify.OutcomeOK, outcome)
	require.JSONEq(t, `{"version":"1"}`, string(body))
}

func TestDeliverPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such hook", http.StatusNotFound)
	}))
	defer srv.Close()

	conf := config.DefaultDestinationConfig
	conf.Name = "audit"
	conf.URL = (*config.SecretURL)(config.MustParseURL(srv.URL))
	n, err := New(&conf, promslog.NewNopLogger())
	require.NoError(t, err)

	outcome, err := n.Deliver(context.Background(), []byte(`{}`))
	require.Error(t, err)
	require.Equal(t, notify.OutcomePermanent, outcome)
}
