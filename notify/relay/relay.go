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

// Package relay implements the Alertmanager-relay destination: the original
// alert re-emitted as a v2 webhook envelope with the root cause and category
// injected as annotations, so any Alertmanager-webhook consumer can receive
// enriched alerts unchanged.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	commoncfg "github.com/prometheus/common/config"
	"github.com/prometheus/common/model"

	"github.com/amtriage/amtriage/config"
	"github.com/amtriage/amtriage/notify"
	"github.com/amtriage/amtriage/types"
)

// Annotation keys injected into relayed alerts.
const (
	rootCauseAnnotation = "holmes_root_cause"
	categoryAnnotation  = "holmes_category"
)

// Notifier implements the Alertmanager-relay destination.
type Notifier struct {
	conf   *config.DestinationConfig
	logger *slog.Logger
	client *http.Client
}

// New returns a new relay notifier for the destination.
func New(conf *config.DestinationConfig, l *slog.Logger) (*Notifier, error) {
	httpCfg := commoncfg.DefaultHTTPClientConfig
	if conf.HTTPConfig != nil {
		httpCfg = *conf.HTTPConfig
	}
	client, err := commoncfg.NewClientFromConfig(httpCfg, "amtriage_relay")
	if err != nil {
		return nil, err
	}
	return &Notifier{
		conf:   conf,
		logger: l.With("destination", conf.Name),
		client: client,
	}, nil
}

func (n *Notifier) Name() string      { return n.conf.Name }
func (n *Notifier) Kind() notify.Kind { return notify.KindRelay }

// Message is the Alertmanager v2 webhook envelope.
type Message struct {
	Version           string         `json:"version"`
	GroupKey          string         `json:"groupKey"`
	Status            string         `json:"status"`
	Receiver          string         `json:"receiver"`
	GroupLabels       model.LabelSet `json:"groupLabels"`
	CommonLabels      model.LabelSet `json:"commonLabels"`
	CommonAnnotations model.LabelSet `json:"commonAnnotations"`
	ExternalURL       string         `json:"externalURL"`
	Alerts            []Alert        `json:"alerts"`
}

// Alert is one envelope entry.
type Alert struct {
	Status       string         `json:"status"`
	Labels       model.LabelSet `json:"labels"`
	Annotations  model.LabelSet `json:"annotations"`
	StartsAt     time.Time      `json:"startsAt"`
	EndsAt       time.Time      `json:"endsAt,omitempty"`
	GeneratorURL string         `json:"generatorURL,omitempty"`
	Fingerprint  string         `json:"fingerprint"`
}

// Format echoes the alert in its upstream shape with the enrichment folded
// into annotations.
func (n *Notifier) Format(alert *types.Alert, e *types.Enrichment, group *types.Group) ([]byte, error) {
	annotations := alert.Annotations.Clone()
	if annotations == nil {
		annotations = model.LabelSet{}
	}
	if e != nil && e.Status == types.EnrichmentOK {
		annotations[rootCauseAnnotation] = model.LabelValue(e.RootCause)
		annotations[categoryAnnotation] = model.LabelValue(e.Category)
	}

	groupKey := ""
	if group != nil {
		groupKey = group.ID
	}

	return json.Marshal(&Message{
		Version:           "4",
		GroupKey:          groupKey,
		Status:            string(alert.Status),
		Receiver:          "amtriage",
		GroupLabels:       model.LabelSet{},
		CommonLabels:      alert.Labels,
		CommonAnnotations: annotations,
		Alerts: []Alert{{
			Status:       string(alert.Status),
			Labels:       alert.Labels,
			Annotations:  annotations,
			StartsAt:     alert.StartsAt,
			EndsAt:       alert.EndsAt,
			GeneratorURL: alert.GeneratorURL,
			Fingerprint:  alert.Fingerprint,
		}},
	})
}

// Deliver posts the envelope to the configured URL.
func (n *Notifier) Deliver(ctx context.Context, payload []byte) (notify.Outcome, error) {
	u := (*config.URL)(n.conf.URL)
	return notify.DeliverJSON(ctx, n.client, u.String(), time.Duration(n.conf.Timeout), payload)
}
