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

// Package webhook implements the generic webhook destination: the alert,
// enrichment, and group echoed in the proxy's own JSON shapes.
package webhook

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	commoncfg "github.com/prometheus/common/config"

	"github.com/amtriage/amtriage/config"
	"github.com/amtriage/amtriage/notify"
	"github.com/amtriage/amtriage/types"
)

// Notifier implements the generic webhook destination.
type Notifier struct {
	conf   *config.DestinationConfig
	logger *slog.Logger
	client *http.Client
}

// New returns a new webhook notifier for the destination.
func New(conf *config.DestinationConfig, l *slog.Logger) (*Notifier, error) {
	httpCfg := commoncfg.DefaultHTTPClientConfig
	if conf.HTTPConfig != nil {
		httpCfg = *conf.HTTPConfig
	}
	client, err := commoncfg.NewClientFromConfig(httpCfg, "amtriage_webhook")
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
func (n *Notifier) Kind() notify.Kind { return notify.KindWebhook }

// Message defines the JSON object sent to webhook endpoints.
type Message struct {
	// The protocol version.
	Version    string            `json:"version"`
	Alert      *types.Alert      `json:"alert"`
	Enrichment *types.Enrichment `json:"enrichment,omitempty"`
	Group      *types.Group      `json:"group,omitempty"`
}

// Format renders the pair as a Message.
func (n *Notifier) Format(alert *types.Alert, e *types.Enrichment, group *types.Group) ([]byte, error) {
	return json.Marshal(&Message{
		Version:    "1",
		Alert:      alert,
		Enrichment: e,
		Group:      group,
	})
}

// Deliver posts the message to the configured URL.
func (n *Notifier) Deliver(ctx context.Context, payload []byte) (notify.Outcome, error) {
	u := (*config.URL)(n.conf.URL)
	return notify.DeliverJSON(ctx, n.client, u.String(), time.Duration(n.conf.Timeout), payload)
}
