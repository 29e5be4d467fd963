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

// Package slack implements the chat destination: a short attachment with the
// alert title, root cause, and a few evidence lines, posted to an incoming
// webhook.
package slack

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	commoncfg "github.com/prometheus/common/config"

	"github.com/amtriage/amtriage/config"
	"github.com/amtriage/amtriage/notify"
	"github.com/amtriage/amtriage/types"
)

const maxTitleRunes = 150

// Notifier implements the chat destination for Slack-compatible webhooks.
type Notifier struct {
	conf   *config.DestinationConfig
	logger *slog.Logger
	client *http.Client
}

// New returns a new chat notifier for the destination.
func New(conf *config.DestinationConfig, l *slog.Logger) (*Notifier, error) {
	httpCfg := commoncfg.DefaultHTTPClientConfig
	if conf.HTTPConfig != nil {
		httpCfg = *conf.HTTPConfig
	}
	client, err := commoncfg.NewClientFromConfig(httpCfg, "amtriage_slack")
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
func (n *Notifier) Kind() notify.Kind { return notify.KindChat }

type attachment struct {
	Fallback string  `json:"fallback"`
	Color    string  `json:"color"`
	Title    string  `json:"title"`
	Text     string  `json:"text,omitempty"`
	Fields   []field `json:"fields,omitempty"`
	Footer   string  `json:"footer"`
	Ts       int64   `json:"ts"`
}

type field struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type message struct {
	Channel     string       `json:"channel,omitempty"`
	Username    string       `json:"username,omitempty"`
	Attachments []attachment `json:"attachments"`
}

// Format renders the alert as one legacy-attachment message.
func (n *Notifier) Format(alert *types.Alert, e *types.Enrichment, group *types.Group) ([]byte, error) {
	severity := string(alert.Labels["severity"])
	title, _ := notify.Truncate(fmt.Sprintf("[%s] %s", severity, alert.Name()), maxTitleRunes)

	att := attachment{
		Fallback: title,
		Color:    severityColor(severity),
		Title:    title,
		Footer:   alert.Fingerprint,
		Ts:       time.Now().Unix(),
	}
	if e != nil && e.Status == types.EnrichmentOK {
		att.Fields = append(att.Fields,
			field{Title: "Root cause", Value: e.RootCause},
			field{Title: "Category", Value: string(e.Category), Short: true},
		)
		for i, ev := range e.Evidence {
			if i == n.conf.MaxEvidenceLines {
				break
			}
			line, _ := notify.Truncate(fmt.Sprintf("%s: %s", ev.Tool, ev.Summary), 300)
			att.Text += line + "\n"
		}
	}
	if group != nil {
		att.Fields = append(att.Fields, field{
			Title: "Group",
			Value: fmt.Sprintf("%s (%d alerts)", group.ID, len(group.Members)),
			Short: true,
		})
	}

	return json.Marshal(&message{
		Channel:     n.conf.Channel,
		Username:    n.conf.Username,
		Attachments: []attachment{att},
	})
}

// Deliver posts the message to the configured webhook URL.
func (n *Notifier) Deliver(ctx context.Context, payload []byte) (notify.Outcome, error) {
	u := (*config.URL)(n.conf.URL)
	return notify.DeliverJSON(ctx, n.client, u.String(), time.Duration(n.conf.Timeout), payload)
}

func severityColor(severity string) string {
	switch severity {
	case "critical":
		return "danger"
	case "warning":
		return "warning"
	default:
		return "#439FE0"
	}
}
