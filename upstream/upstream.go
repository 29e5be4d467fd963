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

// Package upstream implements the read-only client for the Alertmanager v2
// alert listing. The upstream is never written to.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	commoncfg "github.com/prometheus/common/config"
	"github.com/prometheus/common/model"

	"github.com/amtriage/amtriage/config"
	"github.com/amtriage/amtriage/types"
)

// TransportError reports a failed exchange with an upstream. Callers match it
// with errors.As to distinguish transport failures from programming errors.
type TransportError struct {
	Op         string
	URL        string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: unexpected status code %d", e.Op, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: %s", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Filter constrains which alerts a fetch returns.
type Filter struct {
	// OnlyFiring drops alerts that map to the resolved state.
	OnlyFiring bool
	// Silenced and Inhibited request upstream alerts in those states;
	// both are excluded by default.
	Silenced  bool
	Inhibited bool
	// Matchers are rendered into filter= query parameters.
	Matchers []config.Matcher
	// MaxAlerts truncates the result, keeping upstream order. Zero means
	// unbounded.
	MaxAlerts int
}

// FilterFromConfig builds the static fetch filter for a source.
func FilterFromConfig(sc *config.SourceConfig, maxAlerts int) Filter {
	return Filter{
		OnlyFiring: sc.OnlyFiring,
		Silenced:   sc.Silenced,
		Inhibited:  sc.Inhibited,
		Matchers:   sc.Matchers,
		MaxAlerts:  maxAlerts,
	}
}

// Metrics holds the fetch-side metrics, labeled by source.
type Metrics struct {
	truncatedAlerts *prometheus.CounterVec
	invalidAlerts   *prometheus.CounterVec
}

// NewMetrics returns a new Metrics instance registered on r.
func NewMetrics(r prometheus.Registerer) *Metrics {
	m := &Metrics{
		truncatedAlerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "amtriage_fetch_truncated_total",
			Help: "Number of fetches whose result was truncated to the per-source limit.",
		}, []string{"source"}),
		invalidAlerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "amtriage_fetch_alerts_invalid_total",
			Help: "Number of fetched alerts dropped for missing a fingerprint.",
		}, []string{"source"}),
	}
	if r != nil {
		r.MustRegister(m.truncatedAlerts, m.invalidAlerts)
	}
	return m
}

// Client fetches alerts from one upstream Alertmanager.
type Client struct {
	id      string
	url     *url.URL
	client  *http.Client
	timeout time.Duration
	logger  *slog.Logger
	metrics *Metrics
}

// New creates a Client for the given source. The proxied transport routes
// every request through the configured proxy URL.
func New(sc *config.SourceConfig, logger *slog.Logger, m *Metrics) (*Client, error) {
	httpCfg := commoncfg.DefaultHTTPClientConfig
	if sc.HTTPConfig != nil {
		httpCfg = *sc.HTTPConfig
	}
	if sc.Transport == config.TransportProxied {
		httpCfg.ProxyURL = commoncfg.URL{URL: sc.ProxyURL.URL}
	}
	client, err := commoncfg.NewClientFromConfig(httpCfg, "amtriage_source")
	if err != nil {
		return nil, err
	}
	return &Client{
		id:      sc.ID,
		url:     sc.URL.URL,
		client:  client,
		timeout: time.Duration(sc.Timeout),
		logger:  logger.With("source", sc.ID),
		metrics: m,
	}, nil
}

// ID returns the source identifier the client was built for.
func (c *Client) ID() string { return c.id }

// URL returns the upstream base URL with any userinfo redacted.
func (c *Client) URL() string { return c.url.Redacted() }

// gettableAlert is the subset of the Alertmanager GettableAlert schema this
// proxy consumes. Decoding a local shape avoids the generated v2 client and
// its dependency tree.
type gettableAlert struct {
	Fingerprint  string         `json:"fingerprint"`
	Labels       model.LabelSet `json:"labels"`
	Annotations  model.LabelSet `json:"annotations"`
	StartsAt     time.Time      `json:"startsAt"`
	EndsAt       time.Time      `json:"endsAt"`
	GeneratorURL string         `json:"generatorURL"`
	Status       struct {
		State string `json:"state"`
	} `json:"status"`
}

// Fetch lists the upstream alerts matching f. The upstream ordering is
// preserved. An empty result is not an error; all transport and decode
// failures are returned as *TransportError. Fetch never retries, that is the
// poller's concern.
func (c *Client) Fetch(ctx context.Context, f Filter) ([]*types.Alert, error) {
	u := *c.url
	u.Path = path.Join(u.Path, "/api/v2/alerts")

	q := url.Values{}
	q.Set("active", "true")
	q.Set("unprocessed", "true")
	q.Set("silenced", strconv.FormatBool(f.Silenced))
	q.Set("inhibited", strconv.FormatBool(f.Inhibited))
	for _, m := range f.Matchers {
		q.Add("filter", m.String())
	}
	u.RawQuery = q.Encode()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, &TransportError{Op: "fetch", URL: c.URL(), Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &TransportError{Op: "fetch", URL: c.URL(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &TransportError{Op: "fetch", URL: c.URL(), StatusCode: resp.StatusCode}
	}

	var raw []gettableAlert
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, &TransportError{Op: "fetch", URL: c.URL(), Err: fmt.Errorf("decoding response: %w", err)}
	}

	now := time.Now()
	alerts := make([]*types.Alert, 0, len(raw))
	for _, ga := range raw {
		if ga.Fingerprint == "" {
			c.metrics.invalidAlerts.WithLabelValues(c.id).Inc()
			c.logger.Warn("Dropping alert without fingerprint", "alertname", ga.Labels[model.AlertNameLabel])
			continue
		}
		status := mapState(ga.Status.State, ga.EndsAt, now)
		if f.OnlyFiring && status == types.AlertResolved {
			continue
		}
		if f.MaxAlerts > 0 && len(alerts) == f.MaxAlerts {
			c.metrics.truncatedAlerts.WithLabelValues(c.id).Inc()
			c.logger.Warn("Truncating fetch result", "limit", f.MaxAlerts, "fetched", len(raw))
			break
		}
		alerts = append(alerts, &types.Alert{
			Fingerprint:  ga.Fingerprint,
			Labels:       ga.Labels,
			Annotations:  ga.Annotations,
			StartsAt:     ga.StartsAt,
			EndsAt:       ga.EndsAt,
			Status:       status,
			GeneratorURL: ga.GeneratorURL,
		})
	}
	return alerts, nil
}

// mapState folds the upstream alert state into the proxy's two-state model.
// Suppressed alerts still fire; suppression is upstream metadata and the
// filter decides whether they are fetched at all. Unknown states count as
// firing so that new upstream states are never silently dropped.
func mapState(state string, endsAt, now time.Time) types.AlertStatus {
	if state == "resolved" {
		return types.AlertResolved
	}
	if !endsAt.IsZero() && endsAt.Before(now) {
		return types.AlertResolved
	}
	return types.AlertFiring
}
