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

// Package investigate implements the HTTP transport to the external
// investigator service. The service does the actual root-cause analysis;
// this client only carries alerts there and answers back.
package investigate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/google/uuid"
	commoncfg "github.com/prometheus/common/config"

	"github.com/amtriage/amtriage/config"
	"github.com/amtriage/amtriage/types"
)

const requestIDHeader = "X-Request-Id"

// Client talks to the investigator service. It serves both the enrichment
// queue and the grouper.
type Client struct {
	url     *url.URL
	client  *http.Client
	timeout time.Duration
	logger  *slog.Logger
}

// NewClient builds a Client from the investigator configuration.
func NewClient(conf *config.InvestigatorConfig, l *slog.Logger) (*Client, error) {
	httpCfg := commoncfg.DefaultHTTPClientConfig
	if conf.HTTPConfig != nil {
		httpCfg = *conf.HTTPConfig
	}
	client, err := commoncfg.NewClientFromConfig(httpCfg, "amtriage_investigator")
	if err != nil {
		return nil, err
	}
	return &Client{
		url:     conf.URL.URL,
		client:  client,
		timeout: time.Duration(conf.Timeout),
		logger:  l.With("component", "investigator"),
	}, nil
}

type investigateRequest struct {
	Alert *types.Alert `json:"alert"`
}

type investigateResponse struct {
	RootCause string `json:"root_cause"`
	Category  string `json:"category"`
	Evidence  []struct {
		Tool    string `json:"tool"`
		Summary string `json:"summary"`
	} `json:"evidence"`
}

// Investigate asks the service for a root-cause analysis of the alert.
func (c *Client) Investigate(ctx context.Context, alert *types.Alert) (*types.Enrichment, error) {
	var resp investigateResponse
	if err := c.post(ctx, "/api/v1/investigate", &investigateRequest{Alert: alert}, &resp); err != nil {
		return nil, err
	}
	if resp.RootCause == "" {
		return nil, fmt.Errorf("investigator returned no root cause for %s", alert.Fingerprint)
	}

	e := &types.Enrichment{
		Status:    types.EnrichmentOK,
		RootCause: resp.RootCause,
		Category:  types.ParseCategory(resp.Category),
	}
	for _, ev := range resp.Evidence {
		e.Evidence = append(e.Evidence, types.Evidence{Tool: ev.Tool, Summary: ev.Summary})
	}
	return e, nil
}

type verifyRequest struct {
	Alert             *types.Alert `json:"alert"`
	ProposedRootCause string       `json:"proposed_root_cause"`
}

type verifyResponse struct {
	Verdict string `json:"verdict"`
}

// VerifyGrouping asks the service whether the alert belongs under the
// proposed root cause. Anything but an explicit "accepted" is a rejection.
func (c *Client) VerifyGrouping(ctx context.Context, alert *types.Alert, rootCause string) (bool, error) {
	var resp verifyResponse
	req := &verifyRequest{Alert: alert, ProposedRootCause: rootCause}
	if err := c.post(ctx, "/api/v1/verify", req, &resp); err != nil {
		return false, err
	}
	return resp.Verdict == "accepted", nil
}

func (c *Client) post(ctx context.Context, endpoint string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}

	u := *c.url
	u.Path = path.Join(u.Path, endpoint)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(requestIDHeader, uuid.NewString())

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
		resp.Body.Close()
	}()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("investigator %s: unexpected status code %d", endpoint, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
