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

// Package api implements the HTTP surface: the push-mode webhook ingress and
// the read/ops endpoints over alerts, groups, and rules.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/model"
	"github.com/prometheus/common/route"
	"github.com/prometheus/common/version"
	"go.uber.org/atomic"

	"github.com/amtriage/amtriage/enrich"
	"github.com/amtriage/amtriage/grouping"
	"github.com/amtriage/amtriage/notify"
	"github.com/amtriage/amtriage/store"
	"github.com/amtriage/amtriage/types"
)

// Enqueuer is the enrichment-queue surface the API needs.
type Enqueuer interface {
	Submit(ctx context.Context, fp string, prio enrich.Priority) (bool, error)
	Depth() int
}

// GroupReader exposes the grouper's read-only snapshots.
type GroupReader interface {
	Groups() []*types.Group
	Rules() []*grouping.Rule
}

// FailureReader exposes per-destination delivery failures.
type FailureReader interface {
	Destinations() []string
	Failures(name string) []notify.DeliveryFailure
}

// Metrics holds the ingress-side metrics.
type Metrics struct {
	received *prometheus.CounterVec
	invalid  prometheus.Counter
}

// NewMetrics returns a new Metrics instance registered on r.
func NewMetrics(r prometheus.Registerer) *Metrics {
	m := &Metrics{
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "amtriage_webhook_alerts_received_total",
			Help: "Number of alerts received via the webhook ingress.",
		}, []string{"status"}),
		invalid: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "amtriage_webhook_alerts_invalid_total",
			Help: "Number of webhook alerts dropped for missing a fingerprint.",
		}),
	}
	if r != nil {
		r.MustRegister(m.received, m.invalid)
	}
	return m
}

// API provides registration of handlers for the HTTP routes.
type API struct {
	alerts  *store.Alerts
	queue   Enqueuer
	groups  GroupReader
	fanout  FailureReader
	uptime  time.Time
	logger  *slog.Logger
	metrics *Metrics

	ready atomic.Bool
}

// New returns a new API.
func New(alerts *store.Alerts, queue Enqueuer, groups GroupReader, fanout FailureReader, l *slog.Logger, m *Metrics) *API {
	return &API{
		alerts:  alerts,
		queue:   queue,
		groups:  groups,
		fanout:  fanout,
		uptime:  time.Now(),
		logger:  l.With("component", "api"),
		metrics: m,
	}
}

// SetReady flips the readiness probe once the workers are running.
func (api *API) SetReady(ready bool) {
	api.ready.Store(ready)
}

// Register registers the handlers under their routes in the given router.
func (api *API) Register(r *route.Router) {
	r.Get("/-/healthy", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, "OK")
	})
	r.Get("/-/ready", func(w http.ResponseWriter, _ *http.Request) {
		if !api.ready.Load() {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintln(w, "OK")
	})

	r.Post("/webhook", api.ingest)

	r = r.WithPrefix("/api/v1")
	r.Post("/webhook", api.ingest)
	r.Get("/alerts", api.listAlerts)
	r.Get("/alerts/:fingerprint", api.getAlert)
	r.Del("/alerts/:fingerprint", api.deleteAlert)
	r.Post("/alerts/:fingerprint/investigate", api.reinvestigate)
	r.Get("/groups", api.listGroups)
	r.Get("/rules", api.listRules)
	r.Get("/status", api.status)
}

type status string

const (
	statusSuccess status = "success"
	statusError   status = "error"
)

type errorType string

const (
	errorBadRequest errorType = "bad_request"
	errorNotFound   errorType = "not_found"
	errorConflict   errorType = "conflict"
	errorInternal   errorType = "server_error"
)

type response struct {
	Status    status      `json:"status"`
	Data      interface{} `json:"data,omitempty"`
	ErrorType errorType   `json:"errorType,omitempty"`
	Error     string      `json:"error,omitempty"`
}

func (api *API) respond(w http.ResponseWriter, data interface{}) {
	api.respondCode(w, http.StatusOK, data)
}

func (api *API) respondCode(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	b, err := json.Marshal(&response{Status: statusSuccess, Data: data})
	if err != nil {
		api.logger.Error("Error marshalling JSON", "err", err)
		return
	}
	w.Write(b)
}

func (api *API) respondError(w http.ResponseWriter, typ errorType, err error) {
	w.Header().Set("Content-Type", "application/json")
	switch typ {
	case errorBadRequest:
		w.WriteHeader(http.StatusBadRequest)
	case errorNotFound:
		w.WriteHeader(http.StatusNotFound)
	case errorConflict:
		w.WriteHeader(http.StatusConflict)
	default:
		w.WriteHeader(http.StatusInternalServerError)
	}
	b, merr := json.Marshal(&response{Status: statusError, ErrorType: typ, Error: err.Error()})
	if merr != nil {
		return
	}
	w.Write(b)
}

// webhookMessage is the Alertmanager v2 webhook envelope this ingress
// accepts.
type webhookMessage struct {
	Version string          `json:"version"`
	Status  string          `json:"status"`
	Alerts  []*webhookAlert `json:"alerts"`
}

type webhookAlert struct {
	Status       string         `json:"status"`
	Labels       model.LabelSet `json:"labels"`
	Annotations  model.LabelSet `json:"annotations"`
	StartsAt     time.Time      `json:"startsAt"`
	EndsAt       time.Time      `json:"endsAt"`
	GeneratorURL string         `json:"generatorURL"`
	Fingerprint  string         `json:"fingerprint"`
}

// ingest accepts a webhook envelope. The whole payload is processed before
// responding: a parseable payload never yields a 5xx, at worst a 202 when
// some entry could not be handed off after acceptance.
func (api *API) ingest(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var msg webhookMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		api.respondError(w, errorBadRequest, fmt.Errorf("decoding webhook payload: %w", err))
		return
	}
	if msg.Alerts == nil {
		api.respondError(w, errorBadRequest, errors.New("webhook payload has no alerts"))
		return
	}

	sourceID := webhookSource(r.RemoteAddr)
	degraded := false
	for _, wa := range msg.Alerts {
		if wa.Fingerprint == "" {
			api.metrics.invalid.Inc()
			api.logger.Warn("Dropping webhook alert without fingerprint",
				"source", sourceID, "alertname", wa.Labels[model.AlertNameLabel])
			continue
		}
		alert := &types.Alert{
			Fingerprint:  wa.Fingerprint,
			Labels:       wa.Labels,
			Annotations:  wa.Annotations,
			StartsAt:     wa.StartsAt,
			EndsAt:       wa.EndsAt,
			Status:       webhookStatus(wa.Status),
			GeneratorURL: wa.GeneratorURL,
		}
		api.metrics.received.WithLabelValues(string(alert.Status)).Inc()

		out := api.alerts.Upsert(alert, sourceID)
		if out.Op == store.OpCreated || out.Reopened {
			if _, err := api.queue.Submit(r.Context(), alert.Fingerprint, enrich.PriorityNormal); err != nil {
				api.logger.Warn("Accepted webhook alert but could not queue enrichment",
					"fingerprint", alert.Fingerprint, "err", err)
				degraded = true
			}
		}
	}

	if degraded {
		api.respondCode(w, http.StatusAccepted, nil)
		return
	}
	api.respond(w, nil)
}

func webhookSource(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	return "webhook:" + host
}

func webhookStatus(s string) types.AlertStatus {
	if s == "resolved" {
		return types.AlertResolved
	}
	return types.AlertFiring
}

func (api *API) listAlerts(w http.ResponseWriter, r *http.Request) {
	var filters []store.ListFilter
	if s := r.URL.Query().Get("status"); s != "" {
		filters = append(filters, store.WithStatus(types.AlertStatus(s)))
	}
	for _, kv := range r.URL.Query()["label"] {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			api.respondError(w, errorBadRequest, fmt.Errorf("invalid label filter %q", kv))
			return
		}
		filters = append(filters, store.WithLabels(model.LabelSet{
			model.LabelName(k): model.LabelValue(v),
		}))
	}
	api.respond(w, api.alerts.List(filters...))
}

func (api *API) getAlert(w http.ResponseWriter, r *http.Request) {
	fp := route.Param(r.Context(), "fingerprint")
	alert, err := api.alerts.Get(fp)
	if err != nil {
		api.respondError(w, errorNotFound, err)
		return
	}
	api.respond(w, alert)
}

func (api *API) deleteAlert(w http.ResponseWriter, r *http.Request) {
	fp := route.Param(r.Context(), "fingerprint")
	if err := api.alerts.Delete(fp); err != nil {
		api.respondError(w, errorNotFound, err)
		return
	}
	api.respond(w, nil)
}

// reinvestigate resubmits a failed enrichment at high priority. Alerts whose
// enrichment is pending, running, or already successful are left alone.
func (api *API) reinvestigate(w http.ResponseWriter, r *http.Request) {
	fp := route.Param(r.Context(), "fingerprint")
	alert, err := api.alerts.Get(fp)
	if err != nil {
		api.respondError(w, errorNotFound, err)
		return
	}
	if alert.Enrichment == nil || alert.Enrichment.Status != types.EnrichmentFailed {
		api.respondError(w, errorConflict, fmt.Errorf("enrichment for %s has not failed", fp))
		return
	}
	accepted, err := api.queue.Submit(r.Context(), fp, enrich.PriorityHigh)
	if err != nil {
		api.respondError(w, errorInternal, err)
		return
	}
	api.respond(w, map[string]bool{"queued": accepted})
}

func (api *API) listGroups(w http.ResponseWriter, _ *http.Request) {
	api.respond(w, api.groups.Groups())
}

func (api *API) listRules(w http.ResponseWriter, _ *http.Request) {
	api.respond(w, api.groups.Rules())
}

type statusInfo struct {
	VersionInfo      map[string]string                   `json:"versionInfo"`
	Uptime           time.Time                           `json:"uptime"`
	AlertCount       int                                 `json:"alertCount"`
	GroupCount       int                                 `json:"groupCount"`
	QueueDepth       int                                 `json:"queueDepth"`
	DeliveryFailures map[string][]notify.DeliveryFailure `json:"deliveryFailures"`
}

func (api *API) status(w http.ResponseWriter, _ *http.Request) {
	failures := map[string][]notify.DeliveryFailure{}
	for _, name := range api.fanout.Destinations() {
		failures[name] = api.fanout.Failures(name)
	}
	api.respond(w, &statusInfo{
		VersionInfo: map[string]string{
			"version":   version.Version,
			"revision":  version.Revision,
			"branch":    version.Branch,
			"buildUser": version.BuildUser,
			"buildDate": version.BuildDate,
			"goVersion": version.GoVersion,
		},
		Uptime:           api.uptime,
		AlertCount:       api.alerts.Count(),
		GroupCount:       len(api.groups.Groups()),
		QueueDepth:       api.queue.Depth(),
		DeliveryFailures: failures,
	})
}
